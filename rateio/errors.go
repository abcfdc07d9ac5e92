/*
errors.go - Centralized error types for the rateio engine

PURPOSE:
  All error types in one place. Arithmetic problems inside the engine are
  never errors: divergence and ledger inconsistency are reported as status
  values so operators can save imperfect months. Errors here cover bad
  input at the boundary, allocation-table conflicts, and missing records.

ERROR CATEGORIES:
  1. Validation - missing/non-numeric input (strict parse mode only)
  2. Conflict   - duplicate allocation, audit or settlement for the same key
  3. Not found  - contract, allocation, audit or settlement record

SEE ALSO:
  - factory/parse.go: produces FieldError in strict mode
  - api/handlers.go: maps categories to HTTP status codes
*/
package rateio

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a required numeric field is missing or
	// not a number and the boundary runs in strict mode.
	ErrValidation = errors.New("validation failed")

	// ErrNegativePercentage is returned for an allocation percentage below zero.
	ErrNegativePercentage = errors.New("allocation percentage must not be negative")

	// ErrDuplicateAllocation is returned when a (contract, sub-unit) pair
	// already has an allocation.
	ErrDuplicateAllocation = errors.New("duplicate allocation for sub-unit")

	// ErrOverAllocated is returned only when the caller opts into rejecting
	// allocation totals above 100%.
	ErrOverAllocated = errors.New("allocation total exceeds 100%")

	// ErrContractExists is returned when creating a contract whose id is taken.
	ErrContractExists = errors.New("contract already exists")

	ErrContractNotFound    = errors.New("contract not found")
	ErrAllocationNotFound  = errors.New("allocation not found")
	ErrAuditRecordNotFound = errors.New("audit record not found")
	ErrSettlementNotFound  = errors.New("settlement record not found")

	// ErrAuditRecordExists is returned when the contract already has an
	// audit record for the month.
	ErrAuditRecordExists = errors.New("audit record already exists for month")

	// ErrSettlementExists is returned when the contract month is already closed.
	ErrSettlementExists = errors.New("settlement already exists for month")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// FieldError names the offending input field.
type FieldError struct {
	Field  string
	Value  any
	Reason string

	// Err is an optional more specific sentinel (e.g. ErrNegativePercentage).
	Err error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Reason, e.Value)
}

func (e *FieldError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// DuplicateAllocationError carries the conflicting allocation.
type DuplicateAllocationError struct {
	ContractID ContractID
	SubUnitID  SubUnitID
	ExistingID AllocationID
}

func (e *DuplicateAllocationError) Error() string {
	return fmt.Sprintf("sub-unit %s already allocated on contract %s (allocation %d)",
		e.SubUnitID, e.ContractID, e.ExistingID)
}

func (e *DuplicateAllocationError) Unwrap() error { return ErrDuplicateAllocation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNegativePercentage)
}

// IsConflict returns true if the write collides with an existing record.
func IsConflict(err error) bool {
	return errors.Is(err, ErrContractExists) ||
		errors.Is(err, ErrDuplicateAllocation) ||
		errors.Is(err, ErrOverAllocated) ||
		errors.Is(err, ErrAuditRecordExists) ||
		errors.Is(err, ErrSettlementExists)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrAllocationNotFound) ||
		errors.Is(err, ErrAuditRecordNotFound) ||
		errors.Is(err, ErrSettlementNotFound)
}
