/*
store.go - Persistence interfaces for contracts, allocations and monthly records

PURPOSE:
  Defines the boundary between the engine and storage. The engine itself
  never talks to storage; the services in this package (AllocationTable,
  Auditor, Closer, Reporter) call these interfaces around the pure
  calculations.

OWNERSHIP:
  - Contract owns its Allocations (deleted with the contract)
  - AuditRecord owns its LedgerEntries (deleted with the record)
  - Audit and settlement records reference the contract by id only and are
    NOT deleted with it; reporting filters orphans instead

WRITE SEMANTICS:
  Last writer wins. Callers keep at most one in-flight write per audit or
  settlement record; there is no optimistic concurrency check.

IMPLEMENTATIONS:
  - rateio/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - errors.go: Not-found and conflict errors returned by implementations
*/
package rateio

import (
	"context"

	"github.com/shopspring/decimal"
)

// ContractStore persists contracts. GetContract returns the contract with
// its stored allocations (possibly empty).
type ContractStore interface {
	SaveContract(ctx context.Context, c Contract) error
	GetContract(ctx context.Context, id ContractID) (Contract, error)
	ListContracts(ctx context.Context) ([]Contract, error)
	UpdateParticipation(ctx context.Context, id ContractID, participation decimal.Decimal) error
	DeleteContract(ctx context.Context, id ContractID) error
}

// AllocationStore persists sub-unit allocations.
type AllocationStore interface {
	ListAllocations(ctx context.Context, contractID ContractID) ([]Allocation, error)
	GetAllocation(ctx context.Context, id AllocationID) (Allocation, error)

	// InsertAllocation assigns a fresh id (>= 1). Returns
	// ErrDuplicateAllocation if the (contract, sub-unit) pair exists.
	InsertAllocation(ctx context.Context, a Allocation) (Allocation, error)

	UpdateAllocationPercentage(ctx context.Context, id AllocationID, pct decimal.Decimal) error
	DeleteAllocation(ctx context.Context, id AllocationID) error
}

// AuditStore persists monthly audit records with their ledger entries.
type AuditStore interface {
	// ListAuditRecords returns records for a contract ordered by month.
	ListAuditRecords(ctx context.Context, contractID ContractID) ([]AuditRecord, error)
	GetAuditRecord(ctx context.Context, id AuditRecordID) (AuditRecord, error)

	// CreateAuditRecord returns ErrAuditRecordExists if the contract month
	// already has a record.
	CreateAuditRecord(ctx context.Context, rec AuditRecord) error

	// UpdateAuditRecord replaces the record and its entries.
	UpdateAuditRecord(ctx context.Context, rec AuditRecord) error

	DeleteAuditRecord(ctx context.Context, id AuditRecordID) error
}

// SettlementStore persists monthly settlement records.
type SettlementStore interface {
	CreateSettlementRecord(ctx context.Context, rec SettlementRecord) error
	UpdateSettlementRecord(ctx context.Context, rec SettlementRecord) error
	GetSettlementRecord(ctx context.Context, id SettlementID) (SettlementRecord, error)
	ListSettlementRecords(ctx context.Context, contractID ContractID) ([]SettlementRecord, error)

	// ListAllSettlementRecords includes rows whose contract no longer exists.
	ListAllSettlementRecords(ctx context.Context) ([]SettlementRecord, error)
}

// Store is the full persistence collaborator.
type Store interface {
	ContractStore
	AllocationStore
	AuditStore
	SettlementStore
}
