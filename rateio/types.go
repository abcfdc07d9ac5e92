/*
Package rateio provides the energy-credit allocation and monthly settlement engine.

PURPOSE:
  Operators lease solar-generation capacity to consumers. Each month a
  generator's net output is split across the consumer sub-units linked to a
  contract (the "rateio"), the credits the distributor declares for each unit
  are reconciled against that entitlement, and the month is closed with a
  financial settlement between consumer and generator owner.

KEY CONCEPTS IN THIS FILE (types.go):
  - Energy / Money: decimal quantities (kWh and BRL)
  - Contract: generator -> primary consumer link with a participation share
  - Allocation: one consumer sub-unit's share of the contract rateio
  - AuditRecord / LedgerEntry: the monthly reconciliation and its per-unit credits
  - SettlementRecord: the monthly financial closing (fechamento)

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64 inside the engine
  2. Purity: calculations are free functions over values; services only
     orchestrate store calls around them
  3. Soft rules: divergence and inconsistency are status values, not
     errors, so imperfect months can still be saved and fixed later
  4. Orphan safety: audit and settlement records reference contracts by id
     only and outlive contract edits

SEE ALSO:
  - allocation.go: Allocation table and fallback resolution
  - reconciliation.go: Monthly entitlement vs declared credits
  - balance.go: Per-unit balance carry-forward checks
  - settlement.go: Financial settlement calculator
  - proposal.go: Pre-sale bill simulation
*/
package rateio

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITIES
// =============================================================================

var hundred = decimal.NewFromInt(100)

// Energy is a quantity of energy in kWh.
type Energy = decimal.Decimal

// Money is a currency amount in BRL.
type Money = decimal.Decimal

// BRL builds a Money from a float literal. Intended for tests and fixtures.
func BRL(v float64) Money { return decimal.NewFromFloat(v) }

// RoundMoney rounds half up (toward +inf) to 2 decimal places.
// decimal.Round rounds half away from zero, which disagrees for negatives.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return RoundHalfUp(d, 2)
}

// RoundHalfUp rounds d to places decimal places, ties toward +inf.
func RoundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	half := decimal.New(5, -1)
	return d.Shift(places).Add(half).Floor().Shift(-places)
}

func percentOf(d, pct decimal.Decimal) decimal.Decimal {
	return d.Mul(pct).Div(hundred)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContractID string
type GeneratorID string
type ConsumerID string
type SubUnitID string
type AuditRecordID string
type SettlementID string

// AllocationID identifies a stored sub-unit allocation. Stored ids start at 1.
type AllocationID int64

// FallbackAllocationID is the sentinel id of the synthetic allocation. It is
// never assigned to a stored row.
const FallbackAllocationID AllocationID = 0

// =============================================================================
// CONTRACT (VINCULO)
// =============================================================================

type ContractStatus string

const (
	ContractActive     ContractStatus = "active"
	ContractSuspended  ContractStatus = "suspended"
	ContractTerminated ContractStatus = "terminated"
)

// Contract links one generator to one primary consumer.
type Contract struct {
	ID          ContractID
	Name        string
	GeneratorID GeneratorID
	ConsumerID  ConsumerID

	// ConsumerUnitID is the primary consumer's own unit. It receives the
	// whole rateio when no allocation is configured.
	ConsumerUnitID SubUnitID

	// Participation is the share of generator output assigned to this
	// contract, in percent.
	Participation decimal.Decimal

	// GeneratorTariff is what the generator owner is paid per compensated
	// kWh. Zero when the owner is paid outside the platform.
	GeneratorTariff Money

	Status      ContractStatus
	Allocations []Allocation

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// SUB-UNIT ALLOCATION
// =============================================================================

// Allocation assigns a percentage of a contract's rateio to a consumer sub-unit.
type Allocation struct {
	ID         AllocationID
	ContractID ContractID
	SubUnitID  SubUnitID
	Percentage decimal.Decimal

	// Synthetic marks the read-time fallback. Synthetic allocations are
	// never persisted.
	Synthetic bool
}

// =============================================================================
// MONTHLY AUDIT RECORD
// =============================================================================

type AuditStatus string

const (
	StatusOK        AuditStatus = "OK"
	StatusDivergent AuditStatus = "DIVERGENT"
)

// AuditRecord is the monthly reconciliation of one contract.
type AuditRecord struct {
	ID              AuditRecordID
	ContractID      ContractID
	Month           Month
	Generation      Energy
	SelfConsumption Energy
	Observation     string

	// Status and Divergence are derived by Reconcile on every save.
	Status     AuditStatus
	Divergence Energy

	Entries []LedgerEntry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is one sub-unit's credit movement for the month, as declared
// on the distributor's bill.
type LedgerEntry struct {
	SubUnitID            SubUnitID
	ReadingDate          time.Time
	PreviousBalance      Energy
	Injected             Energy
	Consumed             Energy
	DeclaredFinalBalance Energy
}

// =============================================================================
// SETTLEMENT RECORD (FECHAMENTO)
// =============================================================================

// DocumentRef is an opaque reference to a supporting document (bill,
// receipt). Storage of the document itself is external.
type DocumentRef struct {
	Kind string
	Ref  string
}

// SettlementRecord is the finalized monthly financial record of a contract.
type SettlementRecord struct {
	ID                SettlementID
	ContractID        ContractID
	Month             Month
	EnergyCompensated Energy
	AmountReceived    Money
	AmountPaid        Money
	Spread            Money

	// Breakdown is the calculator audit trail behind AmountReceived.
	Breakdown Settlement

	Documents []DocumentRef
	Notes     string

	CreatedAt time.Time
	UpdatedAt time.Time
}
