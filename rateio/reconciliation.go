/*
reconciliation.go - Monthly entitlement vs declared credits

PURPOSE:
  Answers "did the distributor credit this contract what the generator
  produced for it?". The generator's net output for the month is scaled by
  the contract participation to get the client's entitlement, which is then
  compared to the credits declared as injected on each sub-unit's bill.

COMPUTATION:
  1. net         = max(0, generation - selfConsumption)
  2. entitlement = net * participation / 100
  3. injected    = sum(entry.Injected)
  4. divergence  = entitlement - injected
  5. status      = DIVERGENT if |divergence| > tolerance, else OK

TOLERANCES:
  DefaultAggregateToleranceKWh (5 kWh) absorbs metering and rounding noise
  at the contract level. EntryToleranceKWh (1 kWh, balance.go) is the much
  tighter per-unit check for typos.

GUARANTEES:
  Pure and deterministic. Never mutates entries. The status computed here is
  what Auditor persists on the record; it is the single source of truth for
  "reconciled or not".

SEE ALSO:
  - audit.go: Persists Reconcile output on create/update
  - allocation.go: DistributeEntitlement for the per-unit breakdown
*/
package rateio

import "github.com/shopspring/decimal"

// DefaultAggregateToleranceKWh is the contract-level divergence tolerance.
var DefaultAggregateToleranceKWh = decimal.NewFromInt(5)

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// ReconciliationInput is everything needed to reconcile one contract month.
type ReconciliationInput struct {
	Generation      Energy
	SelfConsumption Energy

	// Participation is the contract share of net output, in percent.
	Participation decimal.Decimal

	Entries []LedgerEntry

	// Allocations drive the per-unit breakdown. Optional: when empty the
	// breakdown only lists units that appear in Entries.
	Allocations []Allocation
}

// Reconciliation is the derived view of a contract month.
type Reconciliation struct {
	NetGeneratorOutput    Energy
	ClientEntitlement     Energy
	TotalInjectedDeclared Energy
	Divergence            Energy
	Tolerance             Energy
	Status                AuditStatus

	Units []UnitReconciliation
}

// UnitReconciliation compares a sub-unit's expected share with what was
// declared for it. Advisory only; Status is decided on the aggregate.
type UnitReconciliation struct {
	SubUnitID  SubUnitID
	Percentage decimal.Decimal
	Expected   Energy
	Injected   Energy
	Divergence Energy

	// Unallocated marks units with entries but no allocation row.
	Unallocated bool
}

// =============================================================================
// RECONCILE
// =============================================================================

// NetGeneratorOutput clamps generation minus self-consumption at zero.
func NetGeneratorOutput(generation, selfConsumption Energy) Energy {
	net := generation.Sub(selfConsumption)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// ClientEntitlement is the contract's share of net output.
func ClientEntitlement(net Energy, participation decimal.Decimal) Energy {
	return percentOf(net, participation)
}

// TotalInjected sums declared injected credits.
func TotalInjected(entries []LedgerEntry) Energy {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Injected)
	}
	return total
}

// StatusFor classifies a divergence against tolerance.
func StatusFor(divergence, tolerance Energy) AuditStatus {
	if divergence.Abs().GreaterThan(tolerance) {
		return StatusDivergent
	}
	return StatusOK
}

// Reconcile derives entitlement, divergence and status for a contract month.
// The tolerance is taken literally: zero means any divergence is DIVERGENT.
// A negative tolerance is clamped to zero.
func Reconcile(in ReconciliationInput, tolerance Energy) Reconciliation {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}

	net := NetGeneratorOutput(in.Generation, in.SelfConsumption)
	entitlement := ClientEntitlement(net, in.Participation)
	injected := TotalInjected(in.Entries)
	divergence := entitlement.Sub(injected)

	return Reconciliation{
		NetGeneratorOutput:    net,
		ClientEntitlement:     entitlement,
		TotalInjectedDeclared: injected,
		Divergence:            divergence,
		Tolerance:             tolerance,
		Status:                StatusFor(divergence, tolerance),
		Units:                 unitBreakdown(entitlement, in.Allocations, in.Entries),
	}
}

func unitBreakdown(entitlement Energy, allocs []Allocation, entries []LedgerEntry) []UnitReconciliation {
	injectedBy := make(map[SubUnitID]Energy)
	var order []SubUnitID
	for _, e := range entries {
		if _, seen := injectedBy[e.SubUnitID]; !seen {
			order = append(order, e.SubUnitID)
			injectedBy[e.SubUnitID] = decimal.Zero
		}
		injectedBy[e.SubUnitID] = injectedBy[e.SubUnitID].Add(e.Injected)
	}

	units := make([]UnitReconciliation, 0, len(allocs)+len(order))
	allocated := make(map[SubUnitID]bool, len(allocs))
	for _, share := range DistributeEntitlement(entitlement, allocs) {
		allocated[share.SubUnitID] = true
		injected, ok := injectedBy[share.SubUnitID]
		if !ok {
			injected = decimal.Zero
		}
		units = append(units, UnitReconciliation{
			SubUnitID:  share.SubUnitID,
			Percentage: share.Percentage,
			Expected:   share.Expected,
			Injected:   injected,
			Divergence: share.Expected.Sub(injected),
		})
	}

	for _, id := range order {
		if allocated[id] {
			continue
		}
		injected := injectedBy[id]
		units = append(units, UnitReconciliation{
			SubUnitID:   id,
			Percentage:  decimal.Zero,
			Expected:    decimal.Zero,
			Injected:    injected,
			Divergence:  injected.Neg(),
			Unallocated: true,
		})
	}
	return units
}
