/*
allocation.go - Sub-unit allocation table (rateio configuration)

PURPOSE:
  A contract's share of generator output can be split across several
  consumer sub-units (the consumer's other metered installations). Each
  sub-unit gets a percentage of the contract rateio. This file holds:
  1. The AllocationTable service (list/add/update/remove over a store)
  2. ResolveAllocations: the read-time fallback for unconfigured contracts
  3. Summarize: the running total behind the 100% completeness indicator
  4. DistributeEntitlement: the rateio itself (entitlement -> per-unit kWh)

SOFT RULE:
  Percentages SHOULD sum to 100 but the table never rejects a total that
  deviates. Negative percentages are rejected; values above 100 are not.
  Whether a total above 100% is acceptable is a caller policy
  (AllocationTable.RejectOverAllocation), off by default.

FALLBACK:
  A contract with no allocations behaves as if its primary consumer unit
  had 100%. The fallback is synthesized on every read, never stored, and
  carries FallbackAllocationID (0), which no stored row can have.

EXAMPLE:
  table := &AllocationTable{Contracts: store, Allocations: store}
  a, err := table.AddAllocation(ctx, "ctr-1", "uc-2002", decimal.NewFromInt(60))
  total, _ := table.TotalPercentage(ctx, "ctr-1") // 60

SEE ALSO:
  - reconciliation.go: Uses DistributeEntitlement for the per-unit breakdown
*/
package rateio

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PURE FUNCTIONS
// =============================================================================

// ResolveAllocations returns the contract's stored allocations, or a single
// synthetic 100% allocation to the primary consumer unit when none exist.
func ResolveAllocations(c Contract) []Allocation {
	if len(c.Allocations) > 0 {
		out := make([]Allocation, len(c.Allocations))
		copy(out, c.Allocations)
		return out
	}
	return []Allocation{{
		ID:         FallbackAllocationID,
		ContractID: c.ID,
		SubUnitID:  c.ConsumerUnitID,
		Percentage: hundred,
		Synthetic:  true,
	}}
}

// SumPercentages adds up allocation percentages.
func SumPercentages(allocs []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.Percentage)
	}
	return total
}

// AllocationSummary backs the completeness indicator shown next to the table.
type AllocationSummary struct {
	Total         decimal.Decimal
	Remaining     decimal.Decimal // 100 - Total, negative when over-allocated
	Complete      bool
	OverAllocated bool
	Count         int
}

// Summarize reports the running total of allocations.
func Summarize(allocs []Allocation) AllocationSummary {
	total := SumPercentages(allocs)
	return AllocationSummary{
		Total:         total,
		Remaining:     hundred.Sub(total),
		Complete:      total.Equal(hundred),
		OverAllocated: total.GreaterThan(hundred),
		Count:         len(allocs),
	}
}

// UnitShare is one sub-unit's part of the contract entitlement.
type UnitShare struct {
	AllocationID AllocationID
	SubUnitID    SubUnitID
	Percentage   decimal.Decimal
	Expected     Energy
}

// DistributeEntitlement splits entitlement across allocations by percentage,
// rounded to meter precision (3 dp). Shares are not renormalized: a table
// totalling 90% distributes 90% of the entitlement.
func DistributeEntitlement(entitlement Energy, allocs []Allocation) []UnitShare {
	shares := make([]UnitShare, len(allocs))
	for i, a := range allocs {
		shares[i] = UnitShare{
			AllocationID: a.ID,
			SubUnitID:    a.SubUnitID,
			Percentage:   a.Percentage,
			Expected:     RoundHalfUp(percentOf(entitlement, a.Percentage), 3),
		}
	}
	return shares
}

// =============================================================================
// ALLOCATION TABLE - Service over the allocation store
// =============================================================================

// AllocationTable manages the sub-unit allocations of contracts.
type AllocationTable struct {
	Contracts   ContractStore
	Allocations AllocationStore

	// RejectOverAllocation makes add/update fail with ErrOverAllocated when
	// the resulting total would exceed 100%.
	RejectOverAllocation bool
}

// ListAllocations returns the stored allocations of a contract, ordered by id.
func (t *AllocationTable) ListAllocations(ctx context.Context, contractID ContractID) ([]Allocation, error) {
	allocs, err := t.Allocations.ListAllocations(ctx, contractID)
	if err != nil {
		return nil, err
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].ID < allocs[j].ID })
	return allocs, nil
}

// ResolvedAllocations returns what consumers of the table should operate on:
// the stored list or the synthetic fallback.
func (t *AllocationTable) ResolvedAllocations(ctx context.Context, contractID ContractID) ([]Allocation, error) {
	c, err := t.Contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	return ResolveAllocations(c), nil
}

// AddAllocation allocates pct of the contract rateio to subUnitID.
func (t *AllocationTable) AddAllocation(ctx context.Context, contractID ContractID, subUnitID SubUnitID, pct decimal.Decimal) (Allocation, error) {
	if pct.IsNegative() {
		return Allocation{}, &FieldError{Field: "percentage", Value: pct, Reason: "must not be negative", Err: ErrNegativePercentage}
	}
	if subUnitID == "" {
		return Allocation{}, &FieldError{Field: "sub_unit_id", Value: subUnitID, Reason: "required"}
	}
	if _, err := t.Contracts.GetContract(ctx, contractID); err != nil {
		return Allocation{}, err
	}

	existing, err := t.Allocations.ListAllocations(ctx, contractID)
	if err != nil {
		return Allocation{}, err
	}
	for _, a := range existing {
		if a.SubUnitID == subUnitID {
			return Allocation{}, &DuplicateAllocationError{
				ContractID: contractID,
				SubUnitID:  subUnitID,
				ExistingID: a.ID,
			}
		}
	}
	if t.RejectOverAllocation && SumPercentages(existing).Add(pct).GreaterThan(hundred) {
		return Allocation{}, ErrOverAllocated
	}

	return t.Allocations.InsertAllocation(ctx, Allocation{
		ContractID: contractID,
		SubUnitID:  subUnitID,
		Percentage: pct,
	})
}

// UpdateAllocation changes the percentage of an allocation.
func (t *AllocationTable) UpdateAllocation(ctx context.Context, id AllocationID, pct decimal.Decimal) error {
	if pct.IsNegative() {
		return &FieldError{Field: "percentage", Value: pct, Reason: "must not be negative", Err: ErrNegativePercentage}
	}
	current, err := t.Allocations.GetAllocation(ctx, id)
	if err != nil {
		return err
	}

	if t.RejectOverAllocation {
		siblings, err := t.Allocations.ListAllocations(ctx, current.ContractID)
		if err != nil {
			return err
		}
		total := SumPercentages(siblings).Sub(current.Percentage).Add(pct)
		if total.GreaterThan(hundred) {
			return ErrOverAllocated
		}
	}

	return t.Allocations.UpdateAllocationPercentage(ctx, id, pct)
}

// RemoveAllocation deletes an allocation. Removing the last allocation makes
// the contract fall back to its primary consumer unit.
func (t *AllocationTable) RemoveAllocation(ctx context.Context, id AllocationID) error {
	return t.Allocations.DeleteAllocation(ctx, id)
}

// TotalPercentage sums the stored allocations of a contract. The synthetic
// fallback is not counted.
func (t *AllocationTable) TotalPercentage(ctx context.Context, contractID ContractID) (decimal.Decimal, error) {
	allocs, err := t.Allocations.ListAllocations(ctx, contractID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumPercentages(allocs), nil
}
