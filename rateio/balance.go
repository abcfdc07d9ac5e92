package rateio

import "github.com/shopspring/decimal"

// =============================================================================
// BALANCE LEDGER - Per-unit carry-forward checks
// =============================================================================

// EntryToleranceKWh is the per-entry arithmetic tolerance applied to
// operator-entered ledger figures.
var EntryToleranceKWh = decimal.NewFromInt(1)

// EntryCheck is the advisory result of CheckEntry.
type EntryCheck struct {
	SubUnitID       SubUnitID
	CalculatedFinal Energy
	Difference      Energy // declared - calculated
	IsInconsistent  bool
}

// CheckEntry verifies previous + injected - consumed against the declared
// final balance using EntryToleranceKWh. It never blocks a save.
func CheckEntry(e LedgerEntry) EntryCheck {
	return CheckEntryWithin(e, EntryToleranceKWh)
}

// CheckEntryWithin is CheckEntry with an explicit tolerance. A negative
// tolerance is treated as zero.
func CheckEntryWithin(e LedgerEntry, tolerance Energy) EntryCheck {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	calculated := e.PreviousBalance.Add(e.Injected).Sub(e.Consumed)
	diff := e.DeclaredFinalBalance.Sub(calculated)
	return EntryCheck{
		SubUnitID:       e.SubUnitID,
		CalculatedFinal: calculated,
		Difference:      diff,
		IsInconsistent:  diff.Abs().GreaterThan(tolerance),
	}
}

// CheckEntries runs CheckEntry over a record's entries, in order.
func CheckEntries(entries []LedgerEntry) []EntryCheck {
	return CheckEntriesWithin(entries, EntryToleranceKWh)
}

// CheckEntriesWithin runs CheckEntryWithin over entries, in order.
func CheckEntriesWithin(entries []LedgerEntry, tolerance Energy) []EntryCheck {
	checks := make([]EntryCheck, len(entries))
	for i, e := range entries {
		checks[i] = CheckEntryWithin(e, tolerance)
	}
	return checks
}

// CountInconsistent returns how many checks are flagged.
func CountInconsistent(checks []EntryCheck) int {
	n := 0
	for _, c := range checks {
		if c.IsInconsistent {
			n++
		}
	}
	return n
}

// SeedEntries builds next month's draft entries from the previous month:
// each unit starts with PreviousBalance = prior DeclaredFinalBalance and zero
// movements. Drafts are defaults for the operator, not enforced values.
func SeedEntries(previous []LedgerEntry) []LedgerEntry {
	drafts := make([]LedgerEntry, len(previous))
	for i, e := range previous {
		drafts[i] = LedgerEntry{
			SubUnitID:            e.SubUnitID,
			PreviousBalance:      e.DeclaredFinalBalance,
			Injected:             decimal.Zero,
			Consumed:             decimal.Zero,
			DeclaredFinalBalance: e.DeclaredFinalBalance,
		}
	}
	return drafts
}

// SeedFromAllocations builds zero-balance drafts for every allocated unit
// missing from drafts. Used for a contract's first month or for units added
// since the previous record.
func SeedFromAllocations(drafts []LedgerEntry, allocs []Allocation) []LedgerEntry {
	present := make(map[SubUnitID]bool, len(drafts))
	for _, d := range drafts {
		present[d.SubUnitID] = true
	}
	for _, a := range allocs {
		if present[a.SubUnitID] {
			continue
		}
		present[a.SubUnitID] = true
		drafts = append(drafts, LedgerEntry{
			SubUnitID:            a.SubUnitID,
			PreviousBalance:      decimal.Zero,
			Injected:             decimal.Zero,
			Consumed:             decimal.Zero,
			DeclaredFinalBalance: decimal.Zero,
		})
	}
	return drafts
}
