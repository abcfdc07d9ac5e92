package rateio_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarshare/rateio-engine/rateio"
	"github.com/solarshare/rateio-engine/rateio/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// assertDecimal compares by value so "810" and "810.00" are equal.
func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

func month(s string) rateio.Month {
	m, err := rateio.ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

func entry(unit string, prev, injected, consumed, final string) rateio.LedgerEntry {
	return rateio.LedgerEntry{
		SubUnitID:            rateio.SubUnitID(unit),
		PreviousBalance:      d(prev),
		Injected:             d(injected),
		Consumed:             d(consumed),
		DeclaredFinalBalance: d(final),
	}
}

func contract(id string, participation string) rateio.Contract {
	return rateio.Contract{
		ID:             rateio.ContractID(id),
		Name:           "Contract " + id,
		GeneratorID:    "USINA-1",
		ConsumerID:     "CLI-1",
		ConsumerUnitID: rateio.SubUnitID("UC-" + id),
		Participation:  d(participation),
		Status:         rateio.ContractActive,
	}
}

// sequence returns an id generator yielding prefix-1, prefix-2, ...
func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2024, time.April, 10, 12, 0, 0, 0, time.UTC) }
}

type fixture struct {
	ctx     context.Context
	store   *store.Memory
	table   *rateio.AllocationTable
	auditor *rateio.Auditor
	closer  *rateio.Closer
}

func newFixture(t *testing.T, contracts ...rateio.Contract) fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	for _, c := range contracts {
		require.NoError(t, mem.SaveContract(ctx, c))
	}

	auditor := rateio.NewAuditor(mem, mem)
	auditor.NewID = sequence("audit")
	auditor.Now = fixedClock()

	closer := rateio.NewCloser(mem, mem, mem)
	closer.NewID = sequence("settlement")
	closer.Now = fixedClock()

	return fixture{
		ctx:     ctx,
		store:   mem,
		table:   &rateio.AllocationTable{Contracts: mem, Allocations: mem},
		auditor: auditor,
		closer:  closer,
	}
}
