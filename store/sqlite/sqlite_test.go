package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarshare/rateio-engine/rateio"
	"github.com/solarshare/rateio-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func saveContract(t *testing.T, s *sqlite.Store, id rateio.ContractID) rateio.Contract {
	t.Helper()
	c := rateio.Contract{
		ID:              id,
		Name:            "Padaria " + string(id),
		GeneratorID:     "USINA-1",
		ConsumerID:      "CLI-1",
		ConsumerUnitID:  "UC-" + rateio.SubUnitID(id),
		Participation:   dec("42.5"),
		GeneratorTariff: dec("0.55"),
		Status:          rateio.ContractActive,
	}
	require.NoError(t, s.SaveContract(context.Background(), c))
	return c
}

func TestStore_ContractRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	want := saveContract(t, s, "CT-1")

	got, err := s.GetContract(ctx, "CT-1")
	require.NoError(t, err)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.ConsumerUnitID, got.ConsumerUnitID)
	assert.True(t, want.Participation.Equal(got.Participation))
	assert.True(t, want.GeneratorTariff.Equal(got.GeneratorTariff))
	assert.Equal(t, rateio.ContractActive, got.Status)
	assert.Empty(t, got.Allocations)

	require.NoError(t, s.UpdateParticipation(ctx, "CT-1", dec("50")))
	got, err = s.GetContract(ctx, "CT-1")
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(got.Participation))

	_, err = s.GetContract(ctx, "missing")
	assert.ErrorIs(t, err, rateio.ErrContractNotFound)
	assert.ErrorIs(t, s.UpdateParticipation(ctx, "missing", dec("1")), rateio.ErrContractNotFound)
}

func TestStore_AllocationConstraints(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	saveContract(t, s, "CT-1")

	a, err := s.InsertAllocation(ctx, rateio.Allocation{ContractID: "CT-1", SubUnitID: "UC-2", Percentage: dec("33.3333")})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(a.ID), int64(1))

	// Duplicate (contract, sub-unit)
	_, err = s.InsertAllocation(ctx, rateio.Allocation{ContractID: "CT-1", SubUnitID: "UC-2", Percentage: dec("1")})
	var dup *rateio.DuplicateAllocationError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, a.ID, dup.ExistingID)

	// Unknown contract
	_, err = s.InsertAllocation(ctx, rateio.Allocation{ContractID: "missing", SubUnitID: "UC-9", Percentage: dec("1")})
	assert.ErrorIs(t, err, rateio.ErrContractNotFound)

	require.NoError(t, s.UpdateAllocationPercentage(ctx, a.ID, dec("66.6667")))
	got, err := s.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, dec("66.6667").Equal(got.Percentage))

	c, err := s.GetContract(ctx, "CT-1")
	require.NoError(t, err)
	assert.Len(t, c.Allocations, 1)
}

func TestStore_AuditRecordWithEntries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 2, 5, 12, 0, 0, 0, time.UTC)
	readAt := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	rec := rateio.AuditRecord{
		ID:              "a1",
		ContractID:      "CT-1",
		Month:           rateio.MustParseMonth("2024-01"),
		Generation:      dec("1000"),
		SelfConsumption: dec("12.5"),
		Observation:     "leitura estimada",
		Status:          rateio.StatusOK,
		Divergence:      dec("2"),
		Entries: []rateio.LedgerEntry{
			{SubUnitID: "UC-A1", ReadingDate: readAt, PreviousBalance: dec("0"), Injected: dec("599"), Consumed: dec("500"), DeclaredFinalBalance: dec("99")},
			{SubUnitID: "UC-A2", PreviousBalance: dec("10"), Injected: dec("399"), Consumed: dec("0"), DeclaredFinalBalance: dec("409")},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAuditRecord(ctx, rec))

	got, err := s.GetAuditRecord(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, rec.Month, got.Month)
	assert.Equal(t, rateio.StatusOK, got.Status)
	assert.True(t, dec("12.5").Equal(got.SelfConsumption))
	require.Len(t, got.Entries, 2)
	assert.Equal(t, rateio.SubUnitID("UC-A1"), got.Entries[0].SubUnitID)
	assert.True(t, readAt.Equal(got.Entries[0].ReadingDate))
	assert.True(t, got.Entries[1].ReadingDate.IsZero())
	assert.True(t, dec("409").Equal(got.Entries[1].DeclaredFinalBalance))

	// One record per contract month
	dup := rec
	dup.ID = "a2"
	assert.ErrorIs(t, s.CreateAuditRecord(ctx, dup), rateio.ErrAuditRecordExists)

	// Update replaces the entries
	rec.Entries = rec.Entries[:1]
	rec.Status = rateio.StatusDivergent
	require.NoError(t, s.UpdateAuditRecord(ctx, rec))
	got, err = s.GetAuditRecord(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, got.Entries, 1)
	assert.Equal(t, rateio.StatusDivergent, got.Status)

	require.NoError(t, s.DeleteAuditRecord(ctx, "a1"))
	_, err = s.GetAuditRecord(ctx, "a1")
	assert.ErrorIs(t, err, rateio.ErrAuditRecordNotFound)
}

func TestStore_SettlementRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sett := rateio.Settle(rateio.SettlementInput{
		EnergyInjectedKWh:     dec("1000"),
		TariffPerKWh:          dec("0.90"),
		DiscountPercentage:    dec("10"),
		GeneratorTariffPerKWh: dec("0.60"),
	})
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	rec := rateio.SettlementRecord{
		ID:                "s1",
		ContractID:        "CT-1",
		Month:             rateio.MustParseMonth("2024-03"),
		EnergyCompensated: sett.Input.EnergyInjectedKWh,
		AmountReceived:    sett.AmountBilledToConsumer,
		AmountPaid:        sett.AmountPaidToGenerator,
		Spread:            sett.Spread,
		Breakdown:         sett,
		Documents:         []rateio.DocumentRef{{Kind: "bill", Ref: "fatura-2024-03.pdf"}},
		Notes:             "ok",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.CreateSettlementRecord(ctx, rec))

	got, err := s.GetSettlementRecord(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, dec("810").Equal(got.AmountReceived))
	assert.True(t, dec("210").Equal(got.Spread))
	assert.True(t, dec("0.60").Equal(got.Breakdown.Input.GeneratorTariffPerKWh))
	assert.True(t, sett.NetEconomy.Equal(got.Breakdown.NetEconomy))
	assert.Equal(t, rec.Documents, got.Documents)
	assert.True(t, now.Equal(got.CreatedAt))

	dup := rec
	dup.ID = "s2"
	assert.ErrorIs(t, s.CreateSettlementRecord(ctx, dup), rateio.ErrSettlementExists)

	rec.Notes = "corrigido"
	require.NoError(t, s.UpdateSettlementRecord(ctx, rec))
	got, err = s.GetSettlementRecord(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "corrigido", got.Notes)

	missing := rec
	missing.ID = "nope"
	assert.ErrorIs(t, s.UpdateSettlementRecord(ctx, missing), rateio.ErrSettlementNotFound)
}

func TestStore_DeleteContractCascadesOnlyAllocations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	saveContract(t, s, "CT-1")
	a, err := s.InsertAllocation(ctx, rateio.Allocation{ContractID: "CT-1", SubUnitID: "UC-2", Percentage: dec("100")})
	require.NoError(t, err)

	jan := rateio.MustParseMonth("2024-01")
	require.NoError(t, s.CreateAuditRecord(ctx, rateio.AuditRecord{ID: "a1", ContractID: "CT-1", Month: jan, Status: rateio.StatusOK}))
	require.NoError(t, s.CreateSettlementRecord(ctx, rateio.SettlementRecord{ID: "s1", ContractID: "CT-1", Month: jan}))

	// WHEN: The contract is deleted
	require.NoError(t, s.DeleteContract(ctx, "CT-1"))

	// THEN: The allocation is gone, history stays as orphans
	_, err = s.GetAllocation(ctx, a.ID)
	assert.ErrorIs(t, err, rateio.ErrAllocationNotFound)

	audits, err := s.ListAuditRecords(ctx, "CT-1")
	require.NoError(t, err)
	assert.Len(t, audits, 1)

	all, err := s.ListAllSettlementRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	report, err := (&rateio.Reporter{Contracts: s, Settlements: s}).Load(ctx, rateio.MonthRange{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphans)
	assert.Empty(t, report.Rows)
}

func TestStore_ResetAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rateio.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	saveContract(t, s, "CT-1")
	require.NoError(t, s.Close())

	// Data survives reopening
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	contracts, err := s.ListContracts(ctx)
	require.NoError(t, err)
	assert.Len(t, contracts, 1)

	require.NoError(t, s.Reset(ctx))
	contracts, err = s.ListContracts(ctx)
	require.NoError(t, err)
	assert.Empty(t, contracts)
}
