package store_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarshare/rateio-engine/rateio"
	"github.com/solarshare/rateio-engine/rateio/store"
)

func seedContract(t *testing.T, m *store.Memory, id rateio.ContractID) {
	t.Helper()
	require.NoError(t, m.SaveContract(context.Background(), rateio.Contract{
		ID:             id,
		ConsumerUnitID: "UC-" + rateio.SubUnitID(id),
		Participation:  decimal.NewFromInt(100),
		Status:         rateio.ContractActive,
	}))
}

func TestMemory_DeleteContractKeepsMonthlyHistory(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedContract(t, m, "CT-1")

	_, err := m.InsertAllocation(ctx, rateio.Allocation{ContractID: "CT-1", SubUnitID: "UC-2", Percentage: decimal.NewFromInt(50)})
	require.NoError(t, err)
	jan := rateio.MustParseMonth("2024-01")
	require.NoError(t, m.CreateAuditRecord(ctx, rateio.AuditRecord{ID: "a1", ContractID: "CT-1", Month: jan}))
	require.NoError(t, m.CreateSettlementRecord(ctx, rateio.SettlementRecord{ID: "s1", ContractID: "CT-1", Month: jan}))

	// WHEN: The contract is deleted
	require.NoError(t, m.DeleteContract(ctx, "CT-1"))

	// THEN: Allocations go with it, monthly records stay
	allocs, err := m.ListAllocations(ctx, "CT-1")
	require.NoError(t, err)
	assert.Empty(t, allocs)

	_, err = m.GetAuditRecord(ctx, "a1")
	assert.NoError(t, err)
	_, err = m.GetSettlementRecord(ctx, "s1")
	assert.NoError(t, err)

	assert.ErrorIs(t, m.DeleteContract(ctx, "CT-1"), rateio.ErrContractNotFound)
}

func TestMemory_ResetKeepsAllocationIDsIncreasing(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedContract(t, m, "CT-1")

	first, err := m.InsertAllocation(ctx, rateio.Allocation{ContractID: "CT-1", SubUnitID: "UC-2"})
	require.NoError(t, err)
	assert.Equal(t, rateio.AllocationID(1), first.ID)

	require.NoError(t, m.Reset(ctx))
	contracts, err := m.ListContracts(ctx)
	require.NoError(t, err)
	assert.Empty(t, contracts)

	seedContract(t, m, "CT-1")
	second, err := m.InsertAllocation(ctx, rateio.Allocation{ContractID: "CT-1", SubUnitID: "UC-2"})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
}

func TestMemory_MonthUniqueness(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	jan := rateio.MustParseMonth("2024-01")
	feb := rateio.MustParseMonth("2024-02")

	require.NoError(t, m.CreateAuditRecord(ctx, rateio.AuditRecord{ID: "a1", ContractID: "CT-1", Month: jan}))
	assert.ErrorIs(t, m.CreateAuditRecord(ctx, rateio.AuditRecord{ID: "a2", ContractID: "CT-1", Month: jan}), rateio.ErrAuditRecordExists)
	require.NoError(t, m.CreateAuditRecord(ctx, rateio.AuditRecord{ID: "a2", ContractID: "CT-1", Month: feb}))
	assert.ErrorIs(t, m.UpdateAuditRecord(ctx, rateio.AuditRecord{ID: "a2", ContractID: "CT-1", Month: jan}), rateio.ErrAuditRecordExists)

	require.NoError(t, m.CreateSettlementRecord(ctx, rateio.SettlementRecord{ID: "s1", ContractID: "CT-1", Month: jan}))
	assert.ErrorIs(t, m.CreateSettlementRecord(ctx, rateio.SettlementRecord{ID: "s2", ContractID: "CT-1", Month: jan}), rateio.ErrSettlementExists)
	assert.NoError(t, m.CreateSettlementRecord(ctx, rateio.SettlementRecord{ID: "s3", ContractID: "CT-2", Month: jan}))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	jan := rateio.MustParseMonth("2024-01")
	require.NoError(t, m.CreateAuditRecord(ctx, rateio.AuditRecord{
		ID: "a1", ContractID: "CT-1", Month: jan,
		Entries: []rateio.LedgerEntry{{SubUnitID: "UC-1"}},
	}))

	got, err := m.GetAuditRecord(ctx, "a1")
	require.NoError(t, err)
	got.Entries[0].SubUnitID = "changed"

	again, err := m.GetAuditRecord(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, rateio.SubUnitID("UC-1"), again.Entries[0].SubUnitID)
}
