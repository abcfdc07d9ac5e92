package rateio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarshare/rateio-engine/rateio"
)

// closePortfolio closes two months for CT-P1 and CT-P2 and one month for
// CT-P3, then deletes CT-P3.
func closePortfolio(t *testing.T) fixture {
	t.Helper()
	p1 := generatorContract("CT-P1", "0.55")
	p2 := generatorContract("CT-P2", "0.60")
	p3 := generatorContract("CT-P3", "0.50")
	f := newFixture(t, p1, p2, p3)

	close := func(id, m, energy, discount, fioB string) {
		_, err := f.closer.Close(f.ctx, rateio.ContractID(id), rateio.CloseRequest{
			Month: month(m),
			Input: rateio.SettlementInput{
				EnergyInjectedKWh:  d(energy),
				TariffPerKWh:       d("0.95"),
				DiscountPercentage: d(discount),
				GridUsageFeePerKWh: d(fioB),
			},
		})
		require.NoError(t, err)
	}
	close("CT-P1", "2024-01", "600", "15", "0.10")
	close("CT-P1", "2024-02", "600", "15", "0.10")
	close("CT-P2", "2024-01", "400", "10", "0.10")
	close("CT-P2", "2024-02", "400", "10", "0.10")
	close("CT-P3", "2024-01", "1000", "10", "0")

	require.NoError(t, f.store.DeleteContract(f.ctx, "CT-P3"))
	return f
}

func TestReporter_DropsOrphanSettlements(t *testing.T) {
	f := closePortfolio(t)
	reporter := &rateio.Reporter{Contracts: f.store, Settlements: f.store}

	// WHEN: Loading all months
	rep, err := reporter.Load(f.ctx, rateio.MonthRange{})

	// THEN: The deleted contract's row is counted and dropped
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Orphans)
	assert.Len(t, rep.Rows, 4)
	for _, row := range rep.Rows {
		assert.NotEqual(t, rateio.ContractID("CT-P3"), row.Contract.ID)
	}
}

func TestReporter_SpreadRanking(t *testing.T) {
	f := closePortfolio(t)
	reporter := &rateio.Reporter{Contracts: f.store, Settlements: f.store}

	ranking, err := reporter.SpreadRanking(f.ctx, rateio.MonthRange{})
	require.NoError(t, err)

	// CT-P1: billed 433.50, paid 330.00 per month
	// CT-P2: billed 306.00, paid 240.00 per month
	require.Len(t, ranking, 2)
	assert.Equal(t, rateio.ContractID("CT-P1"), ranking[0].ContractID)
	assert.Equal(t, 2, ranking[0].Months)
	assertDecimal(t, "867", ranking[0].TotalReceived)
	assertDecimal(t, "660", ranking[0].TotalPaid)
	assertDecimal(t, "207", ranking[0].TotalSpread)
	assertDecimal(t, "1200", ranking[0].EnergyCompensated)

	assert.Equal(t, rateio.ContractID("CT-P2"), ranking[1].ContractID)
	assertDecimal(t, "132", ranking[1].TotalSpread)
	assertDecimal(t, "21.57", ranking[1].MarginPercent)
}

func TestReporter_MonthlyProfitabilityWithRange(t *testing.T) {
	f := closePortfolio(t)
	reporter := &rateio.Reporter{Contracts: f.store, Settlements: f.store}

	rows, err := reporter.MonthlyProfitability(f.ctx, rateio.MonthRange{From: month("2024-02")})
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, month("2024-02"), rows[0].Month)
	assert.Equal(t, 2, rows[0].Contracts)
	assertDecimal(t, "739.50", rows[0].TotalReceived)
	assertDecimal(t, "169.50", rows[0].TotalSpread)
}

func TestRankBySpread_TiesBreakOnContractID(t *testing.T) {
	rows := []rateio.ContractSettlement{
		{Contract: rateio.Contract{ID: "B"}, Settlement: rateio.SettlementRecord{Spread: d("10")}},
		{Contract: rateio.Contract{ID: "A"}, Settlement: rateio.SettlementRecord{Spread: d("10")}},
	}

	ranking := rateio.RankBySpread(rows)

	require.Len(t, ranking, 2)
	assert.Equal(t, rateio.ContractID("A"), ranking[0].ContractID)
}

func TestJoinContracts_Empty(t *testing.T) {
	joined, orphans := rateio.JoinContracts(nil, nil)
	assert.Empty(t, joined)
	assert.Zero(t, orphans)
}
