/*
report.go - Spread and profitability reporting over settlement records

PURPOSE:
  Settlement history outlives the contracts it was closed for. Reports join
  settlement rows against contracts that still exist and drop the rest.

ORPHAN FILTERING:
  A settlement row whose contract was deleted is dropped silently. There
  is no foreign key from settlements to contracts; the join happens here
  (JoinContracts). Orphans are counted, never reported as errors.

SEE ALSO:
  - closing.go: Writes settlement records
  - api/export.go: XLSX rendering of the spread ranking
*/
package rateio

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// ContractSettlement is a settlement row joined with its live contract.
type ContractSettlement struct {
	Contract   Contract
	Settlement SettlementRecord
}

// JoinContracts pairs settlement records with their contracts and drops
// rows whose contract is missing. It returns how many rows were dropped.
func JoinContracts(records []SettlementRecord, contracts []Contract) ([]ContractSettlement, int) {
	byID := make(map[ContractID]Contract, len(contracts))
	for _, c := range contracts {
		byID[c.ID] = c
	}

	joined := make([]ContractSettlement, 0, len(records))
	orphans := 0
	for _, r := range records {
		c, ok := byID[r.ContractID]
		if !ok {
			// Orphan: parent contract deleted.
			orphans++
			continue
		}
		joined = append(joined, ContractSettlement{Contract: c, Settlement: r})
	}
	return joined, orphans
}

// ContractSpread is one line of the spread ranking.
type ContractSpread struct {
	ContractID        ContractID
	ContractName      string
	Months            int
	EnergyCompensated Energy
	TotalReceived     Money
	TotalPaid         Money
	TotalSpread       Money
	MarginPercent     decimal.Decimal
}

// RankBySpread aggregates joined rows per contract, highest spread first.
// Ties break on contract id for a stable order.
func RankBySpread(rows []ContractSettlement) []ContractSpread {
	agg := make(map[ContractID]*ContractSpread)
	var order []ContractID
	for _, row := range rows {
		id := row.Contract.ID
		line, ok := agg[id]
		if !ok {
			line = &ContractSpread{
				ContractID:        id,
				ContractName:      row.Contract.Name,
				EnergyCompensated: decimal.Zero,
				TotalReceived:     decimal.Zero,
				TotalPaid:         decimal.Zero,
				TotalSpread:       decimal.Zero,
			}
			agg[id] = line
			order = append(order, id)
		}
		s := row.Settlement
		line.Months++
		line.EnergyCompensated = line.EnergyCompensated.Add(s.EnergyCompensated)
		line.TotalReceived = line.TotalReceived.Add(s.AmountReceived)
		line.TotalPaid = line.TotalPaid.Add(s.AmountPaid)
		line.TotalSpread = line.TotalSpread.Add(s.Spread)
	}

	ranking := make([]ContractSpread, 0, len(order))
	for _, id := range order {
		line := agg[id]
		line.MarginPercent = MarginPercent(line.TotalReceived, line.TotalSpread)
		ranking = append(ranking, *line)
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		if !ranking[i].TotalSpread.Equal(ranking[j].TotalSpread) {
			return ranking[i].TotalSpread.GreaterThan(ranking[j].TotalSpread)
		}
		return ranking[i].ContractID < ranking[j].ContractID
	})
	return ranking
}

// MonthProfit totals all live contracts for one month.
type MonthProfit struct {
	Month         Month
	Contracts     int
	TotalReceived Money
	TotalPaid     Money
	TotalSpread   Money
	MarginPercent decimal.Decimal
}

// ProfitByMonth aggregates joined rows per month, oldest first.
func ProfitByMonth(rows []ContractSettlement) []MonthProfit {
	agg := make(map[Month]*MonthProfit)
	for _, row := range rows {
		s := row.Settlement
		line, ok := agg[s.Month]
		if !ok {
			line = &MonthProfit{
				Month:         s.Month,
				TotalReceived: decimal.Zero,
				TotalPaid:     decimal.Zero,
				TotalSpread:   decimal.Zero,
			}
			agg[s.Month] = line
		}
		line.Contracts++
		line.TotalReceived = line.TotalReceived.Add(s.AmountReceived)
		line.TotalPaid = line.TotalPaid.Add(s.AmountPaid)
		line.TotalSpread = line.TotalSpread.Add(s.Spread)
	}

	out := make([]MonthProfit, 0, len(agg))
	for _, line := range agg {
		line.MarginPercent = MarginPercent(line.TotalReceived, line.TotalSpread)
		out = append(out, *line)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}

// =============================================================================
// REPORTER - Loads, joins and aggregates
// =============================================================================

// Reporter builds reports from the stores.
type Reporter struct {
	Contracts   ContractStore
	Settlements SettlementStore
}

// Report is a set of joined rows plus the number of orphans dropped.
type Report struct {
	Rows    []ContractSettlement
	Orphans int
}

// Load joins settlement records in months against live contracts.
func (r *Reporter) Load(ctx context.Context, months MonthRange) (Report, error) {
	records, err := r.Settlements.ListAllSettlementRecords(ctx)
	if err != nil {
		return Report{}, err
	}
	contracts, err := r.Contracts.ListContracts(ctx)
	if err != nil {
		return Report{}, err
	}

	inRange := records[:0:0]
	for _, rec := range records {
		if months.Contains(rec.Month) {
			inRange = append(inRange, rec)
		}
	}
	rows, orphans := JoinContracts(inRange, contracts)
	return Report{Rows: rows, Orphans: orphans}, nil
}

// SpreadRanking ranks live contracts by total spread over months.
func (r *Reporter) SpreadRanking(ctx context.Context, months MonthRange) ([]ContractSpread, error) {
	rep, err := r.Load(ctx, months)
	if err != nil {
		return nil, err
	}
	return RankBySpread(rep.Rows), nil
}

// MonthlyProfitability totals live contracts per month over months.
func (r *Reporter) MonthlyProfitability(ctx context.Context, months MonthRange) ([]MonthProfit, error) {
	rep, err := r.Load(ctx, months)
	if err != nil {
		return nil, err
	}
	return ProfitByMonth(rep.Rows), nil
}
