package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/solarshare/rateio-engine/rateio"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	summarySheet    = "Summary"
	rankingSheet    = "Ranking"
)

// buildSpreadXLSX renders the spread ranking as a two-sheet workbook.
// Amounts are written as numbers so the spreadsheet can sum them.
func buildSpreadXLSX(months rateio.MonthRange, ranking []rateio.ContractSpread) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", summarySheet)
	if _, err := f.NewSheet(rankingSheet); err != nil {
		return nil, err
	}

	var received, paid, spread = rateio.BRL(0), rateio.BRL(0), rateio.BRL(0)
	for _, row := range ranking {
		received = received.Add(row.TotalReceived)
		paid = paid.Add(row.TotalPaid)
		spread = spread.Add(row.TotalSpread)
	}

	_ = f.SetCellValue(summarySheet, "A1", "Spread Report")
	_ = f.SetCellValue(summarySheet, "A3", "From")
	_ = f.SetCellValue(summarySheet, "B3", monthLabel(months.From))
	_ = f.SetCellValue(summarySheet, "A4", "To")
	_ = f.SetCellValue(summarySheet, "B4", monthLabel(months.To))
	_ = f.SetCellValue(summarySheet, "A5", "Contracts")
	_ = f.SetCellValue(summarySheet, "B5", len(ranking))
	_ = f.SetCellValue(summarySheet, "A6", "Total Received (BRL)")
	_ = f.SetCellValue(summarySheet, "B6", received.InexactFloat64())
	_ = f.SetCellValue(summarySheet, "A7", "Total Paid (BRL)")
	_ = f.SetCellValue(summarySheet, "B7", paid.InexactFloat64())
	_ = f.SetCellValue(summarySheet, "A8", "Total Spread (BRL)")
	_ = f.SetCellValue(summarySheet, "B8", spread.InexactFloat64())
	_ = f.SetCellValue(summarySheet, "A9", "Margin (%)")
	_ = f.SetCellValue(summarySheet, "B9", rateio.MarginPercent(received, spread).InexactFloat64())
	_ = f.SetCellValue(summarySheet, "A10", "Generated At")
	_ = f.SetCellValue(summarySheet, "B10", time.Now().UTC().Format(time.RFC3339))

	headers := []string{"Rank", "Contract", "Name", "Months", "Energy (kWh)", "Received (BRL)", "Paid (BRL)", "Spread (BRL)", "Margin (%)"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(rankingSheet, cell, h)
	}
	for i, row := range ranking {
		r := i + 2
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("A%d", r), i+1)
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("B%d", r), string(row.ContractID))
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("C%d", r), row.ContractName)
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("D%d", r), row.Months)
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("E%d", r), row.EnergyCompensated.InexactFloat64())
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("F%d", r), row.TotalReceived.InexactFloat64())
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("G%d", r), row.TotalPaid.InexactFloat64())
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("H%d", r), row.TotalSpread.InexactFloat64())
		_ = f.SetCellValue(rankingSheet, fmt.Sprintf("I%d", r), row.MarginPercent.InexactFloat64())
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeSpreadXLSX(w http.ResponseWriter, months rateio.MonthRange, ranking []rateio.ContractSpread) error {
	data, err := buildSpreadXLSX(months, ranking)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export report", err)
		return err
	}

	name := "spread"
	if !months.From.IsZero() {
		name += "_" + months.From.String()
	}
	if !months.To.IsZero() {
		name += "_" + months.To.String()
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	return err
}

func monthLabel(m rateio.Month) string {
	if m.IsZero() {
		return "all"
	}
	return m.String()
}
