// Package export renders account statements as XLSX workbooks.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"vestnet/internal/domain"
	"vestnet/internal/ledger"
)

const (
	summarySheet = "Summary"
	entriesSheet = "Transactions"
)

var entryHeaders = []string{"Date", "ID", "Wallet", "Source", "Direction", "Amount", "Status", "Level", "Description"}

// Statement writes a workbook with one summary row per wallet and one row
// per entry. Amounts are written as numbers in major units.
func Statement(w io.Writer, user domain.UserID, balances []ledger.Balance, entries []domain.Transaction, generated time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	rows := [][]interface{}{
		{"User", int64(user)},
		{"Generated", generated.UTC().Format(time.RFC3339)},
		{},
		{"Wallet", "Balance", "Held", "Locked", "Available"},
	}
	for _, b := range balances {
		rows = append(rows, []interface{}{string(b.Wallet), b.Balance.Float64(), b.Held.Float64(), b.Locked.Float64(), b.Available.Float64()})
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(summarySheet, "A4", "E4", bold); err != nil {
		return err
	}
	if len(balances) > 0 {
		if err := f.SetCellStyle(summarySheet, "B5", fmt.Sprintf("E%d", 4+len(balances)), money); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(entriesSheet); err != nil {
		return err
	}
	header := make([]interface{}, len(entryHeaders))
	for i, h := range entryHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(entriesSheet, "A1", &header); err != nil {
		return err
	}
	if err := f.SetCellStyle(entriesSheet, "A1", "I1", bold); err != nil {
		return err
	}
	for i, t := range entries {
		row := []interface{}{
			t.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			t.ID,
			string(t.Wallet),
			string(t.Source),
			string(t.Direction),
			t.Signed().Float64(),
			string(t.Status),
			t.Level,
			t.Description,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(entriesSheet, cell, &row); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		if err := f.SetCellStyle(entriesSheet, "F2", fmt.Sprintf("F%d", len(entries)+1), money); err != nil {
			return err
		}
	}
	for col, width := range map[string]float64{"A": 20, "B": 38, "C": 12, "D": 22, "E": 10, "F": 14, "G": 12, "H": 6, "I": 40} {
		if err := f.SetColWidth(entriesSheet, col, col, width); err != nil {
			return err
		}
	}
	if err := f.SetPanes(entriesSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}

	_, err = f.WriteTo(w)
	return err
}
