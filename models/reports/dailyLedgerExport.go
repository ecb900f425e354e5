package reports

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mmdatafocus/panel_ledger/models"
	"github.com/mmdatafocus/panel_ledger/utils"
	"github.com/xuri/excelize/v2"
)

var dailyLedgerHeaders = []string{
	"Date", "Status", "Opening", "Deposits", "Withdrawals", "Bonus", "Top Up", "Charges",
	"Closing", "Profit/Loss", "ROI %", "Utilization %",
}

// LedgerSheet is one entity's rows; each becomes a worksheet.
type LedgerSheet struct {
	Entity *models.Entity
	Rows   []*models.DailyLedgerRow
}

var sheetNameReplacer = strings.NewReplacer(":", "_", "\\", "_", "/", "_", "?", "_", "*", "_", "[", "_", "]", "_")

func sheetName(entity *models.Entity) string {
	name := sheetNameReplacer.Replace(fmt.Sprintf("%d %s", entity.ID, entity.Name))
	// Excel limits sheet names to 31 characters.
	if r := []rune(name); len(r) > 31 {
		name = string(r[:31])
	}
	return name
}

// ExportDailyLedger renders the sheets as an xlsx workbook.
func ExportDailyLedger(sheets []LedgerSheet) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if len(sheets) == 0 {
		return nil, utils.Validationf("nothing to export")
	}
	for i, sheet := range sheets {
		name := sheetName(sheet.Entity)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return nil, err
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}

		for col, header := range dailyLedgerHeaders {
			cell, _ := excelize.CoordinatesToCellName(col+1, 1)
			if err := f.SetCellValue(name, cell, header); err != nil {
				return nil, err
			}
		}
		for j, row := range sheet.Rows {
			values := []interface{}{
				utils.FormatLedgerDate(row.LedgerDate),
				string(row.Status),
				row.OpeningBalance.InexactFloat64(),
				row.TotalDeposits.InexactFloat64(),
				row.TotalWithdrawals.InexactFloat64(),
				row.BonusPoints.InexactFloat64(),
				row.TopUp.InexactFloat64(),
				row.TotalCharges.InexactFloat64(),
				row.ClosingBalance.InexactFloat64(),
				row.ProfitLoss.InexactFloat64(),
				row.Roi.InexactFloat64(),
				row.Utilization.InexactFloat64(),
			}
			cell, _ := excelize.CoordinatesToCellName(1, j+2)
			if err := f.SetSheetRow(name, cell, &values); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
