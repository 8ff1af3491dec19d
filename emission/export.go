package emission

import (
	"context"
	"fmt"
	"io"

	"github.com/notaflow/fiscal_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// WriteEmissionsWorkbook streams an xlsx listing of the business's emission
// records, newest first. Used by the export endpoint for accounting handoff.
func WriteEmissionsWorkbook(ctx context.Context, w io.Writer, businessId string, limit int) error {
	records, err := models.ListEmissionRecords(ctx, businessId, limit)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheet := "Sheet1"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	// Add headers
	headings := []string{"Reference", "Status", "DocumentNumber", "VerificationCode", "IssuedAt", "ServiceAmount", "IssAmount", "NetAmount", "RecipientName"}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheet, string(col)+"1", h)
		col++
	}

	// Add data
	for i, r := range records {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheet, "A"+row, r.Reference)
		f.SetCellValue(sheet, "B"+row, string(r.Status))
		f.SetCellValue(sheet, "C"+row, r.DocumentNumber)
		f.SetCellValue(sheet, "D"+row, r.VerificationCode)
		if r.IssuedAt != nil {
			f.SetCellValue(sheet, "E"+row, r.IssuedAt.Format("2006-01-02"))
		}
		f.SetCellValue(sheet, "F"+row, decimalCell(r.ServiceAmount))
		f.SetCellValue(sheet, "G"+row, decimalCell(r.IssAmount))
		f.SetCellValue(sheet, "H"+row, decimalCell(r.NetAmount))
		f.SetCellValue(sheet, "I"+row, r.RecipientName)
	}

	return f.Write(w)
}

func decimalCell(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
