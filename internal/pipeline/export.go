package pipeline

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"invoicematch/internal"
)

const (
	invoicesSheet      = "Invoices"
	discrepanciesSheet = "Discrepancies"
)

// ExportReviewXLSX writes a review workbook with one row per invoice and one
// row per discrepancy.
func ExportReviewXLSX(invoices []internal.InvoiceRow, discrepancies []internal.DiscrepancyRow, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), invoicesSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(discrepanciesSheet); err != nil {
		return err
	}

	invoiceHeaders := []string{
		"stem", "source_file", "source", "status", "invoice_number", "supplier_name", "matched_supplier_id",
		"po_number", "total", "error_count", "warning_count", "processed_at", "exported_at", "error",
	}
	writeHeaders(f, invoicesSheet, invoiceHeaders)
	for i, row := range invoices {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(invoicesSheet, cell, value)
		}
		set(1, row.Stem)
		set(2, row.SourceFile)
		set(3, string(row.Source))
		set(4, string(row.Status))
		set(5, row.InvoiceNumber)
		set(6, row.SupplierName)
		set(7, row.MatchedSupplier)
		set(8, row.PONumber)
		set(9, row.Total)
		set(10, row.ErrorCount)
		set(11, row.WarningCount)
		set(12, row.ProcessedAt)
		set(13, derefString(row.ExportedAt))
		set(14, derefString(row.Error))
	}

	discrepancyHeaders := []string{
		"stem", "invoice_number", "status", "seq", "type", "severity", "field", "description", "invoice_value", "expected_value",
	}
	writeHeaders(f, discrepanciesSheet, discrepancyHeaders)
	for i, row := range discrepancies {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(discrepanciesSheet, cell, value)
		}
		set(1, row.Stem)
		set(2, row.InvoiceNumber)
		set(3, string(row.Status))
		set(4, row.Seq)
		set(5, string(row.Type))
		set(6, string(row.Severity))
		set(7, row.Field)
		set(8, row.Description)
		set(9, row.InvoiceValue)
		set(10, row.ExpectedValue)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func writeHeaders(f *excelize.File, sheet string, headers []string) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
