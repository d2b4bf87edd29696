package pipeline

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"invoicematch/internal"
	"invoicematch/internal/reference"
)

var processedAt = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func day(offset int) internal.Date {
	return internal.DateOf(processedAt.AddDate(0, 0, offset))
}

func testSuppliers() []internal.Supplier {
	return []internal.Supplier{
		{ID: "S001", Name: "Acme Industrial Supplies Pty Ltd", ABN: "12345678901", Email: "accounts@acme.com.au", Aliases: []string{"Acme Industrial", "ACME Supplies"}},
		{ID: "S002", Name: "Bolt & Nut Co", ABN: "98765432109", Email: "billing@boltnut.com"},
		{ID: "S003", Name: "Greenfield Office Products", Email: "ar@greenfield.net"},
	}
}

func testPOs() ([]internal.PurchaseOrder, []internal.PurchaseOrderLine) {
	pos := []internal.PurchaseOrder{
		{PONumber: "PO-1001", SupplierID: "S001", SupplierName: "Acme Industrial Supplies Pty Ltd", Total: decimal.RequireFromString("1100.00"), Status: internal.POOpen},
		{PONumber: "PO-2002", SupplierID: "S002", SupplierName: "Bolt & Nut Co", Total: decimal.RequireFromString("110.00"), Status: internal.POOpen},
	}
	lines := []internal.PurchaseOrderLine{
		{PONumber: "PO-1001", LineNumber: 1, SKU: "WID-01", Description: "Steel widget 50mm", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.RequireFromString("80.00"), Total: decimal.RequireFromString("800.00")},
		{PONumber: "PO-1001", LineNumber: 2, SKU: "BLT-10", Description: "Hex bolt M10 zinc", Quantity: decimal.NewFromInt(100), UnitPrice: decimal.RequireFromString("2.00"), Total: decimal.RequireFromString("200.00")},
		{PONumber: "PO-1001", LineNumber: 3, Description: "Delivery charge", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("100.00"), Total: decimal.RequireFromString("100.00")},
		{PONumber: "PO-2002", LineNumber: 1, SKU: "NUT-06", Description: "Lock nut M6", Quantity: decimal.NewFromInt(5), UnitPrice: decimal.RequireFromString("22.00"), Total: decimal.RequireFromString("110.00")},
	}
	return pos, lines
}

func testSnapshot() *reference.Snapshot {
	pos, lines := testPOs()
	return reference.BuildSnapshot(testSuppliers(), pos, lines)
}

func testEngine(t *testing.T, settings Settings) *Engine {
	t.Helper()
	e, err := NewEngine(settings, testSnapshot())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

// cleanInvoice resolves S002 by ABN and passes every check except the
// missing PO reference.
func cleanInvoice() internal.ExtractedInvoice {
	return internal.ExtractedInvoice{
		InvoiceNumber: "INV-001",
		SupplierName:  "Bolt & Nut Co",
		SupplierABN:   "98 765 432 109",
		InvoiceDate:   day(-5),
		DueDate:       day(25),
		Currency:      "AUD",
		Subtotal:      dec("100.00"),
		TaxAmount:     dec("10.00"),
		Total:         dec("110.00"),
		LineItems: []internal.LineItem{
			{SKU: "NUT-06", Description: "Lock nut M6", Quantity: dec("5"), UnitPrice: dec("20.00"), Total: dec("100.00")},
		},
	}
}
