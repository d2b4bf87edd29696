package pipeline

import (
	"strings"

	"github.com/shopspring/decimal"

	"invoicematch/internal"
)

// NormalizeInvoice returns a copy of inv with trimmed identifiers, numbered
// lines and line totals filled in from quantity, unit price and discount where
// the document left them out. The caller's invoice is not modified.
func NormalizeInvoice(inv internal.ExtractedInvoice) internal.ExtractedInvoice {
	out := inv
	out.InvoiceNumber = strings.TrimSpace(inv.InvoiceNumber)
	out.SupplierName = strings.TrimSpace(inv.SupplierName)
	out.SupplierABN = strings.TrimSpace(inv.SupplierABN)
	out.SupplierEmail = strings.TrimSpace(inv.SupplierEmail)
	out.PONumber = strings.TrimSpace(inv.PONumber)
	out.Currency = strings.ToUpper(strings.TrimSpace(inv.Currency))

	out.LineItems = make([]internal.LineItem, len(inv.LineItems))
	for i, item := range inv.LineItems {
		item.SKU = strings.TrimSpace(item.SKU)
		item.Description = strings.TrimSpace(item.Description)
		if item.LineNumber == 0 {
			item.LineNumber = i + 1
		}
		if !item.Total.Valid && item.Quantity.Valid && item.UnitPrice.Valid {
			total := item.Quantity.Decimal.Mul(item.UnitPrice.Decimal)
			if item.Discount.Valid && !item.Discount.Decimal.IsZero() {
				total = total.Mul(decimal.NewFromInt(1).Sub(item.Discount.Decimal))
			}
			item.Total = decimal.NewNullDecimal(total.Round(2))
			item.TotalComputed = true
		}
		out.LineItems[i] = item
	}
	return out
}
