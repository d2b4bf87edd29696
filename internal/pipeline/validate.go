package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"invoicematch/internal"
	"invoicematch/internal/util"
)

var hundred = decimal.NewFromInt(100)

// Validator turns an invoice and its match results into discrepancies. It is
// stateless; the processing time is passed in so results are reproducible.
type Validator struct {
	settings Settings
}

func NewValidator(settings Settings) (*Validator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Validator{settings: settings}, nil
}

// Validate runs the arithmetic, date, PO and data quality checks in that
// order. A check whose inputs are missing is skipped.
func (v *Validator) Validate(inv internal.ExtractedInvoice, supplier internal.MatchedSupplier, po internal.MatchedPO, processedAt time.Time) []internal.Discrepancy {
	var out []internal.Discrepancy
	out = append(out, v.checkArithmetic(inv)...)
	out = append(out, v.checkDates(inv, v.today(processedAt))...)
	out = append(out, v.checkPO(inv, supplier, po)...)
	out = append(out, v.checkDataQuality(inv, supplier)...)
	return out
}

func (v *Validator) today(processedAt time.Time) internal.Date {
	if v.settings.Location != nil {
		processedAt = processedAt.In(v.settings.Location)
	}
	return internal.DateOf(processedAt)
}

func (v *Validator) exceeds(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().GreaterThan(v.settings.ArithmeticTolerance)
}

func lineSum(items []internal.LineItem) (decimal.Decimal, bool) {
	sum := decimal.Zero
	found := false
	for _, item := range items {
		if item.Total.Valid {
			sum = sum.Add(item.Total.Decimal)
			found = true
		}
	}
	return sum, found
}

func (v *Validator) checkArithmetic(inv internal.ExtractedInvoice) []internal.Discrepancy {
	var out []internal.Discrepancy

	sum, haveLines := lineSum(inv.LineItems)
	if haveLines && inv.Subtotal.Valid && v.exceeds(sum, inv.Subtotal.Decimal) {
		out = append(out, internal.NewDiscrepancy(internal.LineItemsSubtotalMismatch, "subtotal",
			fmt.Sprintf("Sum of line items (%s) does not match stated subtotal (%s)", util.Money(sum), util.Money(inv.Subtotal.Decimal)),
			util.Money(inv.Subtotal.Decimal), util.Money(sum)))
	}

	if inv.Total.Valid {
		base, ok := inv.Subtotal.Decimal, inv.Subtotal.Valid
		if !ok {
			base, ok = sum, haveLines
		}
		if ok {
			expected := base
			for _, part := range []decimal.NullDecimal{inv.TaxAmount, inv.Shipping, inv.OtherCharges} {
				if part.Valid {
					expected = expected.Add(part.Decimal)
				}
			}
			if v.exceeds(inv.Total.Decimal, expected) {
				out = append(out, internal.NewDiscrepancy(internal.GrandTotalMismatch, "total",
					fmt.Sprintf("Grand total (%s) does not match sum of components (%s)", util.Money(inv.Total.Decimal), util.Money(expected)),
					util.Money(inv.Total.Decimal), util.Money(expected)))
			}
		}
	}

	if inv.TaxAmount.Valid && inv.Subtotal.Valid && !inv.Subtotal.Decimal.IsZero() {
		rate := inv.TaxAmount.Decimal.Div(inv.Subtotal.Decimal)
		if rate.LessThan(v.settings.TaxRateMin) || rate.GreaterThan(v.settings.TaxRateMax) {
			out = append(out, internal.NewDiscrepancy(internal.ImplausibleTaxRate, "tax_amount",
				fmt.Sprintf("Tax of %s on subtotal %s is a rate of %s%%, outside %s%%-%s%%",
					util.Money(inv.TaxAmount.Decimal), util.Money(inv.Subtotal.Decimal),
					rate.Mul(hundred).StringFixed(1), v.settings.TaxRateMin.Mul(hundred).String(), v.settings.TaxRateMax.Mul(hundred).String()),
				rate.StringFixed(4), ""))
		}
	}

	if inv.TaxRate.Valid && inv.TaxAmount.Valid && inv.Subtotal.Valid {
		rate := inv.TaxRate.Decimal
		// a rate above 1 is a percentage
		if rate.GreaterThan(decimal.NewFromInt(1)) {
			rate = rate.Div(hundred)
		}
		expected := inv.Subtotal.Decimal.Mul(rate)
		if v.exceeds(inv.TaxAmount.Decimal, expected) {
			out = append(out, internal.NewDiscrepancy(internal.TaxCalculationMismatch, "tax_amount",
				fmt.Sprintf("Tax amount (%s) does not match subtotal x rate (%s)", util.Money(inv.TaxAmount.Decimal), util.Money(expected)),
				util.Money(inv.TaxAmount.Decimal), util.Money(expected)))
		}
	}

	return out
}

func (v *Validator) checkDates(inv internal.ExtractedInvoice, today internal.Date) []internal.Discrepancy {
	var out []internal.Discrepancy

	if !inv.InvoiceDate.IsZero() {
		ahead := today.DaysUntil(inv.InvoiceDate)
		if ahead > v.settings.MaxFutureDays {
			out = append(out, internal.NewDiscrepancy(internal.FutureDatedInvoice, "invoice_date",
				fmt.Sprintf("Invoice date %s is %d days in the future", inv.InvoiceDate, ahead),
				inv.InvoiceDate.String(), "<= "+today.AddDate(0, 0, v.settings.MaxFutureDays).Format("2006-01-02")))
		}
		if ago := -ahead; ago > v.settings.MaxInvoiceAgeDays {
			out = append(out, internal.NewDiscrepancy(internal.StaleInvoice, "invoice_date",
				fmt.Sprintf("Invoice date %s is %d days in the past (threshold: %d days)", inv.InvoiceDate, ago, v.settings.MaxInvoiceAgeDays),
				inv.InvoiceDate.String(), ">= "+today.AddDate(0, 0, -v.settings.MaxInvoiceAgeDays).Format("2006-01-02")))
		}
	}

	if !inv.DueDate.IsZero() {
		if !inv.InvoiceDate.IsZero() && inv.DueDate.Before(inv.InvoiceDate.Time) {
			out = append(out, internal.NewDiscrepancy(internal.DueBeforeInvoiceDate, "due_date",
				fmt.Sprintf("Due date (%s) is before invoice date (%s)", inv.DueDate, inv.InvoiceDate),
				inv.DueDate.String(), ">= "+inv.InvoiceDate.String()))
		}
		if inv.DueDate.Before(today.Time) {
			out = append(out, internal.NewDiscrepancy(internal.OverdueInvoice, "due_date",
				fmt.Sprintf("Invoice due date %s has already passed", inv.DueDate),
				inv.DueDate.String(), ""))
		}
	}

	return out
}

func (v *Validator) checkPO(inv internal.ExtractedInvoice, supplier internal.MatchedSupplier, mpo internal.MatchedPO) []internal.Discrepancy {
	var out []internal.Discrepancy
	stated := strings.TrimSpace(inv.PONumber)

	if !mpo.Resolved() {
		if stated != "" {
			out = append(out, internal.NewDiscrepancy(internal.PONotFound, "po_number",
				fmt.Sprintf("Invoice references PO '%s' which was not found", stated), stated, ""))
		} else {
			out = append(out, internal.NewDiscrepancy(internal.NoPOReference, "po_number",
				"Invoice does not reference a purchase order", "", ""))
		}
		return out
	}
	po := mpo.PO

	if supplier.Resolved() && po.SupplierID != "" && supplier.Supplier.ID != po.SupplierID {
		out = append(out, internal.NewDiscrepancy(internal.POSupplierMismatch, "supplier",
			fmt.Sprintf("Invoice supplier '%s' differs from PO %s supplier '%s'", supplier.Supplier.Name, po.PONumber, util.FirstNonEmpty(po.SupplierName, po.SupplierID)),
			supplier.Supplier.ID, po.SupplierID))
	}

	if inv.Total.Valid && !po.Total.IsZero() && inv.Total.Decimal.Sub(po.Total).GreaterThan(v.settings.ArithmeticTolerance) {
		out = append(out, internal.NewDiscrepancy(internal.POTotalExceeded, "total",
			fmt.Sprintf("Invoice total (%s) exceeds PO %s total (%s)", util.Money(inv.Total.Decimal), po.PONumber, util.Money(po.Total)),
			util.Money(inv.Total.Decimal), util.Money(po.Total)))
	}

	for _, la := range mpo.Lines {
		if la.InvoiceLineIndex < 0 || la.InvoiceLineIndex >= len(inv.LineItems) {
			continue
		}
		item := inv.LineItems[la.InvoiceLineIndex]
		n := la.InvoiceLineIndex + 1
		if la.POLine == nil {
			out = append(out, internal.NewDiscrepancy(internal.POLineNotFound, fmt.Sprintf("line_items[%d]", la.InvoiceLineIndex),
				fmt.Sprintf("Invoice line %d ('%s') has no matching PO line", n, item.Description),
				item.Description, ""))
			continue
		}
		pl := la.POLine
		if item.Quantity.Valid && v.exceeds(item.Quantity.Decimal, pl.Quantity) {
			out = append(out, internal.NewDiscrepancy(internal.POLineQuantityMismatch, fmt.Sprintf("line_items[%d].quantity", la.InvoiceLineIndex),
				fmt.Sprintf("Line %d quantity %s differs from PO line %d quantity %s", n, item.Quantity.Decimal, pl.LineNumber, pl.Quantity),
				item.Quantity.Decimal.String(), pl.Quantity.String()))
		}
		if item.UnitPrice.Valid && v.exceeds(item.UnitPrice.Decimal, pl.UnitPrice) {
			out = append(out, internal.NewDiscrepancy(internal.POLinePriceMismatch, fmt.Sprintf("line_items[%d].unit_price", la.InvoiceLineIndex),
				fmt.Sprintf("Line %d unit price %s differs from PO line %d unit price %s", n, util.Money(item.UnitPrice.Decimal), pl.LineNumber, util.Money(pl.UnitPrice)),
				util.Money(item.UnitPrice.Decimal), util.Money(pl.UnitPrice)))
		}
	}

	return out
}

func (v *Validator) checkDataQuality(inv internal.ExtractedInvoice, supplier internal.MatchedSupplier) []internal.Discrepancy {
	var out []internal.Discrepancy

	if strings.TrimSpace(inv.InvoiceNumber) == "" {
		out = append(out, internal.NewDiscrepancy(internal.MissingInvoiceNumber, "invoice_number",
			"No invoice number found on the invoice", "", ""))
	}

	if !supplier.Resolved() {
		desc := "Supplier could not be identified"
		if name := strings.TrimSpace(inv.SupplierName); name != "" {
			desc = fmt.Sprintf("Supplier '%s' could not be matched to the supplier list", name)
		}
		out = append(out, internal.NewDiscrepancy(internal.SupplierNotFound, "supplier_name", desc,
			util.FirstNonEmpty(inv.SupplierName, inv.SupplierABN, inv.SupplierEmail), ""))
	}

	switch {
	case !inv.Total.Valid:
		out = append(out, internal.NewDiscrepancy(internal.MissingTotal, "total",
			"No total amount found on the invoice", "", ""))
	case !inv.Total.Decimal.IsPositive():
		out = append(out, internal.NewDiscrepancy(internal.NonPositiveTotal, "total",
			fmt.Sprintf("Invoice total is not positive: %s", util.Money(inv.Total.Decimal)),
			util.Money(inv.Total.Decimal), ""))
	}

	if len(inv.LineItems) == 0 {
		out = append(out, internal.NewDiscrepancy(internal.MissingLineItems, "line_items",
			"No line items extracted; line checks skipped", "", ""))
	}
	for i, item := range inv.LineItems {
		if item.Quantity.Valid && !item.Quantity.Decimal.IsPositive() {
			out = append(out, internal.NewDiscrepancy(internal.InvalidLineQuantity, fmt.Sprintf("line_items[%d].quantity", i),
				fmt.Sprintf("Line %d has a non-positive quantity: %s", i+1, item.Quantity.Decimal),
				item.Quantity.Decimal.String(), ""))
		}
		if item.UnitPrice.Valid && !item.UnitPrice.Decimal.IsPositive() {
			out = append(out, internal.NewDiscrepancy(internal.InvalidLineUnitPrice, fmt.Sprintf("line_items[%d].unit_price", i),
				fmt.Sprintf("Line %d has a non-positive unit price: %s", i+1, util.Money(item.UnitPrice.Decimal)),
				util.Money(item.UnitPrice.Decimal), ""))
		}
	}

	return out
}
