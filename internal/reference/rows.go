package reference

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"invoicematch/internal"
	"invoicematch/internal/util"
)

const (
	TableSuppliers = "suppliers"
	TablePOs       = "purchase_orders"
	TablePOLines   = "purchase_order_lines"
)

var validate = validator.New()

// RowError describes a source row that was rejected before reaching the core.
type RowError struct {
	Table string
	Row   int
	Err   error
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s row %d: %v", e.Table, e.Row, e.Err)
}

// rawTable is a header row plus data rows, as read from CSV or a sheet.
type rawTable struct {
	header map[string]int
	rows   [][]string
}

func newRawTable(records [][]string) rawTable {
	t := rawTable{header: map[string]int{}}
	if len(records) == 0 {
		return t
	}
	for i, h := range records[0] {
		t.header[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, r := range records[1:] {
		if isBlankRow(r) {
			continue
		}
		t.rows = append(t.rows, r)
	}
	return t
}

func isBlankRow(r []string) bool {
	for _, c := range r {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (t rawTable) cell(row []string, column string) string {
	i, ok := t.header[column]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

type tables struct {
	suppliers []internal.Supplier
	pos       []internal.PurchaseOrder
	lines     []internal.PurchaseOrderLine
	rejected  []RowError
}

func parseTables(suppliers, pos, lines rawTable) tables {
	var out tables
	for i, row := range suppliers.rows {
		s, err := parseSupplier(suppliers, row)
		if err != nil {
			out.rejected = append(out.rejected, RowError{Table: TableSuppliers, Row: i + 2, Err: err})
			continue
		}
		out.suppliers = append(out.suppliers, s)
	}
	for i, row := range pos.rows {
		po, err := parsePO(pos, row)
		if err != nil {
			out.rejected = append(out.rejected, RowError{Table: TablePOs, Row: i + 2, Err: err})
			continue
		}
		out.pos = append(out.pos, po)
	}
	for i, row := range lines.rows {
		l, err := parsePOLine(lines, row)
		if err != nil {
			out.rejected = append(out.rejected, RowError{Table: TablePOLines, Row: i + 2, Err: err})
			continue
		}
		out.lines = append(out.lines, l)
	}
	return out
}

func (t tables) snapshot() *Snapshot {
	snap := BuildSnapshot(t.suppliers, t.pos, t.lines)
	snap.Rejected = t.rejected
	return snap
}

func parseSupplier(t rawTable, row []string) (internal.Supplier, error) {
	s := internal.Supplier{
		ID:      t.cell(row, "id"),
		Name:    t.cell(row, "name"),
		ABN:     util.DigitsOnly(t.cell(row, "abn")),
		ACN:     util.DigitsOnly(t.cell(row, "acn")),
		Email:   t.cell(row, "email"),
		Phone:   t.cell(row, "phone"),
		Address: t.cell(row, "address"),
		Aliases: splitAliases(t.cell(row, "aliases")),
	}
	if err := validate.Struct(s); err != nil {
		return internal.Supplier{}, err
	}
	return s, nil
}

func splitAliases(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, "|") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePO(t rawTable, row []string) (internal.PurchaseOrder, error) {
	po := internal.PurchaseOrder{
		PONumber:     t.cell(row, "po_number"),
		SupplierID:   t.cell(row, "supplier_id"),
		SupplierName: t.cell(row, "supplier_name"),
		Currency:     strings.ToUpper(t.cell(row, "currency")),
		Status:       internal.POStatus(strings.ToLower(t.cell(row, "status"))),
	}
	var err error
	if po.IssueDate, err = parseOptionalDate(t.cell(row, "issue_date")); err != nil {
		return po, fmt.Errorf("issue_date: %w", err)
	}
	if po.ExpectedDelivery, err = parseOptionalDate(t.cell(row, "expected_delivery")); err != nil {
		return po, fmt.Errorf("expected_delivery: %w", err)
	}
	if po.Subtotal, err = parseOptionalDecimal(t.cell(row, "subtotal")); err != nil {
		return po, fmt.Errorf("subtotal: %w", err)
	}
	if po.TaxAmount, err = parseOptionalDecimal(t.cell(row, "tax_amount")); err != nil {
		return po, fmt.Errorf("tax_amount: %w", err)
	}
	if po.Total, err = parseOptionalDecimal(t.cell(row, "total")); err != nil {
		return po, fmt.Errorf("total: %w", err)
	}
	if err := validate.Struct(po); err != nil {
		return internal.PurchaseOrder{}, err
	}
	return po, nil
}

func parsePOLine(t rawTable, row []string) (internal.PurchaseOrderLine, error) {
	l := internal.PurchaseOrderLine{
		PONumber:    t.cell(row, "po_number"),
		SKU:         t.cell(row, "sku"),
		Description: t.cell(row, "description"),
		Unit:        t.cell(row, "unit"),
	}
	if raw := t.cell(row, "line_number"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return l, fmt.Errorf("line_number: %w", err)
		}
		l.LineNumber = n
	}
	var err error
	if l.Quantity, err = parseOptionalDecimal(t.cell(row, "quantity")); err != nil {
		return l, fmt.Errorf("quantity: %w", err)
	}
	if l.UnitPrice, err = parseOptionalDecimal(t.cell(row, "unit_price")); err != nil {
		return l, fmt.Errorf("unit_price: %w", err)
	}
	if l.Total, err = parseOptionalDecimal(t.cell(row, "total")); err != nil {
		return l, fmt.Errorf("total: %w", err)
	}
	if err := validate.Struct(l); err != nil {
		return internal.PurchaseOrderLine{}, err
	}
	return l, nil
}

func parseOptionalDecimal(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, ok := util.ParseAmount(value)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid number %q", value)
	}
	return d, nil
}

func parseOptionalDate(value string) (internal.Date, error) {
	if value == "" {
		return internal.Date{}, nil
	}
	d, ok := internal.ParseDate(value)
	if !ok {
		return internal.Date{}, fmt.Errorf("invalid date %q", value)
	}
	return d, nil
}
