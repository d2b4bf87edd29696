package pipeline

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"invoicematch/internal"
	"invoicematch/internal/util"
)

type lineColumns struct {
	sku, desc, qty, unit, price, discount, total int
}

// detectLineColumns recognises the header row of a line item table.
func detectLineColumns(cells []string) (lineColumns, bool) {
	headers := make([]string, len(cells))
	for i, c := range cells {
		headers[i] = strings.ToLower(strings.TrimSpace(c))
	}
	cols := lineColumns{}
	cols.sku = findHeaderIndex(headers, []string{"sku", "item code", "product code", "part no", "code"})
	cols.price = findHeaderIndex(headers, []string{"unit price", "price", "rate", "unit cost"}, cols.sku)
	cols.qty = findHeaderIndex(headers, []string{"quantity", "qty"}, cols.sku)
	cols.discount = findHeaderIndex(headers, []string{"discount", "disc"}, cols.sku)
	cols.unit = findHeaderExact(headers, []string{"unit", "units", "uom"})
	cols.total = findHeaderIndex(headers, []string{"line total", "amount", "total", "ext"}, cols.sku, cols.price, cols.qty)
	cols.desc = findHeaderIndex(headers, []string{"description", "desc", "product", "item", "details", "name"}, cols.sku, cols.price, cols.total)
	ok := cols.desc >= 0 && (cols.qty >= 0 || cols.price >= 0 || cols.total >= 0)
	return cols, ok
}

// findHeaderIndex returns the first header containing a probe, trying probes
// in priority order and skipping excluded columns.
func findHeaderIndex(headers []string, probes []string, exclude ...int) int {
	for _, probe := range probes {
		for i, h := range headers {
			if h == "" || containsInt(exclude, i) {
				continue
			}
			if strings.Contains(h, probe) {
				return i
			}
		}
	}
	return -1
}

func findHeaderExact(headers []string, probes []string) int {
	for _, probe := range probes {
		for i, h := range headers {
			if h == probe {
				return i
			}
		}
	}
	return -1
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func pickCell(cells []string, idx int) string {
	if idx >= 0 && idx < len(cells) {
		return strings.TrimSpace(cells[idx])
	}
	return ""
}

func normalizeCells(row []string) []string {
	out := make([]string, 0, len(row))
	for _, c := range row {
		out = append(out, normalizeSpaces(c))
	}
	return out
}

func nonEmpty(cells []string) []string {
	var out []string
	for _, c := range cells {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func parseLineRow(cells []string, cols lineColumns) (internal.LineItem, bool) {
	desc := pickCell(cells, cols.desc)
	if desc == "" {
		return internal.LineItem{}, false
	}
	item := internal.LineItem{
		SKU:         pickCell(cells, cols.sku),
		Description: desc,
		Unit:        pickCell(cells, cols.unit),
		Quantity:    util.ParseNullAmount(pickCell(cells, cols.qty)),
		UnitPrice:   util.ParseNullAmount(pickCell(cells, cols.price)),
		Total:       util.ParseNullAmount(pickCell(cells, cols.total)),
		Discount:    parseDiscount(pickCell(cells, cols.discount)),
	}
	if !item.Quantity.Valid && !item.UnitPrice.Valid && !item.Total.Valid {
		return internal.LineItem{}, false
	}
	return item, true
}

// parseDiscount reads "10%", "10" or "0.1" as a fraction.
func parseDiscount(value string) decimal.NullDecimal {
	d := util.ParseNullAmount(value)
	if d.Valid && (strings.Contains(value, "%") || d.Decimal.GreaterThan(decimal.NewFromInt(1))) {
		d.Decimal = d.Decimal.Div(decimal.NewFromInt(100))
	}
	return d
}

// scanRows reads labelled header values and line item tables from a grid of
// cells, as found in spreadsheets and HTML tables.
func scanRows(rows [][]string, inv *internal.ExtractedInvoice) {
	var cols *lineColumns
	for _, raw := range rows {
		cells := normalizeCells(raw)
		values := nonEmpty(cells)
		if len(values) == 0 {
			cols = nil
			continue
		}
		if c, ok := detectLineColumns(cells); ok {
			cols = &c
			continue
		}
		if cols != nil {
			if item, ok := parseLineRow(cells, *cols); ok {
				inv.LineItems = append(inv.LineItems, item)
				continue
			}
		}
		applyRowHeader(inv, values)
	}
}

// applyRowHeader handles "Label | value" pairs and "Label: value" cells.
func applyRowHeader(inv *internal.ExtractedInvoice, values []string) bool {
	applied := false
	for i := 0; i < len(values); i++ {
		label := strings.TrimSuffix(values[i], ":")
		if i+1 < len(values) && isHeaderLabel(label) && !isHeaderLabel(strings.TrimSuffix(values[i+1], ":")) {
			if applyHeader(inv, label, values[i+1]) {
				applied = true
			}
			i++
			continue
		}
		if label, value, ok := splitKeyValue(values[i]); ok && applyHeader(inv, label, value) {
			applied = true
		}
	}
	return applied
}

// ParseInvoiceXLSX reads every sheet of a workbook.
func ParseInvoiceXLSX(content []byte) (internal.ExtractedInvoice, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return internal.ExtractedInvoice{}, err
	}
	defer f.Close()

	var inv internal.ExtractedInvoice
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		scanRows(rows, &inv)
	}
	return inv, nil
}

// ParseInvoiceHTML reads labelled paragraphs, definition lists and tables.
func ParseInvoiceHTML(html string) (internal.ExtractedInvoice, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return internal.ExtractedInvoice{}, err
	}

	var inv internal.ExtractedInvoice
	doc.Find("p, li, h1, h2, h3, h4, address").Each(func(_ int, s *goquery.Selection) {
		if s.Closest("table").Length() > 0 {
			return
		}
		for _, line := range splitLines(s.Text()) {
			applyTextHeader(&inv, line)
		}
	})
	doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		dds := dl.Find("dd")
		dl.Find("dt").Each(func(i int, dt *goquery.Selection) {
			if i < dds.Length() {
				applyHeader(&inv, strings.TrimSuffix(normalizeSpaces(dt.Text()), ":"), normalizeSpaces(dds.Eq(i).Text()))
			}
		})
	})
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		var rows [][]string
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, cell.Text())
			})
			rows = append(rows, cells)
		})
		scanRows(rows, &inv)
	})
	return inv, nil
}
