package pipeline

import (
	"bytes"
	"regexp"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"invoicematch/internal"
	"invoicematch/internal/util"
)

var (
	reTextLine = regexp.MustCompile(`^(.*?\S)\s+(-?\d+(?:\.\d+)?)\s+\$?(-?[\d,]*\d\.\d{2})\s+\$?(-?[\d,]*\d\.\d{2})$`)
	reSKU      = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,}$`)
	reDigit    = regexp.MustCompile(`\d`)
)

// ParseInvoiceText reads "Label: value" header lines and line items of the
// form "[SKU] description qty unit_price total".
func ParseInvoiceText(text string) internal.ExtractedInvoice {
	var inv internal.ExtractedInvoice
	for _, line := range splitLines(text) {
		line = normalizeSpaces(line)
		if item, ok := parseTextLine(line); ok {
			inv.LineItems = append(inv.LineItems, item)
			continue
		}
		applyTextHeader(&inv, line)
	}
	return inv
}

// ParseInvoicePDF extracts the plain text of every page and reads it like a
// text invoice.
func ParseInvoicePDF(content []byte) (internal.ExtractedInvoice, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return internal.ExtractedInvoice{}, err
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return ParseInvoiceText(b.String()), nil
}

func parseTextLine(line string) (internal.LineItem, bool) {
	m := reTextLine.FindStringSubmatch(line)
	if m == nil {
		return internal.LineItem{}, false
	}
	desc := m[1]
	if isHeaderLabel(desc) {
		return internal.LineItem{}, false
	}
	item := internal.LineItem{
		Description: desc,
		Quantity:    util.ParseNullAmount(m[2]),
		UnitPrice:   util.ParseNullAmount(m[3]),
		Total:       util.ParseNullAmount(m[4]),
	}
	if fields := strings.Fields(desc); len(fields) > 1 && reSKU.MatchString(fields[0]) && reDigit.MatchString(fields[0]) {
		item.SKU = fields[0]
		item.Description = strings.Join(fields[1:], " ")
	}
	return item, true
}

func splitKeyValue(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	label := strings.TrimSpace(line[:idx])
	value := strings.TrimSpace(line[idx+1:])
	if !isHeaderLabel(label) || value == "" {
		return "", "", false
	}
	return label, value, true
}

// applyTextHeader accepts "Label: value" and, failing that, a known label of
// up to four words followed by its value.
func applyTextHeader(inv *internal.ExtractedInvoice, line string) bool {
	if label, value, ok := splitKeyValue(line); ok {
		return applyHeader(inv, label, value)
	}
	words := strings.Fields(line)
	for k := min(4, len(words)-1); k >= 1; k-- {
		label := strings.Join(words[:k], " ")
		if isHeaderLabel(label) {
			return applyHeader(inv, label, strings.Join(words[k:], " "))
		}
	}
	return false
}
