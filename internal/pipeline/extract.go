package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/shopspring/decimal"

	"invoicematch/internal"
	"invoicematch/internal/util"
)

var ErrUnsupportedFormat = errors.New("unsupported invoice format")

var reSpaces = regexp.MustCompile(`\s+`)

// SupportedExtensions lists the file types the intake understands.
var SupportedExtensions = []string{".json", ".xlsx", ".html", ".htm", ".pdf", ".eml"}

func IsSupportedFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ReadInvoiceFile reads one invoice document and converts it to the extracted
// invoice contract.
func ReadInvoiceFile(path string) (internal.ExtractedInvoice, internal.InvoiceSource, []byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return internal.ExtractedInvoice{}, "", nil, err
	}
	inv, source, err := ParseInvoice(filepath.Base(path), blob)
	return inv, source, blob, err
}

// ParseInvoice picks an adapter from the file name's extension.
func ParseInvoice(name string, blob []byte) (internal.ExtractedInvoice, internal.InvoiceSource, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		inv, err := ParseInvoiceJSON(blob)
		return inv, internal.SourceJSON, err
	case ".xlsx":
		inv, err := ParseInvoiceXLSX(blob)
		return inv, internal.SourceXLSX, err
	case ".html", ".htm":
		inv, err := ParseInvoiceHTML(string(blob))
		return inv, internal.SourceHTML, err
	case ".pdf":
		inv, err := ParseInvoicePDF(blob)
		return inv, internal.SourcePDF, err
	case ".eml":
		inv, err := ParseInvoiceEmail(blob)
		return inv, internal.SourceEmail, err
	default:
		return internal.ExtractedInvoice{}, "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

func ParseInvoiceJSON(blob []byte) (internal.ExtractedInvoice, error) {
	var inv internal.ExtractedInvoice
	if err := json.Unmarshal(blob, &inv); err != nil {
		return internal.ExtractedInvoice{}, fmt.Errorf("decode invoice json: %w", err)
	}
	return inv, nil
}

// ParseInvoiceEmail parses the first supported attachment, falling back to the
// HTML and then the text body. The sender fills in a missing supplier email.
func ParseInvoiceEmail(raw []byte) (internal.ExtractedInvoice, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return internal.ExtractedInvoice{}, err
	}

	inv, found, err := parseFirstAttachment(env)
	if err != nil {
		return internal.ExtractedInvoice{}, err
	}
	if !found {
		switch {
		case strings.TrimSpace(env.HTML) != "":
			inv, err = ParseInvoiceHTML(env.HTML)
		case strings.TrimSpace(env.Text) != "":
			inv = ParseInvoiceText(env.Text)
		default:
			return internal.ExtractedInvoice{}, errors.New("email has no invoice attachment or body")
		}
		if err != nil {
			return internal.ExtractedInvoice{}, err
		}
	}

	if inv.SupplierEmail == "" {
		if addrs, err := env.AddressList("From"); err == nil && len(addrs) > 0 {
			inv.SupplierEmail = addrs[0].Address
		}
	}
	return inv, nil
}

func parseFirstAttachment(env *enmime.Envelope) (internal.ExtractedInvoice, bool, error) {
	for _, att := range env.Attachments {
		name := strings.TrimSpace(att.FileName)
		ext := strings.ToLower(filepath.Ext(name))
		if ext == ".eml" || !IsSupportedFile(name) {
			continue
		}
		inv, _, err := ParseInvoice(name, att.Content)
		if err != nil {
			return internal.ExtractedInvoice{}, false, fmt.Errorf("attachment %s: %w", name, err)
		}
		return inv, true, nil
	}
	return internal.ExtractedInvoice{}, false, nil
}

// headerSetter writes one labelled header value into an invoice.
type headerSetter func(inv *internal.ExtractedInvoice, value string)

func setAmount(field func(*internal.ExtractedInvoice) *decimal.NullDecimal) headerSetter {
	return func(inv *internal.ExtractedInvoice, value string) {
		if d := util.ParseNullAmount(value); d.Valid {
			*field(inv) = d
		}
	}
}

func setDate(field func(*internal.ExtractedInvoice) *internal.Date) headerSetter {
	return func(inv *internal.ExtractedInvoice, value string) {
		if d, ok := internal.ParseDate(value); ok {
			*field(inv) = d
		}
	}
}

func setString(field func(*internal.ExtractedInvoice) *string) headerSetter {
	return func(inv *internal.ExtractedInvoice, value string) {
		*field(inv) = strings.TrimSpace(value)
	}
}

// headerLabels maps normalized labels to the field they fill.
var headerLabels = map[string]headerSetter{}

func registerLabels(setter headerSetter, labels ...string) {
	for _, l := range labels {
		headerLabels[util.NormalizeText(l)] = setter
	}
}

func init() {
	registerLabels(setString(func(i *internal.ExtractedInvoice) *string { return &i.InvoiceNumber }),
		"invoice number", "invoice no", "invoice #", "invoice", "invoice id", "tax invoice number", "tax invoice no")
	registerLabels(setString(func(i *internal.ExtractedInvoice) *string { return &i.SupplierName }),
		"supplier", "supplier name", "vendor", "seller", "from", "bill from")
	registerLabels(setString(func(i *internal.ExtractedInvoice) *string { return &i.SupplierABN }),
		"abn", "supplier abn", "acn")
	registerLabels(setString(func(i *internal.ExtractedInvoice) *string { return &i.SupplierEmail }),
		"email", "e-mail", "supplier email")
	registerLabels(setString(func(i *internal.ExtractedInvoice) *string { return &i.PONumber }),
		"po", "po number", "po no", "po #", "purchase order", "purchase order number", "order number")
	registerLabels(setString(func(i *internal.ExtractedInvoice) *string { return &i.Currency }),
		"currency")
	registerLabels(setString(func(i *internal.ExtractedInvoice) *string { return &i.PaymentTerms }),
		"terms", "payment terms")
	registerLabels(setDate(func(i *internal.ExtractedInvoice) *internal.Date { return &i.InvoiceDate }),
		"invoice date", "date", "issue date", "date of issue")
	registerLabels(setDate(func(i *internal.ExtractedInvoice) *internal.Date { return &i.DueDate }),
		"due date", "payment due", "due")
	registerLabels(setAmount(func(i *internal.ExtractedInvoice) *decimal.NullDecimal { return &i.Subtotal }),
		"subtotal", "sub total", "sub-total", "total ex gst", "total excl tax", "net total")
	registerLabels(setAmount(func(i *internal.ExtractedInvoice) *decimal.NullDecimal { return &i.TaxRate }),
		"tax rate", "gst rate", "vat rate")
	registerLabels(setAmount(func(i *internal.ExtractedInvoice) *decimal.NullDecimal { return &i.TaxAmount }),
		"tax", "gst", "vat", "tax amount", "gst amount")
	registerLabels(setAmount(func(i *internal.ExtractedInvoice) *decimal.NullDecimal { return &i.Shipping }),
		"shipping", "freight", "delivery")
	registerLabels(setAmount(func(i *internal.ExtractedInvoice) *decimal.NullDecimal { return &i.OtherCharges }),
		"other charges", "surcharge", "other")
	registerLabels(setAmount(func(i *internal.ExtractedInvoice) *decimal.NullDecimal { return &i.Total }),
		"total", "grand total", "amount due", "total due", "balance due", "total inc gst", "invoice total")
}

// applyHeader fills a field when label is known. It reports whether the label
// was recognised.
func applyHeader(inv *internal.ExtractedInvoice, label, value string) bool {
	setter, ok := headerLabels[util.NormalizeText(label)]
	if !ok || strings.TrimSpace(value) == "" {
		return false
	}
	setter(inv, value)
	return true
}

func isHeaderLabel(label string) bool {
	_, ok := headerLabels[util.NormalizeText(label)]
	return ok
}

func normalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
