package internal

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceSource string

const (
	SourceJSON  InvoiceSource = "json"
	SourceXLSX  InvoiceSource = "xlsx"
	SourceHTML  InvoiceSource = "html"
	SourcePDF   InvoiceSource = "pdf"
	SourceEmail InvoiceSource = "email"
)

// Date is a calendar date. The zero value means the date was absent or could
// not be parsed.
type Date struct {
	time.Time
}

var dateLayouts = []string{
	"2006-01-02", "2/1/2006", "2-1-2006", "2.1.2006", "2006/01/02",
	"2 January 2006", "2 Jan 2006", "January 2, 2006", "Jan 2, 2006", time.RFC3339,
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(value string) (Date, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Date{}, false
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return DateOf(parsed), true
		}
	}
	return Date{}, false
}

// DaysUntil returns the whole number of days from d to other.
func (d Date) DaysUntil(other Date) int {
	return int(other.Sub(d.Time).Hours() / 24)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format("2006-01-02")
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON never fails on a malformed date; it leaves the value zero so
// date checks are skipped for it.
func (d *Date) UnmarshalJSON(b []byte) error {
	*d = Date{}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	if parsed, ok := ParseDate(s); ok {
		*d = parsed
	}
	return nil
}

type LineItem struct {
	LineNumber  int                 `json:"line_number,omitempty"`
	SKU         string              `json:"sku,omitempty"`
	Description string              `json:"description"`
	Quantity    decimal.NullDecimal `json:"quantity"`
	Unit        string              `json:"unit,omitempty"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	Discount    decimal.NullDecimal `json:"discount"`
	Total       decimal.NullDecimal `json:"total"`
	// TotalComputed is set when Total was derived from quantity and unit price.
	TotalComputed bool `json:"total_computed,omitempty"`
}

type ExtractedInvoice struct {
	InvoiceNumber string              `json:"invoice_number"`
	SupplierName  string              `json:"supplier_name"`
	SupplierABN   string              `json:"supplier_abn"`
	SupplierEmail string              `json:"supplier_email"`
	PONumber      string              `json:"po_number"`
	InvoiceDate   Date                `json:"invoice_date"`
	DueDate       Date                `json:"due_date"`
	Currency      string              `json:"currency"`
	Subtotal      decimal.NullDecimal `json:"subtotal"`
	TaxRate       decimal.NullDecimal `json:"tax_rate"`
	TaxAmount     decimal.NullDecimal `json:"tax_amount"`
	Shipping      decimal.NullDecimal `json:"shipping"`
	OtherCharges  decimal.NullDecimal `json:"other_charges"`
	Total         decimal.NullDecimal `json:"total"`
	PaymentTerms  string              `json:"payment_terms,omitempty"`
	LineItems     []LineItem          `json:"line_items"`
}

type Supplier struct {
	ID      string   `json:"id" validate:"required"`
	Name    string   `json:"name" validate:"required"`
	ABN     string   `json:"abn,omitempty" validate:"omitempty,numeric"`
	ACN     string   `json:"acn,omitempty" validate:"omitempty,numeric"`
	Email   string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string   `json:"phone,omitempty"`
	Address string   `json:"address,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// Clone returns a copy that shares no slices with s.
func (s Supplier) Clone() Supplier {
	s.Aliases = slices.Clone(s.Aliases)
	return s
}

type POStatus string

const (
	POOpen              POStatus = "open"
	POClosed            POStatus = "closed"
	POPartiallyReceived POStatus = "partially_received"
)

type PurchaseOrder struct {
	PONumber         string              `json:"po_number" validate:"required"`
	SupplierID       string              `json:"supplier_id"`
	SupplierName     string              `json:"supplier_name"`
	IssueDate        Date                `json:"issue_date"`
	ExpectedDelivery Date                `json:"expected_delivery"`
	Subtotal         decimal.Decimal     `json:"subtotal"`
	TaxAmount        decimal.Decimal     `json:"tax_amount"`
	Total            decimal.Decimal     `json:"total"`
	Currency         string              `json:"currency"`
	Status           POStatus            `json:"status" validate:"omitempty,oneof=open closed partially_received"`
	Lines            []PurchaseOrderLine `json:"lines,omitempty"`
}

// Clone returns a copy whose Lines can be changed without touching po.
func (po PurchaseOrder) Clone() PurchaseOrder {
	po.Lines = slices.Clone(po.Lines)
	return po
}

type PurchaseOrderLine struct {
	PONumber    string          `json:"po_number" validate:"required"`
	LineNumber  int             `json:"line_number" validate:"gte=0"`
	SKU         string          `json:"sku,omitempty"`
	Description string          `json:"description" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

type MatchMethod string

const (
	MatchABNExact    MatchMethod = "abn_exact"
	MatchNameExact   MatchMethod = "name_exact"
	MatchNameFuzzy   MatchMethod = "name_fuzzy"
	MatchEmailDomain MatchMethod = "email_domain"
	MatchNone        MatchMethod = "none"
)

type MatchedSupplier struct {
	Supplier   *Supplier   `json:"supplier"`
	Method     MatchMethod `json:"match_method"`
	Confidence float64     `json:"confidence"`
	MatchedOn  string      `json:"matched_on,omitempty"`
}

func (m MatchedSupplier) Resolved() bool {
	return m.Supplier != nil
}

const UnmatchedNoPOLine = "no_po_line_match"

type LineAlignment struct {
	InvoiceLineIndex int                `json:"invoice_line_index"`
	POLine           *PurchaseOrderLine `json:"po_line"`
	MatchConfidence  float64            `json:"match_confidence"`
	UnmatchedReason  string             `json:"unmatched_reason,omitempty"`
}

type MatchedPO struct {
	Reference        string          `json:"reference,omitempty"`
	PO               *PurchaseOrder  `json:"po"`
	SupplierMatches  bool            `json:"supplier_matches"`
	Lines            []LineAlignment `json:"lines"`
	UnmatchedPOLines []int           `json:"unmatched_po_lines,omitempty"`
}

func (m MatchedPO) Resolved() bool {
	return m.PO != nil
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type DiscrepancyType string

const (
	LineItemsSubtotalMismatch DiscrepancyType = "line_items_subtotal_mismatch"
	GrandTotalMismatch        DiscrepancyType = "grand_total_mismatch"
	ImplausibleTaxRate        DiscrepancyType = "implausible_tax_rate"
	TaxCalculationMismatch    DiscrepancyType = "tax_calculation_mismatch"

	FutureDatedInvoice   DiscrepancyType = "future_dated_invoice"
	StaleInvoice         DiscrepancyType = "stale_invoice"
	DueBeforeInvoiceDate DiscrepancyType = "due_before_invoice_date"
	OverdueInvoice       DiscrepancyType = "overdue_invoice"

	PONotFound             DiscrepancyType = "po_not_found"
	NoPOReference          DiscrepancyType = "no_po_reference"
	POSupplierMismatch     DiscrepancyType = "po_supplier_mismatch"
	POTotalExceeded        DiscrepancyType = "po_total_exceeded"
	POLineQuantityMismatch DiscrepancyType = "po_line_quantity_mismatch"
	POLinePriceMismatch    DiscrepancyType = "po_line_price_mismatch"
	POLineNotFound         DiscrepancyType = "po_line_not_found"

	MissingInvoiceNumber DiscrepancyType = "missing_invoice_number"
	SupplierNotFound     DiscrepancyType = "supplier_not_found"
	MissingTotal         DiscrepancyType = "missing_total"
	NonPositiveTotal     DiscrepancyType = "non_positive_total"
	InvalidLineQuantity  DiscrepancyType = "invalid_line_quantity"
	InvalidLineUnitPrice DiscrepancyType = "invalid_line_unit_price"
	MissingLineItems     DiscrepancyType = "missing_line_items"
)

var severityByType = map[DiscrepancyType]Severity{
	LineItemsSubtotalMismatch: SeverityError,
	GrandTotalMismatch:        SeverityError,
	ImplausibleTaxRate:        SeverityWarning,
	TaxCalculationMismatch:    SeverityWarning,

	FutureDatedInvoice:   SeverityError,
	StaleInvoice:         SeverityWarning,
	DueBeforeInvoiceDate: SeverityError,
	OverdueInvoice:       SeverityWarning,

	PONotFound:             SeverityError,
	NoPOReference:          SeverityWarning,
	POSupplierMismatch:     SeverityError,
	POTotalExceeded:        SeverityError,
	POLineQuantityMismatch: SeverityError,
	POLinePriceMismatch:    SeverityError,
	POLineNotFound:         SeverityWarning,

	MissingInvoiceNumber: SeverityError,
	SupplierNotFound:     SeverityError,
	MissingTotal:         SeverityError,
	NonPositiveTotal:     SeverityError,
	InvalidLineQuantity:  SeverityWarning,
	InvalidLineUnitPrice: SeverityWarning,
	MissingLineItems:     SeverityWarning,
}

// AllDiscrepancyTypes lists every known type in a stable order.
func AllDiscrepancyTypes() []DiscrepancyType {
	return []DiscrepancyType{
		LineItemsSubtotalMismatch, GrandTotalMismatch, ImplausibleTaxRate, TaxCalculationMismatch,
		FutureDatedInvoice, StaleInvoice, DueBeforeInvoiceDate, OverdueInvoice,
		PONotFound, NoPOReference, POSupplierMismatch, POTotalExceeded,
		POLineQuantityMismatch, POLinePriceMismatch, POLineNotFound,
		MissingInvoiceNumber, SupplierNotFound, MissingTotal, NonPositiveTotal,
		InvalidLineQuantity, InvalidLineUnitPrice, MissingLineItems,
	}
}

// Severity panics on a type outside the closed set.
func (t DiscrepancyType) Severity() Severity {
	sev, ok := severityByType[t]
	if !ok {
		panic("unknown discrepancy type: " + string(t))
	}
	return sev
}

type Discrepancy struct {
	Type          DiscrepancyType `json:"type"`
	Severity      Severity        `json:"severity"`
	Description   string          `json:"description"`
	Field         string          `json:"field,omitempty"`
	InvoiceValue  string          `json:"invoice_value,omitempty"`
	ExpectedValue string          `json:"expected_value,omitempty"`
}

func NewDiscrepancy(t DiscrepancyType, field, description, invoiceValue, expectedValue string) Discrepancy {
	return Discrepancy{
		Type:          t,
		Severity:      t.Severity(),
		Description:   description,
		Field:         field,
		InvoiceValue:  invoiceValue,
		ExpectedValue: expectedValue,
	}
}

type ProcessingResult struct {
	Invoice        ExtractedInvoice `json:"extracted_invoice"`
	Supplier       MatchedSupplier  `json:"matched_supplier"`
	PO             MatchedPO        `json:"matched_po"`
	Discrepancies  []Discrepancy    `json:"discrepancies"`
	RequiresReview bool             `json:"requires_review"`
	ReviewReasons  []string         `json:"review_reasons"`
	ErrorCount     int              `json:"error_count"`
	WarningCount   int              `json:"warning_count"`
	ProcessedAt    time.Time        `json:"processed_at"`
}

func NewProcessingResult(inv ExtractedInvoice, supplier MatchedSupplier, po MatchedPO, discrepancies []Discrepancy, processedAt time.Time) ProcessingResult {
	res := ProcessingResult{
		Invoice:       inv,
		Supplier:      supplier,
		PO:            po,
		Discrepancies: make([]Discrepancy, len(discrepancies)),
		ReviewReasons: []string{},
		ProcessedAt:   processedAt,
	}
	for i, d := range discrepancies {
		// Severity always follows the type, whatever the caller filled in.
		if sev, ok := severityByType[d.Type]; ok {
			d.Severity = sev
		}
		res.Discrepancies[i] = d
		switch d.Severity {
		case SeverityError:
			res.ErrorCount++
			res.ReviewReasons = append(res.ReviewReasons, d.Description)
		case SeverityWarning:
			res.WarningCount++
		}
	}
	res.RequiresReview = res.ErrorCount > 0
	return res
}

type InvoiceStatus string

const (
	StatusNeedsReview InvoiceStatus = "needs_review"
	StatusReady       InvoiceStatus = "ready"
	StatusExported    InvoiceStatus = "exported"
	StatusFailed      InvoiceStatus = "failed"
)

func StatusFor(res ProcessingResult) InvoiceStatus {
	if res.RequiresReview {
		return StatusNeedsReview
	}
	return StatusReady
}

type InvoiceRow struct {
	Stem            string
	SourceFile      string
	Source          InvoiceSource
	Status          InvoiceStatus
	InvoiceNumber   string
	SupplierName    string
	MatchedSupplier string
	PONumber        string
	Total           string
	ErrorCount      int
	WarningCount    int
	ContentHash     string
	ProcessedAt     string
	ExportedAt      *string
	Error           *string
}

type EmailRow struct {
	ID         int
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}

type AuditEntry struct {
	ID        int
	Stem      string
	Timestamp string
	Action    string
	Actor     string
	Detail    string
}

// DiscrepancyRow is a stored discrepancy joined with its invoice, for reports.
type DiscrepancyRow struct {
	Stem          string
	InvoiceNumber string
	Status        InvoiceStatus
	Seq           int
	Discrepancy
}
