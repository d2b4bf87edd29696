package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"invoicematch/internal"
	"invoicematch/internal/config"
	"invoicematch/internal/util"
)

const maxAttempts = 5

var ErrDisabled = errors.New("webhook export is not configured")

// Client posts approved invoices to an accounting system.
type Client struct {
	url        string
	method     string
	headers    map[string]string
	tmpl       *template.Template
	httpClient *http.Client
	limiter    *RateLimiter
	wait       func(ctx context.Context, attempt int) error
}

// Payload is the default JSON body and the data handed to a custom template.
type Payload struct {
	Stem           string                     `json:"stem"`
	InvoiceNumber  string                     `json:"invoice_number"`
	SupplierID     string                     `json:"supplier_id"`
	SupplierName   string                     `json:"supplier_name"`
	PONumber       string                     `json:"po_number"`
	InvoiceDate    string                     `json:"invoice_date"`
	DueDate        string                     `json:"due_date"`
	Currency       string                     `json:"currency"`
	Subtotal       string                     `json:"subtotal"`
	TaxAmount      string                     `json:"tax_amount"`
	Total          string                     `json:"total"`
	WarningCount   int                        `json:"warning_count"`
	ApprovedBy     string                     `json:"approved_by"`
	ApprovedAt     string                     `json:"approved_at"`
	IdempotencyKey string                     `json:"idempotency_key"`
	Result         *internal.ProcessingResult `json:"result,omitempty"`
}

func NewClient(cfg config.Config) (*Client, error) {
	c := &Client{
		url:        strings.TrimSpace(cfg.WebhookURL),
		method:     strings.ToUpper(util.FirstNonEmpty(cfg.WebhookMethod, http.MethodPost)),
		headers:    map[string]string{},
		httpClient: &http.Client{Timeout: time.Duration(cfg.WebhookTimeoutMs) * time.Millisecond},
		limiter:    NewRateLimiter(cfg.WebhookRateLimitRPS),
		wait:       backoff,
	}
	if strings.TrimSpace(cfg.WebhookHeadersJSON) != "" {
		if err := json.Unmarshal([]byte(cfg.WebhookHeadersJSON), &c.headers); err != nil {
			return nil, fmt.Errorf("WEBHOOK_EXPORT_HEADERS: %w", err)
		}
	}
	if path := strings.TrimSpace(cfg.WebhookTemplatePath); path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read webhook template: %w", err)
		}
		tmpl, err := template.New("webhook").Parse(string(blob))
		if err != nil {
			return nil, fmt.Errorf("parse webhook template: %w", err)
		}
		c.tmpl = tmpl
	}
	return c, nil
}

func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// BuildPayload flattens the stored invoice and its result. The idempotency
// key is stable for a given stem and content hash.
func BuildPayload(row internal.InvoiceRow, result *internal.ProcessingResult, actor string, approvedAt time.Time) Payload {
	p := Payload{
		Stem:           row.Stem,
		InvoiceNumber:  row.InvoiceNumber,
		SupplierID:     row.MatchedSupplier,
		SupplierName:   row.SupplierName,
		PONumber:       row.PONumber,
		Total:          row.Total,
		WarningCount:   row.WarningCount,
		ApprovedBy:     actor,
		ApprovedAt:     approvedAt.UTC().Format(time.RFC3339),
		IdempotencyKey: uuid.NewSHA1(uuid.NameSpaceURL, []byte(row.Stem+":"+row.ContentHash)).String(),
		Result:         result,
	}
	if result != nil {
		inv := result.Invoice
		p.InvoiceDate = inv.InvoiceDate.String()
		p.DueDate = inv.DueDate.String()
		p.Currency = inv.Currency
		p.Subtotal = util.NullString(inv.Subtotal)
		p.TaxAmount = util.NullString(inv.TaxAmount)
		if result.Supplier.Resolved() {
			p.SupplierName = result.Supplier.Supplier.Name
		}
	}
	return p
}

func (c *Client) render(p Payload) ([]byte, error) {
	if c.tmpl == nil {
		return json.Marshal(p)
	}
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render webhook template: %w", err)
	}
	return buf.Bytes(), nil
}

// Export sends one approved invoice, retrying network errors and retryable
// statuses with exponential backoff.
func (c *Client) Export(ctx context.Context, row internal.InvoiceRow, result *internal.ProcessingResult, actor string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	payload := BuildPayload(row, result, actor, time.Now())
	body, err := c.render(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, c.method, c.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt == maxAttempts {
				break
			}
			if err := c.wait(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
			lastErr = fmt.Errorf("webhook status %d", resp.StatusCode)
			if err := c.wait(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("webhook export failed: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	if lastErr == nil {
		lastErr = errors.New("webhook request failed")
	}
	return lastErr
}

func backoff(ctx context.Context, attempt int) error {
	wait := time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
