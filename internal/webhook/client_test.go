package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"invoicematch/internal"
	"invoicematch/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func testConfig() config.Config {
	return config.Config{
		WebhookURL:          "https://accounts.example.test/hooks/invoices",
		WebhookMethod:       "post",
		WebhookHeadersJSON:  `{"Authorization":"Bearer test"}`,
		WebhookTimeoutMs:    1000,
		WebhookRateLimitRPS: 1000,
	}
}

func testRow() internal.InvoiceRow {
	return internal.InvoiceRow{
		Stem:            "INV-001",
		Status:          internal.StatusReady,
		InvoiceNumber:   "INV-001",
		SupplierName:    "Bolt & Nut Co",
		MatchedSupplier: "S002",
		Total:           "110",
		ContentHash:     "abc",
	}
}

func TestExportRetriesThenSucceeds(t *testing.T) {
	client, err := NewClient(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	attempt := 0
	var got Payload
	var key string
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			attempt++
			if r.Method != http.MethodPost {
				t.Fatalf("method=%s", r.Method)
			}
			if r.Header.Get("Authorization") != "Bearer test" {
				t.Fatalf("missing configured header")
			}
			if attempt == 1 {
				return respond(http.StatusServiceUnavailable, `{"error":"busy"}`), nil
			}
			key = r.Header.Get("Idempotency-Key")
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			return respond(http.StatusOK, `{}`), nil
		}),
	}

	if err := client.Export(context.Background(), testRow(), nil, "alice"); err != nil {
		t.Fatal(err)
	}
	if attempt != 2 {
		t.Fatalf("attempts=%d", attempt)
	}
	if got.InvoiceNumber != "INV-001" || got.SupplierID != "S002" || got.ApprovedBy != "alice" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if key == "" || key != got.IdempotencyKey {
		t.Fatalf("idempotency key header=%q body=%q", key, got.IdempotencyKey)
	}
}

func TestExportDoesNotRetryClientErrors(t *testing.T) {
	client, err := NewClient(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	attempt := 0
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			attempt++
			return respond(http.StatusBadRequest, `{"error":"bad"}`), nil
		}),
	}

	if err := client.Export(context.Background(), testRow(), nil, "alice"); err == nil {
		t.Fatal("expected error")
	}
	if attempt != 1 {
		t.Fatalf("attempts=%d", attempt)
	}
}

func TestExportRendersTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.tmpl")
	if err := os.WriteFile(path, []byte(`{"ref":"{{.InvoiceNumber}}","amount":"{{.Total}}"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.WebhookTemplatePath = path

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var body string
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			blob, _ := io.ReadAll(r.Body)
			body = string(blob)
			return respond(http.StatusAccepted, ``), nil
		}),
	}

	if err := client.Export(context.Background(), testRow(), nil, "alice"); err != nil {
		t.Fatal(err)
	}
	if body != `{"ref":"INV-001","amount":"110"}` {
		t.Fatalf("body=%s", body)
	}
}

func TestExportDisabled(t *testing.T) {
	client, err := NewClient(config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if client.Enabled() {
		t.Fatal("expected disabled client")
	}
	if err := client.Export(context.Background(), testRow(), nil, "alice"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildPayloadStableKey(t *testing.T) {
	a := BuildPayload(testRow(), nil, "alice", testNow)
	b := BuildPayload(testRow(), nil, "bob", testNow)
	if a.IdempotencyKey != b.IdempotencyKey {
		t.Fatal("key should depend on stem and content only")
	}
	row := testRow()
	row.ContentHash = "def"
	if BuildPayload(row, nil, "alice", testNow).IdempotencyKey == a.IdempotencyKey {
		t.Fatal("key should change with content")
	}
}

var testNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

func TestExportNoWaitAfterLastNetworkError(t *testing.T) {
	client, err := NewClient(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	refused := errors.New("connection refused")
	calls := 0
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls++
			return nil, refused
		}),
	}
	var waits []int
	client.wait = func(_ context.Context, attempt int) error {
		waits = append(waits, attempt)
		return nil
	}

	err = client.Export(context.Background(), testRow(), nil, "alice")
	if !errors.Is(err, refused) {
		t.Fatalf("expected network error, got %v", err)
	}
	if calls != maxAttempts {
		t.Fatalf("calls=%d want %d", calls, maxAttempts)
	}
	if len(waits) != maxAttempts-1 || waits[len(waits)-1] != maxAttempts-1 {
		t.Fatalf("waits=%v", waits)
	}
}
