package pipeline

import (
	"sync"
	"testing"

	"invoicematch/internal"
)

func TestNormalizeInvoiceComputesLineTotals(t *testing.T) {
	inv := internal.ExtractedInvoice{
		PONumber: " po-1 ",
		LineItems: []internal.LineItem{
			{Description: "Paper", Quantity: dec("3"), UnitPrice: dec("9.99")},
			{Description: "Toner", Quantity: dec("2"), UnitPrice: dec("45.50"), Discount: dec("0.10")},
			{Description: "Stated", Quantity: dec("2"), UnitPrice: dec("5"), Total: dec("11.00")},
			{Description: "No price", Quantity: dec("2")},
		},
	}
	out := NormalizeInvoice(inv)

	if out.PONumber != "po-1" {
		t.Fatalf("po number not trimmed: %q", out.PONumber)
	}
	if got := out.LineItems[0].Total.Decimal.StringFixed(2); got != "29.97" || !out.LineItems[0].TotalComputed {
		t.Fatalf("line 1 total: %s computed=%v", got, out.LineItems[0].TotalComputed)
	}
	if got := out.LineItems[1].Total.Decimal.StringFixed(2); got != "81.90" {
		t.Fatalf("line 2 discounted total: %s", got)
	}
	if got := out.LineItems[2].Total.Decimal.StringFixed(2); got != "11.00" || out.LineItems[2].TotalComputed {
		t.Fatalf("stated total must be kept: %s", got)
	}
	if out.LineItems[3].Total.Valid {
		t.Fatalf("line without price must stay without total")
	}
	for i, item := range out.LineItems {
		if item.LineNumber != i+1 {
			t.Fatalf("line %d numbered %d", i, item.LineNumber)
		}
	}
	if inv.LineItems[0].Total.Valid {
		t.Fatalf("caller invoice was modified")
	}
}

func TestEngineConcurrentUse(t *testing.T) {
	e := testEngine(t, DefaultSettings())
	want := e.Process(cleanInvoice(), processedAt)

	var wg sync.WaitGroup
	errs := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := e.Process(cleanInvoice(), processedAt)
			if len(got.Discrepancies) != len(want.Discrepancies) || got.RequiresReview != want.RequiresReview {
				errs <- "result differs under concurrency"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
}

func TestNewEngineRejectsNilSnapshot(t *testing.T) {
	if _, err := NewEngine(DefaultSettings(), nil); err != ErrNilSnapshot {
		t.Fatalf("expected ErrNilSnapshot, got %v", err)
	}
}
