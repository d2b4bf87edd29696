package pipeline

import "testing"

func TestDetectInvoiceEmail(t *testing.T) {
	res := DetectInvoiceEmail("Invoice INV-55", "Please find attached. Amount due 110.00", "", []string{"INV-55.pdf"})
	if !res.IsInvoice {
		t.Fatalf("expected invoice, got %+v", res)
	}

	res = DetectInvoiceEmail("Team lunch friday", "See you at noon", "", nil)
	if res.IsInvoice {
		t.Fatalf("expected non-invoice, got %+v", res)
	}
	if res.Reason != "rules_negative" {
		t.Fatalf("reason=%s", res.Reason)
	}
}

func TestCountAmountPatterns(t *testing.T) {
	if got := countAmountPatterns("subtotal 100.00 gst 10.00 total 1,210.50"); got != 3 {
		t.Fatalf("got %d", got)
	}
	if got := countAmountPatterns("call 0400 123 456"); got != 0 {
		t.Fatalf("got %d", got)
	}
}
