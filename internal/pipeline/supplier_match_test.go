package pipeline

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"invoicematch/internal"
	"invoicematch/internal/reference"
)

func newSupplierMatcher(t *testing.T, settings Settings, suppliers []internal.Supplier) *SupplierMatcher {
	t.Helper()
	m, err := NewSupplierMatcher(settings, reference.BuildSnapshot(suppliers, nil, nil))
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	return m
}

func TestSupplierMatcherStages(t *testing.T) {
	m := newSupplierMatcher(t, DefaultSettings(), testSuppliers())

	tests := []struct {
		name       string
		inv        internal.ExtractedInvoice
		wantID     string
		wantMethod internal.MatchMethod
	}{
		{"abn formatted", internal.ExtractedInvoice{SupplierABN: "12 345 678 901", SupplierName: "Someone Else Entirely"}, "S001", internal.MatchABNExact},
		{"abn wins over name", internal.ExtractedInvoice{SupplierABN: "98765432109", SupplierName: "Acme Industrial Supplies Pty Ltd"}, "S002", internal.MatchABNExact},
		{"canonical name", internal.ExtractedInvoice{SupplierName: "  bolt &   nut CO "}, "S002", internal.MatchNameExact},
		{"alias", internal.ExtractedInvoice{SupplierName: "acme supplies"}, "S001", internal.MatchNameExact},
		{"fuzzy", internal.ExtractedInvoice{SupplierName: "Acme Industrial Suplies Pty Ltd"}, "S001", internal.MatchNameFuzzy},
		{"email domain", internal.ExtractedInvoice{SupplierName: "GOP", SupplierEmail: "Sales@Greenfield.NET"}, "S003", internal.MatchEmailDomain},
		{"unknown abn falls through", internal.ExtractedInvoice{SupplierABN: "000", SupplierName: "Bolt & Nut Co"}, "S002", internal.MatchNameExact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.inv)
			if !got.Resolved() {
				t.Fatalf("expected a match, got %+v", got)
			}
			if got.Supplier.ID != tt.wantID || got.Method != tt.wantMethod {
				t.Fatalf("got %s via %s, want %s via %s", got.Supplier.ID, got.Method, tt.wantID, tt.wantMethod)
			}
		})
	}
}

func TestSupplierMatcherScenarioB(t *testing.T) {
	m := newSupplierMatcher(t, DefaultSettings(), testSuppliers())
	got := m.Match(internal.ExtractedInvoice{SupplierABN: "12 345 678 901"})
	if got.Method != internal.MatchABNExact || got.Confidence != 100 || got.Supplier.ID != "S001" {
		t.Fatalf("unexpected match: %+v", got)
	}
}

func TestSupplierMatcherUnresolved(t *testing.T) {
	m := newSupplierMatcher(t, DefaultSettings(), testSuppliers())
	got := m.Match(internal.ExtractedInvoice{SupplierName: "Totally Different Trading", SupplierEmail: "x@unknown.org"})
	if got.Resolved() || got.Method != internal.MatchNone {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestSupplierMatcherDuplicateABNTakesFirst(t *testing.T) {
	m := newSupplierMatcher(t, DefaultSettings(), []internal.Supplier{
		{ID: "B", Name: "Second Entity", ABN: "111"},
		{ID: "A", Name: "First Entity", ABN: "111"},
	})
	got := m.Match(internal.ExtractedInvoice{SupplierABN: "1-1-1"})
	if got.Supplier == nil || got.Supplier.ID != "B" {
		t.Fatalf("expected first in load order, got %+v", got)
	}
}

func TestSupplierMatcherFuzzyTieBreaks(t *testing.T) {
	t.Run("canonical over alias", func(t *testing.T) {
		m := newSupplierMatcher(t, DefaultSettings(), []internal.Supplier{
			{ID: "1", Name: "Zeta Holdings", Aliases: []string{"Widget Co"}},
			{ID: "5", Name: "Widget Co"},
		})
		got := m.Match(internal.ExtractedInvoice{SupplierName: "Widget Coo"})
		if got.Method != internal.MatchNameFuzzy || got.Supplier.ID != "5" {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("lowest numeric id", func(t *testing.T) {
		m := newSupplierMatcher(t, DefaultSettings(), []internal.Supplier{
			{ID: "10", Name: "Widget Co"},
			{ID: "2", Name: "Widget Co"},
		})
		got := m.Match(internal.ExtractedInvoice{SupplierName: "Widget Coo"})
		if got.Method != internal.MatchNameFuzzy || got.Supplier.ID != "2" {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestNewSupplierMatcherContract(t *testing.T) {
	if _, err := NewSupplierMatcher(DefaultSettings(), nil); !errors.Is(err, ErrNilSnapshot) {
		t.Fatalf("expected ErrNilSnapshot, got %v", err)
	}
	bad := DefaultSettings()
	bad.SupplierFuzzyThreshold = -1
	if _, err := NewSupplierMatcher(bad, testSnapshot()); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
}

var fuzzyQueries = []string{
	"Acme Industrial Suplies Pty Ltd",
	"Acme Industrial Supply",
	"Acme Indstrial",
	"Bolt and Nut Company",
	"Bolt Nut",
	"Greenfeld Office Product",
	"Greenfield Office",
	"Office Products Greenfield",
	"Nut & Bolt Co",
	"Unrelated Services Group",
}

func TestSupplierFuzzyThresholdProperties(t *testing.T) {
	suppliers := testSuppliers()
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("fuzzy matches never score below threshold", prop.ForAll(
		func(q int, threshold float64) bool {
			s := DefaultSettings()
			s.SupplierFuzzyThreshold = threshold
			m := newSupplierMatcher(t, s, suppliers)
			got := m.Match(internal.ExtractedInvoice{SupplierName: fuzzyQueries[q]})
			return got.Method != internal.MatchNameFuzzy || got.Confidence >= threshold
		},
		gen.IntRange(0, len(fuzzyQueries)-1),
		gen.Float64Range(0, 100),
	))

	properties.Property("raising the threshold never adds fuzzy matches", prop.ForAll(
		func(q int, low, delta float64) bool {
			high := low + delta
			if high > 100 {
				high = 100
			}
			sLow, sHigh := DefaultSettings(), DefaultSettings()
			sLow.SupplierFuzzyThreshold = low
			sHigh.SupplierFuzzyThreshold = high
			inv := internal.ExtractedInvoice{SupplierName: fuzzyQueries[q]}
			gotHigh := newSupplierMatcher(t, sHigh, suppliers).Match(inv)
			if gotHigh.Method != internal.MatchNameFuzzy {
				return true
			}
			gotLow := newSupplierMatcher(t, sLow, suppliers).Match(inv)
			return gotLow.Method == internal.MatchNameFuzzy && gotLow.Supplier.ID == gotHigh.Supplier.ID
		},
		gen.IntRange(0, len(fuzzyQueries)-1),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 50),
	))

	properties.TestingRun(t)
}
