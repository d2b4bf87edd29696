package pipeline

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicematch/internal"
)

func newPOMatcher(t *testing.T) *POMatcher {
	t.Helper()
	m, err := NewPOMatcher(DefaultSettings(), testSnapshot())
	require.NoError(t, err)
	return m
}

func TestPOMatcherResolvesReference(t *testing.T) {
	m := newPOMatcher(t)
	supplier := internal.MatchedSupplier{Supplier: &testSuppliers()[0], Method: internal.MatchABNExact}

	got := m.Match(internal.ExtractedInvoice{PONumber: "  po-1001 "}, supplier)
	require.True(t, got.Resolved())
	assert.Equal(t, "PO-1001", got.PO.PONumber)
	assert.Equal(t, "po-1001", got.Reference)
	assert.True(t, got.SupplierMatches)

	other := internal.MatchedSupplier{Supplier: &testSuppliers()[1], Method: internal.MatchABNExact}
	got = m.Match(internal.ExtractedInvoice{PONumber: "PO-1001"}, other)
	require.True(t, got.Resolved())
	assert.False(t, got.SupplierMatches)

	got = m.Match(internal.ExtractedInvoice{PONumber: "PO-404"}, supplier)
	assert.False(t, got.Resolved())
	assert.Equal(t, "PO-404", got.Reference)

	got = m.Match(internal.ExtractedInvoice{}, supplier)
	assert.False(t, got.Resolved())
	assert.Empty(t, got.Lines)
}

func TestPOMatcherAlignsLines(t *testing.T) {
	m := newPOMatcher(t)
	inv := internal.ExtractedInvoice{
		PONumber: "PO-1001",
		LineItems: []internal.LineItem{
			{SKU: "blt-10", Description: "bolts"},
			{Description: "Steel widget 50mm"},
			{Description: "Consulting services"},
		},
	}
	got := m.Match(inv, internal.MatchedSupplier{Method: internal.MatchNone})
	require.Len(t, got.Lines, 3)

	require.NotNil(t, got.Lines[0].POLine)
	assert.Equal(t, 2, got.Lines[0].POLine.LineNumber)
	assert.Equal(t, float64(100), got.Lines[0].MatchConfidence)

	require.NotNil(t, got.Lines[1].POLine)
	assert.Equal(t, 1, got.Lines[1].POLine.LineNumber)

	assert.Nil(t, got.Lines[2].POLine)
	assert.Equal(t, internal.UnmatchedNoPOLine, got.Lines[2].UnmatchedReason)

	assert.Equal(t, []int{3}, got.UnmatchedPOLines)
	for i, l := range got.Lines {
		assert.Equal(t, i, l.InvoiceLineIndex)
	}
}

func TestAlignLinesPrefersHigherScoreThenEarlierLine(t *testing.T) {
	poLines := []internal.PurchaseOrderLine{{LineNumber: 1, Description: "Copy paper A4"}}
	items := []internal.LineItem{
		{Description: "Copy paper A4"},
		{Description: "Copy paper A4"},
	}
	lines, unmatched := alignLines(items, poLines, 70)
	require.NotNil(t, lines[0].POLine)
	assert.Nil(t, lines[1].POLine)
	assert.Empty(t, unmatched)
}

var lineVocabulary = []string{
	"Steel widget 50mm", "Steel widget 75mm", "Hex bolt M10 zinc", "Hex bolt M12",
	"Lock nut M6", "Delivery charge", "Copy paper A4", "Toner cartridge black",
}

func randomLines(r *rand.Rand) ([]internal.LineItem, []internal.PurchaseOrderLine) {
	items := make([]internal.LineItem, r.Intn(8))
	for i := range items {
		items[i].Description = lineVocabulary[r.Intn(len(lineVocabulary))]
		if r.Intn(3) == 0 {
			items[i].SKU = fmt.Sprintf("SKU-%d", r.Intn(4))
		}
	}
	poLines := make([]internal.PurchaseOrderLine, r.Intn(8))
	for i := range poLines {
		poLines[i].LineNumber = i + 1
		poLines[i].Description = lineVocabulary[r.Intn(len(lineVocabulary))]
		if r.Intn(3) == 0 {
			poLines[i].SKU = fmt.Sprintf("sku-%d", r.Intn(4))
		}
	}
	return items, poLines
}

func TestAlignLinesProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("no PO line is claimed twice", prop.ForAll(
		func(seed int64, threshold float64) bool {
			items, poLines := randomLines(rand.New(rand.NewSource(seed)))
			lines, unmatched := alignLines(items, poLines, threshold)
			if len(lines) != len(items) {
				return false
			}
			claimed := map[*internal.PurchaseOrderLine]bool{}
			for i, l := range lines {
				if l.InvoiceLineIndex != i {
					return false
				}
				if l.POLine == nil {
					if l.UnmatchedReason != internal.UnmatchedNoPOLine {
						return false
					}
					continue
				}
				if claimed[l.POLine] || l.MatchConfidence < threshold {
					return false
				}
				claimed[l.POLine] = true
			}
			return len(claimed)+len(unmatched) == len(poLines)
		},
		gen.Int64(),
		gen.Float64Range(0, 100),
	))

	properties.Property("alignment is deterministic", prop.ForAll(
		func(seed int64) bool {
			items, poLines := randomLines(rand.New(rand.NewSource(seed)))
			a, ua := alignLines(items, poLines, 70)
			b, ub := alignLines(items, poLines, 70)
			if len(ua) != len(ub) {
				return false
			}
			for i := range a {
				if a[i].POLine != b[i].POLine || a[i].MatchConfidence != b[i].MatchConfidence {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestMatchResultsDoNotShareSnapshotData(t *testing.T) {
	snap := testSnapshot()
	e, err := NewEngine(DefaultSettings(), snap)
	require.NoError(t, err)

	inv := internal.ExtractedInvoice{
		SupplierABN: "12 345 678 901",
		PONumber:    "PO-1001",
		LineItems:   []internal.LineItem{{SKU: "WID-01", Description: "Steel widget 50mm"}},
	}
	res := e.Process(inv, processedAt)
	require.True(t, res.Supplier.Resolved())
	require.True(t, res.PO.Resolved())
	require.NotNil(t, res.PO.Lines[0].POLine)
	assert.Same(t, &res.PO.PO.Lines[0], res.PO.Lines[0].POLine)

	res.Supplier.Supplier.Aliases[0] = "changed"
	res.PO.PO.Total = decimal.NewFromInt(1)
	res.PO.PO.Lines[1].Description = "changed"
	res.PO.Lines[0].POLine.SKU = "changed"

	supplier, ok := snap.Supplier("S001")
	require.True(t, ok)
	assert.Equal(t, "Acme Industrial", supplier.Aliases[0])

	po, ok := snap.PO("PO-1001")
	require.True(t, ok)
	assert.True(t, po.Total.Equal(decimal.RequireFromString("1100.00")))
	assert.Equal(t, "Hex bolt M10 zinc", po.Lines[1].Description)
	assert.Equal(t, "WID-01", po.Lines[0].SKU)
}
