package pipeline

import (
	"sort"
	"strings"

	"invoicematch/internal"
	"invoicematch/internal/reference"
	"invoicematch/internal/util"
)

// skuMatchScore is the score of a pair whose SKUs agree, regardless of the
// descriptions.
const skuMatchScore = 100

type POMatcher struct {
	settings Settings
	snapshot *reference.Snapshot
}

func NewPOMatcher(settings Settings, snap *reference.Snapshot) (*POMatcher, error) {
	if snap == nil {
		return nil, ErrNilSnapshot
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &POMatcher{settings: settings, snapshot: snap}, nil
}

// Match resolves the referenced purchase order and aligns invoice lines to its
// lines. An unknown or missing reference yields an unresolved result.
func (m *POMatcher) Match(inv internal.ExtractedInvoice, supplier internal.MatchedSupplier) internal.MatchedPO {
	out := internal.MatchedPO{Reference: strings.TrimSpace(inv.PONumber)}
	if out.Reference == "" {
		return out
	}
	po, ok := m.snapshot.PO(out.Reference)
	if !ok {
		return out
	}
	// The result owns its copy; the snapshot is shared with other workers.
	cp := po.Clone()
	out.PO = &cp
	out.SupplierMatches = supplier.Resolved() && cp.SupplierID != "" && cp.SupplierID == supplier.Supplier.ID
	out.Lines, out.UnmatchedPOLines = alignLines(inv.LineItems, cp.Lines, m.settings.LineFuzzyThreshold)
	return out
}

type linePair struct {
	inv   int
	po    int
	score float64
}

// alignLines assigns invoice lines to PO lines greedily by descending score.
// Each line on either side is claimed at most once. This is not a globally
// optimal assignment.
func alignLines(items []internal.LineItem, poLines []internal.PurchaseOrderLine, threshold float64) ([]internal.LineAlignment, []int) {
	var pairs []linePair
	for i, item := range items {
		for j, pl := range poLines {
			score := lineScore(item, pl)
			if score >= threshold {
				pairs = append(pairs, linePair{inv: i, po: j, score: score})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		if pairs[a].score != pairs[b].score {
			return pairs[a].score > pairs[b].score
		}
		if pairs[a].inv != pairs[b].inv {
			return pairs[a].inv < pairs[b].inv
		}
		return pairs[a].po < pairs[b].po
	})

	invClaimed := make([]bool, len(items))
	poClaimed := make([]bool, len(poLines))
	lines := make([]internal.LineAlignment, len(items))
	for i := range lines {
		lines[i] = internal.LineAlignment{InvoiceLineIndex: i, UnmatchedReason: internal.UnmatchedNoPOLine}
	}
	for _, p := range pairs {
		if invClaimed[p.inv] || poClaimed[p.po] {
			continue
		}
		invClaimed[p.inv] = true
		poClaimed[p.po] = true
		lines[p.inv] = internal.LineAlignment{
			InvoiceLineIndex: p.inv,
			POLine:           &poLines[p.po],
			MatchConfidence:  p.score,
		}
	}

	var unmatched []int
	for j, claimed := range poClaimed {
		if !claimed {
			unmatched = append(unmatched, poLines[j].LineNumber)
		}
	}
	return lines, unmatched
}

func lineScore(item internal.LineItem, pl internal.PurchaseOrderLine) float64 {
	a, b := util.NormalizeKey(item.SKU), util.NormalizeKey(pl.SKU)
	if a != "" && b != "" && a == b {
		return skuMatchScore
	}
	return util.DescriptionSimilarity(item.Description, pl.Description)
}
