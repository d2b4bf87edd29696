package reference

import (
	"sort"
	"time"

	"invoicematch/internal"
	"invoicematch/internal/util"
)

// Snapshot is one immutable view of the reference tables. Readers may share a
// snapshot freely; a reload builds a new one instead of editing this one.
type Snapshot struct {
	Suppliers   []internal.Supplier
	LoadedAt    time.Time
	Fingerprint string
	// OrphanLines counts PO lines whose po_number has no purchase order.
	OrphanLines int
	Rejected    []RowError

	suppliersByID map[string]int
	posByNumber   map[string]*internal.PurchaseOrder
	poOrder       []string
}

// BuildSnapshot indexes suppliers by id and purchase orders by normalized
// number. Lines are attached to their PO sorted by line number; the first PO
// row wins on a duplicate number.
func BuildSnapshot(suppliers []internal.Supplier, pos []internal.PurchaseOrder, lines []internal.PurchaseOrderLine) *Snapshot {
	snap := &Snapshot{
		Suppliers:     make([]internal.Supplier, len(suppliers)),
		LoadedAt:      time.Now().UTC(),
		suppliersByID: map[string]int{},
		posByNumber:   map[string]*internal.PurchaseOrder{},
	}
	copy(snap.Suppliers, suppliers)
	for i, s := range snap.Suppliers {
		if _, ok := snap.suppliersByID[s.ID]; !ok {
			snap.suppliersByID[s.ID] = i
		}
	}

	for _, po := range pos {
		key := util.NormalizeKey(po.PONumber)
		if key == "" {
			continue
		}
		if _, ok := snap.posByNumber[key]; ok {
			continue
		}
		p := po
		p.Lines = nil
		snap.posByNumber[key] = &p
		snap.poOrder = append(snap.poOrder, key)
	}

	for _, line := range lines {
		po, ok := snap.posByNumber[util.NormalizeKey(line.PONumber)]
		if !ok {
			snap.OrphanLines++
			continue
		}
		po.Lines = append(po.Lines, line)
	}
	for _, po := range snap.posByNumber {
		sort.SliceStable(po.Lines, func(i, j int) bool {
			return po.Lines[i].LineNumber < po.Lines[j].LineNumber
		})
	}

	return snap
}

// PO looks a purchase order up by number, trimmed and case-insensitive.
func (s *Snapshot) PO(number string) (*internal.PurchaseOrder, bool) {
	po, ok := s.posByNumber[util.NormalizeKey(number)]
	return po, ok
}

func (s *Snapshot) Supplier(id string) (*internal.Supplier, bool) {
	i, ok := s.suppliersByID[id]
	if !ok {
		return nil, false
	}
	return &s.Suppliers[i], true
}

// PurchaseOrders returns the orders in load order.
func (s *Snapshot) PurchaseOrders() []*internal.PurchaseOrder {
	out := make([]*internal.PurchaseOrder, 0, len(s.poOrder))
	for _, key := range s.poOrder {
		out = append(out, s.posByNumber[key])
	}
	return out
}

func (s *Snapshot) POCount() int {
	return len(s.posByNumber)
}
