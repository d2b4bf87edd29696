package pipeline

import (
	"time"

	"invoicematch/internal"
	"invoicematch/internal/reference"
)

// Engine runs supplier matching, PO matching and validation for one invoice
// against a fixed snapshot. It holds no mutable state and may be shared by
// any number of goroutines.
type Engine struct {
	snapshot  *reference.Snapshot
	suppliers *SupplierMatcher
	pos       *POMatcher
	validator *Validator
}

func NewEngine(settings Settings, snap *reference.Snapshot) (*Engine, error) {
	suppliers, err := NewSupplierMatcher(settings, snap)
	if err != nil {
		return nil, err
	}
	pos, err := NewPOMatcher(settings, snap)
	if err != nil {
		return nil, err
	}
	validator, err := NewValidator(settings)
	if err != nil {
		return nil, err
	}
	return &Engine{snapshot: snap, suppliers: suppliers, pos: pos, validator: validator}, nil
}

func (e *Engine) Snapshot() *reference.Snapshot {
	return e.snapshot
}

func (e *Engine) Process(inv internal.ExtractedInvoice, processedAt time.Time) internal.ProcessingResult {
	inv = NormalizeInvoice(inv)
	supplier := e.suppliers.Match(inv)
	po := e.pos.Match(inv, supplier)
	discrepancies := e.validator.Validate(inv, supplier, po, processedAt)
	return internal.NewProcessingResult(inv, supplier, po, discrepancies, processedAt)
}
