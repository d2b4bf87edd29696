package reference

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Reloader republishes the source into a Store whenever its fingerprint moves.
type Reloader struct {
	source Source
	store  *Store
	logger logrus.FieldLogger

	mu   sync.Mutex
	last string
}

func NewReloader(source Source, store *Store, logger logrus.FieldLogger) *Reloader {
	r := &Reloader{source: source, store: store, logger: logger}
	if snap := store.Load(); snap != nil {
		r.last = snap.Fingerprint
	}
	return r
}

// Load reads the source unconditionally and publishes the result.
func (r *Reloader) Load(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

// ReloadIfChanged reports whether a new snapshot was published. On a failed
// load the previous snapshot stays in place.
func (r *Reloader) ReloadIfChanged(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fp, err := r.source.Fingerprint()
	if err != nil {
		return false, fmt.Errorf("fingerprint %s: %w", r.source.Name(), err)
	}
	if fp == r.last && r.store.Load() != nil {
		return false, nil
	}
	if _, err := r.loadLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reloader) loadLocked(ctx context.Context) (*Snapshot, error) {
	snap, err := r.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", r.source.Name(), err)
	}
	for _, rej := range snap.Rejected {
		r.logger.WithFields(logrus.Fields{"module": "reference", "table": rej.Table, "row": rej.Row}).Warn(rej.Err.Error())
	}
	if snap.OrphanLines > 0 {
		r.logger.WithField("module", "reference").Warnf("dropped %d purchase order lines without a purchase order", snap.OrphanLines)
	}
	r.store.Swap(snap)
	r.last = snap.Fingerprint
	r.logger.WithFields(logrus.Fields{
		"module":    "reference",
		"source":    r.source.Name(),
		"suppliers": len(snap.Suppliers),
		"pos":       snap.POCount(),
	}).Info("reference data loaded")
	return snap, nil
}
