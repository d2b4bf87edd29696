package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"invoicematch/internal"
	"invoicematch/internal/logging"
	"invoicematch/internal/reference"
	"invoicematch/internal/storage"
	"invoicematch/internal/util"
)

const (
	AuditProcessed        = "processed"
	AuditProcessingFailed = "processing_failed"
	AuditStatusChanged    = "status_changed"
	AuditExported         = "exported"

	pipelineActor = "pipeline"
)

// ProcessingService runs invoice files through the engine and records the
// results. Each batch takes one reference snapshot and keeps it to the end.
type ProcessingService struct {
	db       *storage.DB
	store    *reference.Store
	settings Settings
	workers  int
	logger   logrus.FieldLogger
	now      func() time.Time

	mu     sync.Mutex
	engine *Engine
}

func NewProcessingService(db *storage.DB, store *reference.Store, settings Settings, workers int, logger logrus.FieldLogger) *ProcessingService {
	if workers < 1 {
		workers = 1
	}
	return &ProcessingService{
		db:       db,
		store:    store,
		settings: settings,
		workers:  workers,
		logger:   logger,
		now:      time.Now,
	}
}

type FileOutcome struct {
	Path    string
	Stem    string
	Status  internal.InvoiceStatus
	Skipped bool
	Err     error
}

type BatchSummary struct {
	TraceID     string
	Files       int
	Ready       int
	NeedsReview int
	Failed      int
	Skipped     int
	Outcomes    []FileOutcome
}

func (b *BatchSummary) add(o FileOutcome) {
	b.Outcomes = append(b.Outcomes, o)
	switch {
	case o.Skipped:
		b.Skipped++
	case o.Status == internal.StatusFailed:
		b.Failed++
	case o.Status == internal.StatusNeedsReview:
		b.NeedsReview++
	case o.Status == internal.StatusReady:
		b.Ready++
	}
}

// Stem is the invoice key: the file name without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ContentHash changes when either the file or the reference data changes.
func ContentHash(blob []byte, referenceFingerprint string) string {
	h := sha256.New()
	h.Write(blob)
	h.Write([]byte{0})
	h.Write([]byte(referenceFingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// ListInvoiceFiles returns the supported, non-hidden files in dir sorted by name.
func ListInvoiceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !IsSupportedFile(name) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

func (s *ProcessingService) currentEngine() (*Engine, error) {
	snap := s.store.Load()
	if snap == nil {
		return nil, ErrNilSnapshot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil && s.engine.Snapshot() == snap {
		return s.engine, nil
	}
	e, err := NewEngine(s.settings, snap)
	if err != nil {
		return nil, err
	}
	s.engine = e
	return e, nil
}

func (s *ProcessingService) ProcessDir(ctx context.Context, dir string, force bool) (BatchSummary, error) {
	paths, err := ListInvoiceFiles(dir)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("list %s: %w", dir, err)
	}
	return s.ProcessFiles(ctx, paths, force)
}

// ProcessFiles processes paths on a bounded worker pool. A failing file is
// recorded and does not stop the batch. force reprocesses unchanged and
// exported invoices.
func (s *ProcessingService) ProcessFiles(ctx context.Context, paths []string, force bool) (BatchSummary, error) {
	start := time.Now()
	summary := BatchSummary{TraceID: uuid.NewString(), Files: len(paths)}
	if len(paths) == 0 {
		return summary, nil
	}

	engine, err := s.currentEngine()
	if err != nil {
		return summary, err
	}
	logger := s.logger.WithFields(logrus.Fields{"module": "pipeline", "trace": summary.TraceID})

	outcomes := make([]FileOutcome, len(paths))
	done := make([]bool, len(paths))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(s.workers, len(paths)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = s.processOne(engine, paths[i], force, logger)
				done[i] = true
			}
		}()
	}

feed:
	for i := range paths {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	for i, o := range outcomes {
		if done[i] {
			summary.add(o)
		}
	}

	counts := map[string]int{
		"files":       summary.Files,
		"ready":       summary.Ready,
		"needsReview": summary.NeedsReview,
		"failed":      summary.Failed,
		"skipped":     summary.Skipped,
	}
	if err := s.db.InsertRun(summary.TraceID, "process", map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())}, counts); err != nil {
		logging.LogError(logger, "pipeline", "ProcessFiles", "insert run", nil, err)
	}
	logger.WithFields(logrus.Fields{
		"files":       summary.Files,
		"ready":       summary.Ready,
		"needsReview": summary.NeedsReview,
		"failed":      summary.Failed,
		"skipped":     summary.Skipped,
	}).Info("batch processed")

	return summary, ctx.Err()
}

func (s *ProcessingService) processOne(engine *Engine, path string, force bool, logger logrus.FieldLogger) FileOutcome {
	stem := Stem(path)
	out := FileOutcome{Path: path, Stem: stem}
	logger = logger.WithField("stem", stem)
	processedAt := s.now()

	row := internal.InvoiceRow{
		Stem:        stem,
		SourceFile:  path,
		ProcessedAt: processedAt.Format(time.RFC3339),
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return s.fail(row, out, fmt.Errorf("read %s: %w", path, err), logger)
	}
	row.ContentHash = ContentHash(blob, engine.Snapshot().Fingerprint)

	if !force {
		existing, err := s.db.GetInvoice(stem)
		if err != nil {
			out.Err = err
			out.Status = internal.StatusFailed
			return out
		}
		if existing != nil && (existing.Status == internal.StatusExported || existing.ContentHash == row.ContentHash) {
			out.Skipped = true
			out.Status = existing.Status
			logger.Debug("unchanged, skipped")
			return out
		}
	}

	inv, source, err := ParseInvoice(filepath.Base(path), blob)
	row.Source = source
	if err != nil {
		return s.fail(row, out, err, logger)
	}

	result := engine.Process(inv, processedAt)
	row.Status = internal.StatusFor(result)
	row.InvoiceNumber = result.Invoice.InvoiceNumber
	row.SupplierName = result.Invoice.SupplierName
	if result.Supplier.Resolved() {
		row.MatchedSupplier = result.Supplier.Supplier.ID
	}
	row.PONumber = result.Invoice.PONumber
	row.Total = util.NullString(result.Invoice.Total)
	row.ErrorCount = result.ErrorCount
	row.WarningCount = result.WarningCount

	if err := s.db.SaveResult(row, result); err != nil {
		out.Err = fmt.Errorf("save %s: %w", stem, err)
		out.Status = internal.StatusFailed
		logging.LogError(logger, "pipeline", "processOne", "save result", nil, err)
		return out
	}
	detail := fmt.Sprintf("status=%s errors=%d warnings=%d", row.Status, row.ErrorCount, row.WarningCount)
	if err := s.db.InsertAudit(stem, AuditProcessed, pipelineActor, detail); err != nil {
		logging.LogError(logger, "pipeline", "processOne", "audit", nil, err)
	}

	out.Status = row.Status
	logger.WithFields(logrus.Fields{
		"status":   row.Status,
		"errors":   row.ErrorCount,
		"warnings": row.WarningCount,
	}).Info("invoice processed")
	return out
}

func (s *ProcessingService) fail(row internal.InvoiceRow, out FileOutcome, cause error, logger logrus.FieldLogger) FileOutcome {
	out.Status = internal.StatusFailed
	out.Err = cause
	logging.LogError(logger, "pipeline", "processOne", "process file", nil, cause)
	if err := s.db.MarkFailed(row, cause); err != nil {
		logging.LogError(logger, "pipeline", "processOne", "mark failed", nil, err)
		return out
	}
	if err := s.db.InsertAudit(row.Stem, AuditProcessingFailed, pipelineActor, cause.Error()); err != nil {
		logging.LogError(logger, "pipeline", "processOne", "audit", nil, err)
	}
	return out
}
