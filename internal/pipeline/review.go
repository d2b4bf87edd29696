package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"invoicematch/internal"
	"invoicematch/internal/storage"
)

var (
	ErrNotApprovable   = errors.New("invoice cannot be approved")
	ErrInvalidStatus   = errors.New("invalid status transition")
	ErrAlreadyExported = errors.New("invoice already exported")
)

// Exporter delivers an approved invoice to the accounting system.
type Exporter interface {
	Enabled() bool
	Export(ctx context.Context, row internal.InvoiceRow, result *internal.ProcessingResult, actor string) error
}

// ReviewService moves invoices through review. Every change is audited.
type ReviewService struct {
	db       *storage.DB
	exporter Exporter
	logger   logrus.FieldLogger
}

func NewReviewService(db *storage.DB, exporter Exporter, logger logrus.FieldLogger) *ReviewService {
	return &ReviewService{db: db, exporter: exporter, logger: logger}
}

func (s *ReviewService) load(stem string) (internal.InvoiceRow, error) {
	row, err := s.db.GetInvoice(stem)
	if err != nil {
		return internal.InvoiceRow{}, err
	}
	if row == nil {
		return internal.InvoiceRow{}, fmt.Errorf("%w: %s", storage.ErrInvoiceNotFound, stem)
	}
	return *row, nil
}

// Approve exports the invoice and marks it exported. The status only changes
// after a configured webhook accepted it.
func (s *ReviewService) Approve(ctx context.Context, stem, actor string) error {
	row, err := s.load(stem)
	if err != nil {
		return err
	}
	switch row.Status {
	case internal.StatusExported:
		return fmt.Errorf("%w: %s", ErrAlreadyExported, stem)
	case internal.StatusFailed:
		return fmt.Errorf("%w: %s has status %s", ErrNotApprovable, stem, row.Status)
	}

	if s.exporter != nil && s.exporter.Enabled() {
		result, err := s.db.GetResult(stem)
		if err != nil {
			return err
		}
		if err := s.exporter.Export(ctx, row, result, actor); err != nil {
			return fmt.Errorf("export %s: %w", stem, err)
		}
	}

	if err := s.db.UpdateInvoiceStatus(stem, internal.StatusExported); err != nil {
		return err
	}
	detail := fmt.Sprintf("from=%s", row.Status)
	if err := s.db.InsertAudit(stem, AuditExported, actor, detail); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"module": "review", "stem": stem, "actor": actor}).Info("invoice exported")
	return nil
}

// SetStatus moves a processed invoice between needs_review and ready.
func (s *ReviewService) SetStatus(stem string, status internal.InvoiceStatus, actor string) error {
	if status != internal.StatusNeedsReview && status != internal.StatusReady {
		return fmt.Errorf("%w: cannot set %q", ErrInvalidStatus, status)
	}
	row, err := s.load(stem)
	if err != nil {
		return err
	}
	if row.Status == internal.StatusExported || row.Status == internal.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, stem, row.Status)
	}
	if row.Status == status {
		return nil
	}

	if err := s.db.UpdateInvoiceStatus(stem, status); err != nil {
		return err
	}
	detail := fmt.Sprintf("from=%s to=%s", row.Status, status)
	if err := s.db.InsertAudit(stem, AuditStatusChanged, actor, detail); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"module": "review", "stem": stem, "actor": actor, "status": status}).Info("invoice status changed")
	return nil
}
