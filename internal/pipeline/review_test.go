package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"invoicematch/internal"
	"invoicematch/internal/logging"
	"invoicematch/internal/storage"
)

type fakeExporter struct {
	calls []string
	err   error
}

func (f *fakeExporter) Enabled() bool { return true }

func (f *fakeExporter) Export(_ context.Context, row internal.InvoiceRow, result *internal.ProcessingResult, actor string) error {
	f.calls = append(f.calls, row.Stem+":"+actor)
	if result == nil {
		return errors.New("missing result")
	}
	return f.err
}

func processedDB(t *testing.T) *storage.DB {
	t.Helper()
	svc, db, _ := newTestService(t)
	_, err := svc.ProcessDir(context.Background(), seedInbox(t), false)
	require.NoError(t, err)
	return db
}

func TestApproveExportsAndAudits(t *testing.T) {
	db := processedDB(t)
	exporter := &fakeExporter{}
	review := NewReviewService(db, exporter, logging.Discard())

	require.NoError(t, review.Approve(context.Background(), "ready", "alice"))
	assert.Equal(t, []string{"ready:alice"}, exporter.calls)

	row, err := db.GetInvoice("ready")
	require.NoError(t, err)
	assert.Equal(t, internal.StatusExported, row.Status)
	require.NotNil(t, row.ExportedAt)

	audit, err := db.ListAudit("ready")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, AuditExported, audit[1].Action)
	assert.Equal(t, "alice", audit[1].Actor)

	err = review.Approve(context.Background(), "ready", "alice")
	assert.ErrorIs(t, err, ErrAlreadyExported)
}

func TestApproveKeepsStatusWhenExportFails(t *testing.T) {
	db := processedDB(t)
	review := NewReviewService(db, &fakeExporter{err: errors.New("down")}, logging.Discard())

	require.Error(t, review.Approve(context.Background(), "review", "alice"))
	row, err := db.GetInvoice("review")
	require.NoError(t, err)
	assert.Equal(t, internal.StatusNeedsReview, row.Status)
}

func TestApproveRejectsFailedAndUnknown(t *testing.T) {
	db := processedDB(t)
	review := NewReviewService(db, nil, logging.Discard())

	assert.ErrorIs(t, review.Approve(context.Background(), "broken", "alice"), ErrNotApprovable)
	assert.ErrorIs(t, review.Approve(context.Background(), "nope", "alice"), storage.ErrInvoiceNotFound)
}

func TestSetStatus(t *testing.T) {
	db := processedDB(t)
	review := NewReviewService(db, nil, logging.Discard())

	require.NoError(t, review.SetStatus("review", internal.StatusReady, "bob"))
	row, err := db.GetInvoice("review")
	require.NoError(t, err)
	assert.Equal(t, internal.StatusReady, row.Status)

	audit, err := db.ListAudit("review")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, AuditStatusChanged, audit[1].Action)
	assert.Equal(t, "from=needs_review to=ready", audit[1].Detail)

	assert.ErrorIs(t, review.SetStatus("review", internal.StatusExported, "bob"), ErrInvalidStatus)
	assert.ErrorIs(t, review.SetStatus("broken", internal.StatusReady, "bob"), ErrInvalidStatus)
}

func TestExportReviewXLSX(t *testing.T) {
	db := processedDB(t)
	invoices, err := db.ListInvoices("")
	require.NoError(t, err)
	discs, err := db.ListDiscrepancies("")
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out", "review.xlsx")
	require.NoError(t, ExportReviewXLSX(invoices, discs, out))

	f, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{invoicesSheet, discrepanciesSheet}, f.GetSheetList())

	rows, err := f.GetRows(invoicesSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.Equal(t, "stem", rows[0][0])

	drows, err := f.GetRows(discrepanciesSheet)
	require.NoError(t, err)
	assert.Equal(t, len(discs)+1, len(drows))
}
