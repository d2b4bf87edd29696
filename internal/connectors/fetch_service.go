package connectors

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"invoicematch/internal"
	"invoicematch/internal/logging"
	"invoicematch/internal/pipeline"
	"invoicematch/internal/storage"
)

var reUnsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FetchService pulls mail, stores the raw messages and drops invoice
// attachments into the inbox directory for the processing service.
type FetchService struct {
	db        *storage.DB
	connector MailConnector
	store     *MailStoreService
	inboxDir  string
	logger    logrus.FieldLogger
}

type FetchResult struct {
	Fetched   int
	Stored    int
	Extracted int
	Skipped   int
}

func NewFetchService(db *storage.DB, rawMailDir, inboxDir string, connector MailConnector, logger logrus.FieldLogger) *FetchService {
	return &FetchService{
		db:        db,
		connector: connector,
		store:     NewMailStoreService(db, rawMailDir),
		inboxDir:  inboxDir,
		logger:    logger,
	}
}

func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch %s: %w", label, err)
	}

	res := FetchResult{Fetched: len(messages)}
	for _, msg := range messages {
		row, isNew, err := s.store.Store(msg)
		if err != nil {
			return res, err
		}
		if !isNew {
			continue
		}
		res.Stored++

		written, err := s.extract(row, msg.Raw)
		logger := s.logger.WithFields(logrus.Fields{"module": "mail", "messageId": row.MessageID})
		status := EmailExtracted
		switch {
		case err != nil:
			status = EmailFailed
			logging.LogError(logger, "mail", "FetchAndStore", "extract attachments", nil, err)
		case written == 0:
			status = EmailSkipped
			res.Skipped++
			logger.Debug("not an invoice, skipped")
		default:
			res.Extracted += written
			logger.WithField("files", written).Info("invoice mail extracted")
		}
		if err := s.db.UpdateEmailStatus(row.ID, status); err != nil {
			return res, err
		}
	}
	return res, nil
}

// extract writes every supported attachment into the inbox. A message that
// looks like an invoice but has none is copied whole as an .eml so its body
// gets parsed.
func (s *FetchService) extract(row internal.EmailRow, raw []byte) (int, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}

	var names []string
	for _, att := range env.Attachments {
		names = append(names, att.FileName)
	}
	detect := pipeline.DetectInvoiceEmail(env.GetHeader("Subject"), env.Text, env.HTML, names)
	if !detect.IsInvoice {
		return 0, nil
	}
	if err := os.MkdirAll(s.inboxDir, 0o755); err != nil {
		return 0, err
	}

	written := 0
	for _, att := range env.Attachments {
		name := strings.TrimSpace(att.FileName)
		if !pipeline.IsSupportedFile(name) || strings.EqualFold(filepath.Ext(name), ".eml") {
			continue
		}
		if err := s.writeInbox(row, name, att.Content); err != nil {
			return written, err
		}
		written++
	}
	if written == 0 {
		if err := s.writeInbox(row, row.Hash[:min(12, len(row.Hash))]+".eml", raw); err != nil {
			return 0, err
		}
		written++
	}
	return written, nil
}

func (s *FetchService) writeInbox(row internal.EmailRow, name string, content []byte) error {
	safe := reUnsafeName.ReplaceAllString(filepath.Base(name), "_")
	path := filepath.Join(s.inboxDir, fmt.Sprintf("mail%d-%s", row.ID, safe))
	return os.WriteFile(path, content, 0o644)
}
