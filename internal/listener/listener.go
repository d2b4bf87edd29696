package listener

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"invoicematch/internal/backup"
	"invoicematch/internal/config"
	"invoicematch/internal/connectors"
	gmailconnector "invoicematch/internal/connectors/gmail"
	imapconnector "invoicematch/internal/connectors/imap"
	"invoicematch/internal/logging"
	"invoicematch/internal/pipeline"
	"invoicematch/internal/reference"
	"invoicematch/internal/storage"
)

// Service is watch mode: each cycle reloads changed reference data, pulls
// mail when enabled, processes new inbox files and takes a due backup.
type Service struct {
	cfg       config.Config
	reloader  *reference.Reloader
	processor *pipeline.ProcessingService
	fetcher   *connectors.FetchService
	backups   *backup.Service
	logger    logrus.FieldLogger
}

// NewService accepts a nil fetcher or backup service to turn that step off.
func NewService(cfg config.Config, reloader *reference.Reloader, processor *pipeline.ProcessingService, fetcher *connectors.FetchService, backups *backup.Service, logger logrus.FieldLogger) *Service {
	return &Service{
		cfg:       cfg,
		reloader:  reloader,
		processor: processor,
		fetcher:   fetcher,
		backups:   backups,
		logger:    logger.WithField("module", "watch"),
	}
}

// NewFromConfig wires watch mode from the environment configuration.
func NewFromConfig(ctx context.Context, cfg config.Config, db *storage.DB, logger logrus.FieldLogger) (*Service, error) {
	settings, err := pipeline.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	source := reference.NewSource(cfg.ReferenceDir, cfg.ReferenceXLSX)
	store := reference.NewStore(nil)
	reloader := reference.NewReloader(source, store, logger)
	processor := pipeline.NewProcessingService(db, store, settings, cfg.ProcessWorkers, logger)

	var fetcher *connectors.FetchService
	if cfg.WatchMail {
		conn, err := MakeConnector(ctx, cfg, cfg.MailProvider)
		if err != nil {
			return nil, err
		}
		fetcher = connectors.NewFetchService(db, cfg.RawMailDir, cfg.InvoicesDir, conn, logger)
	}

	backups, err := NewBackupService(cfg, db, source, logger)
	if err != nil {
		return nil, err
	}
	return NewService(cfg, reloader, processor, fetcher, backups, logger), nil
}

// NewBackupService returns nil when backups are disabled.
func NewBackupService(cfg config.Config, db *storage.DB, source reference.Source, logger logrus.FieldLogger) (*backup.Service, error) {
	if !cfg.BackupEnabled {
		return nil, nil
	}
	var uploader backup.Uploader
	if strings.TrimSpace(cfg.BackupGCSBucket) != "" {
		gcs, err := backup.NewGCSUploader(cfg.BackupGCSBucket, cfg.BackupGCSPrefix)
		if err != nil {
			return nil, err
		}
		uploader = gcs
	}
	return backup.NewService(db, cfg.BackupDir, source.Files(), cfg.BackupRetentionCount, uploader, logger), nil
}

func MakeConnector(ctx context.Context, cfg config.Config, provider string) (connectors.MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(ctx, cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported mail provider: %s", provider)
	}
}

// Run loops until ctx is cancelled. A failing cycle is logged and retried on
// the next tick.
func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(max(s.cfg.WatchIntervalSec, 1)) * time.Second
	s.logger.WithFields(logrus.Fields{"inbox": s.cfg.InvoicesDir, "interval": interval.String()}).Info("watching")
	for {
		if err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			logging.LogError(s.logger, "watch", "Run", "cycle", nil, err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("watch stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

func (s *Service) RunCycle(ctx context.Context) error {
	if changed, err := s.reloader.ReloadIfChanged(ctx); err != nil {
		logging.LogError(s.logger, "watch", "RunCycle", "reload reference data", nil, err)
	} else if changed {
		s.logger.Info("reference data reloaded")
	}

	if s.fetcher != nil {
		res, err := s.fetcher.FetchAndStore(ctx, s.cfg.MailLabel, s.cfg.MailFetchMax)
		if err != nil {
			logging.LogError(s.logger, "watch", "RunCycle", "fetch mail", nil, err)
		} else if res.Stored > 0 {
			s.logger.WithFields(logrus.Fields{"fetched": res.Fetched, "stored": res.Stored, "extracted": res.Extracted}).Info("mail fetched")
		}
	}

	if _, err := s.processor.ProcessDir(ctx, s.cfg.InvoicesDir, false); err != nil {
		return fmt.Errorf("process inbox: %w", err)
	}

	if s.backups != nil {
		due, err := s.backups.Due(time.Duration(max(s.cfg.BackupIntervalHours, 1)) * time.Hour)
		if err != nil {
			return err
		}
		if due {
			if _, err := s.backups.Create(ctx); err != nil {
				return fmt.Errorf("backup: %w", err)
			}
		}
	}
	return nil
}
