package backup

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"invoicematch/internal/logging"
	"invoicematch/internal/storage"
)

const (
	archivePrefix  = "invoicematch-"
	archiveSuffix  = ".zip"
	metaLastBackup = "backup.last"
)

// Service writes zip archives holding a consistent copy of the database and
// the reference files, and keeps the newest Retention archives.
type Service struct {
	db        *storage.DB
	dir       string
	refs      []string
	retention int
	uploader  Uploader
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewService(db *storage.DB, dir string, referenceFiles []string, retention int, uploader Uploader, logger logrus.FieldLogger) *Service {
	return &Service{
		db:        db,
		dir:       dir,
		refs:      referenceFiles,
		retention: retention,
		uploader:  uploader,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create writes one archive and returns its path. A failed upload is logged
// and does not remove the local archive.
func (s *Service) Create(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	name := archivePrefix + s.now().Format("20060102-150405") + archiveSuffix
	target := filepath.Join(s.dir, name)

	dbCopy := filepath.Join(s.dir, ".tmp-"+uuid.NewString()+".db")
	if err := s.db.BackupTo(ctx, dbCopy); err != nil {
		return "", fmt.Errorf("copy database: %w", err)
	}
	defer os.Remove(dbCopy)

	if err := writeArchive(target, dbCopy, s.refs); err != nil {
		_ = os.Remove(target)
		return "", err
	}
	logger := s.logger.WithFields(logrus.Fields{"module": "backup", "archive": name})
	logger.Info("backup written")

	if s.uploader != nil {
		if err := s.upload(ctx, name, target); err != nil {
			logging.LogError(logger, "backup", "Create", "upload", nil, err)
		} else {
			logger.Info("backup uploaded")
		}
	}

	if _, err := s.Prune(); err != nil {
		logging.LogError(logger, "backup", "Create", "prune", nil, err)
	}
	if err := s.db.SetMetadata(metaLastBackup, s.now().Format(time.RFC3339)); err != nil {
		logging.LogError(logger, "backup", "Create", "metadata", nil, err)
	}
	return target, nil
}

// Due reports whether the last backup is older than interval.
func (s *Service) Due(interval time.Duration) (bool, error) {
	last, err := s.db.GetMetadata(metaLastBackup)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	at, err := time.Parse(time.RFC3339, *last)
	if err != nil {
		return true, nil
	}
	return s.now().Sub(at) >= interval, nil
}

func (s *Service) upload(ctx context.Context, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.uploader.Upload(ctx, name, f)
}

// Prune removes all but the newest retention archives. A retention below one
// keeps everything.
func (s *Service) Prune() ([]string, error) {
	if s.retention < 1 {
		return nil, nil
	}
	archives, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(archives) <= s.retention {
		return nil, nil
	}
	var removed []string
	for _, path := range archives[:len(archives)-s.retention] {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// List returns archive paths oldest first. Names embed the timestamp, so
// lexical order is chronological.
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.dir, name))
	}
	sort.Strings(out)
	return out, nil
}

func writeArchive(target, dbCopy string, refs []string) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	if err := addFile(zw, dbCopy, "pipeline.db"); err != nil {
		_ = zw.Close()
		_ = f.Close()
		return err
	}
	for _, ref := range refs {
		if _, err := os.Stat(ref); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := addFile(zw, ref, "reference/"+filepath.Base(ref)); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
