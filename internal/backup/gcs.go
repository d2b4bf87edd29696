package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Uploader copies a finished archive off the machine.
type Uploader interface {
	Upload(ctx context.Context, objectName string, r io.Reader) error
}

// GCSUploader writes archives to a Cloud Storage bucket under a prefix.
type GCSUploader struct {
	Bucket string
	Prefix string
}

func NewGCSUploader(bucket, prefix string) (*GCSUploader, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("BACKUP_GCS_BUCKET is required")
	}
	return &GCSUploader{Bucket: bucket, Prefix: prefix}, nil
}

// newClient prefers explicit credentials from GCS_CREDENTIALS_JSON and falls
// back to application default credentials.
func newClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

func (u *GCSUploader) Upload(ctx context.Context, objectName string, r io.Reader) error {
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	wc := client.Bucket(u.Bucket).Object(u.Prefix + objectName).NewWriter(ctx)
	wc.ContentType = "application/zip"
	if _, err := io.Copy(wc, r); err != nil {
		_ = wc.Close()
		return fmt.Errorf("upload %s to gcs: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("close gcs writer: %w", err)
	}
	return nil
}
