// Package gcs archives acquired files to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
)

const torrentContentType = "application/x-bittorrent"

// Config captures the bucket layout.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// Archive implements harvest.ArchiveSink.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed archive sink.
func New(client *storage.Client, cfg Config) (*Archive, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object path used for a file of titleID.
func (a *Archive) ObjectName(titleID int, filePath string) string {
	return path.Join(a.prefix, strconv.Itoa(titleID), filepath.Base(filePath))
}

// Archive uploads filePath and returns its gs:// URI.
func (a *Archive) Archive(ctx context.Context, titleID int, filePath string) (string, error) {
	f, err := os.Open(filePath) //nolint:gosec // path comes from the downloader
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filePath, err)
	}
	defer func() { _ = f.Close() }()

	name := a.ObjectName(titleID, filePath)
	writer := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = torrentContentType
	writer.Metadata = map[string]string{"title_id": strconv.Itoa(titleID)}
	if _, err := io.Copy(writer, f); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, name), nil
}
