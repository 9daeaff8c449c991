// Package gcs archives finalized job output to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path, e.g. "scrapes".
	Prefix string
}

// Archiver uploads job result files to a configured GCS bucket.
type Archiver struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed Archiver.
func New(client *storage.Client, cfg Config) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archiver{client: client, cfg: cfg}, nil
}

// Archive uploads each file under <prefix>/<jobID>/<basename> and returns
// the gs:// URIs. Missing paths are skipped; any upload failure aborts.
func (a *Archiver) Archive(ctx context.Context, jobID string, paths []string) ([]string, error) {
	var uris []string
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return uris, fmt.Errorf("open %s: %w", path, err)
		}

		object := filepath.Base(path)
		if a.cfg.Prefix != "" {
			object = a.cfg.Prefix + "/" + jobID + "/" + object
		} else {
			object = jobID + "/" + object
		}
		uri, err := a.put(ctx, object, contentTypeFor(path), f)
		f.Close()
		if err != nil {
			return uris, err
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

func (a *Archiver) put(ctx context.Context, object, contentType string, r io.Reader) (string, error) {
	writer := a.client.Bucket(a.cfg.Bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.cfg.Bucket, object), nil
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
