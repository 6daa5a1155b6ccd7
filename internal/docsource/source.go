// Package docsource fetches raw document bytes and fingerprints them for
// dedup keys.
package docsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// DefaultMaxBytes caps how much of one document is read.
const DefaultMaxBytes = 32 << 20

// Source returns the raw bytes behind a document URI.
type Source interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, uri string) ([]byte, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, uri string) ([]byte, error) { return f(ctx, uri) }

// ParseGCSURI splits gs://bucket/path/to/object into bucket and object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", domain.NewValidationError("document_uri", "scheme", fmt.Sprintf("%q is not a gs:// URI", uri))
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.NewValidationError("document_uri", "object", fmt.Sprintf("%q has no object path", uri))
	}
	return parts[0], parts[1], nil
}

// Filename returns the last path element of a document URI.
// e.g., "gs://bucket/folder/file.pdf" → "file.pdf"
func Filename(uri string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(uri, "gs://"), "file://")
	if strings.HasPrefix(uri, "gs://") {
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) < 2 {
			return trimmed
		}
		trimmed = parts[1]
	}
	return path.Base(trimmed)
}

type openFunc func(ctx context.Context, bucket, object string) (io.ReadCloser, error)

// GCSSource reads documents from Cloud Storage.
type GCSSource struct {
	client   *storage.Client
	open     openFunc
	maxBytes int64
}

// NewGCSSource creates a client using Application Default Credentials.
func NewGCSSource(ctx context.Context) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSSource: create storage client: %w", err)
	}
	s := &GCSSource{client: client, maxBytes: DefaultMaxBytes}
	s.open = func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
		return client.Bucket(bucket).Object(object).NewReader(ctx)
	}
	return s, nil
}

// SetMaxBytes changes the size cap. Non-positive values are ignored.
func (s *GCSSource) SetMaxBytes(n int64) {
	if n > 0 {
		s.maxBytes = n
	}
}

// Fetch downloads the object behind a gs:// URI.
func (s *GCSSource) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}

	rc, err := s.open(ctx, bucket, object)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, fmt.Errorf("Fetch: object %s/%s: %w", bucket, object, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	return readLimited(rc, s.maxBytes, uri)
}

// Close releases the storage client.
func (s *GCSSource) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// FileSource reads documents from the local filesystem. It accepts plain
// paths and file:// URIs.
type FileSource struct {
	MaxBytes int64
}

// Fetch implements Source.
func (s FileSource) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := strings.TrimPrefix(uri, "file://")
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("Fetch: file %q: %w", p, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Fetch: open file %q: %w", p, err)
	}
	defer f.Close()

	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	return readLimited(f, limit, uri)
}

// Mux dispatches gs:// URIs to GCS and everything else to Local.
type Mux struct {
	GCS   Source
	Local Source
}

// Fetch implements Source.
func (m Mux) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "gs://") {
		if m.GCS == nil {
			return nil, fmt.Errorf("Fetch: no cloud storage source configured for %q", uri)
		}
		return m.GCS.Fetch(ctx, uri)
	}
	if m.Local == nil {
		return nil, fmt.Errorf("Fetch: no local source configured for %q", uri)
	}
	return m.Local.Fetch(ctx, uri)
}

func readLimited(r io.Reader, limit int64, uri string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, domain.NewValidationError("document", "size", fmt.Sprintf("%s exceeds %d bytes", Filename(uri), limit))
	}
	return data, nil
}
