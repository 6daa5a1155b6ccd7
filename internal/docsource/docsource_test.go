package docsource

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/finance-reconciler/internal/dedup"
	"github.com/dvloznov/finance-reconciler/internal/domain"
)

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		object  string
		wantErr bool
	}{
		{uri: "gs://docs/2024/invoice.pdf", bucket: "docs", object: "2024/invoice.pdf"},
		{uri: "gs://docs/a.pdf", bucket: "docs", object: "a.pdf"},
		{uri: "https://docs/a.pdf", wantErr: true},
		{uri: "gs://docs", wantErr: true},
		{uri: "gs:///a.pdf", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseGCSURI(tt.uri)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrValidation) {
					t.Errorf("ParseGCSURI() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGCSURI() unexpected error: %v", err)
			}
			if bucket != tt.bucket || object != tt.object {
				t.Errorf("ParseGCSURI() = %q, %q; want %q, %q", bucket, object, tt.bucket, tt.object)
			}
		})
	}
}

func TestFilename(t *testing.T) {
	tests := map[string]string{
		"gs://bucket/folder/file.pdf": "file.pdf",
		"gs://bucket":                 "bucket",
		"file:///tmp/scan.png":        "scan.png",
		"receipts/r1.jpg":             "r1.jpg",
	}
	for uri, want := range tests {
		if got := Filename(uri); got != want {
			t.Errorf("Filename(%q) = %q, want %q", uri, got, want)
		}
	}
}

func fakeGCS(objects map[string]string, max int64) *GCSSource {
	return &GCSSource{
		maxBytes: max,
		open: func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
			body, ok := objects[bucket+"/"+object]
			if !ok {
				return nil, storage.ErrObjectNotExist
			}
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func TestGCSSource_Fetch(t *testing.T) {
	src := fakeGCS(map[string]string{"docs/a.pdf": "hello", "docs/big.pdf": strings.Repeat("x", 11)}, 10)
	ctx := context.Background()

	data, err := src.Fetch(ctx, "gs://docs/a.pdf")
	if err != nil || string(data) != "hello" {
		t.Fatalf("Fetch() = %q, %v; want hello", data, err)
	}
	if _, err := src.Fetch(ctx, "gs://docs/missing.pdf"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Fetch(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := src.Fetch(ctx, "gs://docs/big.pdf"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Fetch(too large) error = %v, want ErrValidation", err)
	}
	src.SetMaxBytes(20)
	if _, err := src.Fetch(ctx, "gs://docs/big.pdf"); err != nil {
		t.Errorf("Fetch(big) after raising the cap = %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("Close() without client = %v", err)
	}
}

func TestFileSource_Fetch(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "receipt.txt")
	if err := os.WriteFile(p, []byte("receipt body"), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, uri := range []string{p, "file://" + p} {
		data, err := FileSource{}.Fetch(ctx, uri)
		if err != nil || string(data) != "receipt body" {
			t.Errorf("Fetch(%q) = %q, %v", uri, data, err)
		}
	}
	if _, err := (FileSource{}).Fetch(ctx, filepath.Join(dir, "nope")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Fetch(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := (FileSource{MaxBytes: 4}).Fetch(ctx, p); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Fetch(too large) error = %v, want ErrValidation", err)
	}
}

func TestMux(t *testing.T) {
	var got []string
	record := func(name string) Source {
		return SourceFunc(func(ctx context.Context, uri string) ([]byte, error) {
			got = append(got, name)
			return nil, nil
		})
	}
	m := Mux{GCS: record("gcs"), Local: record("local")}
	ctx := context.Background()
	_, _ = m.Fetch(ctx, "gs://b/o")
	_, _ = m.Fetch(ctx, "/tmp/x")

	if strings.Join(got, ",") != "gcs,local" {
		t.Errorf("dispatch order = %v, want gcs,local", got)
	}
	if _, err := (Mux{}).Fetch(ctx, "gs://b/o"); err == nil {
		t.Error("Fetch() without a cloud source should fail")
	}
}

func TestFingerprintAll(t *testing.T) {
	var inFlight, peak int32
	src := SourceFunc(func(ctx context.Context, uri string) ([]byte, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return []byte("content of " + uri), nil
	})
	uris := []string{"gs://b/1.pdf", "gs://b/2.pdf", "gs://b/3.pdf", "gs://b/4.pdf", "gs://b/5.pdf"}

	got, err := NewFingerprinter(src, 2).FingerprintAll(context.Background(), uris)
	if err != nil {
		t.Fatalf("FingerprintAll() unexpected error: %v", err)
	}
	for i, fp := range got {
		if fp.URI != uris[i] {
			t.Errorf("result %d is %s, want %s", i, fp.URI, uris[i])
		}
		if fp.ContentHash != dedup.Hash([]byte("content of "+uris[i])) {
			t.Errorf("result %d has wrong hash", i)
		}
	}
	if got[0].Filename != "1.pdf" || got[0].Size != len("content of gs://b/1.pdf") {
		t.Errorf("unexpected fingerprint %+v", got[0])
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}
}

func TestFingerprintAll_StopsOnError(t *testing.T) {
	src := SourceFunc(func(ctx context.Context, uri string) ([]byte, error) {
		if uri == "gs://b/bad.pdf" {
			return nil, domain.ErrNotFound
		}
		return []byte("ok"), nil
	})

	_, err := NewFingerprinter(src, 1).FingerprintAll(context.Background(), []string{"gs://b/bad.pdf", "gs://b/ok.pdf"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("FingerprintAll() error = %v, want ErrNotFound", err)
	}
	if !strings.Contains(err.Error(), "bad.pdf") {
		t.Errorf("error %q should name the failing document", err)
	}
}
