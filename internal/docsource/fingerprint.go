package docsource

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-reconciler/internal/dedup"
	"github.com/dvloznov/finance-reconciler/internal/logger"
)

// DefaultConcurrency bounds parallel fetches in FingerprintAll.
const DefaultConcurrency = 4

// Fingerprint identifies one document's content.
type Fingerprint struct {
	URI         string `json:"uri"`
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash"`
	Size        int    `json:"size"`
}

// Fingerprinter hashes documents fetched from a Source.
type Fingerprinter struct {
	source      Source
	concurrency int
}

// NewFingerprinter creates a Fingerprinter. A concurrency below one uses
// DefaultConcurrency.
func NewFingerprinter(source Source, concurrency int) *Fingerprinter {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Fingerprinter{source: source, concurrency: concurrency}
}

// Fingerprint fetches uri and hashes its content.
func (f *Fingerprinter) Fingerprint(ctx context.Context, uri string) (Fingerprint, error) {
	data, err := f.source.Fetch(ctx, uri)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("Fingerprint: %w", err)
	}
	return Fingerprint{
		URI:         uri,
		Filename:    Filename(uri),
		ContentHash: dedup.Hash(data),
		Size:        len(data),
	}, nil
}

// FingerprintAll fingerprints every uri, at most f.concurrency at a time.
// Results keep the input order. The first failure cancels the rest.
func (f *Fingerprinter) FingerprintAll(ctx context.Context, uris []string) ([]Fingerprint, error) {
	out := make([]Fingerprint, len(uris))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, uri := range uris {
		g.Go(func() error {
			fp, err := f.Fingerprint(gCtx, uri)
			if err != nil {
				return fmt.Errorf("document %s: %w", uri, err)
			}
			out[i] = fp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("FingerprintAll: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().Int("documents", len(uris)).Msg("Documents fingerprinted")
	return out, nil
}
