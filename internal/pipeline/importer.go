package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/linkage"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/store"
	"github.com/dvloznov/finance-reconciler/internal/trace"
)

// Import gate outcomes reported to metrics.
const (
	gateAllowed = "allowed"
	gateBlocked = "blocked"
	gateInvalid = "invalid"
)

// PayloadError lists every structural problem found in a built payload.
type PayloadError struct {
	ExtractionID string
	Problems     []string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("ledger payload for extraction %s is invalid: %s", e.ExtractionID, strings.Join(e.Problems, "; "))
}

func (e *PayloadError) Unwrap() error { return domain.ErrValidation }

// Importer prepares ledger payloads for extractions that passed the
// import gate.
type Importer struct {
	store   store.Store
	builder *ledger.Builder
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewImporter creates an Importer. m may be nil.
func NewImporter(st store.Store, builder *ledger.Builder, m *metrics.Metrics) *Importer {
	return &Importer{store: st, builder: builder, metrics: m, now: time.Now}
}

// PrepareImport returns the validated payload for an extraction. PENDING
// extractions fail with domain.ErrNotImportable; payload problems are
// reported together as a *PayloadError.
func (i *Importer) PrepareImport(ctx context.Context, extractionID string) (*ledger.Payload, error) {
	log := logger.FromContext(ctx).With().Str("extraction_id", extractionID).Logger()

	var payload *ledger.Payload
	err := i.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.GetLinkage(ctx, extractionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := linkage.RequireImportable(l); err != nil {
			i.metrics.IncImportGate(gateBlocked)
			return err
		}

		ext, err := tx.GetExtraction(ctx, extractionID)
		if err != nil {
			return err
		}
		p, err := i.builder.Build(ext)
		if err != nil {
			i.metrics.IncImportGate(gateInvalid)
			return err
		}
		if problems := ledger.Validate(p); len(problems) > 0 {
			i.metrics.IncImportGate(gateInvalid)
			return &PayloadError{ExtractionID: extractionID, Problems: problems}
		}

		rec := trace.NewRecorder(ext.DocumentID, trace.WithClock(i.now))
		rec.Record(trace.Event{
			Stage:      domain.StageImport,
			Field:      "entries",
			Method:     domain.MethodComputed,
			Value:      len(p.Transactions),
			Confidence: trace.Confidence(ext.Scores.Overall),
			Notes:      "payload prepared for " + string(l.LinkType),
			Sources:    []domain.TraceSource{{System: "reconciler", FieldName: "extraction_id", Identifier: extractionID}},
		})
		if err := tx.AppendTrace(ctx, rec.Trace()); err != nil {
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("Import not prepared")
		return nil, fmt.Errorf("PrepareImport: %w", err)
	}

	i.metrics.IncImportGate(gateAllowed)
	log.Info().Int("entries", len(payload.Transactions)).Msg("Import payload prepared")
	return payload, nil
}
