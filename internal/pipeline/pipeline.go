// Package pipeline turns one document source result into a persisted,
// scored extraction with a PENDING linkage, and prepares importable
// extractions for the ledger.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-reconciler/internal/confidence"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/linkage"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/trace"
	"github.com/shopspring/decimal"
)

// ExtractionInput is what the document source reports for one document:
// raw field guesses, per-field confidence and the strategy that produced
// them. Amount may be any shape money.Coerce accepts.
type ExtractionInput struct {
	ExtractionID       string             `json:"extraction_id,omitempty"`
	DocumentID         int64              `json:"document_id"`
	ContentHash        string             `json:"content_hash"`
	Strategy           string             `json:"strategy"`
	Type               string             `json:"type,omitempty"`
	Amount             any                `json:"amount"`
	Date               string             `json:"date"`
	Currency           string             `json:"currency,omitempty"`
	Description        string             `json:"description,omitempty"`
	SourceAccount      string             `json:"source_account,omitempty"`
	DestinationAccount string             `json:"destination_account,omitempty"`
	Category           string             `json:"category,omitempty"`
	InvoiceNumber      string             `json:"invoice_number,omitempty"`
	DueDate            string             `json:"due_date,omitempty"`
	Overall            float64            `json:"overall_confidence"`
	FieldScores        map[string]float64 `json:"field_confidence,omitempty"`
	LineItems          []domain.LineItem  `json:"line_items,omitempty"`
}

// PipelineStep represents a single step in the extraction pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Input      ExtractionInput
	Extraction *domain.Extraction
	Issues     []confidence.Issue
	Linkage    *domain.Linkage
	Recorder   *trace.Recorder
	// Reused is set when an extraction with the same dedup key already
	// existed and was updated instead of created.
	Reused bool
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// Config carries the scoring configuration used by the steps.
type Config struct {
	Thresholds    confidence.Thresholds
	Priors        confidence.Priors
	AmountCeiling decimal.Decimal
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:    confidence.DefaultThresholds(),
		Priors:        confidence.DefaultPriors(),
		AmountCeiling: confidence.DefaultAmountCeiling,
	}
}

// Processor runs the standard extraction pipeline.
type Processor struct {
	pipeline *Pipeline
	now      func() time.Time
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*processorOptions)

type processorOptions struct {
	sink    TraceSink
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// WithTraceSink mirrors every persisted trace to sink.
func WithTraceSink(sink TraceSink) ProcessorOption {
	return func(o *processorOptions) { o.sink = sink }
}

// WithMetrics records extraction counts.
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(o *processorOptions) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProcessorOption {
	return func(o *processorOptions) { o.now = now }
}

// WithIDGenerator overrides how new extraction ids are generated.
func WithIDGenerator(newID func() string) ProcessorOption {
	return func(o *processorOptions) { o.newID = newID }
}

// NewProcessor wires the standard steps:
// normalize, dedup key, confidence adjustment, classification, quality
// gate, persistence and trace storage.
func NewProcessor(links *linkage.Service, cfg Config, opts ...ProcessorOption) *Processor {
	o := processorOptions{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	return &Processor{
		now: o.now,
		pipeline: NewPipeline(
			&NormalizeStep{now: o.now, newID: o.newID},
			&DedupKeyStep{},
			&AdjustConfidenceStep{priors: cfg.Priors},
			&ClassifyStep{thresholds: cfg.Thresholds},
			&QualityGateStep{ceiling: cfg.AmountCeiling},
			&PersistStep{links: links, metrics: o.metrics},
			&TraceStep{sink: o.sink},
		),
	}
}

// Process runs the pipeline for one document source result.
func (p *Processor) Process(ctx context.Context, in ExtractionInput) (*PipelineState, error) {
	log := logger.WithDocument(logger.FromContext(ctx), in.DocumentID, in.ExtractionID)
	ctx = logger.WithContext(ctx, log)

	state := &PipelineState{
		Input:    in,
		Recorder: trace.NewRecorder(in.DocumentID, trace.WithClock(p.now)),
	}
	if err := p.pipeline.Execute(ctx, state); err != nil {
		log.Error().Err(err).Msg("Extraction processing failed")
		return state, err
	}

	log.Info().
		Str("extraction_id", state.Extraction.ID).
		Str("review_state", string(state.Extraction.Scores.ReviewState)).
		Int("issues", len(state.Issues)).
		Bool("reused", state.Reused).
		Msg("Extraction processed")
	return state, nil
}
