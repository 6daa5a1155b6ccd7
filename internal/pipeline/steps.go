package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-reconciler/internal/confidence"
	"github.com/dvloznov/finance-reconciler/internal/dedup"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/linkage"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/money"
	"github.com/dvloznov/finance-reconciler/internal/trace"
)

const record = "extraction"

// MethodForStrategy maps an extraction strategy to the trace method that
// describes how its values were derived.
func MethodForStrategy(strategy string) domain.Method {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case confidence.StrategyLLM:
		return domain.MethodLLM
	case confidence.StrategyOCRHeuristic:
		return domain.MethodOCR
	case confidence.StrategyEInvoice, confidence.StrategyPDFText:
		return domain.MethodRule
	default:
		return domain.MethodDefault
	}
}

// NormalizeStep builds the extraction from the raw input.
type NormalizeStep struct {
	now   func() time.Time
	newID func() string
}

// Execute implements PipelineStep.
func (s *NormalizeStep) Execute(ctx context.Context, state *PipelineState) error {
	in := state.Input
	if in.DocumentID < 0 {
		return domain.NewValidationError(record, "document_id", "must be non-negative")
	}

	amount, err := money.ValidateAmount(in.Amount, money.AllowZero(), money.Record(record))
	if err != nil {
		return fmt.Errorf("NormalizeStep: %w", err)
	}
	date, err := civil.ParseDate(strings.TrimSpace(in.Date))
	if err != nil {
		return fmt.Errorf("NormalizeStep: %w", domain.NewValidationError(record, "date", fmt.Sprintf("%q is not YYYY-MM-DD", in.Date)))
	}
	var due *civil.Date
	if strings.TrimSpace(in.DueDate) != "" {
		d, err := civil.ParseDate(strings.TrimSpace(in.DueDate))
		if err != nil {
			return fmt.Errorf("NormalizeStep: %w", domain.NewValidationError(record, "due_date", fmt.Sprintf("%q is not YYYY-MM-DD", in.DueDate)))
		}
		due = &d
	}

	method := MethodForStrategy(in.Strategy)
	txType := domain.TransactionType(strings.ToLower(strings.TrimSpace(in.Type)))
	typeMethod := method
	if txType == "" {
		txType = domain.TransactionWithdrawal
		typeMethod = domain.MethodDefault
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))

	id := in.ExtractionID
	if id == "" {
		id = s.newID()
	}
	now := s.now().UTC()

	state.Extraction = &domain.Extraction{
		ID:          id,
		DocumentID:  in.DocumentID,
		ContentHash: strings.ToLower(strings.TrimSpace(in.ContentHash)),
		Strategy:    in.Strategy,
		Proposal: domain.TransactionProposal{
			Type:               txType,
			Date:               date,
			Amount:             amount,
			Currency:           currency,
			Description:        strings.TrimSpace(in.Description),
			SourceAccount:      strings.TrimSpace(in.SourceAccount),
			DestinationAccount: strings.TrimSpace(in.DestinationAccount),
			Category:           strings.TrimSpace(in.Category),
			InvoiceNumber:      strings.TrimSpace(in.InvoiceNumber),
			DueDate:            due,
		},
		Scores: domain.ConfidenceScores{
			Overall: in.Overall,
			Fields:  copyScores(in.FieldScores),
		},
		LineItems: in.LineItems,
		CreatedAt: now,
		UpdatedAt: now,
	}

	src := []domain.TraceSource{{System: "document", FieldName: "document_id", Identifier: strconv.FormatInt(in.DocumentID, 10)}}
	emit := func(field string, value any, m domain.Method) {
		ev := trace.Event{Stage: domain.StageExtraction, Field: field, Method: m, Value: value, Sources: src}
		if v, ok := in.FieldScores[field]; ok {
			ev.Confidence = trace.Confidence(v)
		}
		state.Recorder.Record(ev)
	}
	emit("amount", amount, method)
	emit("date", date, method)
	emit("type", txType, typeMethod)
	if currency != "" {
		emit("currency", currency, method)
	}
	if due != nil {
		emit("due_date", due, method)
	}
	if len(in.LineItems) > 0 {
		emit("line_items", len(in.LineItems), method)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("extraction_id", id).
		Str("strategy", in.Strategy).
		Msg("Extraction normalized")
	return nil
}

// DedupKeyStep derives the deduplication key for the extraction.
type DedupKeyStep struct{}

// Execute implements PipelineStep.
func (s *DedupKeyStep) Execute(ctx context.Context, state *PipelineState) error {
	ext := state.Extraction
	key, err := dedup.Generate(ext.DocumentID, ext.ContentHash, ext.Proposal.Amount, ext.Proposal.Date.String())
	if err != nil {
		return fmt.Errorf("DedupKeyStep: %w", err)
	}
	ext.Proposal.DedupKey = key.String()

	state.Recorder.Record(trace.Event{
		Stage:  domain.StageNormalize,
		Field:  "dedup_key",
		Method: domain.MethodComputed,
		Value:  key.HashPrefix,
		Sources: []domain.TraceSource{
			{System: "document", FieldName: "content_hash"},
		},
	})
	return nil
}

// AdjustConfidenceStep blends the scores toward the strategy prior.
type AdjustConfidenceStep struct {
	priors confidence.Priors
}

// Execute implements PipelineStep.
func (s *AdjustConfidenceStep) Execute(ctx context.Context, state *PipelineState) error {
	ext := state.Extraction
	ext.Scores = confidence.AdjustForStrategy(ext.Scores, ext.Strategy, s.priors)
	return nil
}

// ClassifyStep assigns the review tier.
type ClassifyStep struct {
	thresholds confidence.Thresholds
}

// Execute implements PipelineStep.
func (s *ClassifyStep) Execute(ctx context.Context, state *PipelineState) error {
	ext := state.Extraction
	ext.Scores = confidence.Apply(ext.Scores, s.thresholds)

	state.Recorder.Record(trace.Event{
		Stage:      domain.StageValidation,
		Field:      "review_state",
		Method:     domain.MethodComputed,
		Value:      ext.Scores.ReviewState,
		Confidence: trace.Confidence(ext.Scores.Overall),
	})
	return nil
}

// QualityGateStep records advisory quality issues. An extraction with
// issues is never left in the AUTO tier.
type QualityGateStep struct {
	ceiling decimal.Decimal
}

// Execute implements PipelineStep.
func (s *QualityGateStep) Execute(ctx context.Context, state *PipelineState) error {
	ext := state.Extraction
	ceiling := s.ceiling
	if !ceiling.IsPositive() {
		ceiling = confidence.DefaultAmountCeiling
	}

	state.Issues = confidence.ValidateWithCeiling(ext, ceiling)
	for _, issue := range state.Issues {
		state.Recorder.Record(trace.Event{
			Stage:  domain.StageValidation,
			Field:  issue.Field,
			Method: domain.MethodRule,
			Value:  issue.Code,
			Notes:  issue.Message,
		})
	}
	if len(state.Issues) > 0 && ext.Scores.ReviewState == domain.ReviewAuto {
		ext.Scores.ReviewState = domain.ReviewReview
		state.Recorder.Record(trace.Event{
			Stage:  domain.StageValidation,
			Field:  "review_state",
			Method: domain.MethodRule,
			Value:  ext.Scores.ReviewState,
			Notes:  "downgraded by quality issues",
		})
	}
	if len(state.Issues) > 0 {
		log := logger.FromContext(ctx)
		log.Warn().
			Str("extraction_id", ext.ID).
			Int("issues", len(state.Issues)).
			Msg("Extraction has quality issues")
	}
	return nil
}

// PersistStep stores the extraction, its trace so far and its PENDING
// linkage in one transaction.
type PersistStep struct {
	links   *linkage.Service
	metrics *metrics.Metrics
}

// Execute implements PipelineStep.
func (s *PersistStep) Execute(ctx context.Context, state *PipelineState) error {
	ext := state.Extraction
	inputID := state.Input.ExtractionID
	newID, createdAt := ext.ID, ext.CreatedAt
	pending := state.Recorder.Trace()

	err := s.links.Run(ctx, func(ops linkage.Ops) error {
		tx := ops.Tx()
		// Each attempt starts from the normalized values.
		ext.ID, ext.CreatedAt = newID, createdAt
		state.Reused = false
		existing, err := tx.FindExtractionByDedupKey(ctx, ext.Proposal.DedupKey)
		switch {
		case err == nil:
			if inputID != "" && existing.ID != inputID {
				return fmt.Errorf("dedup key held by extraction %s: %w", existing.ID, domain.ErrConflict)
			}
			ext.ID = existing.ID
			ext.CreatedAt = existing.CreatedAt
			state.Reused = true
		case errors.Is(err, domain.ErrNotFound):
		default:
			return err
		}

		if err := tx.UpsertExtraction(ctx, ext); err != nil {
			return err
		}
		if err := tx.AppendTrace(ctx, pending); err != nil {
			return err
		}
		l, err := ops.EnsurePending(ctx, ext.ID, ext.DocumentID)
		if err != nil {
			return err
		}
		state.Linkage = l
		return nil
	})
	if err != nil {
		return fmt.Errorf("PersistStep: %w", err)
	}
	if !state.Reused {
		s.metrics.IncExtraction(string(ext.Scores.ReviewState))
	}
	return nil
}

// TraceStep mirrors the events recorded by this run to the audit sink.
// Sink failures are logged and do not fail the pipeline.
type TraceStep struct {
	sink TraceSink
}

// Execute implements PipelineStep.
func (s *TraceStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.sink == nil {
		return nil
	}
	t := state.Recorder.Trace()
	if err := s.sink.WriteTrace(ctx, t); err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Int64("document_id", t.DocumentID).
			Int("events", len(t.Events)).
			Msg("Failed to mirror interpretation trace")
	}
	return nil
}

func copyScores(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
