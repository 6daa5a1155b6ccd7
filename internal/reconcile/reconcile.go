// Package reconcile runs matching passes over the local ledger cache and
// applies the decisions that follow from them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/linkage"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/matching"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/store"
	"github.com/dvloznov/finance-reconciler/internal/trace"
)

// Proposal outcomes reported to metrics.
const (
	outcomeCreated    = "created"
	outcomeAutoLinked = "auto_linked"
	outcomeAccepted   = "accepted"
	outcomeRejected   = "rejected"
	outcomeSkipped    = "skipped"
)

// Reconciler owns the reconciliation pass and the human decisions on its
// proposals.
type Reconciler struct {
	store    store.Store
	links    *linkage.Service
	engine   *matching.Engine
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
	autoLink bool
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithIDGenerator overrides how proposal ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

// WithAutoLink toggles the automatic linkage of auto-eligible proposals.
// It is enabled by default.
func WithAutoLink(enabled bool) Option {
	return func(r *Reconciler) { r.autoLink = enabled }
}

// New creates a Reconciler. m may be nil.
func New(st store.Store, links *linkage.Service, engine *matching.Engine, m *metrics.Metrics, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    st,
		links:    links,
		engine:   engine,
		metrics:  m,
		now:      time.Now,
		newID:    uuid.NewString,
		autoLink: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	LedgerCandidates int                    `json:"ledger_candidates"`
	PendingDocuments int                    `json:"pending_documents"`
	Created          int                    `json:"created"`
	Skipped          int                    `json:"skipped"`
	AutoLinked       int                    `json:"auto_linked"`
	Proposals        []domain.MatchProposal `json:"proposals"`
	Duration         time.Duration          `json:"duration"`
}

// RunPass matches every pending document against the unmatched ledger
// cache in a single transaction, stores the resulting proposals and
// auto-links the ones above the auto-accept score. Pairs a user rejected
// are never proposed again.
func (r *Reconciler) RunPass(ctx context.Context) (PassResult, error) {
	log := logger.FromContext(ctx)
	start := r.now()

	var result PassResult
	err := r.links.Run(ctx, func(ops linkage.Ops) error {
		result = PassResult{}
		tx := ops.Tx()

		ledger, err := tx.ListMatchableLedger(ctx)
		if err != nil {
			return fmt.Errorf("listing ledger cache: %w", err)
		}
		pending, err := tx.ListPendingDocuments(ctx)
		if err != nil {
			return fmt.Errorf("listing pending documents: %w", err)
		}
		docs, err := withoutActiveProposals(ctx, tx, pending)
		if err != nil {
			return err
		}
		rejected, err := tx.ListProposals(ctx, domain.ProposalFilter{Status: domain.ProposalRejected})
		if err != nil {
			return fmt.Errorf("listing rejected proposals: %w", err)
		}
		excluded := make([]matching.Pair, 0, len(rejected))
		for _, p := range rejected {
			excluded = append(excluded, matching.Pair{LedgerID: p.LedgerID, ExtractionID: p.ExtractionID})
		}
		result.LedgerCandidates = len(ledger)
		result.PendingDocuments = len(docs)

		for _, p := range r.engine.Match(ledger, docs, matching.Exclude(excluded...)) {
			held, err := hasActiveProposal(ctx, tx, domain.ProposalFilter{LedgerID: p.LedgerID})
			if err != nil {
				return err
			}
			if held {
				result.Skipped++
				continue
			}

			p.ID = r.newID()
			if err := tx.SaveProposal(ctx, &p); err != nil {
				return fmt.Errorf("saving proposal for ledger %d: %w", p.LedgerID, err)
			}
			if err := tx.SetLedgerMatchStatus(ctx, p.LedgerID, domain.MatchProposed); err != nil {
				return err
			}
			if err := r.traceProposal(ctx, tx, &p); err != nil {
				return err
			}
			result.Created++

			if r.autoLink && p.AutoEligible {
				if _, err := ops.AutoLink(ctx, &p); err != nil {
					return err
				}
				p.Status = domain.ProposalAccepted
				result.AutoLinked++
			}
			result.Proposals = append(result.Proposals, p)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation pass failed")
		return PassResult{}, fmt.Errorf("RunPass: %w", err)
	}

	result.Duration = r.now().Sub(start)
	r.metrics.AddProposals(outcomeCreated, result.Created)
	r.metrics.AddProposals(outcomeAutoLinked, result.AutoLinked)
	r.metrics.AddProposals(outcomeSkipped, result.Skipped)
	r.metrics.ObservePass(result.Duration)

	log.Info().
		Int("ledger_candidates", result.LedgerCandidates).
		Int("pending_documents", result.PendingDocuments).
		Int("created", result.Created).
		Int("auto_linked", result.AutoLinked).
		Int("skipped", result.Skipped).
		Dur("duration", result.Duration).
		Msg("Reconciliation pass complete")
	return result, nil
}

func (r *Reconciler) traceProposal(ctx context.Context, tx store.Tx, p *domain.MatchProposal) error {
	rec := trace.NewRecorder(p.DocumentID, trace.WithClock(r.now))
	rec.Record(trace.Event{
		Stage:      domain.StageMatching,
		Field:      "ledger_id",
		Method:     domain.MethodComputed,
		Value:      p.LedgerID,
		Confidence: trace.Confidence(p.Score),
		Notes:      strings.Join(p.Reasons, ","),
		Sources: []domain.TraceSource{
			{System: "reconciler", FieldName: "extraction_id", Identifier: p.ExtractionID},
			{System: "ledger", FieldName: "id", Identifier: strconv.FormatInt(p.LedgerID, 10)},
		},
	})
	return tx.AppendTrace(ctx, rec.Trace())
}

// withoutActiveProposals drops documents already waiting on a proposal.
func withoutActiveProposals(ctx context.Context, tx store.Tx, docs []domain.PendingDocument) ([]domain.PendingDocument, error) {
	out := docs[:0:0]
	for _, d := range docs {
		held, err := hasActiveProposal(ctx, tx, domain.ProposalFilter{ExtractionID: d.ExtractionID})
		if err != nil {
			return nil, err
		}
		if !held {
			out = append(out, d)
		}
	}
	return out, nil
}

func hasActiveProposal(ctx context.Context, tx store.Tx, filter domain.ProposalFilter) (bool, error) {
	proposals, err := tx.ListProposals(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("listing proposals: %w", err)
	}
	for _, p := range proposals {
		if p.Active() {
			return true, nil
		}
	}
	return false, nil
}

// SyncResult reports what a ledger sync changed.
type SyncResult struct {
	Synced      int                `json:"synced"`
	Invalidated []InvalidateResult `json:"invalidated"`
}

// SyncLedger upserts records, the ledger's view of [start, end], into the
// ledger cache. The local match status of a known record is kept; new
// records start UNMATCHED. A cached record dated inside the window that
// records no longer contains was deleted upstream and is invalidated as
// by InvalidateLedger, in the same transaction.
func (r *Reconciler) SyncLedger(ctx context.Context, start, end civil.Date, records []domain.LedgerCacheRecord) (SyncResult, error) {
	if end.Before(start) {
		return SyncResult{}, domain.NewValidationError("ledger_sync", "end", "must not be before start")
	}
	synced := r.now().UTC()
	var result SyncResult
	err := r.links.Run(ctx, func(ops linkage.Ops) error {
		result = SyncResult{}
		tx := ops.Tx()
		seen := make(map[int64]bool, len(records))
		for i := range records {
			rec := records[i]
			seen[rec.ID] = true
			existing, err := tx.GetLedgerRecord(ctx, rec.ID)
			switch {
			case err == nil:
				rec.MatchStatus = existing.MatchStatus
				rec.DeletedAt = existing.DeletedAt
			case errors.Is(err, domain.ErrNotFound):
				rec.MatchStatus = domain.MatchUnmatched
			default:
				return err
			}
			rec.SyncedAt = synced
			if err := tx.UpsertLedgerRecord(ctx, &rec); err != nil {
				return fmt.Errorf("upserting ledger %d: %w", rec.ID, err)
			}
		}
		result.Synced = len(records)

		cached, err := tx.ListLedgerInRange(ctx, start, end)
		if err != nil {
			return err
		}
		for _, rec := range cached {
			if seen[rec.ID] {
				continue
			}
			inv, err := r.invalidate(ctx, ops, rec.ID)
			if err != nil {
				return fmt.Errorf("invalidating ledger %d: %w", rec.ID, err)
			}
			result.Invalidated = append(result.Invalidated, inv)
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("SyncLedger: %w", err)
	}

	var rejected int
	for _, inv := range result.Invalidated {
		rejected += len(inv.Rejected)
	}
	r.metrics.AddProposals(outcomeRejected, rejected)
	log := logger.FromContext(ctx)
	log.Info().
		Int("records", result.Synced).
		Int("invalidated", len(result.Invalidated)).
		Msg("Ledger cache synced")
	return result, nil
}

// InvalidateResult reports what an invalidation changed.
type InvalidateResult struct {
	LedgerID    int64    `json:"ledger_id"`
	Reopened    []string `json:"reopened"`
	Rejected    []string `json:"rejected"`
	AlreadyGone bool     `json:"already_gone"`
}

// InvalidateLedger tombstones a ledger transaction that disappeared
// upstream, reopens every linkage pointing at it and rejects its
// proposals. Invalidating an already deleted record changes nothing.
func (r *Reconciler) InvalidateLedger(ctx context.Context, ledgerID int64) (InvalidateResult, error) {
	var result InvalidateResult
	err := r.links.Run(ctx, func(ops linkage.Ops) error {
		var err error
		result, err = r.invalidate(ctx, ops, ledgerID)
		return err
	})
	if err != nil {
		return InvalidateResult{}, fmt.Errorf("InvalidateLedger: %w", err)
	}

	r.metrics.AddProposals(outcomeRejected, len(result.Rejected))
	log := logger.FromContext(ctx)
	log.Info().
		Int64("ledger_id", ledgerID).
		Int("reopened", len(result.Reopened)).
		Int("rejected", len(result.Rejected)).
		Bool("already_gone", result.AlreadyGone).
		Msg("Ledger transaction invalidated")
	return result, nil
}

func (r *Reconciler) invalidate(ctx context.Context, ops linkage.Ops, ledgerID int64) (InvalidateResult, error) {
	result := InvalidateResult{LedgerID: ledgerID}
	tx := ops.Tx()

	rec, err := tx.GetLedgerRecord(ctx, ledgerID)
	if err != nil {
		return result, err
	}
	if rec.DeletedAt != nil {
		result.AlreadyGone = true
		return result, nil
	}

	linkages, err := tx.ListLinkagesByLedger(ctx, ledgerID)
	if err != nil {
		return result, err
	}
	for _, l := range linkages {
		if l.LinkType == domain.LinkPending {
			continue
		}
		if _, err := ops.Reopen(ctx, l.ExtractionID, "ledger transaction deleted upstream"); err != nil {
			return result, err
		}
		result.Reopened = append(result.Reopened, l.ExtractionID)
	}

	proposals, err := tx.ListProposals(ctx, domain.ProposalFilter{LedgerID: ledgerID})
	if err != nil {
		return result, err
	}
	for _, p := range proposals {
		if p.Status != domain.ProposalPending {
			continue
		}
		if _, err := ops.RejectProposal(ctx, p.ID); err != nil {
			return result, err
		}
		result.Rejected = append(result.Rejected, p.ID)
	}

	return result, tx.SoftDeleteLedger(ctx, ledgerID, r.now().UTC())
}

// AcceptProposal links the proposal's extraction to its ledger transaction
// on behalf of a user.
func (r *Reconciler) AcceptProposal(ctx context.Context, proposalID string) (*domain.Linkage, error) {
	var out *domain.Linkage
	err := r.links.Run(ctx, func(ops linkage.Ops) error {
		p, err := ops.Tx().GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		l, err := ops.Link(ctx, linkage.LinkRequest{
			ExtractionID: p.ExtractionID,
			LedgerID:     p.LedgerID,
			ProposalID:   p.ID,
		})
		out = l
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("AcceptProposal: %w", err)
	}
	r.metrics.AddProposals(outcomeAccepted, 1)
	log := logger.WithDocument(logger.FromContext(ctx), out.DocumentID, out.ExtractionID)
	log.Info().
		Str("proposal_id", proposalID).
		Msg("Proposal accepted")
	return out, nil
}

// RejectProposal declines a pending proposal and frees its ledger
// transaction for the next pass.
func (r *Reconciler) RejectProposal(ctx context.Context, proposalID string) (*domain.MatchProposal, error) {
	p, err := r.links.RejectProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("RejectProposal: %w", err)
	}
	r.metrics.AddProposals(outcomeRejected, 1)
	return p, nil
}

// ListProposals returns stored proposals matching filter.
func (r *Reconciler) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.MatchProposal, error) {
	var out []domain.MatchProposal
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListProposals(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ListProposals: %w", err)
	}
	return out, nil
}

// Trace returns the stored interpretation trace for a document.
func (r *Reconciler) Trace(ctx context.Context, documentID int64) (*domain.InterpretationTrace, error) {
	var out *domain.InterpretationTrace
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.GetTrace(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Trace: %w", err)
	}
	return out, nil
}
