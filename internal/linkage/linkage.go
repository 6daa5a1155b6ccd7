// Package linkage owns the single decision record that ties an extraction
// to a ledger transaction, and the import gate derived from it.
//
// Transitions:
//
//	PENDING -> LINKED | ORPHAN | AUTO_LINKED
//	any     -> PENDING (Reopen)
//
// A terminal state never moves to a different terminal state directly;
// re-applying the decision it already holds is a no-op.
package linkage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/store"
	"github.com/dvloznov/finance-reconciler/internal/trace"
)

// maxAttempts bounds how often Run re-reads after losing a race.
const maxAttempts = 2

// CanTransition reports whether a linkage may move from one state to another.
func CanTransition(from, to domain.LinkType) bool {
	if to == domain.LinkPending {
		return true
	}
	return from == domain.LinkPending && to.Importable()
}

// Service applies linkage decisions against a store.
type Service struct {
	store   store.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a Service. m may be nil.
func NewService(st store.Store, m *metrics.Metrics) *Service {
	return &Service{store: st, metrics: m, now: time.Now}
}

// WithClock returns a copy of the service using now for decision times.
func (s *Service) WithClock(now func() time.Time) *Service {
	cp := *s
	cp.now = now
	return &cp
}

type transition struct {
	from, to domain.LinkType
}

// Ops binds the linkage operations to one open store transaction so that
// callers can combine them with their own reads and writes.
type Ops struct {
	tx          store.Tx
	now         time.Time
	transitions *[]transition
}

// Tx returns the underlying transaction.
func (o Ops) Tx() store.Tx { return o.tx }

// Run executes fn in a single store transaction. When the transaction
// loses a race (domain.ErrConflict) it is re-run once against the
// committed state, where the decision either turns into a no-op or fails
// with a definite error.
func (s *Service) Run(ctx context.Context, fn func(Ops) error) error {
	log := logger.FromContext(ctx)

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var committed []transition
		err = s.store.WithTx(ctx, func(tx store.Tx) error {
			committed = committed[:0]
			return fn(Ops{tx: tx, now: s.now().UTC(), transitions: &committed})
		})
		if err == nil {
			for _, t := range committed {
				s.metrics.IncTransition(string(t.from), string(t.to))
			}
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Linkage transaction lost a race, re-reading")
	}
	return err
}

// LinkRequest asks for an extraction to be linked to a ledger transaction.
type LinkRequest struct {
	ExtractionID string
	LedgerID     int64
	// ProposalID, when set, names the proposal being accepted.
	ProposalID string
	Confidence *float64
	Reasons    []string
}

// EnsurePending returns the extraction's linkage, creating a PENDING row
// if none exists yet.
func (o Ops) EnsurePending(ctx context.Context, extractionID string, documentID int64) (*domain.Linkage, error) {
	l, err := o.tx.GetLinkage(ctx, extractionID)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("EnsurePending: %w", err)
	}

	l = &domain.Linkage{ExtractionID: extractionID, DocumentID: documentID, LinkType: domain.LinkPending}
	if err := o.tx.InsertLinkage(ctx, l); err != nil {
		return nil, fmt.Errorf("EnsurePending: %w", err)
	}
	*o.transitions = append(*o.transitions, transition{from: "NONE", to: domain.LinkPending})
	if err := o.trace(ctx, l, domain.MethodRule, "linkage created"); err != nil {
		return nil, fmt.Errorf("EnsurePending: %w", err)
	}
	return l, nil
}

// Link records a user confirmed match (LINKED).
func (o Ops) Link(ctx context.Context, req LinkRequest) (*domain.Linkage, error) {
	l, err := o.link(ctx, req, domain.LinkLinked, domain.LinkedByUser)
	if err != nil {
		return nil, fmt.Errorf("Link: %w", err)
	}
	return l, nil
}

// AutoLink accepts a stored proposal on the high confidence path (AUTO_LINKED).
func (o Ops) AutoLink(ctx context.Context, p *domain.MatchProposal) (*domain.Linkage, error) {
	score := p.Score
	l, err := o.link(ctx, LinkRequest{
		ExtractionID: p.ExtractionID,
		LedgerID:     p.LedgerID,
		ProposalID:   p.ID,
		Confidence:   &score,
		Reasons:      p.Reasons,
	}, domain.LinkAutoLinked, domain.LinkedByAuto)
	if err != nil {
		return nil, fmt.Errorf("AutoLink: %w", err)
	}
	return l, nil
}

func (o Ops) link(ctx context.Context, req LinkRequest, to domain.LinkType, by domain.LinkedBy) (*domain.Linkage, error) {
	cur, err := o.tx.GetLinkage(ctx, req.ExtractionID)
	if err != nil {
		return nil, err
	}
	if cur.LinkType == to && cur.LedgerID != nil && *cur.LedgerID == req.LedgerID {
		return cur, nil
	}
	if !CanTransition(cur.LinkType, to) {
		return nil, fmt.Errorf("extraction %s is %s, cannot become %s: %w",
			req.ExtractionID, cur.LinkType, to, domain.ErrInvalidTransition)
	}

	rec, err := o.tx.GetLedgerRecord(ctx, req.LedgerID)
	if err != nil {
		return nil, err
	}
	if rec.DeletedAt != nil {
		return nil, domain.NewValidationError("Linkage", "ledger_id",
			fmt.Sprintf("ledger transaction %d is deleted", req.LedgerID))
	}
	others, err := o.tx.ListLinkagesByLedger(ctx, req.LedgerID)
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		if other.ExtractionID != req.ExtractionID && other.LinkType != domain.LinkPending {
			return nil, fmt.Errorf("ledger %d is already linked to extraction %s: %w",
				req.LedgerID, other.ExtractionID, domain.ErrConflict)
		}
	}

	chosen, err := o.settleProposals(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.tx.SetLedgerMatchStatus(ctx, req.LedgerID, domain.MatchMatched); err != nil {
		return nil, err
	}

	next := cur.Clone()
	ledgerID := req.LedgerID
	linkedAt := o.now
	next.LedgerID = &ledgerID
	next.LinkType = to
	next.LinkedAt = &linkedAt
	next.LinkedBy = by
	next.Confidence = req.Confidence
	next.MatchReasons = append([]string(nil), req.Reasons...)
	if chosen != nil {
		if next.Confidence == nil {
			score := chosen.Score
			next.Confidence = &score
		}
		if len(next.MatchReasons) == 0 {
			next.MatchReasons = append([]string(nil), chosen.Reasons...)
		}
	}
	if len(next.MatchReasons) == 0 {
		next.MatchReasons = nil
	}

	if err := o.update(ctx, cur, next); err != nil {
		return nil, err
	}
	return next, nil
}

// settleProposals accepts the proposal pairing req's extraction and ledger
// (if any) and rejects every other active proposal for either of them.
func (o Ops) settleProposals(ctx context.Context, req LinkRequest) (*domain.MatchProposal, error) {
	byExt, err := o.tx.ListProposals(ctx, domain.ProposalFilter{ExtractionID: req.ExtractionID})
	if err != nil {
		return nil, err
	}
	byLedger, err := o.tx.ListProposals(ctx, domain.ProposalFilter{LedgerID: req.LedgerID})
	if err != nil {
		return nil, err
	}

	var chosen *domain.MatchProposal
	seen := make(map[string]bool)
	for _, p := range append(byExt, byLedger...) {
		if seen[p.ID] || !p.Active() {
			continue
		}
		seen[p.ID] = true
		p := p
		if p.ExtractionID == req.ExtractionID && p.LedgerID == req.LedgerID &&
			(req.ProposalID == "" || p.ID == req.ProposalID) {
			chosen = &p
			continue
		}
		if err := o.reject(ctx, &p, req.LedgerID); err != nil {
			return nil, err
		}
	}

	if req.ProposalID != "" && chosen == nil {
		return nil, fmt.Errorf("proposal %s is not an active proposal for extraction %s and ledger %d: %w",
			req.ProposalID, req.ExtractionID, req.LedgerID, domain.ErrInvalidTransition)
	}
	if chosen != nil {
		decided := o.now
		chosen.Status = domain.ProposalAccepted
		chosen.DecidedAt = &decided
		if err := o.tx.SaveProposal(ctx, chosen); err != nil {
			return nil, err
		}
	}
	return chosen, nil
}

// reject marks p REJECTED and frees its ledger transaction unless it is
// the one being kept.
func (o Ops) reject(ctx context.Context, p *domain.MatchProposal, keepLedger int64) error {
	decided := o.now
	p.Status = domain.ProposalRejected
	p.DecidedAt = &decided
	if err := o.tx.SaveProposal(ctx, p); err != nil {
		return err
	}
	if p.LedgerID == keepLedger {
		return nil
	}
	return o.release(ctx, p.LedgerID, domain.MatchProposed)
}

// release returns a ledger record to UNMATCHED if it is currently in state.
func (o Ops) release(ctx context.Context, ledgerID int64, state domain.MatchStatus) error {
	rec, err := o.tx.GetLedgerRecord(ctx, ledgerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.MatchStatus != state {
		return nil
	}
	return o.tx.SetLedgerMatchStatus(ctx, ledgerID, domain.MatchUnmatched)
}

// RejectProposal declines a PENDING proposal and frees its ledger
// transaction. Rejecting a rejected proposal is a no-op; an accepted one
// has to be withdrawn through Reopen.
func (o Ops) RejectProposal(ctx context.Context, proposalID string) (*domain.MatchProposal, error) {
	p, err := o.tx.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("RejectProposal: %w", err)
	}
	switch p.Status {
	case domain.ProposalRejected:
		return p, nil
	case domain.ProposalAccepted:
		return nil, fmt.Errorf("RejectProposal: proposal %s is accepted: %w", proposalID, domain.ErrInvalidTransition)
	}
	if err := o.reject(ctx, p, 0); err != nil {
		return nil, fmt.Errorf("RejectProposal: %w", err)
	}
	return p, nil
}

// MarkOrphan records that no ledger transaction exists for the extraction.
func (o Ops) MarkOrphan(ctx context.Context, extractionID string, by domain.LinkedBy) (*domain.Linkage, error) {
	cur, err := o.tx.GetLinkage(ctx, extractionID)
	if err != nil {
		return nil, fmt.Errorf("MarkOrphan: %w", err)
	}
	if cur.LinkType == domain.LinkOrphan {
		return cur, nil
	}
	if !CanTransition(cur.LinkType, domain.LinkOrphan) {
		return nil, fmt.Errorf("MarkOrphan: extraction %s is %s: %w", extractionID, cur.LinkType, domain.ErrInvalidTransition)
	}

	active, err := o.tx.ListProposals(ctx, domain.ProposalFilter{ExtractionID: extractionID})
	if err != nil {
		return nil, fmt.Errorf("MarkOrphan: %w", err)
	}
	for _, p := range active {
		if !p.Active() {
			continue
		}
		p := p
		if err := o.reject(ctx, &p, 0); err != nil {
			return nil, fmt.Errorf("MarkOrphan: %w", err)
		}
	}

	next := cur.Clone()
	linkedAt := o.now
	next.LinkType = domain.LinkOrphan
	next.LedgerID = nil
	next.Confidence = nil
	next.MatchReasons = nil
	next.LinkedAt = &linkedAt
	next.LinkedBy = by
	if err := o.update(ctx, cur, next); err != nil {
		return nil, fmt.Errorf("MarkOrphan: %w", err)
	}
	return next, nil
}

// Reopen returns the extraction to PENDING, withdrawing its accepted
// proposal and freeing the ledger transaction it was linked to.
func (o Ops) Reopen(ctx context.Context, extractionID, reason string) (*domain.Linkage, error) {
	cur, err := o.tx.GetLinkage(ctx, extractionID)
	if err != nil {
		return nil, fmt.Errorf("Reopen: %w", err)
	}
	if cur.LinkType == domain.LinkPending {
		return cur, nil
	}

	proposals, err := o.tx.ListProposals(ctx, domain.ProposalFilter{ExtractionID: extractionID})
	if err != nil {
		return nil, fmt.Errorf("Reopen: %w", err)
	}
	for _, p := range proposals {
		if !p.Active() {
			continue
		}
		p := p
		if err := o.reject(ctx, &p, 0); err != nil {
			return nil, fmt.Errorf("Reopen: %w", err)
		}
	}
	if cur.LedgerID != nil {
		if err := o.release(ctx, *cur.LedgerID, domain.MatchMatched); err != nil {
			return nil, fmt.Errorf("Reopen: %w", err)
		}
	}

	next := cur.Clone()
	next.LinkType = domain.LinkPending
	next.LedgerID = nil
	next.Confidence = nil
	next.MatchReasons = nil
	next.LinkedAt = nil
	next.LinkedBy = ""
	if err := o.updateWithNotes(ctx, cur, next, reason); err != nil {
		return nil, fmt.Errorf("Reopen: %w", err)
	}
	return next, nil
}

func (o Ops) update(ctx context.Context, cur, next *domain.Linkage) error {
	return o.updateWithNotes(ctx, cur, next, "")
}

func (o Ops) updateWithNotes(ctx context.Context, cur, next *domain.Linkage, notes string) error {
	if err := o.tx.UpdateLinkage(ctx, next, cur.Version); err != nil {
		return err
	}
	*o.transitions = append(*o.transitions, transition{from: cur.LinkType, to: next.LinkType})

	method := domain.MethodRule
	switch next.LinkedBy {
	case domain.LinkedByUser:
		method = domain.MethodUserOverride
	case domain.LinkedByAuto:
		method = domain.MethodComputed
	}
	return o.trace(ctx, next, method, notes)
}

func (o Ops) trace(ctx context.Context, l *domain.Linkage, method domain.Method, notes string) error {
	rec := trace.NewRecorder(l.DocumentID, trace.WithClock(func() time.Time { return o.now }))
	ev := trace.Event{
		Stage:      domain.StageDecision,
		Field:      "link_type",
		Method:     method,
		Value:      l.LinkType,
		Confidence: l.Confidence,
		Notes:      notes,
		Sources:    []domain.TraceSource{{System: "reconciler", FieldName: "extraction_id", Identifier: l.ExtractionID}},
	}
	if l.LedgerID != nil {
		ev.Sources = append(ev.Sources, domain.TraceSource{
			System: "ledger", FieldName: "id", Identifier: strconv.FormatInt(*l.LedgerID, 10),
		})
	}
	rec.Record(ev)
	return o.tx.AppendTrace(ctx, rec.Trace())
}
