package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/store"
)

// Store is an in-memory implementation of store.Store.
// Transactions are serialized and run against a copy of the state that
// replaces the live state only on success.
// Data is lost on restart - for persistence, use the sqlite store.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	extractions map[string]*domain.Extraction
	dedupIndex  map[string]string
	ledger      map[int64]*domain.LedgerCacheRecord
	proposals   map[string]*domain.MatchProposal
	linkages    map[string]*domain.Linkage
	traces      map[int64][]domain.TraceEvent
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{state: &state{
		extractions: make(map[string]*domain.Extraction),
		dedupIndex:  make(map[string]string),
		ledger:      make(map[int64]*domain.LedgerCacheRecord),
		proposals:   make(map[string]*domain.MatchProposal),
		linkages:    make(map[string]*domain.Linkage),
		traces:      make(map[int64][]domain.TraceEvent),
	}}
}

// WithTx implements store.Store.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.state.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// The maps are copied but their values are not: tx never mutates a stored
// value in place, it replaces it with a fresh copy.
func (st *state) clone() *state {
	out := &state{
		extractions: make(map[string]*domain.Extraction, len(st.extractions)),
		dedupIndex:  make(map[string]string, len(st.dedupIndex)),
		ledger:      make(map[int64]*domain.LedgerCacheRecord, len(st.ledger)),
		proposals:   make(map[string]*domain.MatchProposal, len(st.proposals)),
		linkages:    make(map[string]*domain.Linkage, len(st.linkages)),
		traces:      make(map[int64][]domain.TraceEvent, len(st.traces)),
	}
	for k, v := range st.extractions {
		out.extractions[k] = v
	}
	for k, v := range st.dedupIndex {
		out.dedupIndex[k] = v
	}
	for k, v := range st.ledger {
		out.ledger[k] = v
	}
	for k, v := range st.proposals {
		out.proposals[k] = v
	}
	for k, v := range st.linkages {
		out.linkages[k] = v
	}
	for k, v := range st.traces {
		out.traces[k] = v[:len(v):len(v)]
	}
	return out
}

type tx struct {
	st *state
}

func (t *tx) UpsertExtraction(ctx context.Context, ext *domain.Extraction) error {
	if ext.ID == "" {
		return fmt.Errorf("UpsertExtraction: extraction ID is required")
	}
	key := ext.Proposal.DedupKey
	if key != "" {
		if owner, ok := t.st.dedupIndex[key]; ok && owner != ext.ID {
			return fmt.Errorf("UpsertExtraction: dedup key %s already held by extraction %s: %w", key, owner, domain.ErrConflict)
		}
	}
	if prev, ok := t.st.extractions[ext.ID]; ok && prev.Proposal.DedupKey != key {
		delete(t.st.dedupIndex, prev.Proposal.DedupKey)
	}
	t.st.extractions[ext.ID] = ext.Clone()
	if key != "" {
		t.st.dedupIndex[key] = ext.ID
	}
	return nil
}

func (t *tx) GetExtraction(ctx context.Context, id string) (*domain.Extraction, error) {
	ext, ok := t.st.extractions[id]
	if !ok {
		return nil, fmt.Errorf("GetExtraction: extraction %s: %w", id, domain.ErrNotFound)
	}
	return ext.Clone(), nil
}

func (t *tx) FindExtractionByDedupKey(ctx context.Context, key string) (*domain.Extraction, error) {
	id, ok := t.st.dedupIndex[key]
	if !ok {
		return nil, fmt.Errorf("FindExtractionByDedupKey: %s: %w", key, domain.ErrNotFound)
	}
	return t.st.extractions[id].Clone(), nil
}

func (t *tx) ListPendingDocuments(ctx context.Context) ([]domain.PendingDocument, error) {
	var docs []domain.PendingDocument
	for id, l := range t.st.linkages {
		if l.LinkType != domain.LinkPending {
			continue
		}
		ext, ok := t.st.extractions[id]
		if !ok {
			continue
		}
		docs = append(docs, ext.PendingView())
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].DocumentID != docs[j].DocumentID {
			return docs[i].DocumentID < docs[j].DocumentID
		}
		return docs[i].ExtractionID < docs[j].ExtractionID
	})
	return docs, nil
}

func (t *tx) UpsertLedgerRecord(ctx context.Context, rec *domain.LedgerCacheRecord) error {
	cp := rec.Clone()
	if cp.MatchStatus == "" {
		cp.MatchStatus = domain.MatchUnmatched
	}
	t.st.ledger[rec.ID] = cp
	return nil
}

func (t *tx) GetLedgerRecord(ctx context.Context, id int64) (*domain.LedgerCacheRecord, error) {
	rec, ok := t.st.ledger[id]
	if !ok {
		return nil, fmt.Errorf("GetLedgerRecord: ledger %d: %w", id, domain.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (t *tx) ListMatchableLedger(ctx context.Context) ([]domain.LedgerCacheRecord, error) {
	var out []domain.LedgerCacheRecord
	for _, rec := range t.st.ledger {
		if rec.Matchable() {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) ListLedgerInRange(ctx context.Context, start, end civil.Date) ([]domain.LedgerCacheRecord, error) {
	var out []domain.LedgerCacheRecord
	for _, rec := range t.st.ledger {
		if rec.DeletedAt != nil || rec.Date.Before(start) || rec.Date.After(end) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) SetLedgerMatchStatus(ctx context.Context, id int64, status domain.MatchStatus) error {
	rec, ok := t.st.ledger[id]
	if !ok {
		return fmt.Errorf("SetLedgerMatchStatus: ledger %d: %w", id, domain.ErrNotFound)
	}
	cp := rec.Clone()
	cp.MatchStatus = status
	t.st.ledger[id] = cp
	return nil
}

func (t *tx) SoftDeleteLedger(ctx context.Context, id int64, at time.Time) error {
	rec, ok := t.st.ledger[id]
	if !ok {
		return fmt.Errorf("SoftDeleteLedger: ledger %d: %w", id, domain.ErrNotFound)
	}
	if rec.DeletedAt != nil {
		return nil
	}
	cp := rec.Clone()
	at = at.UTC()
	cp.DeletedAt = &at
	t.st.ledger[id] = cp
	return nil
}

func (t *tx) SaveProposal(ctx context.Context, p *domain.MatchProposal) error {
	if p.ID == "" {
		return fmt.Errorf("SaveProposal: proposal ID is required")
	}
	if p.Active() {
		for id, other := range t.st.proposals {
			if id == p.ID || !other.Active() {
				continue
			}
			if other.LedgerID == p.LedgerID {
				return fmt.Errorf("SaveProposal: ledger %d already has active proposal %s: %w", p.LedgerID, id, domain.ErrConflict)
			}
			if other.ExtractionID == p.ExtractionID {
				return fmt.Errorf("SaveProposal: extraction %s already has active proposal %s: %w", p.ExtractionID, id, domain.ErrConflict)
			}
		}
	}
	t.st.proposals[p.ID] = p.Clone()
	return nil
}

func (t *tx) GetProposal(ctx context.Context, id string) (*domain.MatchProposal, error) {
	p, ok := t.st.proposals[id]
	if !ok {
		return nil, fmt.Errorf("GetProposal: proposal %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

func (t *tx) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.MatchProposal, error) {
	var out []domain.MatchProposal
	for _, p := range t.st.proposals {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.ExtractionID != "" && p.ExtractionID != filter.ExtractionID {
			continue
		}
		if filter.LedgerID != 0 && p.LedgerID != filter.LedgerID {
			continue
		}
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (t *tx) GetLinkage(ctx context.Context, extractionID string) (*domain.Linkage, error) {
	l, ok := t.st.linkages[extractionID]
	if !ok {
		return nil, fmt.Errorf("GetLinkage: extraction %s: %w", extractionID, domain.ErrNotFound)
	}
	return l.Clone(), nil
}

func (t *tx) InsertLinkage(ctx context.Context, l *domain.Linkage) error {
	if _, ok := t.st.linkages[l.ExtractionID]; ok {
		return fmt.Errorf("InsertLinkage: extraction %s already linked: %w", l.ExtractionID, domain.ErrConflict)
	}
	l.Version = 1
	t.st.linkages[l.ExtractionID] = l.Clone()
	return nil
}

func (t *tx) UpdateLinkage(ctx context.Context, l *domain.Linkage, expectedVersion int64) error {
	cur, ok := t.st.linkages[l.ExtractionID]
	if !ok {
		return fmt.Errorf("UpdateLinkage: extraction %s: %w", l.ExtractionID, domain.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("UpdateLinkage: extraction %s at version %d, expected %d: %w",
			l.ExtractionID, cur.Version, expectedVersion, domain.ErrConflict)
	}
	l.Version = expectedVersion + 1
	t.st.linkages[l.ExtractionID] = l.Clone()
	return nil
}

func (t *tx) ListLinkagesByLedger(ctx context.Context, ledgerID int64) ([]domain.Linkage, error) {
	var out []domain.Linkage
	for _, l := range t.st.linkages {
		if l.LedgerID != nil && *l.LedgerID == ledgerID {
			out = append(out, *l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtractionID < out[j].ExtractionID })
	return out, nil
}

func (t *tx) AppendTrace(ctx context.Context, trace domain.InterpretationTrace) error {
	if len(trace.Events) == 0 {
		return nil
	}
	events := t.st.traces[trace.DocumentID]
	for _, ev := range trace.Events {
		ev.Sources = append([]domain.TraceSource(nil), ev.Sources...)
		events = append(events, ev)
	}
	t.st.traces[trace.DocumentID] = events
	return nil
}

func (t *tx) GetTrace(ctx context.Context, documentID int64) (*domain.InterpretationTrace, error) {
	events, ok := t.st.traces[documentID]
	if !ok {
		return nil, fmt.Errorf("GetTrace: document %d: %w", documentID, domain.ErrNotFound)
	}
	return &domain.InterpretationTrace{
		DocumentID: documentID,
		Events:     append([]domain.TraceEvent(nil), events...),
	}, nil
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)
