// Package matching pairs unlinked documents with ledger transactions.
package matching

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/money"
)

// Reason tags attached to proposals. The date window tags follow the
// configured day counts; the constants name the defaults.
const (
	ReasonAmountExact        = "amount_exact"
	ReasonAmountClose        = "amount_close"
	ReasonDateSameDay        = "date_same_day"
	ReasonDateWithin3Days    = "date_within_3_days"
	ReasonDateWithin7Days    = "date_within_7_days"
	ReasonDescriptionSimilar = "description_similar"
)

// Engine scores document/ledger pairs. It holds no state between calls.
type Engine struct {
	cfg Config
	now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// WithClock returns a copy of the engine stamping proposals with now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Score rates how well rec matches doc. A pair whose amounts differ beyond
// tolerance scores zero. dateDelta is the absolute distance in days.
func (e *Engine) Score(rec domain.LedgerCacheRecord, doc domain.PendingDocument) (score float64, reasons []string, dateDelta int) {
	dateDelta = rec.Date.DaysSince(doc.Date)
	if dateDelta < 0 {
		dateDelta = -dateDelta
	}

	ledgerAmt := money.Quantize(rec.Amount.Abs())
	docAmt := money.Quantize(doc.Amount.Abs())
	switch diff := ledgerAmt.Sub(docAmt).Abs(); {
	case diff.IsZero():
		score += e.cfg.AmountExactWeight
		reasons = append(reasons, ReasonAmountExact)
	case diff.LessThanOrEqual(e.cfg.tolerance(docAmt)):
		score += e.cfg.AmountCloseWeight
		reasons = append(reasons, ReasonAmountClose)
	default:
		return 0, nil, dateDelta
	}

	switch {
	case dateDelta == 0:
		score += e.cfg.DateSameDayWeight
		reasons = append(reasons, ReasonDateSameDay)
	case dateDelta <= e.cfg.DateNearDays:
		score += e.cfg.DateNearWeight
		reasons = append(reasons, fmt.Sprintf("date_within_%d_days", e.cfg.DateNearDays))
	case dateDelta <= e.cfg.DateFarDays:
		score += e.cfg.DateFarWeight
		reasons = append(reasons, fmt.Sprintf("date_within_%d_days", e.cfg.DateFarDays))
	}

	if sim := textSimilarity(rec, doc); sim >= e.cfg.TextMinSimilarity && sim > 0 {
		score += e.cfg.TextWeight * sim
		reasons = append(reasons, ReasonDescriptionSimilar)
	}

	return math.Round(score*10000) / 10000, reasons, dateDelta
}

func textSimilarity(rec domain.LedgerCacheRecord, doc domain.PendingDocument) float64 {
	best := 0.0
	for _, a := range []string{doc.Vendor, doc.Description} {
		for _, b := range []string{rec.Description, rec.DestinationName, rec.SourceName} {
			if s := Similarity(a, b); s > best {
				best = s
			}
		}
	}
	return best
}

// Pair identifies one ledger/document combination.
type Pair struct {
	LedgerID     int64
	ExtractionID string
}

// MatchOption customizes a single Match call.
type MatchOption func(*matchOptions)

type matchOptions struct {
	excluded map[Pair]bool
}

// Exclude keeps the given pairs from being proposed, typically because a
// user already rejected them.
func Exclude(pairs ...Pair) MatchOption {
	return func(o *matchOptions) {
		if o.excluded == nil {
			o.excluded = make(map[Pair]bool, len(pairs))
		}
		for _, p := range pairs {
			o.excluded[p] = true
		}
	}
}

type candidate struct {
	doc     domain.PendingDocument
	rec     domain.LedgerCacheRecord
	score   float64
	reasons []string
	delta   int
}

// Match proposes at most one ledger transaction per document and at most
// one document per ledger transaction. Only matchable ledger records and
// pairs at or above MinScore are considered. Ties are broken by the
// smallest date distance, then the lowest ledger id, then the lowest
// document id. Proposal ids are left empty for the caller to assign.
func (e *Engine) Match(ledger []domain.LedgerCacheRecord, docs []domain.PendingDocument, opts ...MatchOption) []domain.MatchProposal {
	var mo matchOptions
	for _, opt := range opts {
		opt(&mo)
	}

	var cands []candidate
	for _, doc := range docs {
		for _, rec := range ledger {
			if !rec.Matchable() || !sameCurrency(rec.Currency, doc.Currency) {
				continue
			}
			if mo.excluded[Pair{LedgerID: rec.ID, ExtractionID: doc.ExtractionID}] {
				continue
			}
			score, reasons, delta := e.Score(rec, doc)
			if score <= 0 || score < e.cfg.MinScore {
				continue
			}
			cands = append(cands, candidate{doc: doc, rec: rec, score: score, reasons: reasons, delta: delta})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.delta != b.delta {
			return a.delta < b.delta
		}
		if a.rec.ID != b.rec.ID {
			return a.rec.ID < b.rec.ID
		}
		if a.doc.DocumentID != b.doc.DocumentID {
			return a.doc.DocumentID < b.doc.DocumentID
		}
		return a.doc.ExtractionID < b.doc.ExtractionID
	})

	now := e.now().UTC()
	usedLedger := make(map[int64]bool)
	usedDoc := make(map[string]bool)
	var proposals []domain.MatchProposal
	for _, c := range cands {
		if usedLedger[c.rec.ID] || usedDoc[c.doc.ExtractionID] {
			continue
		}
		usedLedger[c.rec.ID] = true
		usedDoc[c.doc.ExtractionID] = true
		proposals = append(proposals, domain.MatchProposal{
			LedgerID:     c.rec.ID,
			DocumentID:   c.doc.DocumentID,
			ExtractionID: c.doc.ExtractionID,
			Score:        c.score,
			Reasons:      c.reasons,
			Status:       domain.ProposalPending,
			AutoEligible: c.score >= e.cfg.AutoAcceptScore,
			CreatedAt:    now,
		})
	}
	return proposals
}

func sameCurrency(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
