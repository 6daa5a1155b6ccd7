package domain

import "time"

// LinkType is the reconciliation decision for one extraction.
type LinkType string

const (
	LinkPending    LinkType = "PENDING"
	LinkLinked     LinkType = "LINKED"
	LinkOrphan     LinkType = "ORPHAN"
	LinkAutoLinked LinkType = "AUTO_LINKED"
)

// Importable reports whether an extraction with this decision may be sent
// to the ledger.
func (t LinkType) Importable() bool {
	switch t {
	case LinkLinked, LinkOrphan, LinkAutoLinked:
		return true
	}
	return false
}

// LinkedBy records who made a linkage decision.
type LinkedBy string

const (
	LinkedByAuto LinkedBy = "AUTO"
	LinkedByUser LinkedBy = "USER"
)

// Linkage is the durable decision record; at most one exists per extraction.
type Linkage struct {
	ExtractionID string     `json:"extraction_id"`
	DocumentID   int64      `json:"document_id"`
	LedgerID     *int64     `json:"ledger_id,omitempty"`
	LinkType     LinkType   `json:"link_type"`
	Confidence   *float64   `json:"confidence,omitempty"`
	MatchReasons []string   `json:"match_reasons,omitempty"`
	LinkedAt     *time.Time `json:"linked_at,omitempty"`
	LinkedBy     LinkedBy   `json:"linked_by,omitempty"`
	Version      int64      `json:"version"`
}

// Clone returns a deep copy.
func (l *Linkage) Clone() *Linkage {
	out := *l
	if l.LedgerID != nil {
		id := *l.LedgerID
		out.LedgerID = &id
	}
	if l.Confidence != nil {
		c := *l.Confidence
		out.Confidence = &c
	}
	if l.LinkedAt != nil {
		t := *l.LinkedAt
		out.LinkedAt = &t
	}
	out.MatchReasons = append([]string(nil), l.MatchReasons...)
	return &out
}

// ProposalStatus tracks a candidate match through human or automatic review.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "PENDING"
	ProposalAccepted ProposalStatus = "ACCEPTED"
	ProposalRejected ProposalStatus = "REJECTED"
)

// MatchProposal is a candidate pairing of a document with a ledger transaction.
type MatchProposal struct {
	ID           string         `json:"id"`
	LedgerID     int64          `json:"ledger_id"`
	DocumentID   int64          `json:"document_id"`
	ExtractionID string         `json:"extraction_id"`
	Score        float64        `json:"score"`
	Reasons      []string       `json:"reasons"`
	Status       ProposalStatus `json:"status"`
	AutoEligible bool           `json:"auto_eligible"`
	CreatedAt    time.Time      `json:"created_at"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
}

// Clone returns a deep copy.
func (p *MatchProposal) Clone() *MatchProposal {
	out := *p
	out.Reasons = append([]string(nil), p.Reasons...)
	if p.DecidedAt != nil {
		t := *p.DecidedAt
		out.DecidedAt = &t
	}
	return &out
}

// Active reports whether the proposal still holds its ledger transaction.
func (p *MatchProposal) Active() bool {
	return p.Status == ProposalPending || p.Status == ProposalAccepted
}

// ProposalFilter narrows proposal listings. Zero values match everything.
type ProposalFilter struct {
	Status       ProposalStatus
	ExtractionID string
	LedgerID     int64
	Limit        int
}
