package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// MatchStatus tracks a cached ledger transaction through reconciliation.
type MatchStatus string

const (
	MatchUnmatched MatchStatus = "UNMATCHED"
	MatchProposed  MatchStatus = "PROPOSED"
	MatchMatched   MatchStatus = "MATCHED"
)

// LedgerCacheRecord is the local copy of one ledger transaction.
// A non-nil DeletedAt is a tombstone; the record is excluded from matching.
type LedgerCacheRecord struct {
	ID              int64           `json:"id"`
	Type            TransactionType `json:"type"`
	Date            civil.Date      `json:"date"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description"`
	SourceName      string          `json:"source_name,omitempty"`
	DestinationName string          `json:"destination_name,omitempty"`
	Category        string          `json:"category,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	ExternalID      string          `json:"external_id,omitempty"`
	MatchStatus     MatchStatus     `json:"match_status"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	SyncedAt        time.Time       `json:"synced_at"`
}

// Matchable reports whether the record may receive a new proposal.
func (r *LedgerCacheRecord) Matchable() bool {
	return r.DeletedAt == nil && (r.MatchStatus == MatchUnmatched || r.MatchStatus == "")
}

// Clone returns a deep copy.
func (r *LedgerCacheRecord) Clone() *LedgerCacheRecord {
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}
