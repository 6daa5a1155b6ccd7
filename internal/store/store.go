// Package store defines the durable store contract shared by the
// reconciliation engine and its callers. Every mutation happens inside
// WithTx; nothing written by a failed transaction becomes visible.
package store

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// Store opens transactions against the shared durable state.
type Store interface {
	// WithTx runs fn in a single transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of operations available inside one transaction.
//
// Lookups return domain.ErrNotFound for missing keys. Uniqueness
// violations and lost optimistic updates return domain.ErrConflict.
type Tx interface {
	ExtractionTx
	LedgerTx
	ProposalTx
	LinkageTx
	TraceTx
}

// ExtractionTx stores extractions keyed by ID, unique by dedup key.
type ExtractionTx interface {
	// UpsertExtraction inserts or replaces the extraction with the same ID.
	// A different extraction already holding the same dedup key is a conflict.
	UpsertExtraction(ctx context.Context, ext *domain.Extraction) error
	GetExtraction(ctx context.Context, id string) (*domain.Extraction, error)
	FindExtractionByDedupKey(ctx context.Context, key string) (*domain.Extraction, error)
	// ListPendingDocuments returns the matching view of every extraction
	// whose linkage is PENDING, ordered by document id then extraction id.
	ListPendingDocuments(ctx context.Context) ([]domain.PendingDocument, error)
}

// LedgerTx stores the local ledger cache. Records are never physically
// deleted; SoftDeleteLedger sets the tombstone.
type LedgerTx interface {
	UpsertLedgerRecord(ctx context.Context, rec *domain.LedgerCacheRecord) error
	GetLedgerRecord(ctx context.Context, id int64) (*domain.LedgerCacheRecord, error)
	// ListMatchableLedger returns non-deleted UNMATCHED records ordered by id.
	ListMatchableLedger(ctx context.Context) ([]domain.LedgerCacheRecord, error)
	// ListLedgerInRange returns non-deleted records dated within
	// [start, end] in any match status, ordered by id.
	ListLedgerInRange(ctx context.Context, start, end civil.Date) ([]domain.LedgerCacheRecord, error)
	SetLedgerMatchStatus(ctx context.Context, id int64, status domain.MatchStatus) error
	SoftDeleteLedger(ctx context.Context, id int64, at time.Time) error
}

// ProposalTx stores match proposals. At most one PENDING or ACCEPTED
// proposal may exist per ledger id and per extraction id.
type ProposalTx interface {
	SaveProposal(ctx context.Context, p *domain.MatchProposal) error
	GetProposal(ctx context.Context, id string) (*domain.MatchProposal, error)
	// ListProposals returns proposals ordered by creation time then id.
	ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.MatchProposal, error)
}

// LinkageTx stores the single linkage row per extraction.
type LinkageTx interface {
	GetLinkage(ctx context.Context, extractionID string) (*domain.Linkage, error)
	// InsertLinkage creates the row with version 1. A second row for the
	// same extraction is a conflict.
	InsertLinkage(ctx context.Context, l *domain.Linkage) error
	// UpdateLinkage overwrites the row in place if its stored version equals
	// expectedVersion, and sets l.Version to the new version.
	UpdateLinkage(ctx context.Context, l *domain.Linkage, expectedVersion int64) error
	ListLinkagesByLedger(ctx context.Context, ledgerID int64) ([]domain.Linkage, error)
}

// TraceTx stores interpretation traces as an append-only event log.
type TraceTx interface {
	AppendTrace(ctx context.Context, trace domain.InterpretationTrace) error
	// GetTrace returns every event recorded for the document, oldest first.
	GetTrace(ctx context.Context, documentID int64) (*domain.InterpretationTrace, error)
}
