// Package bigquery reads the ledger mirror and writes interpretation
// traces to BigQuery.
package bigquery

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/pipeline"
)

// LedgerSource lists ledger transactions for a date range.
type LedgerSource interface {
	ListTransactions(ctx context.Context, start, end civil.Date) ([]domain.LedgerCacheRecord, error)
}

var (
	_ LedgerSource       = (*LedgerMirror)(nil)
	_ pipeline.TraceSink = (*TraceSink)(nil)
)
