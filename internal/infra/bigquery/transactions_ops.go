package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/logger"
)

const transactionsTable = "transactions"

// LedgerMirror reads the ledger transactions mirrored into BigQuery.
type LedgerMirror struct {
	client  *bigquery.Client
	project string
	dataset string
	now     func() time.Time
}

// NewLedgerMirror creates a LedgerMirror with its own BigQuery client.
func NewLedgerMirror(ctx context.Context, project, dataset string) (*LedgerMirror, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("NewLedgerMirror: creating client: %w", err)
	}
	return &LedgerMirror{client: client, project: project, dataset: dataset, now: time.Now}, nil
}

// Close closes the BigQuery client connection.
func (m *LedgerMirror) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// ListTransactions returns the mirrored ledger transactions dated within
// [start, end], oldest first.
func (m *LedgerMirror) ListTransactions(ctx context.Context, start, end civil.Date) ([]domain.LedgerCacheRecord, error) {
	if end.Before(start) {
		return nil, domain.NewValidationError("ledger_query", "end", "must not be before start")
	}
	rows, err := QueryTransactionsByDateRangeWithClient(ctx, m.client, m.project, m.dataset, start, end)
	if err != nil {
		return nil, err
	}

	synced := m.now()
	out := make([]domain.LedgerCacheRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := ToLedgerRecord(row, synced)
		if err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Int64("ledger_id", row.LedgerID).Msg("Skipping unreadable ledger row")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// QueryTransactionsByDateRangeWithClient queries the mirror table using the
// provided BigQuery client.
func QueryTransactionsByDateRangeWithClient(ctx context.Context, client *bigquery.Client, project, dataset string, start, end civil.Date) ([]*TransactionRow, error) {
	q := client.Query(`
		SELECT
			t.ledger_id,
			t.transaction_type,
			t.transaction_date,
			t.amount,
			t.currency,
			t.description,
			t.source_name,
			t.destination_name,
			t.category_name,
			t.notes,
			t.external_id,
			t.tags,
			t.updated_ts
		FROM ` + "`" + project + "." + dataset + "." + transactionsTable + "`" + ` t
		WHERE t.transaction_date >= @start_date
		  AND t.transaction_date <= @end_date
		ORDER BY t.transaction_date, t.ledger_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: start},
		{Name: "end_date", Value: end},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: query read: %w", err)
	}

	var rows []*TransactionRow
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryTransactionsByDateRange: iter next: %w", err)
		}
		rows = append(rows, &r)
	}

	return rows, nil
}
