package bigquery

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// TransactionRow is one row of the ledger mirror table.
type TransactionRow struct {
	LedgerID int64  `bigquery:"ledger_id"`        // REQUIRED
	Type     string `bigquery:"transaction_type"` // REQUIRED

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED

	Amount   *big.Rat `bigquery:"amount"`   // REQUIRED NUMERIC
	Currency string   `bigquery:"currency"` // REQUIRED STRING

	Description     string              `bigquery:"description"`      // REQUIRED STRING
	SourceName      bigquery.NullString `bigquery:"source_name"`      // NULLABLE
	DestinationName bigquery.NullString `bigquery:"destination_name"` // NULLABLE
	CategoryName    bigquery.NullString `bigquery:"category_name"`    // NULLABLE
	Notes           bigquery.NullString `bigquery:"notes"`            // NULLABLE

	ExternalID bigquery.NullString `bigquery:"external_id"` // NULLABLE

	Tags []string `bigquery:"tags"` // REPEATED STRING

	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts"` // NULLABLE
}

// ToLedgerRecord maps a mirror row to a ledger cache record. Match status
// and tombstones are local state and are left for the caller to merge.
func ToLedgerRecord(row *TransactionRow, syncedAt time.Time) (domain.LedgerCacheRecord, error) {
	if row == nil {
		return domain.LedgerCacheRecord{}, fmt.Errorf("ToLedgerRecord: nil row")
	}
	if row.Amount == nil {
		return domain.LedgerCacheRecord{}, domain.NewValidationError("ledger_row", "amount",
			fmt.Sprintf("ledger %d has no amount", row.LedgerID))
	}
	// NUMERIC carries at most nine fractional digits.
	amount, err := decimal.NewFromString(row.Amount.FloatString(9))
	if err != nil {
		return domain.LedgerCacheRecord{}, fmt.Errorf("ToLedgerRecord: ledger %d amount: %w", row.LedgerID, err)
	}
	txType := domain.TransactionType(strings.ToLower(row.Type))
	if !txType.Valid() {
		return domain.LedgerCacheRecord{}, domain.NewValidationError("ledger_row", "transaction_type",
			fmt.Sprintf("ledger %d has unknown type %q", row.LedgerID, row.Type))
	}

	return domain.LedgerCacheRecord{
		ID:              row.LedgerID,
		Type:            txType,
		Date:            row.TransactionDate,
		Amount:          amount.Abs(),
		Currency:        strings.ToUpper(row.Currency),
		Description:     row.Description,
		SourceName:      nullString(row.SourceName),
		DestinationName: nullString(row.DestinationName),
		Category:        nullString(row.CategoryName),
		Notes:           nullString(row.Notes),
		Tags:            row.Tags,
		ExternalID:      nullString(row.ExternalID),
		MatchStatus:     domain.MatchUnmatched,
		SyncedAt:        syncedAt.UTC(),
	}, nil
}

func nullString(s bigquery.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.StringVal
}
