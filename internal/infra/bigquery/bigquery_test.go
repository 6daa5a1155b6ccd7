package bigquery

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

var synced = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

func TestToLedgerRecord(t *testing.T) {
	row := &TransactionRow{
		LedgerID:        7,
		Type:            "Withdrawal",
		TransactionDate: civil.Date{Year: 2024, Month: 4, Day: 30},
		Amount:          big.NewRat(-4250, 100),
		Currency:        "eur",
		Description:     "PAPER CO",
		DestinationName: bigquery.NullString{StringVal: "Paper Co", Valid: true},
		CategoryName:    bigquery.NullString{},
		Tags:            []string{"office"},
		ExternalID:      bigquery.NullString{StringVal: "paperless:1:0123456789abcdef:42.50:2024-04-30", Valid: true},
	}

	got, err := ToLedgerRecord(row, synced)
	if err != nil {
		t.Fatalf("ToLedgerRecord() unexpected error: %v", err)
	}

	want := domain.LedgerCacheRecord{
		ID:              7,
		Type:            domain.TransactionWithdrawal,
		Date:            civil.Date{Year: 2024, Month: 4, Day: 30},
		Amount:          decimal.RequireFromString("42.50"),
		Currency:        "EUR",
		Description:     "PAPER CO",
		DestinationName: "Paper Co",
		Tags:            []string{"office"},
		ExternalID:      "paperless:1:0123456789abcdef:42.50:2024-04-30",
		MatchStatus:     domain.MatchUnmatched,
		SyncedAt:        synced,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToLedgerRecord() mismatch (-want +got):\n%s", diff)
	}
}

func TestToLedgerRecord_Rejects(t *testing.T) {
	tests := []struct {
		name string
		row  *TransactionRow
	}{
		{name: "missing amount", row: &TransactionRow{LedgerID: 1, Type: "deposit"}},
		{name: "unknown type", row: &TransactionRow{LedgerID: 1, Type: "refund", Amount: big.NewRat(1, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ToLedgerRecord(tt.row, synced); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("ToLedgerRecord() error = %v, want ErrValidation", err)
			}
		})
	}
	if _, err := ToLedgerRecord(nil, synced); err == nil {
		t.Error("ToLedgerRecord(nil) should fail")
	}
}

func TestTraceRows(t *testing.T) {
	conf := 0.8
	tr := domain.InterpretationTrace{
		DocumentID: 42,
		Events: []domain.TraceEvent{
			{
				Timestamp:   synced,
				Stage:       domain.StageExtraction,
				TargetField: "amount",
				Method:      domain.MethodLLM,
				Outcome:     "amount=42.50 via LLM",
				Confidence:  &conf,
				Sources:     []domain.TraceSource{{System: "document", FieldName: "document_id", Identifier: "42"}},
			},
			{
				Timestamp:   synced.Add(time.Second),
				Stage:       domain.StageDecision,
				TargetField: "link_type",
				Method:      domain.MethodUserOverride,
				Outcome:     "link_type=ORPHAN via USER_OVERRIDE",
				Notes:       "cash payment",
			},
		},
	}

	written := synced.Add(time.Minute)
	rows := TraceRows(tr, written)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	first := rows[0]
	if first.DocumentID != 42 || first.Sequence != 0 || first.Stage != "EXTRACTION" || first.Method != "LLM" {
		t.Errorf("unexpected first row %+v", first)
	}
	if !first.Confidence.Valid || first.Confidence.Float64 != 0.8 || first.Notes.Valid {
		t.Errorf("first row confidence/notes = %+v / %+v", first.Confidence, first.Notes)
	}
	wantSources := []TraceSourceRow{{
		System:     "document",
		FieldName:  bigquery.NullString{StringVal: "document_id", Valid: true},
		Identifier: bigquery.NullString{StringVal: "42", Valid: true},
	}}
	if diff := cmp.Diff(wantSources, first.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}

	second := rows[1]
	if second.Sequence != 1 || second.Confidence.Valid || second.Notes.StringVal != "cash payment" || len(second.Sources) != 0 {
		t.Errorf("unexpected second row %+v", second)
	}
	if !second.WrittenTS.Equal(written) {
		t.Errorf("WrittenTS = %v, want %v", second.WrittenTS, written)
	}

	if got := TraceRows(domain.InterpretationTrace{DocumentID: 1}, written); len(got) != 0 {
		t.Errorf("empty trace produced %d rows", len(got))
	}
}
