// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/store"
)

// Factory returns a fresh, empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// Extraction returns a minimal valid extraction for tests.
func Extraction(id string, documentID int64, dedupKey string) *domain.Extraction {
	return &domain.Extraction{
		ID:          id,
		DocumentID:  documentID,
		ContentHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Strategy:    "pdf_text",
		Proposal: domain.TransactionProposal{
			Type:               domain.TransactionWithdrawal,
			Date:               civil.Date{Year: 2024, Month: 3, Day: 1},
			Amount:             decimal.RequireFromString("42.50"),
			Currency:           "EUR",
			Description:        "Office supplies",
			DestinationAccount: "Paper Co",
			DedupKey:           dedupKey,
		},
		Scores: domain.ConfidenceScores{
			Overall:     0.9,
			Fields:      map[string]float64{"amount": 0.95, "date": 0.9},
			ReviewState: domain.ReviewAuto,
		},
		CreatedAt: base,
		UpdatedAt: base,
	}
}

// LedgerRecord returns a minimal unmatched ledger record for tests.
func LedgerRecord(id int64) *domain.LedgerCacheRecord {
	return &domain.LedgerCacheRecord{
		ID:          id,
		Type:        domain.TransactionWithdrawal,
		Date:        civil.Date{Year: 2024, Month: 3, Day: 1},
		Amount:      decimal.RequireFromString("42.50"),
		Currency:    "EUR",
		Description: "PAPER CO",
		Tags:        []string{"office"},
		MatchStatus: domain.MatchUnmatched,
		SyncedAt:    base,
	}
}

func withTx(t *testing.T, s store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := s.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("extraction upsert and lookup", func(t *testing.T) {
		s := newStore(t)
		ext := Extraction("ext-1", 7, "paperless:7:9f86d081884c7d65:42.50:2024-03-01")

		withTx(t, s, func(tx store.Tx) error { return tx.UpsertExtraction(ctx, ext) })

		withTx(t, s, func(tx store.Tx) error {
			got, err := tx.GetExtraction(ctx, "ext-1")
			if err != nil {
				return err
			}
			if got.DocumentID != 7 || !got.Proposal.Amount.Equal(ext.Proposal.Amount) || got.Proposal.Date != ext.Proposal.Date {
				t.Errorf("GetExtraction() = %+v", got)
			}
			byKey, err := tx.FindExtractionByDedupKey(ctx, ext.Proposal.DedupKey)
			if err != nil {
				return err
			}
			if byKey.ID != "ext-1" {
				t.Errorf("FindExtractionByDedupKey() ID = %s, want ext-1", byKey.ID)
			}
			return nil
		})

		err := s.WithTx(ctx, func(tx store.Tx) error {
			_, err := tx.GetExtraction(ctx, "missing")
			return err
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetExtraction(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("dedup key is unique across extractions", func(t *testing.T) {
		s := newStore(t)
		key := "paperless:7:9f86d081884c7d65:42.50:2024-03-01"
		withTx(t, s, func(tx store.Tx) error { return tx.UpsertExtraction(ctx, Extraction("ext-1", 7, key)) })

		err := s.WithTx(ctx, func(tx store.Tx) error {
			return tx.UpsertExtraction(ctx, Extraction("ext-2", 7, key))
		})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("second extraction with same dedup key error = %v, want ErrConflict", err)
		}

		// Re-upserting the owner is allowed.
		withTx(t, s, func(tx store.Tx) error { return tx.UpsertExtraction(ctx, Extraction("ext-1", 7, key)) })
	})

	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		s := newStore(t)
		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.UpsertExtraction(ctx, Extraction("ext-1", 1, "")); err != nil {
				return err
			}
			if err := tx.UpsertLedgerRecord(ctx, LedgerRecord(10)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx() error = %v, want boom", err)
		}
		err = s.WithTx(ctx, func(tx store.Tx) error {
			if _, err := tx.GetExtraction(ctx, "ext-1"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("extraction visible after rollback: %v", err)
			}
			if _, err := tx.GetLedgerRecord(ctx, 10); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("ledger record visible after rollback: %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ledger cache tombstone", func(t *testing.T) {
		s := newStore(t)
		withTx(t, s, func(tx store.Tx) error {
			for _, id := range []int64{3, 1, 2} {
				if err := tx.UpsertLedgerRecord(ctx, LedgerRecord(id)); err != nil {
					return err
				}
			}
			if err := tx.SetLedgerMatchStatus(ctx, 2, domain.MatchProposed); err != nil {
				return err
			}
			return tx.SoftDeleteLedger(ctx, 3, base.Add(time.Hour))
		})

		withTx(t, s, func(tx store.Tx) error {
			recs, err := tx.ListMatchableLedger(ctx)
			if err != nil {
				return err
			}
			if len(recs) != 1 || recs[0].ID != 1 {
				t.Errorf("ListMatchableLedger() = %+v, want only ledger 1", recs)
			}
			if diff := cmp.Diff([]string{"office"}, recs[0].Tags); diff != "" {
				t.Errorf("Tags mismatch (-want +got):\n%s", diff)
			}

			deleted, err := tx.GetLedgerRecord(ctx, 3)
			if err != nil {
				return err
			}
			if deleted.DeletedAt == nil || !deleted.DeletedAt.Equal(base.Add(time.Hour)) {
				t.Errorf("DeletedAt = %v, want %v", deleted.DeletedAt, base.Add(time.Hour))
			}
			return nil
		})

		err := s.WithTx(ctx, func(tx store.Tx) error {
			return tx.SetLedgerMatchStatus(ctx, 99, domain.MatchMatched)
		})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("SetLedgerMatchStatus(99) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ledger cache by date range", func(t *testing.T) {
		s := newStore(t)
		withTx(t, s, func(tx store.Tx) error {
			days := map[int64]int{1: 28, 2: 1, 3: 5, 4: 10, 5: 3}
			for id, day := range days {
				rec := LedgerRecord(id)
				rec.Date = civil.Date{Year: 2024, Month: 3, Day: day}
				if day == 28 {
					rec.Date.Month = 2
				}
				if err := tx.UpsertLedgerRecord(ctx, rec); err != nil {
					return err
				}
			}
			if err := tx.SetLedgerMatchStatus(ctx, 3, domain.MatchMatched); err != nil {
				return err
			}
			return tx.SoftDeleteLedger(ctx, 5, base)
		})

		withTx(t, s, func(tx store.Tx) error {
			recs, err := tx.ListLedgerInRange(ctx, civil.Date{Year: 2024, Month: 3, Day: 1}, civil.Date{Year: 2024, Month: 3, Day: 5})
			if err != nil {
				return err
			}
			var ids []int64
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			if diff := cmp.Diff([]int64{2, 3}, ids); diff != "" {
				t.Errorf("ListLedgerInRange() ids mismatch (-want +got):\n%s", diff)
			}
			return nil
		})
	})

	t.Run("one active proposal per ledger", func(t *testing.T) {
		s := newStore(t)
		p1 := &domain.MatchProposal{
			ID: "p1", LedgerID: 10, DocumentID: 1, ExtractionID: "ext-1",
			Score: 0.8, Reasons: []string{"amount_exact"}, Status: domain.ProposalPending, CreatedAt: base,
		}
		withTx(t, s, func(tx store.Tx) error { return tx.SaveProposal(ctx, p1) })

		p2 := &domain.MatchProposal{
			ID: "p2", LedgerID: 10, DocumentID: 2, ExtractionID: "ext-2",
			Score: 0.7, Status: domain.ProposalPending, CreatedAt: base.Add(time.Minute),
		}
		err := s.WithTx(ctx, func(tx store.Tx) error { return tx.SaveProposal(ctx, p2) })
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("SaveProposal(p2) error = %v, want ErrConflict", err)
		}

		decided := base.Add(2 * time.Minute)
		p1.Status = domain.ProposalRejected
		p1.DecidedAt = &decided
		withTx(t, s, func(tx store.Tx) error {
			if err := tx.SaveProposal(ctx, p1); err != nil {
				return err
			}
			return tx.SaveProposal(ctx, p2)
		})

		withTx(t, s, func(tx store.Tx) error {
			pending, err := tx.ListProposals(ctx, domain.ProposalFilter{Status: domain.ProposalPending})
			if err != nil {
				return err
			}
			if len(pending) != 1 || pending[0].ID != "p2" {
				t.Errorf("pending proposals = %+v, want p2", pending)
			}
			all, err := tx.ListProposals(ctx, domain.ProposalFilter{LedgerID: 10})
			if err != nil {
				return err
			}
			if len(all) != 2 || all[0].ID != "p1" {
				t.Errorf("ledger proposals = %+v, want p1 then p2", all)
			}
			got, err := tx.GetProposal(ctx, "p1")
			if err != nil {
				return err
			}
			if got.DecidedAt == nil || !got.DecidedAt.Equal(decided) {
				t.Errorf("DecidedAt = %v, want %v", got.DecidedAt, decided)
			}
			if diff := cmp.Diff([]string{"amount_exact"}, got.Reasons); diff != "" {
				t.Errorf("Reasons mismatch (-want +got):\n%s", diff)
			}
			return nil
		})
	})

	t.Run("linkage is unique and versioned", func(t *testing.T) {
		s := newStore(t)
		l := &domain.Linkage{ExtractionID: "ext-1", DocumentID: 1, LinkType: domain.LinkPending}
		withTx(t, s, func(tx store.Tx) error { return tx.InsertLinkage(ctx, l) })
		if l.Version != 1 {
			t.Fatalf("Version after insert = %d, want 1", l.Version)
		}

		err := s.WithTx(ctx, func(tx store.Tx) error {
			return tx.InsertLinkage(ctx, &domain.Linkage{ExtractionID: "ext-1", DocumentID: 1, LinkType: domain.LinkPending})
		})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("second InsertLinkage error = %v, want ErrConflict", err)
		}

		ledgerID := int64(10)
		score := 0.93
		linkedAt := base
		l.LinkType = domain.LinkAutoLinked
		l.LedgerID = &ledgerID
		l.Confidence = &score
		l.MatchReasons = []string{"amount_exact", "date_same_day"}
		l.LinkedAt = &linkedAt
		l.LinkedBy = domain.LinkedByAuto
		withTx(t, s, func(tx store.Tx) error { return tx.UpdateLinkage(ctx, l, 1) })
		if l.Version != 2 {
			t.Fatalf("Version after update = %d, want 2", l.Version)
		}

		stale := l.Clone()
		stale.LinkType = domain.LinkOrphan
		err = s.WithTx(ctx, func(tx store.Tx) error { return tx.UpdateLinkage(ctx, stale, 1) })
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("stale UpdateLinkage error = %v, want ErrConflict", err)
		}

		withTx(t, s, func(tx store.Tx) error {
			got, err := tx.GetLinkage(ctx, "ext-1")
			if err != nil {
				return err
			}
			if diff := cmp.Diff(l, got); diff != "" {
				t.Errorf("GetLinkage() mismatch (-want +got):\n%s", diff)
			}
			byLedger, err := tx.ListLinkagesByLedger(ctx, 10)
			if err != nil {
				return err
			}
			if len(byLedger) != 1 {
				t.Errorf("ListLinkagesByLedger() = %d rows, want 1", len(byLedger))
			}
			return nil
		})
	})

	t.Run("pending documents follow linkage state", func(t *testing.T) {
		s := newStore(t)
		withTx(t, s, func(tx store.Tx) error {
			for i, id := range []string{"ext-b", "ext-a", "ext-c"} {
				docID := int64(20 - i)
				if err := tx.UpsertExtraction(ctx, Extraction(id, docID, "")); err != nil {
					return err
				}
				l := &domain.Linkage{ExtractionID: id, DocumentID: docID, LinkType: domain.LinkPending}
				if id == "ext-c" {
					l.LinkType = domain.LinkOrphan
				}
				if err := tx.InsertLinkage(ctx, l); err != nil {
					return err
				}
			}
			return nil
		})

		withTx(t, s, func(tx store.Tx) error {
			docs, err := tx.ListPendingDocuments(ctx)
			if err != nil {
				return err
			}
			var ids []string
			for _, d := range docs {
				ids = append(ids, d.ExtractionID)
			}
			if diff := cmp.Diff([]string{"ext-a", "ext-b"}, ids); diff != "" {
				t.Errorf("pending extraction ids mismatch (-want +got):\n%s", diff)
			}
			if docs[0].Vendor != "Paper Co" {
				t.Errorf("Vendor = %q, want Paper Co", docs[0].Vendor)
			}
			return nil
		})
	})

	t.Run("traces append in order", func(t *testing.T) {
		s := newStore(t)
		conf := 0.8
		first := domain.InterpretationTrace{DocumentID: 5, Events: []domain.TraceEvent{{
			Timestamp: base, Stage: domain.StageExtraction, TargetField: "amount",
			Sources: []domain.TraceSource{{System: "paperless", FieldName: "content"}},
			Method:  domain.MethodLLM, Outcome: "amount=42.50 via LLM", Confidence: &conf,
		}}}
		second := domain.InterpretationTrace{DocumentID: 5, Events: []domain.TraceEvent{{
			Timestamp: base.Add(time.Second), Stage: domain.StageDecision, TargetField: "link_type",
			Method: domain.MethodRule, Outcome: "link_type=PENDING via RULE",
		}}}
		withTx(t, s, func(tx store.Tx) error { return tx.AppendTrace(ctx, first) })
		withTx(t, s, func(tx store.Tx) error { return tx.AppendTrace(ctx, second) })

		withTx(t, s, func(tx store.Tx) error {
			got, err := tx.GetTrace(ctx, 5)
			if err != nil {
				return err
			}
			want := &domain.InterpretationTrace{
				DocumentID: 5,
				Events:     append(append([]domain.TraceEvent{}, first.Events...), second.Events...),
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("GetTrace() mismatch (-want +got):\n%s", diff)
			}
			if _, err := tx.GetTrace(ctx, 6); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("GetTrace(6) error = %v, want ErrNotFound", err)
			}
			return nil
		})
	})
}
