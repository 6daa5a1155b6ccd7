package linkage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/store"
	"github.com/dvloznov/finance-reconciler/internal/store/inmemory"
	"github.com/dvloznov/finance-reconciler/internal/store/sqlite"
	"github.com/dvloznov/finance-reconciler/internal/store/storetest"
)

var now = time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	all := []domain.LinkType{domain.LinkPending, domain.LinkLinked, domain.LinkOrphan, domain.LinkAutoLinked}
	allowed := map[[2]domain.LinkType]bool{
		{domain.LinkPending, domain.LinkPending}:    true,
		{domain.LinkPending, domain.LinkLinked}:     true,
		{domain.LinkPending, domain.LinkOrphan}:     true,
		{domain.LinkPending, domain.LinkAutoLinked}: true,
		{domain.LinkLinked, domain.LinkPending}:     true,
		{domain.LinkOrphan, domain.LinkPending}:     true,
		{domain.LinkAutoLinked, domain.LinkPending}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]domain.LinkType{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

type fixture struct {
	st  store.Store
	svc *Service
	m   *metrics.Metrics
}

// seed stores extractions ext-1 and ext-2 with PENDING linkages, ledger
// records 10 and 11, and pending proposals p1 (ext-1 -> 10) and
// p2 (ext-2 -> 11).
func seed(t *testing.T, st store.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	m := metrics.New()
	svc := NewService(st, m).WithClock(func() time.Time { return now })

	err := svc.Run(ctx, func(ops Ops) error {
		tx := ops.Tx()
		for i, id := range []string{"ext-1", "ext-2"} {
			if err := tx.UpsertExtraction(ctx, storetest.Extraction(id, int64(i+1), "")); err != nil {
				return err
			}
			if _, err := ops.EnsurePending(ctx, id, int64(i+1)); err != nil {
				return err
			}
		}
		for _, lid := range []int64{10, 11} {
			rec := storetest.LedgerRecord(lid)
			rec.MatchStatus = domain.MatchProposed
			if err := tx.UpsertLedgerRecord(ctx, rec); err != nil {
				return err
			}
		}
		proposals := []*domain.MatchProposal{
			{ID: "p1", LedgerID: 10, DocumentID: 1, ExtractionID: "ext-1", Score: 0.8,
				Reasons: []string{"amount_exact", "date_within_3_days"}, Status: domain.ProposalPending, CreatedAt: now},
			{ID: "p2", LedgerID: 11, DocumentID: 2, ExtractionID: "ext-2", Score: 0.7,
				Reasons: []string{"amount_close"}, Status: domain.ProposalPending, CreatedAt: now},
		}
		for _, p := range proposals {
			if err := tx.SaveProposal(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return &fixture{st: st, svc: svc, m: m}
}

func (f *fixture) ledger(t *testing.T, id int64) *domain.LedgerCacheRecord {
	t.Helper()
	var rec *domain.LedgerCacheRecord
	err := f.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		rec, err = tx.GetLedgerRecord(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (f *fixture) proposal(t *testing.T, id string) *domain.MatchProposal {
	t.Helper()
	var p *domain.MatchProposal
	err := f.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		p, err = tx.GetProposal(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestEnsurePending_Idempotent(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()

	l, err := f.svc.EnsurePending(ctx, "ext-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if l.LinkType != domain.LinkPending || l.Version != 1 {
		t.Errorf("EnsurePending() = %+v, want PENDING at version 1", l)
	}
}

func TestLink_AcceptsProposal(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()

	l, err := f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-1", LedgerID: 10, ProposalID: "p1"})
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if l.LinkType != domain.LinkLinked || l.LinkedBy != domain.LinkedByUser {
		t.Errorf("Link() = %+v, want LINKED by USER", l)
	}
	if l.Confidence == nil || *l.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want proposal score 0.8", l.Confidence)
	}
	if len(l.MatchReasons) != 2 {
		t.Errorf("MatchReasons = %v, want proposal reasons", l.MatchReasons)
	}
	if l.Version != 2 {
		t.Errorf("Version = %d, want 2", l.Version)
	}
	if got := f.ledger(t, 10).MatchStatus; got != domain.MatchMatched {
		t.Errorf("ledger 10 status = %s, want MATCHED", got)
	}
	p := f.proposal(t, "p1")
	if p.Status != domain.ProposalAccepted || p.DecidedAt == nil {
		t.Errorf("p1 = %+v, want ACCEPTED with decision time", p)
	}
}

func TestLink_ManualRejectsCompetingProposals(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()

	// ext-1 is manually linked to ledger 11, which p2 proposed for ext-2.
	if _, err := f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-1", LedgerID: 11}); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	if got := f.proposal(t, "p1").Status; got != domain.ProposalRejected {
		t.Errorf("p1 status = %s, want REJECTED", got)
	}
	if got := f.proposal(t, "p2").Status; got != domain.ProposalRejected {
		t.Errorf("p2 status = %s, want REJECTED", got)
	}
	if got := f.ledger(t, 10).MatchStatus; got != domain.MatchUnmatched {
		t.Errorf("ledger 10 status = %s, want UNMATCHED", got)
	}
	if got := f.ledger(t, 11).MatchStatus; got != domain.MatchMatched {
		t.Errorf("ledger 11 status = %s, want MATCHED", got)
	}
}

func TestTerminalDecisions(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()

	first, err := f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-1", LedgerID: 10})
	if err != nil {
		t.Fatal(err)
	}

	again, err := f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-1", LedgerID: 10})
	if err != nil {
		t.Fatalf("re-applying the same decision error = %v", err)
	}
	if again.Version != first.Version {
		t.Errorf("same decision bumped version %d -> %d", first.Version, again.Version)
	}

	if _, err := f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-1", LedgerID: 11}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("relink to another ledger error = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.MarkOrphan(ctx, "ext-1", domain.LinkedByUser); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("orphan after link error = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-2", LedgerID: 10}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second extraction on the same ledger error = %v, want ErrConflict", err)
	}
}

func TestReopen_UpdatesInPlace(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()

	if _, err := f.svc.AutoLink(ctx, f.proposal(t, "p1")); err != nil {
		t.Fatalf("AutoLink() error = %v", err)
	}
	l, err := f.svc.Reopen(ctx, "ext-1", "ledger transaction deleted upstream")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if l.LinkType != domain.LinkPending || l.LedgerID != nil || l.Version != 3 {
		t.Errorf("Reopen() = %+v, want PENDING at version 3 without ledger", l)
	}
	if got := f.ledger(t, 10).MatchStatus; got != domain.MatchUnmatched {
		t.Errorf("ledger 10 status = %s, want UNMATCHED", got)
	}
	if got := f.proposal(t, "p1").Status; got != domain.ProposalRejected {
		t.Errorf("p1 status = %s, want REJECTED", got)
	}

	orphan, err := f.svc.MarkOrphan(ctx, "ext-1", domain.LinkedByUser)
	if err != nil {
		t.Fatalf("MarkOrphan() error = %v", err)
	}
	if orphan.Version != 4 {
		t.Errorf("Version = %d, want 4 (same row updated)", orphan.Version)
	}

	err = f.st.WithTx(ctx, func(tx store.Tx) error {
		pending, err := tx.ListPendingDocuments(ctx)
		if err != nil {
			return err
		}
		for _, d := range pending {
			if d.ExtractionID == "ext-1" {
				t.Error("orphaned extraction still listed as pending")
			}
		}
		tr, err := tx.GetTrace(ctx, 1)
		if err != nil {
			return err
		}
		var decisions []domain.TraceEvent
		for _, ev := range tr.Events {
			if ev.Stage == domain.StageDecision {
				decisions = append(decisions, ev)
			}
		}
		// created, auto linked, reopened, orphaned
		if len(decisions) != 4 {
			t.Fatalf("decision events = %d, want 4", len(decisions))
		}
		if got := decisions[1].Method; got != domain.MethodComputed {
			t.Errorf("auto link method = %s, want %s", got, domain.MethodComputed)
		}
		if got := decisions[3].Method; got != domain.MethodUserOverride {
			t.Errorf("orphan by user method = %s, want %s", got, domain.MethodUserOverride)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLink_DeletedLedger(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()
	err := f.st.WithTx(ctx, func(tx store.Tx) error { return tx.SoftDeleteLedger(ctx, 10, now) })
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-1", LedgerID: 10})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Link() to deleted ledger error = %v, want ErrValidation", err)
	}
}

func TestLink_RejectedProposal(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()
	_, err := f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-1", LedgerID: 11, ProposalID: "p1"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Link() with mismatched proposal error = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectProposal(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()

	p, err := f.svc.RejectProposal(ctx, "p1")
	if err != nil {
		t.Fatalf("RejectProposal() unexpected error: %v", err)
	}
	if p.Status != domain.ProposalRejected || p.DecidedAt == nil {
		t.Errorf("RejectProposal() = %+v, want REJECTED with decision time", p)
	}
	if got := f.ledger(t, 10).MatchStatus; got != domain.MatchUnmatched {
		t.Errorf("ledger 10 status = %s, want UNMATCHED", got)
	}
	if _, err := f.svc.RejectProposal(ctx, "p1"); err != nil {
		t.Errorf("second RejectProposal() error = %v, want no-op", err)
	}

	if _, err := f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-2", LedgerID: 11, ProposalID: "p2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RejectProposal(ctx, "p2"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("RejectProposal(accepted) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.RejectProposal(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RejectProposal(missing) error = %v, want ErrNotFound", err)
	}
}

func TestImportGate(t *testing.T) {
	f := seed(t, inmemory.New())
	ctx := context.Background()

	ok, err := f.svc.CanImport(ctx, "ext-1")
	if err != nil || ok {
		t.Errorf("CanImport(PENDING) = %v, %v; want false", ok, err)
	}
	if _, err := f.svc.MarkOrphan(ctx, "ext-1", domain.LinkedByUser); err != nil {
		t.Fatal(err)
	}
	ok, err = f.svc.CanImport(ctx, "ext-1")
	if err != nil || !ok {
		t.Errorf("CanImport(ORPHAN) = %v, %v; want true", ok, err)
	}
	if _, err := f.svc.CanImport(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("CanImport(missing) error = %v, want ErrNotFound", err)
	}

	if err := RequireImportable(&domain.Linkage{LinkType: domain.LinkPending}); !errors.Is(err, domain.ErrNotImportable) {
		t.Errorf("RequireImportable(PENDING) = %v, want ErrNotImportable", err)
	}
	if err := RequireImportable(nil); !errors.Is(err, domain.ErrNotImportable) {
		t.Errorf("RequireImportable(nil) = %v, want ErrNotImportable", err)
	}
	if err := RequireImportable(&domain.Linkage{LinkType: domain.LinkAutoLinked}); err != nil {
		t.Errorf("RequireImportable(AUTO_LINKED) = %v, want nil", err)
	}
}

// Competing decisions for one extraction from many goroutines: exactly one
// decision commits and every other caller sees a no-op or a definite error.
func TestConcurrentDecisions_FirstCommitterWins(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "recon.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	f := seed(t, st)
	ctx := context.Background()

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[domain.LinkType]int)
		invalid int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var (
				l   *domain.Linkage
				err error
			)
			if i%2 == 0 {
				l, err = f.svc.Link(ctx, LinkRequest{ExtractionID: "ext-1", LedgerID: 10})
			} else {
				l, err = f.svc.MarkOrphan(ctx, "ext-1", domain.LinkedByUser)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results[l.LinkType]++
			case errors.Is(err, domain.ErrInvalidTransition):
				invalid++
			default:
				t.Errorf("worker %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	final, err := f.svc.Get(ctx, "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Version != 2 {
		t.Errorf("final version = %d, want 2 (one committed decision)", final.Version)
	}
	if len(results) != 1 || results[final.LinkType] != workers/2 || invalid != workers/2 {
		t.Errorf("results = %v, invalid = %d; want %d successes of %s and %d invalid",
			results, invalid, workers/2, final.LinkType, workers/2)
	}
}
