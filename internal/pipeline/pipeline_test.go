package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/finance-reconciler/internal/dedup"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/linkage"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/store"
	"github.com/dvloznov/finance-reconciler/internal/store/inmemory"
)

const contentHash = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

var now = time.Date(2024, 4, 3, 9, 0, 0, 0, time.UTC)

func input() ExtractionInput {
	return ExtractionInput{
		DocumentID:         42,
		ContentHash:        contentHash,
		Strategy:           "einvoice",
		Amount:             "23,80",
		Date:               "2024-04-02",
		Currency:           "eur",
		Description:        "Office supplies",
		DestinationAccount: "Paper & Co",
		InvoiceNumber:      "INV-7",
		Overall:            0.95,
		FieldScores:        map[string]float64{"amount": 0.99, "date": 0.99},
	}
}

type harness struct {
	st    store.Store
	links *linkage.Service
	m     *metrics.Metrics
	proc  *Processor
}

func newHarness(t *testing.T, opts ...ProcessorOption) *harness {
	t.Helper()
	st := inmemory.New()
	m := metrics.New()
	links := linkage.NewService(st, m).WithClock(func() time.Time { return now })

	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("ext-%d", n)
	}
	opts = append([]ProcessorOption{WithClock(func() time.Time { return now }), WithIDGenerator(ids), WithMetrics(m)}, opts...)
	return &harness{st: st, links: links, m: m, proc: NewProcessor(links, DefaultConfig(), opts...)}
}

func (h *harness) extraction(t *testing.T, id string) *domain.Extraction {
	t.Helper()
	var ext *domain.Extraction
	err := h.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		ext, err = tx.GetExtraction(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("GetExtraction(%s): %v", id, err)
	}
	return ext
}

func (h *harness) trace(t *testing.T, documentID int64) *domain.InterpretationTrace {
	t.Helper()
	var tr *domain.InterpretationTrace
	err := h.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		tr, err = tx.GetTrace(context.Background(), documentID)
		return err
	})
	if err != nil {
		t.Fatalf("GetTrace(%d): %v", documentID, err)
	}
	return tr
}

func TestProcess_PersistsExtractionAndPendingLinkage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	state, err := h.proc.Process(ctx, input())
	if err != nil {
		t.Fatalf("Process() unexpected error: %v", err)
	}

	key, err := dedup.Generate(42, contentHash, "23.80", "2024-04-02")
	if err != nil {
		t.Fatalf("dedup.Generate: %v", err)
	}
	ext := h.extraction(t, "ext-1")
	if ext.Proposal.DedupKey != key.String() {
		t.Errorf("DedupKey = %q, want %q", ext.Proposal.DedupKey, key.String())
	}
	if ext.Proposal.Amount.StringFixed(2) != "23.80" {
		t.Errorf("Amount = %s, want 23.80", ext.Proposal.Amount)
	}
	if ext.Proposal.Currency != "EUR" || ext.Proposal.Type != domain.TransactionWithdrawal {
		t.Errorf("unexpected proposal %+v", ext.Proposal)
	}
	if ext.Scores.ReviewState != domain.ReviewAuto {
		t.Errorf("ReviewState = %s, want AUTO", ext.Scores.ReviewState)
	}
	if len(state.Issues) != 0 {
		t.Errorf("unexpected issues %v", state.Issues)
	}

	if state.Linkage == nil || state.Linkage.LinkType != domain.LinkPending || state.Linkage.Version != 1 {
		t.Fatalf("Linkage = %+v, want PENDING version 1", state.Linkage)
	}

	stages := map[domain.Stage]int{}
	for _, ev := range h.trace(t, 42).Events {
		stages[ev.Stage]++
	}
	for _, want := range []domain.Stage{domain.StageExtraction, domain.StageNormalize, domain.StageValidation, domain.StageDecision} {
		if stages[want] == 0 {
			t.Errorf("trace has no %s event", want)
		}
	}

	if got := h.m.Snapshot().ExtractionsByState["AUTO"]; got != 1 {
		t.Errorf("AUTO extractions = %v, want 1", got)
	}
}

func TestProcess_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.proc.Process(ctx, input())
	if err != nil {
		t.Fatalf("first Process(): %v", err)
	}
	second, err := h.proc.Process(ctx, input())
	if err != nil {
		t.Fatalf("second Process(): %v", err)
	}

	if !second.Reused {
		t.Error("second run should reuse the stored extraction")
	}
	if second.Extraction.ID != first.Extraction.ID {
		t.Errorf("extraction id changed from %s to %s", first.Extraction.ID, second.Extraction.ID)
	}
	if second.Linkage.Version != 1 {
		t.Errorf("linkage version = %d, want 1", second.Linkage.Version)
	}

	var pending []domain.PendingDocument
	err = h.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.ListPendingDocuments(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("ListPendingDocuments: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("got %d pending documents, want 1", len(pending))
	}
	if got := h.m.Snapshot().ExtractionsByState["AUTO"]; got != 1 {
		t.Errorf("AUTO extractions = %v, want 1", got)
	}
}

func TestProcess_ExplicitIDConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.proc.Process(ctx, input()); err != nil {
		t.Fatalf("Process(): %v", err)
	}
	in := input()
	in.ExtractionID = "other"
	_, err := h.proc.Process(ctx, in)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Process() error = %v, want ErrConflict", err)
	}
}

func TestProcess_QualityIssuesDowngradeAuto(t *testing.T) {
	tests := []struct {
		name   string
		amount any
		code   string
	}{
		{name: "large amount", amount: "250000.00", code: "amount_large"},
		{name: "zero amount", amount: 0, code: "amount_missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			in := input()
			in.Amount = tt.amount

			state, err := h.proc.Process(context.Background(), in)
			if err != nil {
				t.Fatalf("Process() unexpected error: %v", err)
			}
			if len(state.Issues) != 1 || state.Issues[0].Code != tt.code {
				t.Fatalf("Issues = %v, want one %s", state.Issues, tt.code)
			}
			if state.Extraction.Scores.ReviewState != domain.ReviewReview {
				t.Errorf("ReviewState = %s, want REVIEW", state.Extraction.Scores.ReviewState)
			}
		})
	}
}

func TestProcess_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ExtractionInput)
	}{
		{name: "negative amount", mutate: func(in *ExtractionInput) { in.Amount = "-5.00" }},
		{name: "missing amount", mutate: func(in *ExtractionInput) { in.Amount = nil }},
		{name: "bad date", mutate: func(in *ExtractionInput) { in.Date = "02.04.2024" }},
		{name: "bad due date", mutate: func(in *ExtractionInput) { in.DueDate = "soon" }},
		{name: "negative document id", mutate: func(in *ExtractionInput) { in.DocumentID = -1 }},
		{name: "short hash", mutate: func(in *ExtractionInput) { in.ContentHash = "abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			in := input()
			tt.mutate(&in)

			_, err := h.proc.Process(context.Background(), in)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Process() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestProcess_DocumentZero(t *testing.T) {
	h := newHarness(t)
	in := input()
	in.DocumentID = 0

	state, err := h.proc.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process() unexpected error: %v", err)
	}
	key, err := dedup.Generate(0, contentHash, "23.80", "2024-04-02")
	if err != nil {
		t.Fatalf("dedup.Generate: %v", err)
	}
	if got := h.extraction(t, "ext-1").Proposal.DedupKey; got != key.String() {
		t.Errorf("DedupKey = %q, want %q", got, key.String())
	}
	if state.Linkage == nil || state.Linkage.DocumentID != 0 || state.Linkage.LinkType != domain.LinkPending {
		t.Errorf("Linkage = %+v, want PENDING for document 0", state.Linkage)
	}
}

func TestProcess_NegativeAmountNamesField(t *testing.T) {
	h := newHarness(t)
	in := input()
	in.Amount = -12.5

	_, err := h.proc.Process(context.Background(), in)
	var ae *domain.AmountError
	if !errors.As(err, &ae) {
		t.Fatalf("Process() error = %v, want *AmountError", err)
	}
	if ae.Field != "amount" || ae.Hint == "" {
		t.Errorf("AmountError = %+v, want amount field with hint", ae)
	}
}

func TestProcess_TraceSink(t *testing.T) {
	var got []domain.InterpretationTrace
	sink := TraceSinkFunc(func(ctx context.Context, tr domain.InterpretationTrace) error {
		got = append(got, tr)
		return nil
	})
	h := newHarness(t, WithTraceSink(sink))

	in := input()
	in.Description = "Card 4111 1111 1111 1111 refund"
	if _, err := h.proc.Process(context.Background(), in); err != nil {
		t.Fatalf("Process(): %v", err)
	}
	if len(got) != 1 || got[0].DocumentID != 42 || len(got[0].Events) == 0 {
		t.Fatalf("sink received %+v", got)
	}
	for _, ev := range got[0].Events {
		if strings.Contains(ev.Outcome, "4111") || strings.Contains(ev.Notes, "4111") {
			t.Errorf("event leaks card number: %+v", ev)
		}
	}
}

func TestProcess_TraceSinkFailureIsNotFatal(t *testing.T) {
	sink := TraceSinkFunc(func(ctx context.Context, tr domain.InterpretationTrace) error {
		return errors.New("bigquery unavailable")
	})
	h := newHarness(t, WithTraceSink(sink))

	if _, err := h.proc.Process(context.Background(), input()); err != nil {
		t.Fatalf("Process() unexpected error: %v", err)
	}
}

func TestMethodForStrategy(t *testing.T) {
	tests := map[string]domain.Method{
		"einvoice":      domain.MethodRule,
		"pdf_text":      domain.MethodRule,
		"LLM":           domain.MethodLLM,
		"ocr_heuristic": domain.MethodOCR,
		"fallback":      domain.MethodDefault,
		"something":     domain.MethodDefault,
	}
	for strategy, want := range tests {
		if got := MethodForStrategy(strategy); got != want {
			t.Errorf("MethodForStrategy(%q) = %s, want %s", strategy, got, want)
		}
	}
}

func TestPrepareImport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	imp := NewImporter(h.st, ledger.NewBuilder(ledger.Options{}), h.m)

	state, err := h.proc.Process(ctx, input())
	if err != nil {
		t.Fatalf("Process(): %v", err)
	}
	id := state.Extraction.ID

	if _, err := imp.PrepareImport(ctx, id); !errors.Is(err, domain.ErrNotImportable) {
		t.Fatalf("PrepareImport() on PENDING error = %v, want ErrNotImportable", err)
	}
	if _, err := imp.PrepareImport(ctx, "missing"); !errors.Is(err, domain.ErrNotImportable) {
		t.Fatalf("PrepareImport() without linkage error = %v, want ErrNotImportable", err)
	}

	if _, err := h.links.MarkOrphan(ctx, id, domain.LinkedByUser); err != nil {
		t.Fatalf("MarkOrphan(): %v", err)
	}
	p, err := imp.PrepareImport(ctx, id)
	if err != nil {
		t.Fatalf("PrepareImport() unexpected error: %v", err)
	}
	if len(p.Transactions) != 1 || p.Transactions[0].ExternalID != state.Extraction.Proposal.DedupKey {
		t.Errorf("unexpected payload %+v", p)
	}

	var imports int
	for _, ev := range h.trace(t, 42).Events {
		if ev.Stage == domain.StageImport {
			imports++
		}
	}
	if imports != 1 {
		t.Errorf("got %d IMPORT events, want 1", imports)
	}

	want := map[string]float64{"allowed": 1, "blocked": 2, "invalid": 0}
	if diff := cmp.Diff(want, h.m.Snapshot().ImportGate); diff != "" {
		t.Errorf("import gate metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepareImport_InvalidExtraction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	imp := NewImporter(h.st, ledger.NewBuilder(ledger.Options{}), h.m)

	in := input()
	in.Amount = "0"
	state, err := h.proc.Process(ctx, in)
	if err != nil {
		t.Fatalf("Process(): %v", err)
	}
	if _, err := h.links.MarkOrphan(ctx, state.Extraction.ID, domain.LinkedByUser); err != nil {
		t.Fatalf("MarkOrphan(): %v", err)
	}

	if _, err := imp.PrepareImport(ctx, state.Extraction.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("PrepareImport() error = %v, want ErrValidation", err)
	}
	if got := h.m.Snapshot().ImportGate["invalid"]; got != 1 {
		t.Errorf("invalid gate count = %v, want 1", got)
	}
}

func TestPayloadError(t *testing.T) {
	err := error(&PayloadError{ExtractionID: "ext-1", Problems: []string{"a: bad", "b: worse"}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Error("PayloadError should match ErrValidation")
	}
	if !strings.Contains(err.Error(), "a: bad; b: worse") {
		t.Errorf("Error() = %q, want every problem listed", err.Error())
	}
}
