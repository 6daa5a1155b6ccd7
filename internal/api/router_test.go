package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	jobsmem "github.com/dvloznov/finance-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/linkage"
	"github.com/dvloznov/finance-reconciler/internal/matching"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/pipeline"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
	"github.com/dvloznov/finance-reconciler/internal/store/inmemory"
	"github.com/dvloznov/finance-reconciler/internal/store/storetest"
)

type testServer struct {
	handler  http.Handler
	recon    *reconcile.Reconciler
	jobStore *jobsmem.Store
	metrics  *metrics.Metrics
}

// newTestServer wires the real services over an in-memory store holding
// one pending extraction (ext-1) and its ledger counterpart (100).
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := inmemory.New()
	m := metrics.New()
	links := linkage.NewService(st, m).WithClock(clock)
	engine := matching.NewEngine(matching.DefaultConfig()).WithClock(clock)
	recon := reconcile.New(st, links, engine, m,
		reconcile.WithClock(clock),
		reconcile.WithAutoLink(false),
		reconcile.WithIDGenerator(func() string { return "p-1" }),
	)

	err := links.Run(ctx, func(ops linkage.Ops) error {
		ext := storetest.Extraction("ext-1", 1, "paperless:1:9f86d081884c7d65:42.50:2024-03-01")
		if err := ops.Tx().UpsertExtraction(ctx, ext); err != nil {
			return err
		}
		if _, err := ops.EnsurePending(ctx, ext.ID, ext.DocumentID); err != nil {
			return err
		}
		return ops.Tx().UpsertLedgerRecord(ctx, storetest.LedgerRecord(100))
	})
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	jobStore := jobsmem.NewStore()
	queue := jobsmem.NewQueue(10, jobStore)
	t.Cleanup(func() { queue.Close() })

	h := NewRouter(Deps{
		Links:     links,
		Importer:  pipeline.NewImporter(st, ledger.NewBuilder(ledger.Options{}), m),
		Reconcile: recon,
		JobStore:  jobStore,
		Publisher: queue,
		Metrics:   m,
		Log:       zerolog.New(io.Discard),
	})
	return &testServer{handler: h, recon: recon, jobStore: jobStore, metrics: m}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func TestRouter_ReviewFlow(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodGet, "/api/linkages/ext-1/import", ""); rec.Code != http.StatusConflict {
		t.Fatalf("import before decision status = %d, want 409", rec.Code)
	}

	if _, err := s.recon.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass() unexpected error: %v", err)
	}

	rec := s.do(t, http.MethodGet, "/api/proposals?status=PENDING", "")
	var list struct {
		Proposals []domain.MatchProposal `json:"proposals"`
		Count     int                    `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decoding proposals: %v", err)
	}
	if list.Count != 1 || list.Proposals[0].ID != "p-1" || list.Proposals[0].LedgerID != 100 {
		t.Fatalf("unexpected proposals %+v", list)
	}

	if rec := s.do(t, http.MethodPost, "/api/proposals/p-1/accept", ""); rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d: %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/linkages/ext-1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"link_type":"LINKED"`) {
		t.Errorf("linkage after accept = %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/linkages/ext-1/import", "")
	var payload ledger.Payload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("import status = %d, err = %v", rec.Code, err)
	}
	if len(payload.Transactions) != 1 || payload.Transactions[0].Amount != "42.50" {
		t.Errorf("unexpected payload %+v", payload)
	}

	rec = s.do(t, http.MethodGet, "/api/traces/1", "")
	var tr domain.InterpretationTrace
	if err := json.NewDecoder(rec.Body).Decode(&tr); err != nil || len(tr.Events) == 0 {
		t.Errorf("trace = %+v, err = %v", tr, err)
	}

	if got := s.metrics.Snapshot().ProposalsByOutcome["accepted"]; got != 1 {
		t.Errorf("accepted proposals metric = %v, want 1", got)
	}
}

func TestRouter_EnqueueReconcile(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/reconcile", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)

	job, err := s.jobStore.GetJob(context.Background(), body["job_id"])
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if job.Type != jobs.JobTypeReconcilePass || job.Status != jobs.JobStatusPending {
		t.Errorf("unexpected job %+v", job)
	}

	if rec := s.do(t, http.MethodGet, "/api/jobs/"+job.JobID, ""); rec.Code != http.StatusOK {
		t.Errorf("GET job status = %d", rec.Code)
	}
}

func TestRouter_Plumbing(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") == "" {
		t.Errorf("health = %d, request id %q", rec.Code, rec.Header().Get("X-Request-ID"))
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS headers missing")
	}

	if rec := s.do(t, http.MethodOptions, "/api/proposals", ""); rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}

	if rec := s.do(t, http.MethodDelete, "/api/proposals", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want 405", rec.Code)
	}

	s.metrics.IncExtraction("AUTO")
	rec = s.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "recon_extractions_total") {
		t.Errorf("metrics endpoint = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `recon_http_request_duration_seconds_count{code="200",route="GET /health"} 1`) {
		t.Error("health request latency not recorded")
	}

	rec = s.do(t, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"extractions_by_state"`) {
		t.Errorf("stats = %d %s", rec.Code, rec.Body)
	}
}
