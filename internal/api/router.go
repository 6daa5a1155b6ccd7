// Package api assembles the HTTP surface used by review tools and the
// importer: linkage decisions, proposal review, traces, jobs and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-reconciler/internal/api/handlers"
	"github.com/dvloznov/finance-reconciler/internal/api/middleware"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
)

// Deps are the services the router dispatches to.
type Deps struct {
	Links     handlers.LinkageService
	Importer  handlers.ImportPreparer
	Reconcile handlers.ReconcileService
	JobStore  jobs.JobStore
	Publisher jobs.Publisher
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

// NewRouter registers every endpoint and wraps the mux in the standard
// middleware chain.
func NewRouter(d Deps) http.Handler {
	linkages := handlers.NewLinkagesHandler(d.Links, d.Importer, d.Log)
	proposals := handlers.NewProposalsHandler(d.Reconcile, d.Log)
	jobsHandler := handlers.NewJobsHandler(d.JobStore, d.Publisher, d.Log)
	stats := handlers.NewStatsHandler(d.Metrics)

	mux := http.NewServeMux()

	// Linkage endpoints
	mux.HandleFunc("GET /api/linkages/{extraction_id}", func(w http.ResponseWriter, r *http.Request) {
		linkages.GetLinkage(w, r, r.PathValue("extraction_id"))
	})
	mux.HandleFunc("POST /api/linkages/{extraction_id}/orphan", func(w http.ResponseWriter, r *http.Request) {
		linkages.MarkOrphan(w, r, r.PathValue("extraction_id"))
	})
	mux.HandleFunc("POST /api/linkages/{extraction_id}/reopen", func(w http.ResponseWriter, r *http.Request) {
		linkages.Reopen(w, r, r.PathValue("extraction_id"))
	})
	mux.HandleFunc("GET /api/linkages/{extraction_id}/import", func(w http.ResponseWriter, r *http.Request) {
		linkages.PrepareImport(w, r, r.PathValue("extraction_id"))
	})

	// Proposal review endpoints
	mux.HandleFunc("GET /api/proposals", proposals.ListProposals)
	mux.HandleFunc("POST /api/proposals/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		proposals.AcceptProposal(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /api/proposals/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		proposals.RejectProposal(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("GET /api/traces/{document_id}", func(w http.ResponseWriter, r *http.Request) {
		proposals.GetTrace(w, r, r.PathValue("document_id"))
	})

	// Asynchronous work
	mux.HandleFunc("POST /api/extractions", jobsHandler.EnqueueExtraction)
	mux.HandleFunc("POST /api/reconcile", jobsHandler.EnqueueReconcile)
	mux.HandleFunc("POST /api/ledger/{ledger_id}/invalidate", func(w http.ResponseWriter, r *http.Request) {
		jobsHandler.EnqueueInvalidation(w, r, r.PathValue("ledger_id"))
	})
	mux.HandleFunc("GET /api/jobs", jobsHandler.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		jobsHandler.GetJob(w, r, r.PathValue("id"))
	})

	// Observability
	mux.HandleFunc("GET /api/stats", stats.GetStats)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Chain(mux,
		middleware.Recovery(d.Log),
		middleware.RequestID,
		middleware.Logger(d.Log),
		middleware.CORS,
		middleware.Metrics(d.Metrics),
	)
}
