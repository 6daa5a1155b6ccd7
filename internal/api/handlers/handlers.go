package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-reconciler/internal/api/middleware"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
)

// LinkageService is the linkage surface used by the HTTP layer.
type LinkageService interface {
	Get(ctx context.Context, extractionID string) (*domain.Linkage, error)
	MarkOrphan(ctx context.Context, extractionID string, by domain.LinkedBy) (*domain.Linkage, error)
	Reopen(ctx context.Context, extractionID, reason string) (*domain.Linkage, error)
}

// ImportPreparer builds the ledger payload once the import gate allows it.
type ImportPreparer interface {
	PrepareImport(ctx context.Context, extractionID string) (*ledger.Payload, error)
}

// ReconcileService is the proposal review and trace surface.
type ReconcileService interface {
	ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.MatchProposal, error)
	AcceptProposal(ctx context.Context, proposalID string) (*domain.Linkage, error)
	RejectProposal(ctx context.Context, proposalID string) (*domain.MatchProposal, error)
	Trace(ctx context.Context, documentID int64) (*domain.InterpretationTrace, error)
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotImportable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs err and writes a response with the mapped status.
// Internal errors are not echoed to the client.
func writeFailure(w http.ResponseWriter, log zerolog.Logger, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
		middleware.WriteError(w, status, msg)
		return
	}
	log.Warn().Err(err).Int("status", status).Msg(msg)
	middleware.WriteError(w, status, err.Error())
}

// LinkagesHandler handles linkage endpoints.
type LinkagesHandler struct {
	links    LinkageService
	importer ImportPreparer
	log      zerolog.Logger
}

// NewLinkagesHandler creates a new linkages handler.
func NewLinkagesHandler(links LinkageService, importer ImportPreparer, log zerolog.Logger) *LinkagesHandler {
	return &LinkagesHandler{
		links:    links,
		importer: importer,
		log:      log,
	}
}

// GetLinkage handles GET /api/linkages/{extraction_id}
func (h *LinkagesHandler) GetLinkage(w http.ResponseWriter, r *http.Request, extractionID string) {
	l, err := h.links.Get(r.Context(), extractionID)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to get linkage")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"linkage":    l,
		"importable": l.LinkType.Importable(),
	})
}

// MarkOrphan handles POST /api/linkages/{extraction_id}/orphan
func (h *LinkagesHandler) MarkOrphan(w http.ResponseWriter, r *http.Request, extractionID string) {
	l, err := h.links.MarkOrphan(r.Context(), extractionID, domain.LinkedByUser)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to mark orphan")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, l)
}

// Reopen handles POST /api/linkages/{extraction_id}/reopen
func (h *LinkagesHandler) Reopen(w http.ResponseWriter, r *http.Request, extractionID string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "reopened by user"
	}

	l, err := h.links.Reopen(r.Context(), extractionID, req.Reason)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to reopen linkage")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, l)
}

// PrepareImport handles GET /api/linkages/{extraction_id}/import
func (h *LinkagesHandler) PrepareImport(w http.ResponseWriter, r *http.Request, extractionID string) {
	payload, err := h.importer.PrepareImport(r.Context(), extractionID)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to prepare import")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, payload)
}

// ProposalsHandler handles match proposal review endpoints.
type ProposalsHandler struct {
	recon ReconcileService
	log   zerolog.Logger
}

// NewProposalsHandler creates a new proposals handler.
func NewProposalsHandler(recon ReconcileService, log zerolog.Logger) *ProposalsHandler {
	return &ProposalsHandler{
		recon: recon,
		log:   log,
	}
}

// ListProposals handles GET /api/proposals
func (h *ProposalsHandler) ListProposals(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.ProposalFilter{
		Status:       domain.ProposalStatus(query.Get("status")),
		ExtractionID: query.Get("extraction_id"),
	}
	if s := query.Get("ledger_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid ledger_id")
			return
		}
		filter.LedgerID = id
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	proposals, err := h.recon.ListProposals(r.Context(), filter)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to list proposals")
		return
	}
	if proposals == nil {
		proposals = []domain.MatchProposal{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

// AcceptProposal handles POST /api/proposals/{id}/accept
func (h *ProposalsHandler) AcceptProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	l, err := h.recon.AcceptProposal(r.Context(), proposalID)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to accept proposal")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, l)
}

// RejectProposal handles POST /api/proposals/{id}/reject
func (h *ProposalsHandler) RejectProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	p, err := h.recon.RejectProposal(r.Context(), proposalID)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to reject proposal")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, p)
}

// GetTrace handles GET /api/traces/{document_id}
func (h *ProposalsHandler) GetTrace(w http.ResponseWriter, r *http.Request, documentID string) {
	id, err := strconv.ParseInt(documentID, 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid document_id")
		return
	}
	tr, err := h.recon.Trace(r.Context(), id)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to get trace")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tr)
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store     jobs.JobStore
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, publisher jobs.Publisher, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store:     store,
		publisher: publisher,
		log:       log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Type:   jobs.JobType(query.Get("type")),
		Status: jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeFailure(w, h.log, err, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// EnqueueReconcile handles POST /api/reconcile
func (h *JobsHandler) EnqueueReconcile(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, jobs.JobTypeReconcilePass, jobs.ReconcilePayload{Trigger: "api"})
}

// EnqueueInvalidation handles POST /api/ledger/{ledger_id}/invalidate
func (h *JobsHandler) EnqueueInvalidation(w http.ResponseWriter, r *http.Request, ledgerID string) {
	id, err := strconv.ParseInt(ledgerID, 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid ledger_id")
		return
	}
	h.enqueue(w, r, jobs.JobTypeInvalidateLedger, jobs.InvalidateLedgerPayload{LedgerID: id})
}

// EnqueueExtraction handles POST /api/extractions. The body is passed to the
// processing pipeline unchanged.
func (h *JobsHandler) EnqueueExtraction(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var head struct {
		DocumentID *int64 `json:"document_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.DocumentID == nil {
		middleware.WriteError(w, http.StatusBadRequest, "document_id is required")
		return
	}
	if *head.DocumentID < 0 {
		middleware.WriteError(w, http.StatusBadRequest, "document_id must be non-negative")
		return
	}
	h.enqueue(w, r, jobs.JobTypeProcessExtraction, raw)
}

func (h *JobsHandler) enqueue(w http.ResponseWriter, r *http.Request, t jobs.JobType, payload any) {
	job, err := jobs.NewJob(t, payload)
	if err != nil {
		h.log.Error().Err(err).Str("job_type", string(t)).Msg("Failed to build job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		h.log.Error().Err(err).Str("job_type", string(t)).Msg("Failed to enqueue job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue job")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Str("job_type", string(t)).Msg("Job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"type":   string(job.Type),
		"status": string(job.Status),
	})
}

// StatsHandler serves the metrics summary.
type StatsHandler struct {
	metrics *metrics.Metrics
}

// NewStatsHandler creates a new stats handler. m may be nil.
func NewStatsHandler(m *metrics.Metrics) *StatsHandler {
	return &StatsHandler{metrics: m}
}

// GetStats handles GET /api/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.metrics.Snapshot())
}
