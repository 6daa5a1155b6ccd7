// Package metrics exposes Prometheus metrics for the reconciliation engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the reconciler.
type Metrics struct {
	// Registry owns these metrics and backs the /metrics endpoint.
	Registry *prometheus.Registry

	extractions  *prometheus.CounterVec
	proposals    *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	importGate   *prometheus.CounterVec
	jobs         *prometheus.CounterVec
	passDuration prometheus.Histogram
	httpRequests *prometheus.HistogramVec
}

// New creates a private registry and registers every metric in it, so
// calling New more than once (e.g. in tests) never collides.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		extractions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_extractions_total",
				Help: "Extractions processed, by review state.",
			},
			[]string{"review_state"},
		),
		proposals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_match_proposals_total",
				Help: "Match proposals by outcome (created, auto_linked, accepted, rejected, skipped).",
			},
			[]string{"outcome"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_linkage_transitions_total",
				Help: "Committed linkage state transitions.",
			},
			[]string{"from", "to"},
		),
		importGate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_import_gate_total",
				Help: "Import gate decisions (allowed, blocked, invalid).",
			},
			[]string{"result"},
		),
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_jobs_total",
				Help: "Background job attempts by type and resulting status.",
			},
			[]string{"type", "status"},
		),
		passDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recon_pass_duration_seconds",
				Help:    "Duration of reconciliation passes.",
				Buckets: prometheus.DefBuckets,
			},
		),
		httpRequests: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recon_http_request_duration_seconds",
				Help:    "HTTP request latency by route pattern and status code.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "code"},
		),
	}
}

// IncExtraction counts one processed extraction.
func (m *Metrics) IncExtraction(reviewState string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(reviewState).Inc()
}

// AddProposals counts n proposals with the given outcome.
func (m *Metrics) AddProposals(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.proposals.WithLabelValues(outcome).Add(float64(n))
}

// IncTransition counts one committed linkage transition.
func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// IncImportGate counts one import gate decision.
func (m *Metrics) IncImportGate(result string) {
	if m == nil {
		return
	}
	m.importGate.WithLabelValues(result).Inc()
}

// IncJob counts one finished job attempt.
func (m *Metrics) IncJob(jobType, status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(jobType, status).Inc()
}

// ObservePass records the duration of one reconciliation pass.
func (m *Metrics) ObservePass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}

// Snapshot is a point-in-time summary for the stats endpoint.
type Snapshot struct {
	ExtractionsByState map[string]float64 `json:"extractions_by_state"`
	ProposalsByOutcome map[string]float64 `json:"proposals_by_outcome"`
	ImportGate         map[string]float64 `json:"import_gate"`
	Passes             uint64             `json:"passes"`
}

// Snapshot gathers the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		ExtractionsByState: map[string]float64{},
		ProposalsByOutcome: map[string]float64{},
		ImportGate:         map[string]float64{},
	}
	if m == nil {
		return snap
	}
	for _, state := range []string{"AUTO", "REVIEW", "MANUAL"} {
		snap.ExtractionsByState[state] = getCounterValue(m.extractions, state)
	}
	for _, outcome := range []string{"created", "auto_linked", "accepted", "rejected", "skipped"} {
		snap.ProposalsByOutcome[outcome] = getCounterValue(m.proposals, outcome)
	}
	for _, result := range []string{"allowed", "blocked", "invalid"} {
		snap.ImportGate[result] = getCounterValue(m.importGate, result)
	}
	var h dto.Metric
	if err := m.passDuration.Write(&h); err == nil && h.Histogram != nil {
		snap.Passes = h.Histogram.GetSampleCount()
	}
	return snap
}

// getCounterValue extracts the current value from a CounterVec for a label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	var m dto.Metric
	if err := counter.Write(&m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
