// Package app wires configuration, storage and services into the process
// shared by the API server, the worker and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/docsource"
	bqinfra "github.com/dvloznov/finance-reconciler/internal/infra/bigquery"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	jobsmem "github.com/dvloznov/finance-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/linkage"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/matching"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/pipeline"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
	"github.com/dvloznov/finance-reconciler/internal/store"
	"github.com/dvloznov/finance-reconciler/internal/store/sqlite"
)

// App holds the wired services of one process.
type App struct {
	Config     config.Config
	Store      store.Store
	Metrics    *metrics.Metrics
	Links      *linkage.Service
	Reconciler *reconcile.Reconciler
	Processor  *pipeline.Processor
	Importer   *pipeline.Importer
	JobStore   *jobsmem.Store
	Queue      *jobsmem.Queue

	// Ledger is nil when no ledger mirror is configured.
	Ledger bqinfra.LedgerSource
	// Documents resolves document URIs to content hashes.
	Documents *docsource.Fingerprinter

	sink    pipeline.TraceSink
	source  docsource.Source
	now     func() time.Time
	newID   func() string
	closers []io.Closer
}

// Option customizes New.
type Option func(*App)

// WithStore uses st instead of opening the configured SQLite database.
func WithStore(st store.Store) Option {
	return func(a *App) { a.Store = st }
}

// WithLedgerSource uses src instead of the BigQuery ledger mirror.
func WithLedgerSource(src bqinfra.LedgerSource) Option {
	return func(a *App) { a.Ledger = src }
}

// WithTraceSink uses sink instead of the BigQuery audit table.
func WithTraceSink(sink pipeline.TraceSink) Option {
	return func(a *App) { a.sink = sink }
}

// WithDocumentSource uses src to read documents instead of local files and
// Cloud Storage.
func WithDocumentSource(src docsource.Source) Option {
	return func(a *App) { a.source = src }
}

// WithClock overrides the time source of every service.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithIDGenerator overrides how extraction and proposal ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(a *App) { a.newID = newID }
}

// New builds every service from cfg. Cloud clients are only created when
// a GCP project is configured and no replacement was passed in.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	log := logger.FromContext(ctx)

	if a.Store == nil {
		st, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("New: opening store: %w", err)
		}
		a.Store = st
		a.closers = append(a.closers, st)
	}

	if cfg.GCPProject != "" {
		if a.Ledger == nil {
			mirror, err := bqinfra.NewLedgerMirror(ctx, cfg.GCPProject, cfg.BQDataset)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("New: %w", err)
			}
			a.Ledger = mirror
			a.closers = append(a.closers, mirror)
		}
		if a.sink == nil {
			sink, err := bqinfra.NewTraceSink(ctx, cfg.GCPProject, cfg.BQDataset)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("New: %w", err)
			}
			a.sink = sink
			a.closers = append(a.closers, sink)
		}
	}

	if a.source == nil {
		mux := docsource.Mux{Local: docsource.FileSource{MaxBytes: cfg.MaxDocumentBytes}}
		if cfg.GCPProject != "" || cfg.GCSBucket != "" {
			gcs, err := docsource.NewGCSSource(ctx)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("New: %w", err)
			}
			gcs.SetMaxBytes(cfg.MaxDocumentBytes)
			mux.GCS = gcs
			a.closers = append(a.closers, gcs)
		}
		a.source = mux
	}
	a.Documents = docsource.NewFingerprinter(a.source, cfg.FingerprintConcurrency)

	a.Metrics = metrics.New()
	a.Links = linkage.NewService(a.Store, a.Metrics).WithClock(a.now)

	engine := matching.NewEngine(cfg.Matching).WithClock(a.now)
	reconOpts := []reconcile.Option{reconcile.WithClock(a.now), reconcile.WithAutoLink(!cfg.DisableAutoLink)}
	procOpts := []pipeline.ProcessorOption{pipeline.WithMetrics(a.Metrics), pipeline.WithClock(a.now)}
	if a.newID != nil {
		reconOpts = append(reconOpts, reconcile.WithIDGenerator(a.newID))
		procOpts = append(procOpts, pipeline.WithIDGenerator(a.newID))
	}
	if a.sink != nil {
		procOpts = append(procOpts, pipeline.WithTraceSink(a.sink))
	}
	a.Reconciler = reconcile.New(a.Store, a.Links, engine, a.Metrics, reconOpts...)
	a.Processor = pipeline.NewProcessor(a.Links, cfg.Pipeline(), procOpts...)
	a.Importer = pipeline.NewImporter(a.Store, ledger.NewBuilder(cfg.Ledger), a.Metrics)

	a.JobStore = jobsmem.NewStore()
	a.Queue = jobsmem.NewQueue(cfg.QueueSize, a.JobStore,
		jobsmem.WithWorkers(cfg.Workers),
		jobsmem.WithMaxRetries(cfg.MaxRetries),
		jobsmem.WithMetrics(a.Metrics),
	)

	log.Info().
		Str("db_path", cfg.DBPath).
		Bool("ledger_mirror", a.Ledger != nil).
		Bool("trace_sink", a.sink != nil).
		Bool("auto_link", !cfg.DisableAutoLink).
		Msg("Services initialized")
	return a, nil
}

// Close stops the queue and releases every client opened by New.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// SyncWindow returns the default ledger sync range ending today.
func (a *App) SyncWindow() (civil.Date, civil.Date) {
	end := civil.DateOf(a.now())
	return end.AddDays(-a.Config.SyncLookbackDays), end
}

// SyncLedger refreshes the ledger cache for [start, end] from the
// configured ledger source. Cached transactions in that range the source
// no longer returns are invalidated.
func (a *App) SyncLedger(ctx context.Context, start, end civil.Date) (reconcile.SyncResult, error) {
	if a.Ledger == nil {
		return reconcile.SyncResult{}, jobs.Permanent(fmt.Errorf("SyncLedger: no ledger source configured"))
	}
	records, err := a.Ledger.ListTransactions(ctx, start, end)
	if err != nil {
		return reconcile.SyncResult{}, fmt.Errorf("SyncLedger: %w", err)
	}
	res, err := a.Reconciler.SyncLedger(ctx, start, end, records)
	if err != nil {
		return reconcile.SyncResult{}, fmt.Errorf("SyncLedger: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("start", start.String()).
		Str("end", end.String()).
		Int("records", res.Synced).
		Int("invalidated", len(res.Invalidated)).
		Msg("Ledger window synced")
	return res, nil
}
