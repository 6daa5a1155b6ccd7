package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/pipeline"
)

// ExtractionJob is the payload of a process_extraction job. When
// DocumentURI is set and ContentHash is not, the document is fetched and
// hashed before processing.
type ExtractionJob struct {
	pipeline.ExtractionInput
	DocumentURI string `json:"document_uri,omitempty"`
}

// HandleJob dispatches one queued job to the service owning its type.
// Validation and not-found failures are permanent and never retried.
func (a *App) HandleJob(ctx context.Context, job *jobs.Job) error {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("job_type", string(job.Type)).
		Logger()
	ctx = logger.WithContext(ctx, log)

	var err error
	switch job.Type {
	case jobs.JobTypeProcessExtraction:
		err = a.processExtraction(ctx, job)
	case jobs.JobTypeReconcilePass:
		err = a.reconcilePass(ctx, job)
	case jobs.JobTypeInvalidateLedger:
		err = a.invalidateLedger(ctx, job)
	case jobs.JobTypeSyncLedger:
		err = a.syncLedger(ctx, job)
	default:
		err = jobs.Permanent(fmt.Errorf("HandleJob: unknown job type %q", job.Type))
	}

	if err != nil && (errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound)) {
		return jobs.Permanent(err)
	}
	return err
}

func (a *App) processExtraction(ctx context.Context, job *jobs.Job) error {
	var p ExtractionJob
	if err := job.Decode(&p); err != nil {
		return err
	}
	if p.DocumentURI != "" && p.ContentHash == "" {
		fp, err := a.Documents.Fingerprint(ctx, p.DocumentURI)
		if err != nil {
			return fmt.Errorf("processExtraction: %w", err)
		}
		p.ContentHash = fp.ContentHash
	}

	if _, err := a.Processor.Process(ctx, p.ExtractionInput); err != nil {
		return fmt.Errorf("processExtraction: %w", err)
	}
	return nil
}

func (a *App) reconcilePass(ctx context.Context, job *jobs.Job) error {
	var p jobs.ReconcilePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if p.SyncFirst && a.Ledger != nil {
		start, end := a.SyncWindow()
		if _, err := a.SyncLedger(ctx, start, end); err != nil {
			return fmt.Errorf("reconcilePass: %w", err)
		}
	}

	res, err := a.Reconciler.RunPass(ctx)
	if err != nil {
		return fmt.Errorf("reconcilePass: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("trigger", p.Trigger).
		Int("created", res.Created).
		Int("auto_linked", res.AutoLinked).
		Dur("duration", res.Duration).
		Msg("Reconciliation pass finished")
	return nil
}

func (a *App) invalidateLedger(ctx context.Context, job *jobs.Job) error {
	var p jobs.InvalidateLedgerPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if p.LedgerID <= 0 {
		return domain.NewValidationError("invalidate_ledger", "ledger_id", "must be positive")
	}
	res, err := a.Reconciler.InvalidateLedger(ctx, p.LedgerID)
	if err != nil {
		return fmt.Errorf("invalidateLedger: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Int64("ledger_id", res.LedgerID).
		Int("reopened", len(res.Reopened)).
		Int("rejected", len(res.Rejected)).
		Bool("already_gone", res.AlreadyGone).
		Msg("Ledger transaction invalidated")
	return nil
}

func (a *App) syncLedger(ctx context.Context, job *jobs.Job) error {
	var p jobs.SyncLedgerPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	start, end := p.Start, p.End
	if !start.IsValid() || !end.IsValid() {
		start, end = a.SyncWindow()
	}
	if end.Before(start) {
		return domain.NewValidationError("sync_ledger", "end", "must not be before start")
	}
	_, err := a.SyncLedger(ctx, start, end)
	return err
}

// Schedule publishes a reconcile_pass job, syncing the ledger first when a
// mirror is configured, on every tick of the configured cron schedule.
// The returned scheduler is already running; stop it on shutdown.
func (a *App) Schedule(ctx context.Context) (*cron.Cron, error) {
	log := logger.FromContext(ctx)
	c := cron.New()
	_, err := c.AddFunc(a.Config.Schedule, func() {
		job, err := jobs.NewJob(jobs.JobTypeReconcilePass, jobs.ReconcilePayload{
			Trigger:   "cron",
			SyncFirst: a.Ledger != nil,
		})
		if err == nil {
			err = a.Queue.Publish(ctx, job)
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to schedule reconciliation pass")
			return
		}
		log.Debug().Str("job_id", job.JobID).Msg("Scheduled reconciliation pass")
	})
	if err != nil {
		return nil, fmt.Errorf("Schedule: invalid schedule %q: %w", a.Config.Schedule, err)
	}
	c.Start()
	log.Info().Str("schedule", a.Config.Schedule).Msg("Reconciliation scheduler started")
	return c, nil
}
