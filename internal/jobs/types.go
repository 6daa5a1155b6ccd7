package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeProcessExtraction runs one extraction through the processing pipeline.
	JobTypeProcessExtraction JobType = "process_extraction"
	// JobTypeReconcilePass runs one reconciliation pass over the ledger cache.
	JobTypeReconcilePass JobType = "reconcile_pass"
	// JobTypeInvalidateLedger applies an upstream ledger deletion.
	JobTypeInvalidateLedger JobType = "invalidate_ledger"
	// JobTypeSyncLedger refreshes the ledger cache from the mirror.
	JobTypeSyncLedger JobType = "sync_ledger"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeProcessExtraction, JobTypeReconcilePass, JobTypeInvalidateLedger, JobTypeSyncLedger:
		return true
	}
	return false
}

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// Job is a unit of asynchronous work. The payload is decoded by the
// handler registered for its type.
type Job struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	Type JobType `json:"type"`

	// Payload holds the type-specific arguments as JSON.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the job started processing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job completed (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// NewJob builds a pending job of the given type with payload encoded as JSON.
// A nil payload leaves Payload empty.
func NewJob(t JobType, payload any) (*Job, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("NewJob: unknown job type %q", t)
	}
	job := &Job{Type: t, Status: JobStatusPending}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("NewJob: encoding %s payload: %w", t, err)
		}
		job.Payload = raw
	}
	return job, nil
}

// Decode unmarshals the job payload into v. An empty payload leaves v untouched.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("Decode: %s payload of job %s: %w", j.Type, j.JobID, err))
	}
	return nil
}

// ReconcilePayload parameterizes a reconciliation pass.
type ReconcilePayload struct {
	// Trigger names who asked for the pass (cron, api, cli).
	Trigger string `json:"trigger,omitempty"`
	// SyncFirst refreshes the ledger cache over the default window
	// before matching.
	SyncFirst bool `json:"sync_first,omitempty"`
}

// InvalidateLedgerPayload names the ledger transaction deleted upstream.
type InvalidateLedgerPayload struct {
	LedgerID int64 `json:"ledger_id"`
}

// SyncLedgerPayload bounds the mirror query of a ledger sync. Publishers
// always set both dates; a zero date does not survive JSON decoding.
type SyncLedgerPayload struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Publisher defines the interface for publishing jobs to a queue.
// This abstraction allows for different queue implementations (in-memory, Cloud Tasks, Pub/Sub).
type Publisher interface {
	// Publish enqueues a job for asynchronous processing.
	Publish(ctx context.Context, job *Job) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried.
type JobHandler func(ctx context.Context, job *Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs retrieves jobs with optional filtering, oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Type JobType

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
