package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
)

func noBackoff(int) time.Duration { return time.Millisecond }

// waitForStatus polls the store until the job reaches status or the deadline passes.
func waitForStatus(t *testing.T, store *Store, jobID string, status jobs.JobStatus) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == status {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last state %+v", jobID, status, job)
	return nil
}

func TestQueue_ProcessesJob(t *testing.T) {
	store := NewStore()
	m := metrics.New()
	q := NewQueue(4, store, WithWorkers(2), WithMetrics(m))
	ctx := context.Background()

	var seen atomic.Int64
	if err := q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
		var p jobs.InvalidateLedgerPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		seen.Store(p.LedgerID)
		return nil
	}); err != nil {
		t.Fatalf("Start() unexpected error: %v", err)
	}
	defer q.Close()

	job, _ := jobs.NewJob(jobs.JobTypeInvalidateLedger, jobs.InvalidateLedgerPayload{LedgerID: 9})
	if err := q.Publish(ctx, job); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}
	if job.JobID == "" || job.MaxRetries != defaultMaxRetries {
		t.Errorf("Publish() did not fill defaults: %+v", job)
	}

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	if seen.Load() != 9 {
		t.Errorf("handler saw ledger %d, want 9", seen.Load())
	}
	if done.StartedAt == nil || done.CompletedAt == nil || done.Error != "" {
		t.Errorf("unexpected completed job %+v", done)
	}
	if job.Status != jobs.JobStatusPending {
		t.Errorf("caller's copy changed status to %s", job.Status)
	}
}

func TestQueue_RetriesThenCompletes(t *testing.T) {
	store := NewStore()
	q := NewQueue(4, store, WithWorkers(1), WithBackoff(noBackoff))
	ctx := context.Background()

	var attempts atomic.Int32
	_ = q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("ledger unavailable")
		}
		return nil
	})
	defer q.Close()

	job, _ := jobs.NewJob(jobs.JobTypeReconcilePass, jobs.ReconcilePayload{Trigger: "test"})
	if err := q.Publish(ctx, job); err != nil {
		t.Fatalf("Publish() unexpected error: %v", err)
	}

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	if done.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", done.RetryCount)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestQueue_GivesUp(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int32
	}{
		{name: "retry budget exhausted", err: errors.New("still down"), wantAttempts: 2},
		{name: "permanent error", err: jobs.Permanent(errors.New("bad payload")), wantAttempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			q := NewQueue(4, store, WithWorkers(1), WithBackoff(noBackoff), WithMaxRetries(1))
			ctx := context.Background()

			var attempts atomic.Int32
			_ = q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
				attempts.Add(1)
				return tt.err
			})
			defer q.Close()

			job, _ := jobs.NewJob(jobs.JobTypeReconcilePass, nil)
			_ = q.Publish(ctx, job)

			failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
			if failed.Error != tt.err.Error() {
				t.Errorf("Error = %q, want %q", failed.Error, tt.err.Error())
			}
			if attempts.Load() != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts.Load(), tt.wantAttempts)
			}
		})
	}
}

func TestQueue_HandlerPanicFailsJob(t *testing.T) {
	store := NewStore()
	q := NewQueue(1, store, WithWorkers(1), WithBackoff(noBackoff))
	ctx := context.Background()

	_ = q.Start(ctx, func(ctx context.Context, job *jobs.Job) error {
		panic("nil ledger")
	})
	defer q.Close()

	job, _ := jobs.NewJob(jobs.JobTypeReconcilePass, nil)
	_ = q.Publish(ctx, job)

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	if failed.RetryCount != 0 {
		t.Errorf("panicking job was retried %d times", failed.RetryCount)
	}
}

func TestQueue_Closed(t *testing.T) {
	q := NewQueue(1, nil)
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() unexpected error: %v", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}

	job, _ := jobs.NewJob(jobs.JobTypeReconcilePass, nil)
	if err := q.Publish(context.Background(), job); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Publish() after Stop = %v, want ErrQueueClosed", err)
	}
	if err := q.Start(context.Background(), nil); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Start() after Stop = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_RejectsUnknownType(t *testing.T) {
	q := NewQueue(1, nil)
	defer q.Close()
	if err := q.Publish(context.Background(), &jobs.Job{Type: "parse_document"}); err == nil {
		t.Error("Publish() of unknown type should fail")
	}
}
