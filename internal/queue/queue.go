// Package queue owns the lifecycle of queued units of work: creation,
// deduplication, due-selection, claiming, completion, failure, and
// retry chaining. Persistence is behind the JobStore interface; the
// Postgres implementation lives in internal/store and an in-memory one
// in this package backs tests and local development.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/telemetry"
)

var (
	// ErrClaimed is returned when a claim loses the race for a pending
	// job, or when an operation requires a state the job has left.
	ErrClaimed = errors.New("job already claimed")
	// ErrNotRunning is returned when completing or failing a job that
	// is not currently running (and not already in the terminal state
	// the caller asked for, which is an idempotent no-op).
	ErrNotRunning = errors.New("job is not running")
)

// JobStore is the persistence contract for jobs. ClaimJob must be a
// single atomic conditional write: exactly one concurrent caller wins
// the pending->running transition.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	// FindOrCreateJob inserts the job unless a parentless job with the
	// same (job_type, scheduled_at) already exists, in which case that
	// row is returned unchanged. The reused flag reports which happened.
	FindOrCreateJob(ctx context.Context, job models.Job) (models.Job, bool, error)
	// DueJobs returns pending jobs with scheduled_at <= now, scheduled_at
	// ascending.
	DueJobs(ctx context.Context, now time.Time) ([]models.Job, error)
	// ClaimJob transitions pending->running, assigning the lock token
	// and start time. It returns ErrClaimed when the job is no longer
	// pending and models.ErrJobNotFound when it does not exist.
	ClaimJob(ctx context.Context, id, lockToken string, startedAt time.Time) (models.Job, error)
	// CompleteJob transitions running->completed. Already completed is
	// a no-op; any other state returns ErrNotRunning.
	CompleteJob(ctx context.Context, id string, result json.RawMessage, completedAt time.Time) error
	// FailJob applies the failed row and inserts the successor (when
	// non-nil) in one atomic step, conditional on the job still running.
	FailJob(ctx context.Context, failed models.Job, successor *models.Job) error
	// ExpiredJobs returns running jobs whose started_at is at or before
	// the cutoff.
	ExpiredJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error)
	// CancelJob forces a pending job to a terminal failed state. It
	// returns ErrClaimed when the job has already been claimed or
	// finished, so claim-then-cancel races resolve at the store.
	CancelJob(ctx context.Context, id string, errorMessage string, completedAt time.Time) error
}

// Queue is the job lifecycle state machine over a JobStore.
type Queue struct {
	store      JobStore
	log        *zap.Logger
	maxRetries int
	now        func() time.Time
}

func New(store JobStore, maxRetries int, log *zap.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &Queue{
		store:      store,
		log:        log,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Backoff returns the delay before the next attempt of a job that has
// already failed retryCount times: 1m, 2m, 4m, ...
func Backoff(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount)) * time.Minute
}

// FindOrCreate enqueues a pending job unless one with the same type and
// due time already exists. Overlapping driver ticks therefore collapse
// to a single schedule-check job per tick.
func (q *Queue) FindOrCreate(ctx context.Context, jobType string, scheduledAt time.Time, options json.RawMessage) (models.Job, error) {
	now := q.now()
	job := models.Job{
		ID:          uuid.NewString(),
		JobType:     jobType,
		Status:      models.StatusPending,
		ScheduledAt: scheduledAt.UTC(),
		Options:     options,
		MaxRetries:  q.maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	stored, reused, err := q.store.FindOrCreateJob(ctx, job)
	if err != nil {
		return models.Job{}, fmt.Errorf("find or create job: %w", err)
	}
	if !reused {
		telemetry.JobsEnqueued.Inc()
		q.log.Info("job enqueued",
			zap.String("job_id", stored.ID),
			zap.String("job_type", stored.JobType),
			zap.Time("scheduled_at", stored.ScheduledAt))
	}
	return stored, nil
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Due returns all pending jobs whose due time has passed.
func (q *Queue) Due(ctx context.Context, now time.Time) ([]models.Job, error) {
	return q.store.DueJobs(ctx, now)
}

// MarkRunning claims a pending job for the calling worker, assigning a
// fresh lock token. A lost race surfaces as ErrClaimed, not a panic.
func (q *Queue) MarkRunning(ctx context.Context, id string) (models.Job, error) {
	token := uuid.NewString()
	job, err := q.store.ClaimJob(ctx, id, token, q.now())
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsClaimed.Inc()
	return job, nil
}

// MarkCompleted finishes a running job, storing its result and clearing
// the lock. Completing an already completed job is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	if err := q.store.CompleteJob(ctx, id, result, q.now()); err != nil {
		return err
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

// MarkFailed finishes a running job as failed and, while the job still
// has retries left, spawns exactly one pending successor in the same
// atomic step. The successor inherits the job type, options, and retry
// budget, carries the incremented retry count forward, points back via
// ParentJobID, and becomes due after an exponential backoff keyed on
// the pre-increment retry count (first retry after 1 minute, then 2,
// then 4). A job failing at the cap terminates the chain: its terminal
// failed state with no successor is the permanent-failure signal.
func (q *Queue) MarkFailed(ctx context.Context, id string, errorMessage string) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.StatusFailed {
		return nil
	}
	now := q.now()

	failed := job
	failed.Status = models.StatusFailed
	failed.CompletedAt = &now
	failed.ErrorMessage = &errorMessage
	failed.LockToken = nil
	failed.RetryCount = job.RetryCount + 1
	failed.UpdatedAt = now

	var successor *models.Job
	if job.RetryCount < job.MaxRetries {
		successor = &models.Job{
			ID:          uuid.NewString(),
			JobType:     job.JobType,
			Status:      models.StatusPending,
			ScheduledAt: now.Add(Backoff(job.RetryCount)),
			Options:     job.Options,
			RetryCount:  job.RetryCount + 1,
			MaxRetries:  job.MaxRetries,
			ParentJobID: &job.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	if err := q.store.FailJob(ctx, failed, successor); err != nil {
		return err
	}

	telemetry.JobsFailed.Inc()
	if successor != nil {
		telemetry.JobsRetried.Inc()
		q.log.Warn("job failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("successor_id", successor.ID),
			zap.Int("retry_count", successor.RetryCount),
			zap.Time("next_attempt", successor.ScheduledAt),
			zap.String("error", errorMessage))
	} else {
		q.log.Error("job failed permanently",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.JobType),
			zap.Int("retry_count", failed.RetryCount),
			zap.String("error", errorMessage))
	}
	return nil
}

// Cancel forces a pending job to a terminal state before any worker
// claims it. Races against a claim resolve in favor of whichever write
// wins at the store.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.store.CancelJob(ctx, id, "cancelled by operator", q.now())
}

// ReapExpired fails every running job whose lock has expired, routing
// it through the normal retry path. This is the crash-recovery sweep:
// without it a dead worker would pin its job in running forever.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := q.store.ExpiredJobs(ctx, now.Add(-models.LockTTL))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, job := range expired {
		msg := fmt.Sprintf("stale lock: no progress since %s", job.StartedAt.UTC().Format(time.RFC3339))
		if err := q.MarkFailed(ctx, job.ID, msg); err != nil {
			q.log.Error("reap expired lock", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		telemetry.StaleLocksReaped.Inc()
		reaped++
	}
	return reaped, nil
}
