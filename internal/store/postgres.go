// Package store persists jobs and schedule definitions in Postgres.
// The claim path is a single conditional UPDATE so that exactly one of
// any number of concurrent workers wins a pending job.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/queue"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, job_type, status, scheduled_at, started_at, completed_at, options, result, error_message, lock_token, retry_count, max_retries, parent_job_id, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrJobNotFound
	}
	return job, err
}

// FindOrCreateJob inserts the job unless a parentless job with the same
// (job_type, scheduled_at) exists; the partial unique index makes the
// check-and-insert a single atomic statement, so overlapping driver
// ticks cannot both insert.
func (s *Store) FindOrCreateJob(ctx context.Context, job models.Job) (models.Job, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, status, scheduled_at, options, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (job_type, scheduled_at) WHERE parent_job_id IS NULL DO NOTHING
	`, job.ID, job.JobType, job.Status, job.ScheduledAt, optionsOrEmpty(job.Options), job.RetryCount, job.MaxRetries, job.CreatedAt)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return job, false, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE job_type = $1 AND scheduled_at = $2 AND parent_job_id IS NULL
	`, job.JobType, job.ScheduledAt)
	existing, err := scanJob(row)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("lookup deduplicated job: %w", err)
	}
	return existing, true, nil
}

// DueJobs returns pending jobs whose due time has passed, oldest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
	`, models.StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimJob is the atomic conditional claim: the UPDATE's WHERE clause
// guarantees at most one caller transitions the row out of pending.
func (s *Store) ClaimJob(ctx context.Context, id, lockToken string, startedAt time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, lock_token = $3, started_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING `+jobColumns+`
	`, id, models.StatusRunning, lockToken, startedAt, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either claimed by another worker or unknown; disambiguate for
		// the caller.
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, queue.ErrClaimed
	}
	return job, err
}

// CompleteJob transitions running->completed; completing an already
// completed job is a no-op.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, completed_at = $4, lock_token = NULL, updated_at = $4
		WHERE id = $1 AND status = $5
	`, id, models.StatusCompleted, result, completedAt, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.StatusCompleted {
		return nil
	}
	return queue.ErrNotRunning
}

// FailJob writes the failed row and, when present, its retry successor
// in one transaction, conditional on the job still running. No reader
// ever observes the incremented retry count without the successor.
func (s *Store) FailJob(ctx context.Context, failed models.Job, successor *models.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, completed_at = $4, lock_token = NULL, retry_count = $5, updated_at = $4
		WHERE id = $1 AND status = $6
	`, failed.ID, models.StatusFailed, failed.ErrorMessage, failed.CompletedAt, failed.RetryCount, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, getErr := s.GetJob(ctx, failed.ID)
		if getErr != nil {
			return getErr
		}
		if job.Status == models.StatusFailed {
			return nil
		}
		return queue.ErrNotRunning
	}

	if successor != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO jobs (id, job_type, status, scheduled_at, options, retry_count, max_retries, parent_job_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		`, successor.ID, successor.JobType, successor.Status, successor.ScheduledAt, optionsOrEmpty(successor.Options),
			successor.RetryCount, successor.MaxRetries, successor.ParentJobID, successor.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert retry successor: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ExpiredJobs returns running jobs started at or before the cutoff.
func (s *Store) ExpiredJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND started_at <= $2
		ORDER BY started_at ASC
	`, models.StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query expired jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CancelJob forces a still-pending job to a terminal failed state.
func (s *Store) CancelJob(ctx context.Context, id string, errorMessage string, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, errorMessage, completedAt, models.StatusPending)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return queue.ErrClaimed
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job       models.Job
		started   pgtype.Timestamptz
		completed pgtype.Timestamptz
		options   []byte
		result    []byte
		errMsg    pgtype.Text
		lockTok   pgtype.Text
		parent    pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.JobType, &job.Status, &job.ScheduledAt, &started, &completed,
		&options, &result, &errMsg, &lockTok, &job.RetryCount, &job.MaxRetries, &parent,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.StartedAt = timestampPtr(started)
	job.CompletedAt = timestampPtr(completed)
	job.Options = options
	job.Result = result
	job.ErrorMessage = textPtr(errMsg)
	job.LockToken = textPtr(lockTok)
	job.ParentJobID = textPtr(parent)
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func optionsOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timestampPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
