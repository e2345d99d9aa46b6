package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job types dispatched by the worker.
const (
	JobTypeScheduleCheck  = "schedule-check"
	JobTypeSingleRun      = "single-run"
	JobTypeCoverThumbnail = "cover-thumbnail"
)

const (
	// DefaultMaxRetries bounds the retry chain for a unit of work.
	DefaultMaxRetries = 3
	// LockTTL is how long a running job may hold its lock before the
	// recovery sweep is allowed to fail it on the worker's behalf.
	LockTTL = 30 * time.Minute
)

// Job is one attempt (or retry attempt) at a unit of work. Options and
// Result are opaque blobs; only the job-type handler knows their shape.
type Job struct {
	ID           string          `json:"id"`
	JobType      string          `json:"job_type"`
	Status       string          `json:"status"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	LockToken    *string         `json:"lock_token,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ParentJobID  *string         `json:"parent_job_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsLocked reports whether a worker currently owns the job.
func (j Job) IsLocked() bool {
	return j.Status == StatusRunning && j.LockToken != nil
}

// IsLockExpired reports whether the owning worker has exceeded its
// lease. An expired lock means the worker likely crashed; the job is
// eligible for a forced failure by the recovery sweep.
func (j Job) IsLockExpired(now time.Time) bool {
	return j.IsLocked() && j.StartedAt != nil && now.After(j.StartedAt.Add(LockTTL))
}

// IsTerminal reports whether the job can no longer change state.
func (j Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
