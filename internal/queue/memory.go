package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"crawl-scheduler/internal/models"
)

type dedupeKey struct {
	jobType     string
	scheduledAt int64 // unix millis
}

// MemoryStore is a mutex-guarded JobStore used by tests and for running
// the service without Postgres. It enforces the same invariants as the
// SQL store: parentless dedupe on (job_type, scheduled_at) and a
// conditional claim that exactly one concurrent caller wins.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	dedupe map[dedupeKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]models.Job),
		dedupe: make(map[dedupeKey]string),
	}
}

func keyFor(job models.Job) dedupeKey {
	return dedupeKey{jobType: job.JobType, scheduledAt: job.ScheduledAt.UTC().UnixMilli()}
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	return job, nil
}

func (m *MemoryStore) FindOrCreateJob(_ context.Context, job models.Job) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keyFor(job)
	if id, ok := m.dedupe[key]; ok {
		return m.jobs[id], true, nil
	}
	m.jobs[job.ID] = job
	m.dedupe[key] = job.ID
	return job, false, nil
}

func (m *MemoryStore) DueJobs(_ context.Context, now time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Job
	for _, job := range m.jobs {
		if job.Status == models.StatusPending && !job.ScheduledAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	return due, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, id, lockToken string, startedAt time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	if job.Status != models.StatusPending {
		return models.Job{}, ErrClaimed
	}
	job.Status = models.StatusRunning
	job.LockToken = &lockToken
	job.StartedAt = &startedAt
	job.UpdatedAt = startedAt
	m.jobs[id] = job
	return job, nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, id string, result json.RawMessage, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	if job.Status == models.StatusCompleted {
		return nil
	}
	if job.Status != models.StatusRunning {
		return ErrNotRunning
	}
	job.Status = models.StatusCompleted
	job.Result = result
	job.CompletedAt = &completedAt
	job.LockToken = nil
	job.UpdatedAt = completedAt
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) FailJob(_ context.Context, failed models.Job, successor *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[failed.ID]
	if !ok {
		return models.ErrJobNotFound
	}
	if current.Status == models.StatusFailed {
		return nil
	}
	if current.Status != models.StatusRunning {
		return ErrNotRunning
	}
	m.jobs[failed.ID] = failed
	if successor != nil {
		m.jobs[successor.ID] = *successor
	}
	return nil
}

func (m *MemoryStore) ExpiredJobs(_ context.Context, cutoff time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []models.Job
	for _, job := range m.jobs {
		if job.Status == models.StatusRunning && job.StartedAt != nil && !job.StartedAt.After(cutoff) {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].StartedAt.Before(*expired[j].StartedAt) })
	return expired, nil
}

func (m *MemoryStore) CancelJob(_ context.Context, id string, errorMessage string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	if job.Status != models.StatusPending {
		return ErrClaimed
	}
	job.Status = models.StatusFailed
	job.ErrorMessage = &errorMessage
	job.CompletedAt = &completedAt
	job.UpdatedAt = completedAt
	m.jobs[id] = job
	return nil
}
