package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crawl-scheduler/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	q := New(store, models.DefaultMaxRetries, zap.NewNop())
	now := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)
	clock := &now
	q.now = func() time.Time { return *clock }
	return q, store, clock
}

func TestFindOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	due := clock.Truncate(time.Minute)

	first, err := q.FindOrCreate(ctx, models.JobTypeScheduleCheck, due, nil)
	require.NoError(t, err)
	second, err := q.FindOrCreate(ctx, models.JobTypeScheduleCheck, due, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	jobs, err := q.Due(ctx, clock.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestDueSelection(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)
	now := *clock

	late, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, now.Add(-time.Minute), nil)
	require.NoError(t, err)
	early, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, now.Add(-time.Hour), nil)
	require.NoError(t, err)
	_, err = q.FindOrCreate(ctx, models.JobTypeSingleRun, now.Add(time.Hour), nil)
	require.NoError(t, err)

	due, err := q.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2, "future job must not be due")
	assert.Equal(t, early.ID, due[0].ID, "due jobs ordered by scheduled_at ascending")
	assert.Equal(t, late.ID, due[1].ID)
}

func TestMarkRunningAssignsLock(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	created, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, *clock, nil)
	require.NoError(t, err)

	job, err := q.MarkRunning(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, job.Status)
	require.NotNil(t, job.LockToken)
	assert.NotEmpty(t, *job.LockToken)
	require.NotNil(t, job.StartedAt)
	assert.True(t, job.IsLocked())
	assert.False(t, job.IsLockExpired(*clock))
	assert.True(t, job.IsLockExpired(clock.Add(models.LockTTL+time.Second)))
}

func TestMarkRunningRaceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	created, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, *clock, nil)
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan models.Job, workers)
	losses := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.MarkRunning(ctx, created.ID)
			if err != nil {
				losses <- err
				return
			}
			wins <- job
		}()
	}
	wg.Wait()
	close(wins)
	close(losses)

	assert.Len(t, wins, 1, "exactly one claim must win")
	for err := range losses {
		assert.ErrorIs(t, err, ErrClaimed)
	}
}

func TestMarkCompleted(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	created, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, *clock, nil)
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, created.ID)
	require.NoError(t, err)

	result := json.RawMessage(`{"items":12}`)
	require.NoError(t, q.MarkCompleted(ctx, created.ID, result))

	job, err := q.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.JSONEq(t, `{"items":12}`, string(job.Result))
	assert.Nil(t, job.LockToken, "completion must clear the lock")
	require.NotNil(t, job.CompletedAt)

	// Completing twice is a no-op, not an error.
	require.NoError(t, q.MarkCompleted(ctx, created.ID, result))

	// Completing a job that was never claimed is an expected-state error.
	fresh, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, clock.Add(time.Second), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, q.MarkCompleted(ctx, fresh.ID, nil), ErrNotRunning)
}

func TestRetryChainTerminates(t *testing.T) {
	ctx := context.Background()
	q, store, clock := newTestQueue(t)

	options := json.RawMessage(`{"source_url":"https://example.com/series/1"}`)
	created, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, *clock, options)
	require.NoError(t, err)

	// Fail the chain until it terminates, tracking each successor.
	chain := []models.Job{created}
	current := created
	for {
		running, err := q.MarkRunning(ctx, current.ID)
		require.NoError(t, err)
		failedAt := *clock
		require.NoError(t, q.MarkFailed(ctx, running.ID, "fetch failed"))

		successor, ok := findChild(t, store, running.ID)
		if !ok {
			break
		}
		// Backoff is keyed on the pre-increment retry count: 1m, 2m, 4m.
		wantDelay := time.Duration(1<<uint(len(chain)-1)) * time.Minute
		assert.Equal(t, failedAt.Add(wantDelay), successor.ScheduledAt)
		assert.Equal(t, current.JobType, successor.JobType)
		assert.Equal(t, string(options), string(successor.Options))
		assert.Equal(t, created.MaxRetries, successor.MaxRetries)
		assert.Equal(t, len(chain), successor.RetryCount, "retry count carried forward")
		require.NotNil(t, successor.ParentJobID)
		assert.Equal(t, running.ID, *successor.ParentJobID)

		chain = append(chain, successor)
		current = successor
		*clock = successor.ScheduledAt
	}

	// maxRetries=3: the original plus exactly 3 successors.
	require.Len(t, chain, 4)

	last, err := q.Get(ctx, chain[3].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Nil(t, last.LockToken)
	_, hasChild := findChild(t, store, last.ID)
	assert.False(t, hasChild, "terminal failure must not spawn a successor")
}

func TestMarkFailedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, store, clock := newTestQueue(t)

	created, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, *clock, nil)
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, created.ID)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, created.ID, "boom"))
	require.NoError(t, q.MarkFailed(ctx, created.ID, "boom again"))

	// Only one successor despite the double failure report.
	children := 0
	for _, job := range allJobs(store) {
		if job.ParentJobID != nil && *job.ParentJobID == created.ID {
			children++
		}
	}
	assert.Equal(t, 1, children)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	pending, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, *clock, nil)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, pending.ID))

	job, err := q.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)

	claimed, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, clock.Add(time.Second), nil)
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, claimed.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Cancel(ctx, claimed.ID), ErrClaimed, "claim wins the claim-then-cancel race")
}

func TestReapExpired(t *testing.T) {
	ctx := context.Background()
	q, store, clock := newTestQueue(t)

	created, err := q.FindOrCreate(ctx, models.JobTypeSingleRun, *clock, nil)
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, created.ID)
	require.NoError(t, err)

	// Still inside the lease: nothing reaped.
	reaped, err := q.ReapExpired(ctx, clock.Add(models.LockTTL-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, reaped)

	// Worker has been silent past the lease: the sweep fails the job
	// through the normal retry path.
	*clock = clock.Add(models.LockTTL + time.Minute)
	reaped, err = q.ReapExpired(ctx, *clock)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job, err := q.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "stale lock")
	_, hasChild := findChild(t, store, created.ID)
	assert.True(t, hasChild, "stale-lock failure follows the retry path")
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, Backoff(0))
	assert.Equal(t, 2*time.Minute, Backoff(1))
	assert.Equal(t, 4*time.Minute, Backoff(2))
	assert.Equal(t, 8*time.Minute, Backoff(3))
}

func findChild(t *testing.T, store *MemoryStore, parentID string) (models.Job, bool) {
	t.Helper()
	for _, job := range allJobs(store) {
		if job.ParentJobID != nil && *job.ParentJobID == parentID {
			return job, true
		}
	}
	return models.Job{}, false
}

func allJobs(store *MemoryStore) []models.Job {
	store.mu.Lock()
	defer store.mu.Unlock()
	jobs := make([]models.Job, 0, len(store.jobs))
	for _, job := range store.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}
