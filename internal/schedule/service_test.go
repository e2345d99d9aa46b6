package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crawl-scheduler/internal/crawl"
	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/recurrence"
)

// fakeExecutor records crawl submissions and can be told to fail.
type fakeExecutor struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (f *fakeExecutor) Submit(_ context.Context, sourceURL string, _ crawl.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, sourceURL)
	return nil
}

func newTestService() (*Service, *MemoryStore, *fakeExecutor) {
	store := NewMemoryStore()
	executor := &fakeExecutor{}
	return NewService(store, executor, zap.NewNop()), store, executor
}

func dailyDefinition() models.ScheduleDefinition {
	return models.ScheduleDefinition{
		SourceURL:    "https://example.com/series/42",
		ScheduleType: recurrence.Daily,
		TimeOfDay:    recurrence.TimeOfDay{Hour: 3},
	}
}

func TestCreateComputesNextRun(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	now := time.Date(2024, time.January, 10, 5, 0, 0, 0, time.UTC)

	created, err := svc.Create(ctx, dailyDefinition(), now)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.ScheduleActive, created.Status)
	require.NotNil(t, created.NextRunAt)
	assert.Equal(t, time.Date(2024, time.January, 11, 3, 0, 0, 0, time.UTC), *created.NextRunAt)
	assert.Nil(t, created.LastRunAt)
}

func TestCreateRejectsInvalidDefinitions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	now := time.Now().UTC()

	weekly := dailyDefinition()
	weekly.ScheduleType = recurrence.Weekly
	weekly.Weekdays = nil
	_, err := svc.Create(ctx, weekly, now)
	assert.ErrorIs(t, err, recurrence.ErrEmptyWeekdays)

	weekly.Weekdays = []int{0}
	_, err = svc.Create(ctx, weekly, now)
	assert.Error(t, err)

	badURL := dailyDefinition()
	badURL.SourceURL = ""
	_, err = svc.Create(ctx, badURL, now)
	assert.Error(t, err)

	badRange := dailyDefinition()
	badRange.ItemRange = &models.Range{From: 10, To: 10}
	_, err = svc.Create(ctx, badRange, now)
	assert.Error(t, err)
}

func TestUpdateRecomputesNextRun(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	now := time.Date(2024, time.January, 10, 5, 0, 0, 0, time.UTC)

	created, err := svc.Create(ctx, dailyDefinition(), now)
	require.NoError(t, err)

	created.TimeOfDay = recurrence.TimeOfDay{Hour: 6}
	updated, err := svc.Update(ctx, created, now)
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, time.Date(2024, time.January, 10, 6, 0, 0, 0, time.UTC), *updated.NextRunAt,
		"editing the time of day must re-arm next_run_at")
}

func TestExecuteStampsAndReArms(t *testing.T) {
	ctx := context.Background()
	svc, store, executor := newTestService()
	createdAt := time.Date(2024, time.January, 10, 1, 0, 0, 0, time.UTC)

	created, err := svc.Create(ctx, dailyDefinition(), createdAt)
	require.NoError(t, err)

	runAt := time.Date(2024, time.January, 10, 3, 0, 0, 0, time.UTC)
	require.NoError(t, svc.Execute(ctx, created, runAt))

	assert.Equal(t, []string{"https://example.com/series/42"}, executor.submitted)

	stamped, err := store.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, stamped.LastRunAt)
	assert.Equal(t, runAt, *stamped.LastRunAt)
	require.NotNil(t, stamped.NextRunAt)
	assert.Equal(t, time.Date(2024, time.January, 11, 3, 0, 0, 0, time.UTC), *stamped.NextRunAt)
}

func TestExecuteSubmitFailureDoesNotReArm(t *testing.T) {
	ctx := context.Background()
	svc, store, executor := newTestService()
	createdAt := time.Date(2024, time.January, 10, 1, 0, 0, 0, time.UTC)

	created, err := svc.Create(ctx, dailyDefinition(), createdAt)
	require.NoError(t, err)

	executor.err = errors.New("crawler unavailable")
	runAt := time.Date(2024, time.January, 10, 3, 0, 0, 0, time.UTC)
	require.Error(t, svc.Execute(ctx, created, runAt))

	unchanged, err := store.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, unchanged.LastRunAt)
	assert.Equal(t, *created.NextRunAt, *unchanged.NextRunAt, "a failed submit must leave the schedule due")
}

func TestDueForRunSkipsInactive(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	createdAt := time.Date(2024, time.January, 10, 1, 0, 0, 0, time.UTC)

	active, err := svc.Create(ctx, dailyDefinition(), createdAt)
	require.NoError(t, err)
	other := dailyDefinition()
	other.SourceURL = "https://example.com/series/43"
	paused, err := svc.Create(ctx, other, createdAt)
	require.NoError(t, err)
	_, err = svc.Pause(ctx, paused.ID, createdAt)
	require.NoError(t, err)

	due, err := svc.DueForRun(ctx, createdAt.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, active.ID, due[0].ID)
}

func TestResumeReArms(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	createdAt := time.Date(2024, time.January, 10, 1, 0, 0, 0, time.UTC)

	created, err := svc.Create(ctx, dailyDefinition(), createdAt)
	require.NoError(t, err)
	_, err = svc.Pause(ctx, created.ID, createdAt)
	require.NoError(t, err)

	resumeAt := time.Date(2024, time.January, 20, 5, 0, 0, 0, time.UTC)
	resumed, err := svc.Resume(ctx, created.ID, resumeAt)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleActive, resumed.Status)
	require.NotNil(t, resumed.NextRunAt)
	assert.Equal(t, time.Date(2024, time.January, 21, 3, 0, 0, 0, time.UTC), *resumed.NextRunAt)
}
