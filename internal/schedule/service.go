// Package schedule owns ScheduleDefinition lifecycle: validation at the
// boundary, recomputation of the next run instant whenever recurrence
// inputs change, and the execute step that hands crawl work to the
// crawler and re-arms the schedule.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crawl-scheduler/internal/crawl"
	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/recurrence"
	"crawl-scheduler/internal/telemetry"
)

// Store is the persistence contract for schedule definitions.
type Store interface {
	CreateSchedule(ctx context.Context, def models.ScheduleDefinition) (models.ScheduleDefinition, error)
	UpdateSchedule(ctx context.Context, def models.ScheduleDefinition) (models.ScheduleDefinition, error)
	GetSchedule(ctx context.Context, id string) (models.ScheduleDefinition, error)
	ListSchedules(ctx context.Context) ([]models.ScheduleDefinition, error)
	DueSchedules(ctx context.Context, now time.Time) ([]models.ScheduleDefinition, error)
	StampRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// Service validates, persists, and executes schedule definitions.
type Service struct {
	store    Store
	executor crawl.Executor
	log      *zap.Logger
}

func NewService(store Store, executor crawl.Executor, log *zap.Logger) *Service {
	return &Service{store: store, executor: executor, log: log}
}

// Create validates the definition, computes its first next_run_at, and
// persists it.
func (s *Service) Create(ctx context.Context, def models.ScheduleDefinition, now time.Time) (models.ScheduleDefinition, error) {
	if def.Status == "" {
		def.Status = models.ScheduleActive
	}
	if err := def.Validate(); err != nil {
		return models.ScheduleDefinition{}, err
	}
	def.ID = uuid.NewString()
	def.CreatedAt = now
	def.UpdatedAt = now
	next, err := recurrence.Next(def.ScheduleType, def.TimeOfDay, def.Weekdays, now)
	if err != nil {
		return models.ScheduleDefinition{}, err
	}
	def.NextRunAt = &next

	created, err := s.store.CreateSchedule(ctx, def)
	if err != nil {
		return models.ScheduleDefinition{}, err
	}
	s.log.Info("schedule created",
		zap.String("schedule_id", created.ID),
		zap.String("source_url", created.SourceURL),
		zap.String("schedule_type", string(created.ScheduleType)),
		zap.Timep("next_run_at", created.NextRunAt))
	return created, nil
}

// Update validates and persists an edited definition, recomputing
// next_run_at since any of the recurrence inputs may have changed.
func (s *Service) Update(ctx context.Context, def models.ScheduleDefinition, now time.Time) (models.ScheduleDefinition, error) {
	if err := def.Validate(); err != nil {
		return models.ScheduleDefinition{}, err
	}
	next, err := recurrence.Next(def.ScheduleType, def.TimeOfDay, def.Weekdays, now)
	if err != nil {
		return models.ScheduleDefinition{}, err
	}
	def.NextRunAt = &next
	def.UpdatedAt = now
	return s.store.UpdateSchedule(ctx, def)
}

// Get returns one definition.
func (s *Service) Get(ctx context.Context, id string) (models.ScheduleDefinition, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns every definition.
func (s *Service) List(ctx context.Context) ([]models.ScheduleDefinition, error) {
	return s.store.ListSchedules(ctx)
}

// Pause takes a definition out of due-selection without losing it.
func (s *Service) Pause(ctx context.Context, id string, now time.Time) (models.ScheduleDefinition, error) {
	return s.setStatus(ctx, id, models.SchedulePaused, now)
}

// Resume re-activates a paused definition and re-arms next_run_at from
// the current instant.
func (s *Service) Resume(ctx context.Context, id string, now time.Time) (models.ScheduleDefinition, error) {
	return s.setStatus(ctx, id, models.ScheduleActive, now)
}

func (s *Service) setStatus(ctx context.Context, id, status string, now time.Time) (models.ScheduleDefinition, error) {
	def, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return models.ScheduleDefinition{}, err
	}
	def.Status = status
	def.UpdatedAt = now
	if status == models.ScheduleActive {
		next, err := recurrence.Next(def.ScheduleType, def.TimeOfDay, def.Weekdays, now)
		if err != nil {
			return models.ScheduleDefinition{}, err
		}
		def.NextRunAt = &next
	}
	return s.store.UpdateSchedule(ctx, def)
}

// DueForRun returns active definitions whose next_run_at has arrived.
func (s *Service) DueForRun(ctx context.Context, now time.Time) ([]models.ScheduleDefinition, error) {
	return s.store.DueSchedules(ctx, now)
}

// Execute runs one due definition: stamp last_run_at, submit the crawl
// with options derived from the definition, recompute next_run_at, and
// persist both timestamps together. A submit failure propagates so the
// surrounding job retries; the schedule is not re-armed until the
// submit succeeds.
func (s *Service) Execute(ctx context.Context, def models.ScheduleDefinition, now time.Time) error {
	opts := crawl.Options{
		MaxItems:   def.MaxItems,
		ItemRange:  def.ItemRange,
		DelayRange: def.DelayRange,
	}
	if err := s.executor.Submit(ctx, def.SourceURL, opts); err != nil {
		return fmt.Errorf("submit crawl for schedule %s: %w", def.ID, err)
	}

	next, err := recurrence.Next(def.ScheduleType, def.TimeOfDay, def.Weekdays, now)
	if err != nil {
		return err
	}
	if err := s.store.StampRun(ctx, def.ID, now, next); err != nil {
		return err
	}
	telemetry.SchedulesExecuted.Inc()
	s.log.Info("schedule executed",
		zap.String("schedule_id", def.ID),
		zap.String("source_url", def.SourceURL),
		zap.Time("next_run_at", next))
	return nil
}
