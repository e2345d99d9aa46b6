package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"crawl-scheduler/internal/models"
)

// MemoryStore is a mutex-guarded Store used by tests and for running
// the service without Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	defs map[string]models.ScheduleDefinition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]models.ScheduleDefinition)}
}

func (m *MemoryStore) CreateSchedule(_ context.Context, def models.ScheduleDefinition) (models.ScheduleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def
	return def, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, def models.ScheduleDefinition) (models.ScheduleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[def.ID]; !ok {
		return models.ScheduleDefinition{}, models.ErrScheduleNotFound
	}
	m.defs[def.ID] = def
	return def, nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (models.ScheduleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return models.ScheduleDefinition{}, models.ErrScheduleNotFound
	}
	return def, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context) ([]models.ScheduleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defs := make([]models.ScheduleDefinition, 0, len(m.defs))
	for _, def := range m.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].CreatedAt.After(defs[j].CreatedAt) })
	return defs, nil
}

func (m *MemoryStore) DueSchedules(_ context.Context, now time.Time) ([]models.ScheduleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.ScheduleDefinition
	for _, def := range m.defs {
		if def.Status == models.ScheduleActive && def.NextRunAt != nil && !def.NextRunAt.After(now) {
			due = append(due, def)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (m *MemoryStore) StampRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return models.ErrScheduleNotFound
	}
	def.LastRunAt = &lastRun
	def.NextRunAt = &nextRun
	def.UpdatedAt = lastRun
	m.defs[id] = def
	return nil
}
