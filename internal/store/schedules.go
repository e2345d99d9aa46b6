package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/recurrence"
)

const scheduleColumns = `id, source_url, schedule_type, time_of_day, weekdays, max_items, item_from, item_to, delay_from, delay_to, status, last_run_at, next_run_at, created_at, updated_at`

// CreateSchedule inserts a schedule definition.
func (s *Store) CreateSchedule(ctx context.Context, def models.ScheduleDefinition) (models.ScheduleDefinition, error) {
	itemFrom, itemTo := rangeCols(def.ItemRange)
	delayFrom, delayTo := rangeCols(def.DelayRange)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_schedules (id, source_url, schedule_type, time_of_day, weekdays, max_items, item_from, item_to, delay_from, delay_to, status, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, def.ID, def.SourceURL, string(def.ScheduleType), def.TimeOfDay.String(), def.Weekdays,
		def.MaxItems, itemFrom, itemTo, delayFrom, delayTo, def.Status, def.NextRunAt, def.CreatedAt)
	if err != nil {
		return models.ScheduleDefinition{}, fmt.Errorf("insert schedule: %w", err)
	}
	return def, nil
}

// UpdateSchedule overwrites a schedule definition's mutable fields.
func (s *Store) UpdateSchedule(ctx context.Context, def models.ScheduleDefinition) (models.ScheduleDefinition, error) {
	itemFrom, itemTo := rangeCols(def.ItemRange)
	delayFrom, delayTo := rangeCols(def.DelayRange)
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_schedules
		SET source_url = $2, schedule_type = $3, time_of_day = $4, weekdays = $5, max_items = $6,
		    item_from = $7, item_to = $8, delay_from = $9, delay_to = $10, status = $11,
		    last_run_at = $12, next_run_at = $13, updated_at = $14
		WHERE id = $1
	`, def.ID, def.SourceURL, string(def.ScheduleType), def.TimeOfDay.String(), def.Weekdays,
		def.MaxItems, itemFrom, itemTo, delayFrom, delayTo, def.Status, def.LastRunAt, def.NextRunAt, def.UpdatedAt)
	if err != nil {
		return models.ScheduleDefinition{}, fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ScheduleDefinition{}, models.ErrScheduleNotFound
	}
	return def, nil
}

// GetSchedule fetches one definition by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.ScheduleDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM crawl_schedules WHERE id = $1`, id)
	def, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduleDefinition{}, models.ErrScheduleNotFound
	}
	return def, err
}

// ListSchedules returns every definition, newest first.
func (s *Store) ListSchedules(ctx context.Context) ([]models.ScheduleDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM crawl_schedules ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DueSchedules returns active definitions whose next run has arrived.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]models.ScheduleDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM crawl_schedules
		WHERE status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at ASC
	`, models.ScheduleActive, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// StampRun records an execution: last_run_at and the recomputed
// next_run_at in one write.
func (s *Store) StampRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_schedules
		SET last_run_at = $2, next_run_at = $3, updated_at = $2
		WHERE id = $1
	`, id, lastRun, nextRun)
	if err != nil {
		return fmt.Errorf("stamp schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrScheduleNotFound
	}
	return nil
}

func scanSchedule(row rowScanner) (models.ScheduleDefinition, error) {
	var (
		def       models.ScheduleDefinition
		kind      string
		timeOfDay string
		itemFrom  pgtype.Int4
		itemTo    pgtype.Int4
		delayFrom pgtype.Int4
		delayTo   pgtype.Int4
		lastRun   pgtype.Timestamptz
		nextRun   pgtype.Timestamptz
	)
	if err := row.Scan(&def.ID, &def.SourceURL, &kind, &timeOfDay, &def.Weekdays, &def.MaxItems,
		&itemFrom, &itemTo, &delayFrom, &delayTo, &def.Status, &lastRun, &nextRun,
		&def.CreatedAt, &def.UpdatedAt); err != nil {
		return models.ScheduleDefinition{}, err
	}
	def.ScheduleType = recurrence.Kind(kind)
	parsed, err := recurrence.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return models.ScheduleDefinition{}, fmt.Errorf("stored time_of_day: %w", err)
	}
	def.TimeOfDay = parsed
	def.ItemRange = rangeFromCols(itemFrom, itemTo)
	def.DelayRange = rangeFromCols(delayFrom, delayTo)
	def.LastRunAt = timestampPtr(lastRun)
	def.NextRunAt = timestampPtr(nextRun)
	return def, nil
}

func scanSchedules(rows pgx.Rows) ([]models.ScheduleDefinition, error) {
	var defs []models.ScheduleDefinition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func rangeCols(r *models.Range) (*int, *int) {
	if r == nil {
		return nil, nil
	}
	from, to := r.From, r.To
	return &from, &to
}

func rangeFromCols(from, to pgtype.Int4) *models.Range {
	if !from.Valid || !to.Valid {
		return nil
	}
	return &models.Range{From: int(from.Int32), To: int(to.Int32)}
}
