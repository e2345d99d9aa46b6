package models

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"crawl-scheduler/internal/recurrence"
)

// Schedule lifecycle states.
const (
	ScheduleActive    = "active"
	SchedulePaused    = "paused"
	ScheduleCompleted = "completed"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrJobNotFound      = errors.New("job not found")
)

// Range is a half-open numeric interval [From, To).
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// ScheduleDefinition is a recurring instruction to crawl one content
// source. NextRunAt is recomputed after create, after any edit that
// affects recurrence, and after each execution; a definition whose
// status is not active is never selected as due.
type ScheduleDefinition struct {
	ID           string               `json:"id"`
	SourceURL    string               `json:"source_url"`
	ScheduleType recurrence.Kind      `json:"schedule_type"`
	TimeOfDay    recurrence.TimeOfDay `json:"time_of_day"`
	Weekdays     []int                `json:"weekdays,omitempty"`
	MaxItems     int                  `json:"max_items"` // 0 means unbounded
	ItemRange    *Range               `json:"item_range,omitempty"`
	DelayRange   *Range               `json:"delay_range,omitempty"` // seconds; opaque to the scheduler
	Status       string               `json:"status"`
	LastRunAt    *time.Time           `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time           `json:"next_run_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Validate rejects malformed definitions at the boundary so the
// recurrence engine never sees invalid input.
func (d ScheduleDefinition) Validate() error {
	if d.SourceURL == "" {
		return errors.New("source_url is required")
	}
	if _, err := url.ParseRequestURI(d.SourceURL); err != nil {
		return fmt.Errorf("source_url: %w", err)
	}
	if !d.ScheduleType.Valid() {
		return fmt.Errorf("schedule_type %q is not one of daily, weekly, monthly", d.ScheduleType)
	}
	if d.ScheduleType == recurrence.Weekly {
		if len(d.Weekdays) == 0 {
			return recurrence.ErrEmptyWeekdays
		}
		for _, wd := range d.Weekdays {
			if wd < 1 || wd > 7 {
				return fmt.Errorf("weekday %d out of range 1-7", wd)
			}
		}
	}
	if d.MaxItems < 0 {
		return errors.New("max_items must not be negative")
	}
	if d.ItemRange != nil && d.ItemRange.From >= d.ItemRange.To {
		return errors.New("item_range must be a non-empty half-open range")
	}
	if d.DelayRange != nil && (d.DelayRange.From < 0 || d.DelayRange.From > d.DelayRange.To) {
		return errors.New("delay_range must be non-negative and ordered")
	}
	switch d.Status {
	case "", ScheduleActive, SchedulePaused, ScheduleCompleted:
	default:
		return fmt.Errorf("status %q is not one of active, paused, completed", d.Status)
	}
	return nil
}
