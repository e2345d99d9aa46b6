// Package recurrence computes the next run instant for a crawl
// schedule. It is pure: the caller always supplies `now`, and nothing
// here reads a clock or touches storage.
package recurrence

import (
	"errors"
	"fmt"
	"time"
)

// Kind selects the recurrence rule for a schedule.
type Kind string

const (
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

// Valid reports whether k names a known recurrence rule.
func (k Kind) Valid() bool {
	switch k {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

var (
	ErrUnknownKind   = errors.New("unknown schedule type")
	ErrEmptyWeekdays = errors.New("weekly schedule requires at least one weekday")
)

// Next returns the next instant at or after now satisfying the rule.
// Weekdays use ISO numbering (Monday=1 .. Sunday=7) and are only
// consulted for weekly schedules. All time-of-day comparisons are at
// minute granularity; seconds never matter.
//
// Callers are expected to have validated the schedule already; errors
// here are precondition violations, not conditions to recover from.
func Next(kind Kind, at TimeOfDay, weekdays []int, now time.Time) (time.Time, error) {
	switch kind {
	case Daily:
		return nextDaily(at, now), nil
	case Weekly:
		if len(weekdays) == 0 {
			return time.Time{}, ErrEmptyWeekdays
		}
		return nextWeekly(at, weekdays, now), nil
	case Monthly:
		return nextMonthly(at, now), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// nextDaily runs today if the time of day has not been reached yet,
// otherwise tomorrow. Exact equality counts as already passed so the
// same instant never fires twice.
func nextDaily(at TimeOfDay, now time.Time) time.Time {
	if !reached(now, at) {
		return onDay(now, at)
	}
	return onDay(now.AddDate(0, 0, 1), at)
}

// nextWeekly picks the nearest scheduled weekday at or after today,
// wrapping into next week when every scheduled day is behind us. When
// that lands on today but the time of day has already passed, the run
// is deferred a full week to the same weekday. That deferral can skip
// another eligible weekday later in the current week; it is the
// long-standing behavior and downstream timing depends on it, so it
// stays.
func nextWeekly(at TimeOfDay, weekdays []int, now time.Time) time.Time {
	current := isoWeekday(now)

	daysToAdd := -1
	minDay := weekdays[0]
	for _, d := range weekdays {
		if d < minDay {
			minDay = d
		}
		if d >= current {
			if delta := d - current; daysToAdd < 0 || delta < daysToAdd {
				daysToAdd = delta
			}
		}
	}
	if daysToAdd < 0 {
		daysToAdd = 7 - current + minDay
	}
	if daysToAdd == 0 && reached(now, at) {
		daysToAdd = 7
	}
	return onDay(now.AddDate(0, 0, daysToAdd), at)
}

// nextMonthly always resolves to day 1 of a month.
func nextMonthly(at TimeOfDay, now time.Time) time.Time {
	if now.Day() > 1 || reached(now, at) {
		first := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
		return onDay(first, at)
	}
	return onDay(now, at)
}

// onDay pins the time of day onto base's calendar date.
func onDay(base time.Time, at TimeOfDay) time.Time {
	return time.Date(base.Year(), base.Month(), base.Day(), at.Hour, at.Minute, 0, 0, base.Location())
}

// reached reports whether now's time of day is at or past `at`. Equality
// is treated as passed.
func reached(now time.Time, at TimeOfDay) bool {
	return now.Hour()*60+now.Minute() >= at.Hour*60+at.Minute
}

// isoWeekday maps Go's Sunday=0 convention to ISO Monday=1 .. Sunday=7.
func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}
