package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/shepherd/internal/store"
)

// NextRun computes the next firing time for a schedule, or zero time for a
// one-shot schedule that has already fired (last non-zero).
//
//   - cron: gronx next-tick in loc.
//   - interval: now + value, where value is a Go duration ("45m") or integer
//     milliseconds.
//   - once: the RFC3339 timestamp itself; no next fire after it ran.
func NextRun(scheduleType, value string, now time.Time, loc *time.Location, hasRun bool) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	switch scheduleType {
	case store.ScheduleCron:
		if !gronx.New().IsValid(value) {
			return time.Time{}, fmt.Errorf("invalid cron expression %q", value)
		}
		next, err := gronx.NextTickAfter(value, now.In(loc), false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron next tick: %w", err)
		}
		return next, nil

	case store.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil

	case store.ScheduleOnce:
		if hasRun {
			return time.Time{}, nil
		}
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid once timestamp %q: %w", value, err)
		}
		return at, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

func parseInterval(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %dms", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", d)
	}
	return d, nil
}
