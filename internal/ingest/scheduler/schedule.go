package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// intervalSchedule fires on the grid start + k*every. Unlike cron.Every it
// keeps sub-second precision.
type intervalSchedule struct {
	every time.Duration
}

// Next implements cron.Schedule.
func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

// nextFire returns the first fire time after now, given the previously
// scheduled instant. Interval schedules stay on the grid anchored at prev and
// skip slots that already passed; timer latency does not accumulate.
func nextFire(s cron.Schedule, prev, now time.Time) time.Time {
	is, ok := s.(intervalSchedule)
	if !ok {
		return s.Next(now)
	}
	next := prev.Add(is.every)
	if next.After(now) {
		return next
	}
	missed := now.Sub(prev) / is.every
	return prev.Add((missed + 1) * is.every)
}

// Every returns a schedule firing every d.
func Every(d time.Duration) cron.Schedule {
	if d <= 0 {
		d = time.Minute
	}
	return intervalSchedule{every: d}
}

// ParseCron parses a standard five-field cron expression. A leading
// CRON_TZ= or TZ= selects the time zone.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}
