package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule reads the spec a client passes to SCHEDULE SET:
//
//	"2025-01-01T18:00:00Z"  once, at an RFC 3339 time
//	"@every 30s"            repeatedly, at a fixed interval
//	"0 18 * * 1-5"          a 5-field cron expression (or @hourly, @daily, ...)
//
// A cron expression may start with "CRON_TZ=<zone> ".
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}

	if _, err := time.Parse(time.RFC3339, spec); err == nil {
		return Schedule{Kind: ScheduleKindAt, At: spec}, nil
	}

	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval: %w", err)
		}
		if d < time.Second {
			return Schedule{}, fmt.Errorf("interval must be at least 1s, got %s", d)
		}
		return Schedule{Kind: ScheduleKindEvery, EveryMs: d.Milliseconds()}, nil
	}

	s := Schedule{Kind: ScheduleKindCron, Expr: spec}
	if rest, ok := strings.CutPrefix(spec, "CRON_TZ="); ok {
		tz, expr, found := strings.Cut(rest, " ")
		if !found {
			return Schedule{}, fmt.Errorf("invalid cron expression: %q", spec)
		}
		s.TZ, s.Expr = tz, strings.TrimSpace(expr)
	}
	if _, err := CalculateNextRun(s, time.Now()); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// CalculateNextRun calculates the next run time after now.
func CalculateNextRun(schedule Schedule, now time.Time) (int64, error) {
	switch schedule.Kind {
	case ScheduleKindAt:
		return calculateAtSchedule(schedule)
	case ScheduleKindEvery:
		return calculateEverySchedule(schedule, now)
	case ScheduleKindCron:
		return calculateCronSchedule(schedule, now)
	default:
		return 0, fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}
}

func calculateAtSchedule(schedule Schedule) (int64, error) {
	if schedule.At == "" {
		return 0, fmt.Errorf("'at' schedule requires 'at' field")
	}
	t, err := time.Parse(time.RFC3339, schedule.At)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp: %w", err)
	}
	return t.UnixMilli(), nil
}

func calculateEverySchedule(schedule Schedule, now time.Time) (int64, error) {
	if schedule.EveryMs <= 0 {
		return 0, fmt.Errorf("'every' schedule requires positive interval")
	}
	return now.UnixMilli() + schedule.EveryMs, nil
}

func calculateCronSchedule(schedule Schedule, now time.Time) (int64, error) {
	if schedule.Expr == "" {
		return 0, fmt.Errorf("'cron' schedule requires an expression")
	}

	sched, err := specParser.Parse(schedule.Expr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression: %w", err)
	}

	if schedule.TZ != "" {
		loc, err := time.LoadLocation(schedule.TZ)
		if err != nil {
			return 0, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}

	return sched.Next(now).UnixMilli(), nil
}
