package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const minuteMs = int64(time.Minute / time.Millisecond)

// fieldParser accepts the standard 5-field crontab grammar.
var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Resolved is a schedule translated to crontab-representable form.
type Resolved struct {
	Expr string
	TZ   string
}

// ResolveSchedule validates a schedule and translates it to a 5-field
// crontab expression. Failures are user-facing; messages surface verbatim.
func ResolveSchedule(s Schedule) (Resolved, error) {
	switch s.Kind {
	case ScheduleKindCron:
		return resolveCron(s)
	case ScheduleKindEvery:
		return resolveEvery(s)
	case ScheduleKindAt:
		return resolveAt(s)
	default:
		return Resolved{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

func resolveCron(s Schedule) (Resolved, error) {
	expr := strings.TrimSpace(s.Expr)
	if expr == "" {
		return Resolved{}, fmt.Errorf("cron schedule expression is required")
	}
	fields := strings.Fields(expr)
	if len(fields) == 6 {
		return Resolved{}, fmt.Errorf("cron schedule must use 5 fields (crontab has no seconds support)")
	}
	if len(fields) != 5 {
		return Resolved{}, fmt.Errorf("cron schedule must be a 5-field expression")
	}
	if _, err := fieldParser.Parse(expr); err != nil {
		return Resolved{}, fmt.Errorf("invalid cron expression: %s", expr)
	}
	// Feasibility, not correctness: cron(8) evaluates in the user's local
	// timezone and cannot stagger.
	if strings.TrimSpace(s.TZ) != "" {
		return Resolved{}, fmt.Errorf("cron schedule tz is not supported by crontab")
	}
	if s.StaggerMs > 0 {
		return Resolved{}, fmt.Errorf("cron schedule stagger is not supported by crontab")
	}
	return Resolved{Expr: expr}, nil
}

func resolveEvery(s Schedule) (Resolved, error) {
	if s.EveryMs <= 0 {
		return Resolved{}, fmt.Errorf("every schedule requires positive everyMs")
	}
	if s.AnchorMs != 0 {
		return Resolved{}, fmt.Errorf("every schedule anchor is not supported by crontab")
	}
	if s.EveryMs%minuteMs != 0 {
		return Resolved{}, fmt.Errorf("every schedule interval is not a multiple of one minute")
	}

	minutes := s.EveryMs / minuteMs
	switch {
	case minutes == 1:
		return Resolved{Expr: "* * * * *"}, nil
	case minutes < 60 && 60%minutes == 0:
		return Resolved{Expr: fmt.Sprintf("*/%d * * * *", minutes)}, nil
	}

	if minutes%60 == 0 {
		hours := minutes / 60
		switch {
		case hours == 1:
			return Resolved{Expr: "0 * * * *"}, nil
		case hours < 24 && 24%hours == 0:
			return Resolved{Expr: fmt.Sprintf("0 */%d * * *", hours)}, nil
		case hours%24 == 0:
			days := hours / 24
			if days == 1 {
				return Resolved{Expr: "0 0 * * *"}, nil
			}
			if days >= 1 && days <= 31 {
				return Resolved{Expr: fmt.Sprintf("0 0 */%d * *", days)}, nil
			}
		}
	}
	return Resolved{}, fmt.Errorf("every schedule interval is not representable in crontab")
}

func resolveAt(s Schedule) (Resolved, error) {
	t, err := ParseAt(s.At)
	if err != nil {
		return Resolved{}, err
	}
	// Crontab has minute granularity; subminute instants round up so the
	// job cannot fire before its requested time.
	if t.Second() > 0 || t.Nanosecond() > 0 {
		t = t.Add(time.Duration(60-t.Second())*time.Second - time.Duration(t.Nanosecond()))
	}
	expr := fmt.Sprintf("%d %d %d %d *", t.Minute(), t.Hour(), t.Day(), int(t.Month()))
	return Resolved{Expr: expr}, nil
}

// ParseAt parses an ISO-8601 instant for an "at" schedule.
func ParseAt(at string) (time.Time, error) {
	value := strings.TrimSpace(at)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("at schedule requires a valid ISO-8601 instant")
}

// ComputeNextRunAt returns the next fire time in unix ms, or nil when the
// job is disabled, past its one-shot instant, or not resolvable.
func ComputeNextRunAt(job *Job, now time.Time) *int64 {
	if !job.Enabled {
		return nil
	}
	if job.Schedule.Kind == ScheduleKindAt {
		t, err := ParseAt(job.Schedule.At)
		if err != nil || !t.After(now) {
			return nil
		}
		ms := t.UnixMilli()
		return &ms
	}
	resolved, err := ResolveSchedule(job.Schedule)
	if err != nil {
		return nil
	}
	sched, err := fieldParser.Parse(resolved.Expr)
	if err != nil {
		return nil
	}
	ms := sched.Next(now).UnixMilli()
	return &ms
}

// IsDue reports whether the job's schedule matches the current minute.
// Disabled jobs are never due.
func IsDue(job *Job, now time.Time) bool {
	if !job.Enabled {
		return false
	}
	if job.Schedule.Kind == ScheduleKindAt {
		t, err := ParseAt(job.Schedule.At)
		if err != nil {
			return false
		}
		return !t.After(now)
	}
	resolved, err := ResolveSchedule(job.Schedule)
	if err != nil {
		return false
	}
	sched, err := fieldParser.Parse(resolved.Expr)
	if err != nil {
		return false
	}
	// A job is due when its next tick from just before the top of this
	// minute lands within [minute start, now].
	windowStart := now.Truncate(time.Minute).Add(-time.Second)
	next := sched.Next(windowStart)
	return !next.After(now)
}
