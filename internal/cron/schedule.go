// Package cron schedules synthetic turns: each configured job computes due
// instants from an interval or cron expression and hands a rendered message
// to a runner, which injects it into the target session like any inbound
// message.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed job schedule: either a fixed interval or a cron
// expression, optionally pinned to a timezone.
type Schedule struct {
	Kind     string
	Every    time.Duration
	CronExpr string
	Timezone string

	spec cron.Schedule
	loc  *time.Location
}

// ParseSchedule parses a schedule string. "every <duration>" produces an
// interval schedule; anything else must be a cron expression (descriptors
// like "@hourly" included, seconds field optional).
func ParseSchedule(value, timezone string) (Schedule, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Schedule{}, fmt.Errorf("schedule is required")
	}

	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		loc = parsed
	}

	if rest, ok := strings.CutPrefix(value, "every "); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if every < time.Second {
			return Schedule{}, fmt.Errorf("interval %s is below 1s", every)
		}
		return Schedule{Kind: "every", Every: every, Timezone: timezone, loc: loc}, nil
	}

	spec, err := cronParser.Parse(value)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
	}
	return Schedule{Kind: "cron", CronExpr: value, Timezone: timezone, spec: spec, loc: loc}, nil
}

// Next returns the first due instant strictly after now. ok is false when
// the schedule will never fire again.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case "every":
		return now.Add(s.Every), true
	case "cron":
		if s.spec == nil {
			return time.Time{}, false
		}
		next := s.spec.Next(now.In(s.loc))
		return next, !next.IsZero()
	default:
		return time.Time{}, false
	}
}

func (s Schedule) String() string {
	if s.Kind == "every" {
		return "every " + s.Every.String()
	}
	return s.CronExpr
}
