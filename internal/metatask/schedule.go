package metatask

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ErrNotSchedulable is returned for plans that are only triggered by API.
var ErrNotSchedulable = errors.New("plan has no schedule")

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Kind selects how a meta task is re-armed after it fires.
type Kind string

const (
	KindOnce       Kind = "ONCE"
	KindFixedRate  Kind = "FIXED_RATE"
	KindFixedDelay Kind = "FIXED_DELAY"
	KindCron       Kind = "CRON"
)

// Schedule is the re-arm policy of a meta task.
type Schedule struct {
	Kind     Kind
	Interval time.Duration
	Expr     string
	cron     cron.Schedule
}

// Once fires a single time.
func Once() Schedule { return Schedule{Kind: KindOnce} }

// FixedRate fires on prevDue + k*interval boundaries.
func FixedRate(interval time.Duration) Schedule {
	return Schedule{Kind: KindFixedRate, Interval: interval}
}

// FixedDelay fires interval after the previous run completed.
func FixedDelay(interval time.Duration) Schedule {
	return Schedule{Kind: KindFixedDelay, Interval: interval}
}

// Cron parses a cron expression; a leading seconds field is optional.
func Cron(expr string) (Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return Schedule{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Expr: expr, cron: s}, nil
}

// Next computes the due time following a firing that was due at prevDue and
// finished at completedAt. ok is false when the task must not be re-armed.
// It depends on nothing but its arguments.
func (s Schedule) Next(prevDue, completedAt time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case KindFixedRate:
		if s.Interval <= 0 {
			return time.Time{}, false
		}
		next = prevDue.Add(s.Interval)
		if !next.After(completedAt) {
			// skip boundaries missed while the body was running
			k := completedAt.Sub(prevDue)/s.Interval + 1
			next = prevDue.Add(k * s.Interval)
		}
		return next, true
	case KindFixedDelay:
		if s.Interval <= 0 {
			return time.Time{}, false
		}
		return completedAt.Add(s.Interval), true
	case KindCron:
		if s.cron == nil {
			return time.Time{}, false
		}
		from := prevDue
		if completedAt.After(from) {
			from = completedAt
		}
		next = s.cron.Next(from)
		return next, !next.IsZero()
	default:
		return time.Time{}, false
	}
}

// ForPlan maps a plan's schedule option onto a meta task schedule.
func ForPlan(typ types.ScheduleType, conf string) (Schedule, error) {
	switch typ {
	case types.ScheduleNone, "":
		return Schedule{}, ErrNotSchedulable
	case types.ScheduleDelayed:
		if _, err := parseDuration(conf); err != nil {
			return Schedule{}, err
		}
		return Once(), nil
	case types.ScheduleFixedRate, types.ScheduleFixedInterval:
		d, err := parseDuration(conf)
		if err != nil {
			return Schedule{}, err
		}
		if d == 0 {
			return Schedule{}, fmt.Errorf("%s requires a positive interval", typ)
		}
		if typ == types.ScheduleFixedRate {
			return FixedRate(d), nil
		}
		return FixedDelay(d), nil
	case types.ScheduleCron:
		return Cron(conf)
	default:
		return Schedule{}, fmt.Errorf("unknown schedule type %q", typ)
	}
}

// FirstTrigger returns the first trigger time of a plan created or updated at now.
func FirstTrigger(typ types.ScheduleType, conf string, now time.Time) (time.Time, error) {
	s, err := ForPlan(typ, conf)
	if err != nil {
		return time.Time{}, err
	}
	switch s.Kind {
	case KindOnce:
		d, _ := parseDuration(conf)
		return now.Add(d), nil
	case KindCron:
		return s.cron.Next(now), nil
	default:
		return now.Add(s.Interval), nil
	}
}

func parseDuration(conf string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(conf))
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", conf, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative interval %q", conf)
	}
	return d, nil
}
