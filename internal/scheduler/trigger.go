// ABOUTME: Trigger kinds deciding when a BaseJob becomes due: one-shot, interval, cron.
// ABOUTME: TriggerSpec is the serialized form used by the store and the API layer.

package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// minInterval guards against interval triggers that would busy-loop the
// engine.
const minInterval = time.Second

// Trigger decides when a job fires.
//
// First may return a time in the past; the engine treats that as "due now"
// so a missed window fires once immediately (catch-up), never once per
// missed interval. Next must return a time strictly after now, or the zero
// time when the trigger is exhausted.
type Trigger interface {
	First(now time.Time) time.Time
	Next(now time.Time) time.Time
}

// OnceTrigger fires exactly once at a fixed timestamp.
type OnceTrigger struct {
	At time.Time
}

func (t OnceTrigger) First(time.Time) time.Time { return t.At }
func (t OnceTrigger) Next(time.Time) time.Time  { return time.Time{} }

// IntervalTrigger fires on a fixed cadence, first fire one interval after
// scheduling.
type IntervalTrigger struct {
	Every time.Duration
}

func (t IntervalTrigger) First(now time.Time) time.Time { return now.Add(t.Every) }
func (t IntervalTrigger) Next(now time.Time) time.Time  { return now.Add(t.Every) }

// CronTrigger fires on a standard 5-field cron expression.
type CronTrigger struct {
	schedule cron.Schedule
	Expr     string
}

// NewCronTrigger parses expr with the standard minute-resolution grammar.
func NewCronTrigger(expr string) (CronTrigger, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return CronTrigger{}, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	return CronTrigger{schedule: schedule, Expr: expr}, nil
}

func (t CronTrigger) First(now time.Time) time.Time { return t.schedule.Next(now) }
func (t CronTrigger) Next(now time.Time) time.Time  { return t.schedule.Next(now) }

// Trigger spec kinds.
const (
	TriggerOnce     = "once"
	TriggerInterval = "interval"
	TriggerCron     = "cron"
)

// TriggerSpec is the serializable description of a trigger.
type TriggerSpec struct {
	Kind  string    `json:"kind"`
	At    time.Time `json:"at,omitempty"`    // once
	Every string    `json:"every,omitempty"` // interval, Go duration syntax
	Expr  string    `json:"expr,omitempty"`  // cron
}

// Build materializes the spec into a Trigger.
func (s TriggerSpec) Build() (Trigger, error) {
	switch s.Kind {
	case TriggerOnce:
		if s.At.IsZero() {
			return nil, fmt.Errorf("once trigger requires a timestamp")
		}
		return OnceTrigger{At: s.At}, nil
	case TriggerInterval:
		every, err := time.ParseDuration(s.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing interval %q: %w", s.Every, err)
		}
		if every < minInterval {
			return nil, fmt.Errorf("interval %s is below the %s minimum", every, minInterval)
		}
		return IntervalTrigger{Every: every}, nil
	case TriggerCron:
		return NewCronTrigger(s.Expr)
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", s.Kind)
	}
}
