// Package trigger implements the five trigger state machines
// (Simple, Cron, CalendarInterval, DailyTimeInterval, CustomCalendar) that
// translate a declarative schedule into a stream of UTC fire instants.
//
// Every variant implements Trigger and owns its own misfire handling; no
// inheritance chain is used. Each is a tagged struct behind the common
// interface.
package trigger

import (
	"time"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/clock"
	"github.com/dendrite-sched/dendrite/internal/job"
)

// State is the trigger lifecycle state.
// Transitions happen only inside the store, under a lock.
type State int

const (
	StateWaiting State = iota
	StateAcquired
	StateExecuting
	StateComplete
	StatePaused
	StateBlocked
	StateError
	StatePausedBlocked
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateAcquired:
		return "ACQUIRED"
	case StateExecuting:
		return "EXECUTING"
	case StateComplete:
		return "COMPLETE"
	case StatePaused:
		return "PAUSED"
	case StateBlocked:
		return "BLOCKED"
	case StateError:
		return "ERROR"
	case StatePausedBlocked:
		return "PAUSED_BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Common misfire instruction sentinels shared by every variant; each
// variant then defines its own instructions starting at 1.
const (
	MisfireSmartPolicy         = 0
	MisfireIgnoreMisfirePolicy = -1
)

// Kind discriminates the persisted/serialized trigger subtype; it is
// stored in the trigger_type column.
type Kind string

const (
	KindSimple            Kind = "SIMPLE"
	KindCron              Kind = "CRON"
	KindCalendarInterval  Kind = "CAL_INT"
	KindDailyTimeInterval Kind = "DAILY_I"
	KindCustomCalendar    Kind = "CUSTOM_CAL"
)

// Trigger is the contract every variant implements.
type Trigger interface {
	Key() job.Key
	JobKey() job.Key
	Kind() Kind

	StartTime() time.Time
	SetStartTime(t time.Time)
	EndTime() *time.Time
	SetEndTime(t *time.Time)

	NextFireTime() *time.Time
	PreviousFireTime() *time.Time

	Priority() int
	SetPriority(p int)

	MisfireInstruction() int
	SetMisfireInstruction(i int)

	CalendarName() string
	SetCalendarName(name string)

	State() State
	SetState(s State)

	TimesTriggered() int

	// SetClock injects the time provider all of this trigger's "now"
	// reads go through (misfire recovery, nil-reference fire-time
	// queries). Stores set it on every trigger they own; an unset clock
	// falls back to the process default.
	SetClock(c clock.Provider)

	// ComputeFirstFireTime must be called exactly once before first use.
	ComputeFirstFireTime(cal calendar.Calendar) *time.Time

	// Triggered advances previousFireTime/nextFireTime on fire.
	Triggered(cal calendar.Calendar)

	// GetFireTimeAfter is pure: the next valid instant strictly greater
	// than after (nil means "now"), or nil if the schedule is exhausted.
	GetFireTimeAfter(after *time.Time) *time.Time

	// GetFinalFireTime returns the last instant the schedule can produce;
	// nil for indefinite schedules.
	GetFinalFireTime() *time.Time

	UpdateAfterMisfire(cal calendar.Calendar)
	UpdateWithNewCalendar(cal calendar.Calendar, misfireThreshold time.Duration)

	Validate() error

	GetScheduleBuilder() ScheduleBuilder

	// Clone returns an independent copy; the store owns the canonical
	// trigger, callers outside it must only ever see clones.
	Clone() Trigger
}

// ScheduleBuilder reproduces the schedule-specific fields of the trigger
// that returned it.
type ScheduleBuilder interface {
	Build(key, jobKey job.Key) Trigger
}

// farFutureYearGuard bounds UpdateWithNewCalendar's re-search loop so a
// calendar that excludes (almost) everything can't spin forever.
const farFutureYearGuard = 2299

func yearExceedsGuard(t time.Time) bool { return t.Year() > farFutureYearGuard }
