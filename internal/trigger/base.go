package trigger

import (
	"time"

	"github.com/dendrite-sched/dendrite/internal/clock"
	"github.com/dendrite-sched/dendrite/internal/job"
)

// base carries the schedule-independent fields every variant shares, so
// each variant struct only has to add its own schedule fields and
// implement the schedule-specific methods.
type base struct {
	key    job.Key
	jobKey job.Key

	startTime time.Time
	endTime   *time.Time

	nextFireTime     *time.Time
	previousFireTime *time.Time

	priority           int
	misfireInstruction int
	calendarName       string
	state              State
	timesTriggered     int

	description string

	clk clock.Provider
}

func newBase(key, jobKey job.Key) base {
	return base{key: key, jobKey: jobKey, priority: 5, state: StateWaiting}
}

func (b *base) Key() job.Key    { return b.key }
func (b *base) JobKey() job.Key { return b.jobKey }

func (b *base) StartTime() time.Time     { return b.startTime }
func (b *base) SetStartTime(t time.Time) { b.startTime = t }

func (b *base) EndTime() *time.Time     { return b.endTime }
func (b *base) SetEndTime(t *time.Time) { b.endTime = t }

func (b *base) NextFireTime() *time.Time     { return b.nextFireTime }
func (b *base) PreviousFireTime() *time.Time { return b.previousFireTime }

func (b *base) Priority() int     { return b.priority }
func (b *base) SetPriority(p int) { b.priority = p }

func (b *base) MisfireInstruction() int     { return b.misfireInstruction }
func (b *base) SetMisfireInstruction(i int) { b.misfireInstruction = i }

func (b *base) CalendarName() string     { return b.calendarName }
func (b *base) SetCalendarName(n string) { b.calendarName = n }

func (b *base) State() State     { return b.state }
func (b *base) SetState(s State) { b.state = s }

func (b *base) TimesTriggered() int { return b.timesTriggered }

func (b *base) GetFinalFireTime() *time.Time { return nil }

func (b *base) SetClock(c clock.Provider) { b.clk = c }

// now reads the current instant through the injected provider; triggers
// that were never handed one fall back to the process default.
func (b *base) now() time.Time {
	if b.clk != nil {
		return b.clk.Now().UTC()
	}
	return clock.Default.Now().UTC()
}

// resolveAfter maps the nil reference ("now") onto the clock.
func (b *base) resolveAfter(after *time.Time) time.Time {
	if after == nil {
		return b.now()
	}
	return *after
}

// exceedsEndTime reports whether a candidate fire time falls beyond
// endTime; nextFireTime never passes endTime when one is set.
func (b *base) exceedsEndTime(candidate time.Time) bool {
	return b.endTime != nil && candidate.After(*b.endTime)
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
