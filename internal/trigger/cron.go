package trigger

import (
	"time"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
)

// Cron misfire instructions.
const (
	CronMisfireFireOnceNow = iota + 1
	CronMisfireDoNothing
)

// Cron fires on the instants described by a 7-field (seconds..year) cron
// expression, evaluated in a fixed timezone.
type Cron struct {
	base
	Expression string
	Location   *time.Location

	sched *cronSchedule
}

func NewCron(key, jobKey job.Key, expr string, loc *time.Location) (*Cron, error) {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := parseCronSchedule(expr, loc)
	if err != nil {
		return nil, err
	}
	return &Cron{base: newBase(key, jobKey), Expression: expr, Location: loc, sched: sched}, nil
}

func (t *Cron) Kind() Kind { return KindCron }

func (t *Cron) Validate() error {
	_, err := parseCronSchedule(t.Expression, t.Location)
	return err
}

func (t *Cron) ensureSchedule() {
	if t.sched == nil {
		t.sched, _ = parseCronSchedule(t.Expression, t.Location)
	}
}

func (t *Cron) resolvedMisfireInstruction() int {
	if t.misfireInstruction == MisfireSmartPolicy {
		return CronMisfireFireOnceNow
	}
	return t.misfireInstruction
}

func (t *Cron) ComputeFirstFireTime(cal calendar.Calendar) *time.Time {
	t.ensureSchedule()
	first := t.GetFireTimeAfter(&t.startTime)
	if first != nil {
		// startTime itself may be a valid fire instant; GetFireTimeAfter is
		// strict, so probe one nanosecond earlier to include it.
		if cand := t.sched.next(t.startTime.Add(-time.Nanosecond)); !cand.IsZero() && !cand.Before(t.startTime) && cand.Before(*first) {
			first = &cand
		}
	}
	if cal != nil {
		for first != nil && !cal.IsTimeIncluded(*first) {
			first = t.GetFireTimeAfter(first)
		}
	}
	t.nextFireTime = first
	return cloneTimePtr(first)
}

func (t *Cron) GetFireTimeAfter(after *time.Time) *time.Time {
	t.ensureSchedule()
	ref := t.resolveAfter(after)
	if ref.Before(t.startTime) {
		ref = t.startTime.Add(-time.Nanosecond)
	}
	next := t.sched.next(ref)
	if next.IsZero() {
		return nil
	}
	if t.exceedsEndTime(next) {
		return nil
	}
	return &next
}

func (t *Cron) Triggered(cal calendar.Calendar) {
	t.timesTriggered++
	t.previousFireTime = cloneTimePtr(t.nextFireTime)
	next := t.nextFireTime
	if next != nil {
		next = t.GetFireTimeAfter(next)
	}
	if cal != nil {
		for next != nil && !cal.IsTimeIncluded(*next) {
			next = t.GetFireTimeAfter(next)
		}
	}
	t.nextFireTime = next
}

func (t *Cron) UpdateAfterMisfire(cal calendar.Calendar) {
	instr := t.resolvedMisfireInstruction()
	if instr == MisfireIgnoreMisfirePolicy {
		return
	}
	now := t.now()
	switch instr {
	case CronMisfireDoNothing:
		next := t.GetFireTimeAfter(&now)
		if cal != nil {
			for next != nil && !cal.IsTimeIncluded(*next) {
				next = t.GetFireTimeAfter(next)
			}
		}
		t.nextFireTime = next
	case CronMisfireFireOnceNow:
		t.nextFireTime = &now
	}
}

func (t *Cron) UpdateWithNewCalendar(cal calendar.Calendar, misfireThreshold time.Duration) {
	next := t.GetFireTimeAfter(t.previousFireTime)
	for next != nil && cal != nil && !cal.IsTimeIncluded(*next) {
		next = t.GetFireTimeAfter(next)
		if next != nil && yearExceedsGuard(*next) {
			next = nil
			break
		}
	}
	t.nextFireTime = next
	if t.nextFireTime != nil && t.now().Sub(*t.nextFireTime) > misfireThreshold {
		now := t.now()
		t.nextFireTime = t.GetFireTimeAfter(&now)
	}
}

func (t *Cron) GetScheduleBuilder() ScheduleBuilder {
	return &CronScheduleBuilder{
		Expression:         t.Expression,
		Location:           t.Location,
		MisfireInstruction: t.misfireInstruction,
		Priority:           t.priority,
		StartTime:          t.startTime,
		EndTime:            t.endTime,
	}
}

func (t *Cron) Clone() Trigger {
	c := *t
	c.nextFireTime = cloneTimePtr(t.nextFireTime)
	c.previousFireTime = cloneTimePtr(t.previousFireTime)
	c.endTime = cloneTimePtr(t.endTime)
	c.sched = nil // re-parsed lazily; sched holds no mutable state worth sharing
	return &c
}

// CronScheduleBuilder reproduces a Cron trigger's schedule fields.
type CronScheduleBuilder struct {
	Expression         string
	Location           *time.Location
	MisfireInstruction int
	Priority           int
	StartTime          time.Time
	EndTime            *time.Time
}

func (b *CronScheduleBuilder) Build(key, jobKey job.Key) Trigger {
	t, err := NewCron(key, jobKey, b.Expression, b.Location)
	if err != nil {
		// Validate() surfaces the same error before scheduling; building
		// with a bad expression here would only happen after Validate was
		// skipped, so fail loud via panic is inappropriate — return an
		// unusable trigger with a nil schedule instead.
		t = &Cron{base: newBase(key, jobKey), Expression: b.Expression, Location: b.Location}
	}
	t.misfireInstruction = b.MisfireInstruction
	if b.Priority != 0 {
		t.priority = b.Priority
	}
	t.startTime = b.StartTime
	t.endTime = cloneTimePtr(b.EndTime)
	return t
}
