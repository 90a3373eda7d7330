package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
)

// CalendarInterval misfire instructions.
const (
	CalendarIntervalMisfireFireOnceNow = iota + 1
	CalendarIntervalMisfireDoNothing
)

// CalendarInterval fires every `Interval` units of `Unit`, where Day and
// larger units use calendar arithmetic (end-of-month clamping, DST-aware
// day boundaries) instead of fixed durations.
type CalendarInterval struct {
	base
	Unit     IntervalUnit
	Interval int
	Location *time.Location

	// PreserveHourOfDay keeps the local wall-clock hour stable across DST
	// transitions for Day and larger units; when false a day is a fixed
	// 24 h duration.
	PreserveHourOfDay bool

	// SkipDayIfHourDoesNotExist skips forward a whole day when the
	// preserved hour falls inside a spring-forward gap; when false the
	// fire lands on the shifted instant the zone rules produce.
	SkipDayIfHourDoesNotExist bool
}

func NewCalendarInterval(key, jobKey job.Key, unit IntervalUnit, interval int, loc *time.Location) *CalendarInterval {
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarInterval{base: newBase(key, jobKey), Unit: unit, Interval: interval, Location: loc}
}

func (t *CalendarInterval) Kind() Kind { return KindCalendarInterval }

func (t *CalendarInterval) Validate() error {
	if t.Interval < 1 {
		return errors.New("calendar interval trigger: interval must be >= 1")
	}
	switch t.Unit {
	case UnitSecond, UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth, UnitYear:
		return nil
	default:
		return fmt.Errorf("calendar interval trigger: invalid interval unit %v", t.Unit)
	}
}

func (t *CalendarInterval) resolvedMisfireInstruction() int {
	if t.misfireInstruction == MisfireSmartPolicy {
		return CalendarIntervalMisfireFireOnceNow
	}
	return t.misfireInstruction
}

func (t *CalendarInterval) ComputeFirstFireTime(cal calendar.Calendar) *time.Time {
	first := &t.startTime
	if cal != nil {
		for first != nil && !cal.IsTimeIncluded(*first) {
			first = t.GetFireTimeAfter(first)
		}
	}
	t.nextFireTime = cloneTimePtr(first)
	return cloneTimePtr(first)
}

func (t *CalendarInterval) GetFireTimeAfter(after *time.Time) *time.Time {
	ref := t.resolveAfter(after)
	if ref.Before(t.startTime) {
		start := t.startTime
		return t.checkEnd(start)
	}

	var next time.Time
	if d := t.Unit.fixedDuration(); d > 0 {
		step := time.Duration(t.Interval) * d
		n := ref.Sub(t.startTime)/step + 1
		next = t.startTime.Add(time.Duration(n) * step)
	} else {
		next = t.nextCalendarUnit(ref)
	}
	return t.checkEnd(next)
}

// nextCalendarUnit advances from startTime in whole Day/Week/Month/Year
// steps until the candidate passes ref, jumping in bulk first so a
// far-future ref doesn't cost one iteration per interval.
func (t *CalendarInterval) nextCalendarUnit(ref time.Time) time.Time {
	start := t.startTime.In(t.Location)
	localRef := ref.In(t.Location)

	switch t.Unit {
	case UnitDay, UnitWeek:
		days := t.Interval
		if t.Unit == UnitWeek {
			days *= 7
		}
		if !t.PreserveHourOfDay {
			step := time.Duration(days) * 24 * time.Hour
			n := ref.Sub(t.startTime)/step + 1
			return t.startTime.Add(time.Duration(n) * step)
		}
		// Bulk-jump using the elapsed day estimate, then settle by single
		// steps; AddDate in the trigger zone preserves the wall-clock hour.
		approx := int(localRef.Sub(start).Hours()/24) / days * days
		cand := start.AddDate(0, 0, approx)
		for !cand.After(localRef) {
			cand = cand.AddDate(0, 0, days)
		}
		for prev := cand.AddDate(0, 0, -days); prev.After(localRef); prev = cand.AddDate(0, 0, -days) {
			cand = prev
		}
		return t.resolveHourGap(cand, days)
	case UnitMonth:
		// Always advance from start, not from the previous candidate, so
		// end-of-month clamping never compounds (Jan 31 -> Feb 29 -> Mar 31).
		months := monthsBetween(start, localRef) / t.Interval * t.Interval
		cand := addMonthsClamped(start, months)
		for !cand.After(localRef) {
			months += t.Interval
			cand = addMonthsClamped(start, months)
		}
		return t.resolveHourGap(cand, 0)
	case UnitYear:
		years := (localRef.Year() - start.Year()) / t.Interval * t.Interval
		if years < 0 {
			years = 0
		}
		cand := addMonthsClamped(start, years*12)
		for !cand.After(localRef) {
			years += t.Interval
			cand = addMonthsClamped(start, years*12)
		}
		return t.resolveHourGap(cand, 0)
	default:
		return time.Time{}
	}
}

// resolveHourGap handles a candidate whose preserved hour fell into a DST
// spring-forward gap. time.Date has already normalized the instant; we
// detect the shift by comparing the wall-clock hour with the start's.
func (t *CalendarInterval) resolveHourGap(cand time.Time, stepDays int) time.Time {
	if !t.PreserveHourOfDay {
		return cand
	}
	want := t.startTime.In(t.Location).Hour()
	rebuilt := time.Date(cand.Year(), cand.Month(), cand.Day(), want, cand.Minute(), cand.Second(), 0, t.Location)
	if rebuilt.Hour() == want {
		return rebuilt
	}
	if t.SkipDayIfHourDoesNotExist {
		next := cand.AddDate(0, 0, 1)
		if stepDays > 1 {
			next = cand.AddDate(0, 0, stepDays)
		}
		return time.Date(next.Year(), next.Month(), next.Day(), want, next.Minute(), next.Second(), 0, t.Location)
	}
	return rebuilt
}

func monthsBetween(a, b time.Time) int {
	m := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	if m < 0 {
		return 0
	}
	return m
}

func (t *CalendarInterval) checkEnd(cand time.Time) *time.Time {
	if cand.IsZero() || t.exceedsEndTime(cand) {
		return nil
	}
	return &cand
}

func (t *CalendarInterval) Triggered(cal calendar.Calendar) {
	t.timesTriggered++
	t.previousFireTime = cloneTimePtr(t.nextFireTime)
	next := t.nextFireTime
	if next != nil {
		next = t.GetFireTimeAfter(next)
	}
	if cal != nil {
		for next != nil && !cal.IsTimeIncluded(*next) {
			next = t.GetFireTimeAfter(next)
			if next != nil && yearExceedsGuard(*next) {
				next = nil
			}
		}
	}
	t.nextFireTime = next
}

func (t *CalendarInterval) UpdateAfterMisfire(cal calendar.Calendar) {
	instr := t.resolvedMisfireInstruction()
	if instr == MisfireIgnoreMisfirePolicy {
		return
	}
	now := t.now()
	switch instr {
	case CalendarIntervalMisfireDoNothing:
		next := t.GetFireTimeAfter(&now)
		for next != nil && cal != nil && !cal.IsTimeIncluded(*next) {
			next = t.GetFireTimeAfter(next)
		}
		t.nextFireTime = next
	case CalendarIntervalMisfireFireOnceNow:
		t.nextFireTime = &now
	}
}

func (t *CalendarInterval) UpdateWithNewCalendar(cal calendar.Calendar, misfireThreshold time.Duration) {
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

func (t *CalendarInterval) GetScheduleBuilder() ScheduleBuilder {
	return &CalendarIntervalScheduleBuilder{
		Unit:                      t.Unit,
		Interval:                  t.Interval,
		Location:                  t.Location,
		PreserveHourOfDay:         t.PreserveHourOfDay,
		SkipDayIfHourDoesNotExist: t.SkipDayIfHourDoesNotExist,
		MisfireInstruction:        t.misfireInstruction,
		Priority:                  t.priority,
		StartTime:                 t.startTime,
		EndTime:                   t.endTime,
	}
}

func (t *CalendarInterval) Clone() Trigger {
	c := *t
	c.nextFireTime = cloneTimePtr(t.nextFireTime)
	c.previousFireTime = cloneTimePtr(t.previousFireTime)
	c.endTime = cloneTimePtr(t.endTime)
	return &c
}

// CalendarIntervalScheduleBuilder reproduces a CalendarInterval trigger's
// schedule fields.
type CalendarIntervalScheduleBuilder struct {
	Unit                      IntervalUnit
	Interval                  int
	Location                  *time.Location
	PreserveHourOfDay         bool
	SkipDayIfHourDoesNotExist bool
	MisfireInstruction        int
	Priority                  int
	StartTime                 time.Time
	EndTime                   *time.Time
}

func (b *CalendarIntervalScheduleBuilder) Build(key, jobKey job.Key) Trigger {
	t := NewCalendarInterval(key, jobKey, b.Unit, b.Interval, b.Location)
	t.PreserveHourOfDay = b.PreserveHourOfDay
	t.SkipDayIfHourDoesNotExist = b.SkipDayIfHourDoesNotExist
	t.misfireInstruction = b.MisfireInstruction
	if b.Priority != 0 {
		t.priority = b.Priority
	}
	t.startTime = b.StartTime
	t.endTime = cloneTimePtr(b.EndTime)
	return t
}
