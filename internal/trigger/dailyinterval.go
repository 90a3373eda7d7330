package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
)

// DailyTimeInterval misfire instructions.
const (
	DailyTimeIntervalMisfireFireOnceNow = iota + 1
	DailyTimeIntervalMisfireDoNothing
)

// DailyTimeInterval fires every `Interval` units inside the daily window
// [StartTimeOfDay, EndTimeOfDay], on the included days of week, then
// advances to the next included day.
type DailyTimeInterval struct {
	base
	StartTimeOfDay TimeOfDay
	EndTimeOfDay   TimeOfDay
	DaysOfWeek     map[time.Weekday]bool
	Unit           IntervalUnit // Second, Minute, Hour only
	Interval       int
	Location       *time.Location

	// RepeatCount bounds the total number of fires; RepeatIndefinitely
	// for unbounded.
	RepeatCount int
}

func NewDailyTimeInterval(key, jobKey job.Key, start, end TimeOfDay, unit IntervalUnit, interval int) *DailyTimeInterval {
	return &DailyTimeInterval{
		base:           newBase(key, jobKey),
		StartTimeOfDay: start,
		EndTimeOfDay:   end,
		DaysOfWeek:     AllDaysOfWeek(),
		Unit:           unit,
		Interval:       interval,
		Location:       time.UTC,
		RepeatCount:    RepeatIndefinitely,
	}
}

// AllDaysOfWeek is the default day set: every day included.
func AllDaysOfWeek() map[time.Weekday]bool {
	all := make(map[time.Weekday]bool, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		all[d] = true
	}
	return all
}

func (t *DailyTimeInterval) Kind() Kind { return KindDailyTimeInterval }

func (t *DailyTimeInterval) Validate() error {
	if t.Interval < 1 {
		return errors.New("daily time interval trigger: interval must be >= 1")
	}
	switch t.Unit {
	case UnitSecond, UnitMinute, UnitHour:
	default:
		return fmt.Errorf("daily time interval trigger: unit must be Second, Minute or Hour, got %v", t.Unit)
	}
	if err := t.StartTimeOfDay.Validate(); err != nil {
		return err
	}
	if err := t.EndTimeOfDay.Validate(); err != nil {
		return err
	}
	if t.EndTimeOfDay.Before(t.StartTimeOfDay) {
		return errors.New("daily time interval trigger: endTimeOfDay is before startTimeOfDay")
	}
	if len(t.DaysOfWeek) == 0 {
		return errors.New("daily time interval trigger: empty days-of-week set")
	}
	included := false
	for _, ok := range t.DaysOfWeek {
		included = included || ok
	}
	if !included {
		return errors.New("daily time interval trigger: no day of week is included")
	}
	if t.RepeatCount != RepeatIndefinitely && t.RepeatCount < 0 {
		return errors.New("daily time interval trigger: repeatCount must be >= 0 or RepeatIndefinitely")
	}
	return nil
}

func (t *DailyTimeInterval) loc() *time.Location {
	if t.Location == nil {
		return time.UTC
	}
	return t.Location
}

func (t *DailyTimeInterval) resolvedMisfireInstruction() int {
	if t.misfireInstruction == MisfireSmartPolicy {
		return DailyTimeIntervalMisfireFireOnceNow
	}
	return t.misfireInstruction
}

func (t *DailyTimeInterval) ComputeFirstFireTime(cal calendar.Calendar) *time.Time {
	before := t.startTime.Add(-time.Second)
	first := t.GetFireTimeAfter(&before)
	if cal != nil {
		for first != nil && !cal.IsTimeIncluded(*first) {
			first = t.GetFireTimeAfter(first)
		}
	}
	t.nextFireTime = cloneTimePtr(first)
	return cloneTimePtr(first)
}

func (t *DailyTimeInterval) GetFireTimeAfter(after *time.Time) *time.Time {
	if t.RepeatCount != RepeatIndefinitely && t.timesTriggered > t.RepeatCount {
		return nil
	}

	ref := t.resolveAfter(after)
	if ref.Before(t.startTime) {
		ref = t.startTime.Add(-time.Second)
	}

	step := time.Duration(t.Interval) * t.Unit.fixedDuration()
	day := ref.In(t.loc())

	// At most about eight years (8×366 days) of day-stepping; an all-excluded week set
	// is rejected by Validate, so this bound is never the exit path in
	// practice.
	for i := 0; i < 8*366; i++ {
		if t.DaysOfWeek[day.Weekday()] {
			winStart := t.StartTimeOfDay.On(day)
			winEnd := t.EndTimeOfDay.On(day)
			switch {
			case ref.Before(winStart):
				return t.checkEnd(winStart)
			case !ref.After(winEnd):
				n := ref.Sub(winStart)/step + 1
				cand := winStart.Add(time.Duration(n) * step)
				if !cand.After(winEnd) {
					return t.checkEnd(cand)
				}
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.loc()).AddDate(0, 0, 1)
		ref = day.Add(-time.Second)
	}
	return nil
}

func (t *DailyTimeInterval) checkEnd(cand time.Time) *time.Time {
	if t.exceedsEndTime(cand) {
		return nil
	}
	return &cand
}

func (t *DailyTimeInterval) Triggered(cal calendar.Calendar) {
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

func (t *DailyTimeInterval) UpdateAfterMisfire(cal calendar.Calendar) {
	instr := t.resolvedMisfireInstruction()
	if instr == MisfireIgnoreMisfirePolicy {
		return
	}
	now := t.now()
	switch instr {
	case DailyTimeIntervalMisfireDoNothing:
		next := t.GetFireTimeAfter(&now)
		for next != nil && cal != nil && !cal.IsTimeIncluded(*next) {
			next = t.GetFireTimeAfter(next)
		}
		t.nextFireTime = next
	case DailyTimeIntervalMisfireFireOnceNow:
		t.nextFireTime = &now
	}
}

func (t *DailyTimeInterval) UpdateWithNewCalendar(cal calendar.Calendar, misfireThreshold time.Duration) {
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

func (t *DailyTimeInterval) GetScheduleBuilder() ScheduleBuilder {
	days := make(map[time.Weekday]bool, len(t.DaysOfWeek))
	for d, ok := range t.DaysOfWeek {
		days[d] = ok
	}
	return &DailyTimeIntervalScheduleBuilder{
		StartTimeOfDay:     t.StartTimeOfDay,
		EndTimeOfDay:       t.EndTimeOfDay,
		DaysOfWeek:         days,
		Unit:               t.Unit,
		Interval:           t.Interval,
		Location:           t.Location,
		RepeatCount:        t.RepeatCount,
		MisfireInstruction: t.misfireInstruction,
		Priority:           t.priority,
		StartTime:          t.startTime,
		EndTime:            t.endTime,
	}
}

func (t *DailyTimeInterval) Clone() Trigger {
	c := *t
	c.nextFireTime = cloneTimePtr(t.nextFireTime)
	c.previousFireTime = cloneTimePtr(t.previousFireTime)
	c.endTime = cloneTimePtr(t.endTime)
	c.DaysOfWeek = make(map[time.Weekday]bool, len(t.DaysOfWeek))
	for d, ok := range t.DaysOfWeek {
		c.DaysOfWeek[d] = ok
	}
	return &c
}

// DailyTimeIntervalScheduleBuilder reproduces a DailyTimeInterval
// trigger's schedule fields.
type DailyTimeIntervalScheduleBuilder struct {
	StartTimeOfDay     TimeOfDay
	EndTimeOfDay       TimeOfDay
	DaysOfWeek         map[time.Weekday]bool
	Unit               IntervalUnit
	Interval           int
	Location           *time.Location
	RepeatCount        int
	MisfireInstruction int
	Priority           int
	StartTime          time.Time
	EndTime            *time.Time
}

func (b *DailyTimeIntervalScheduleBuilder) Build(key, jobKey job.Key) Trigger {
	t := NewDailyTimeInterval(key, jobKey, b.StartTimeOfDay, b.EndTimeOfDay, b.Unit, b.Interval)
	if b.DaysOfWeek != nil {
		t.DaysOfWeek = make(map[time.Weekday]bool, len(b.DaysOfWeek))
		for d, ok := range b.DaysOfWeek {
			t.DaysOfWeek[d] = ok
		}
	}
	if b.Location != nil {
		t.Location = b.Location
	}
	t.RepeatCount = b.RepeatCount
	t.misfireInstruction = b.MisfireInstruction
	if b.Priority != 0 {
		t.priority = b.Priority
	}
	t.startTime = b.StartTime
	t.endTime = cloneTimePtr(b.EndTime)
	return t
}
