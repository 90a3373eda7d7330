package trigger

import (
	"errors"
	"time"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
)

// RepeatIndefinitely is the repeatCount sentinel meaning "never stop".
const RepeatIndefinitely = -1

// Simple misfire instructions.
const (
	SimpleMisfireFireNow = iota + 1
	SimpleMisfireRescheduleNowWithExistingRepeatCount
	SimpleMisfireRescheduleNowWithRemainingRepeatCount
	SimpleMisfireRescheduleNextWithRemainingCount
	SimpleMisfireRescheduleNextWithExistingCount
)

// Simple fires at startTime + k*interval for k = 0..repeatCount.
type Simple struct {
	base
	RepeatInterval time.Duration
	RepeatCount    int // RepeatIndefinitely (-1) for unbounded
}

func NewSimple(key, jobKey job.Key, interval time.Duration, repeatCount int) *Simple {
	return &Simple{base: newBase(key, jobKey), RepeatInterval: interval, RepeatCount: repeatCount}
}

func (t *Simple) Kind() Kind { return KindSimple }

func (t *Simple) Validate() error {
	if t.RepeatCount != RepeatIndefinitely && t.RepeatCount < 0 {
		return errors.New("simple trigger: repeatCount must be >= 0 or RepeatIndefinitely")
	}
	if t.RepeatCount != 0 && t.RepeatInterval < 0 {
		return errors.New("simple trigger: repeatInterval must be >= 0")
	}
	return nil
}

func (t *Simple) resolvedMisfireInstruction() int {
	if t.misfireInstruction == MisfireSmartPolicy {
		if t.RepeatCount == 0 {
			return SimpleMisfireFireNow
		}
		return SimpleMisfireRescheduleNowWithRemainingRepeatCount
	}
	return t.misfireInstruction
}

func (t *Simple) ComputeFirstFireTime(cal calendar.Calendar) *time.Time {
	first := t.startTime
	if cal != nil {
		for !cal.IsTimeIncluded(first) {
			first = first.Add(time.Second)
			if t.exceedsEndTime(first) {
				t.nextFireTime = nil
				return nil
			}
		}
	}
	t.nextFireTime = &first
	return cloneTimePtr(t.nextFireTime)
}

func (t *Simple) GetFireTimeAfter(after *time.Time) *time.Time {
	if t.RepeatCount == 0 && t.timesTriggered > 0 {
		return nil
	}

	ref := t.resolveAfter(after)
	if ref.Before(t.startTime) {
		ref = t.startTime.Add(-time.Nanosecond)
	}
	if t.RepeatCount != RepeatIndefinitely && t.timesTriggered > t.RepeatCount {
		return nil
	}

	if t.RepeatInterval == 0 {
		// A single-shot trigger (repeatCount 0, interval 0): only startTime
		// itself, and only if it's still ahead of ref.
		if t.startTime.After(ref) {
			return cloneTimePtr(&t.startTime)
		}
		return nil
	}

	numberOfTimesExecuted := int64(0)
	if !ref.Before(t.startTime) {
		numberOfTimesExecuted = int64(ref.Sub(t.startTime)/t.RepeatInterval) + 1
	}

	if t.RepeatCount != RepeatIndefinitely && numberOfTimesExecuted > int64(t.RepeatCount) {
		return nil
	}

	candidate := t.startTime.Add(time.Duration(numberOfTimesExecuted) * t.RepeatInterval)
	if t.exceedsEndTime(candidate) {
		return nil
	}
	return &candidate
}

func (t *Simple) Triggered(cal calendar.Calendar) {
	t.timesTriggered++
	t.previousFireTime = cloneTimePtr(t.nextFireTime)
	next := t.nextFireAfterPrevious()
	for next != nil && cal != nil && !cal.IsTimeIncluded(*next) {
		t.timesTriggered++
		next = t.fireTimeAfterCandidate(*next)
	}
	t.nextFireTime = next
}

// nextFireAfterPrevious computes the schedule's next candidate irrespective
// of calendar exclusion, used by Triggered before the exclusion loop.
func (t *Simple) nextFireAfterPrevious() *time.Time {
	if t.RepeatCount != RepeatIndefinitely && t.timesTriggered > t.RepeatCount {
		return nil
	}
	if t.RepeatInterval == 0 {
		return nil
	}
	candidate := t.previousFireTime.Add(t.RepeatInterval)
	if t.exceedsEndTime(candidate) {
		return nil
	}
	return &candidate
}

func (t *Simple) fireTimeAfterCandidate(candidate time.Time) *time.Time {
	if t.RepeatCount != RepeatIndefinitely && t.timesTriggered > t.RepeatCount {
		return nil
	}
	next := candidate.Add(t.RepeatInterval)
	if t.exceedsEndTime(next) {
		return nil
	}
	return &next
}

func (t *Simple) UpdateAfterMisfire(cal calendar.Calendar) {
	instr := t.resolvedMisfireInstruction()
	now := t.now()

	switch instr {
	case SimpleMisfireFireNow:
		t.nextFireTime = &now
	case SimpleMisfireRescheduleNowWithExistingRepeatCount:
		t.nextFireTime = &now
	case SimpleMisfireRescheduleNowWithRemainingRepeatCount:
		if t.RepeatCount != RepeatIndefinitely {
			t.RepeatCount -= t.timesTriggered
		}
		t.nextFireTime = &now
	case SimpleMisfireRescheduleNextWithRemainingCount:
		if t.RepeatCount != RepeatIndefinitely {
			t.RepeatCount -= t.timesTriggered
		}
		t.nextFireTime = t.GetFireTimeAfter(&now)
	case SimpleMisfireRescheduleNextWithExistingCount:
		t.nextFireTime = t.GetFireTimeAfter(&now)
	default: // Ignore
	}

	if t.nextFireTime != nil && cal != nil {
		for t.nextFireTime != nil && !cal.IsTimeIncluded(*t.nextFireTime) {
			t.nextFireTime = t.GetFireTimeAfter(t.nextFireTime)
		}
	}
}

func (t *Simple) UpdateWithNewCalendar(cal calendar.Calendar, misfireThreshold time.Duration) {
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
		fireAfter := t.GetFireTimeAfter(&now)
		t.nextFireTime = fireAfter
	}
}

func (t *Simple) GetScheduleBuilder() ScheduleBuilder {
	return &SimpleScheduleBuilder{
		Interval:           t.RepeatInterval,
		RepeatCount:        t.RepeatCount,
		MisfireInstruction: t.misfireInstruction,
		Priority:           t.priority,
		StartTime:          t.startTime,
		EndTime:            t.endTime,
	}
}

func (t *Simple) Clone() Trigger {
	c := *t
	c.nextFireTime = cloneTimePtr(t.nextFireTime)
	c.previousFireTime = cloneTimePtr(t.previousFireTime)
	c.endTime = cloneTimePtr(t.endTime)
	return &c
}

// SimpleScheduleBuilder reproduces a Simple trigger's schedule fields.
type SimpleScheduleBuilder struct {
	Interval           time.Duration
	RepeatCount        int
	MisfireInstruction int
	Priority           int
	StartTime          time.Time
	EndTime            *time.Time
}

func (b *SimpleScheduleBuilder) Build(key, jobKey job.Key) Trigger {
	t := NewSimple(key, jobKey, b.Interval, b.RepeatCount)
	t.misfireInstruction = b.MisfireInstruction
	if b.Priority != 0 {
		t.priority = b.Priority
	}
	t.startTime = b.StartTime
	t.endTime = cloneTimePtr(b.EndTime)
	return t
}
