package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
)

// CustomCalendar misfire instructions.
const (
	CustomCalendarMisfireFireOnceNow = iota + 1
	CustomCalendarMisfireDoNothing
)

// rruleEvalCap bounds a single RRULE evaluation so a pattern that matches
// (almost) nothing can't spin the evaluator forever. Documented safety
// bound; never configurable.
const rruleEvalCap = 500

// CustomCalendar fires on the occurrences of an RFC-5545 recurrence rule
// assembled from its fields, evaluated in its timezone. The timezone is
// set once at construction and never mutated afterwards.
type CustomCalendar struct {
	base
	Unit       IntervalUnit // Day, Week, Month, Year only
	Interval   int
	ByMonth    int    // 1..12; 0 means unset
	ByMonthDay string // comma list, e.g. "1,15,31"; empty means unset
	ByDay      string // comma list, e.g. "MO,1MO,-1FR"; empty means unset
	Location   *time.Location

	RepeatCount int
}

func NewCustomCalendar(key, jobKey job.Key, unit IntervalUnit, interval int, loc *time.Location) *CustomCalendar {
	if loc == nil {
		loc = time.UTC
	}
	return &CustomCalendar{
		base:        newBase(key, jobKey),
		Unit:        unit,
		Interval:    interval,
		Location:    loc,
		RepeatCount: RepeatIndefinitely,
	}
}

func (t *CustomCalendar) Kind() Kind { return KindCustomCalendar }

func (t *CustomCalendar) Validate() error {
	if t.Interval < 1 {
		return errors.New("custom calendar trigger: interval must be >= 1")
	}
	if t.RepeatCount != RepeatIndefinitely && t.RepeatCount < 0 {
		return errors.New("custom calendar trigger: repeatCount must be >= 0 or RepeatIndefinitely")
	}
	switch t.Unit {
	case UnitYear:
		if t.ByMonth < 1 || t.ByMonth > 12 {
			return errors.New("custom calendar trigger: Year unit requires byMonth in 1..12")
		}
		if t.ByDay == "" && t.ByMonthDay == "" {
			return errors.New("custom calendar trigger: Year unit requires byDay or byMonthDay")
		}
	case UnitMonth:
		if t.ByDay == "" && t.ByMonthDay == "" {
			return errors.New("custom calendar trigger: Month unit requires byDay or byMonthDay")
		}
	case UnitWeek:
		if t.ByDay == "" {
			return errors.New("custom calendar trigger: Week unit requires byDay")
		}
	case UnitDay:
	default:
		return fmt.Errorf("custom calendar trigger: unit must be Day, Week, Month or Year, got %v", t.Unit)
	}
	if t.ByMonth != 0 && (t.ByMonth < 1 || t.ByMonth > 12) {
		return fmt.Errorf("custom calendar trigger: byMonth %d out of range", t.ByMonth)
	}
	if _, err := parseByMonthDay(t.ByMonthDay); err != nil {
		return err
	}
	if _, err := parseByDay(t.ByDay); err != nil {
		return err
	}
	return nil
}

func (t *CustomCalendar) loc() *time.Location {
	if t.Location == nil {
		return time.UTC
	}
	return t.Location
}

func (t *CustomCalendar) frequency() rrule.Frequency {
	switch t.Unit {
	case UnitWeek:
		return rrule.WEEKLY
	case UnitMonth:
		return rrule.MONTHLY
	case UnitYear:
		return rrule.YEARLY
	default:
		return rrule.DAILY
	}
}

// RRuleString renders the schedule as an RFC-5545 RRULE pattern, e.g.
// "FREQ=MONTHLY;INTERVAL=2;BYDAY=WE,FR;COUNT=500".
func (t *CustomCalendar) RRuleString() string {
	parts := []string{
		"FREQ=" + map[rrule.Frequency]string{
			rrule.DAILY:   "DAILY",
			rrule.WEEKLY:  "WEEKLY",
			rrule.MONTHLY: "MONTHLY",
			rrule.YEARLY:  "YEARLY",
		}[t.frequency()],
		fmt.Sprintf("INTERVAL=%d", t.Interval),
	}
	if t.ByMonth != 0 {
		parts = append(parts, fmt.Sprintf("BYMONTH=%d", t.ByMonth))
	}
	if t.ByMonthDay != "" {
		parts = append(parts, "BYMONTHDAY="+strings.ReplaceAll(t.ByMonthDay, " ", ""))
	}
	if t.ByDay != "" {
		parts = append(parts, "BYDAY="+strings.ReplaceAll(t.ByDay, " ", ""))
	}
	parts = append(parts, fmt.Sprintf("COUNT=%d", rruleEvalCap))
	return strings.Join(parts, ";")
}

func (t *CustomCalendar) resolvedMisfireInstruction() int {
	if t.misfireInstruction == MisfireSmartPolicy {
		return CustomCalendarMisfireFireOnceNow
	}
	return t.misfireInstruction
}

func (t *CustomCalendar) ComputeFirstFireTime(cal calendar.Calendar) *time.Time {
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

// GetFireTimeAfter evaluates the recurrence rule from an effective start
// advanced forward by whole interval periods to just at-or-before the
// reference instant, which bounds the evaluator's work regardless of how
// far in the future the reference lies.
func (t *CustomCalendar) GetFireTimeAfter(after *time.Time) *time.Time {
	if t.RepeatCount != RepeatIndefinitely && t.timesTriggered > t.RepeatCount {
		return nil
	}

	ref := t.resolveAfter(after)
	if t.endTime != nil && !ref.Before(*t.endTime) {
		return nil
	}
	if ref.Before(t.startTime) {
		ref = t.startTime.Add(-time.Second)
	}

	bymonthday, err := parseByMonthDay(t.ByMonthDay)
	if err != nil {
		return nil
	}
	byweekday, err := parseByDay(t.ByDay)
	if err != nil {
		return nil
	}

	opt := rrule.ROption{
		Freq:       t.frequency(),
		Interval:   t.Interval,
		Dtstart:    t.advanceStart(ref).Truncate(time.Second),
		Count:      rruleEvalCap,
		Bymonthday: bymonthday,
		Byweekday:  byweekday,
	}
	if t.ByMonth != 0 {
		opt.Bymonth = []int{t.ByMonth}
	}
	if t.endTime != nil {
		opt.Until = t.endTime.In(t.loc())
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil
	}

	next := rule.After(ref.In(t.loc()).Truncate(time.Second), false)
	if next.IsZero() {
		return nil
	}
	if t.exceedsEndTime(next) {
		return nil
	}
	return &next
}

// advanceStart slides startTime forward in whole interval periods so the
// evaluation window begins as close to ref as possible without exceeding
// it; the occurrence set after ref is unchanged because only multiples of
// the interval are skipped.
func (t *CustomCalendar) advanceStart(ref time.Time) time.Time {
	start := t.startTime.In(t.loc())
	localRef := ref.In(t.loc())
	if !localRef.After(start) {
		return start
	}

	var stepped func(base time.Time, k int) time.Time
	var approx int
	switch t.Unit {
	case UnitDay:
		stepped = func(base time.Time, k int) time.Time { return base.AddDate(0, 0, k*t.Interval) }
		approx = int(localRef.Sub(start).Hours() / 24 / float64(t.Interval))
	case UnitWeek:
		stepped = func(base time.Time, k int) time.Time { return base.AddDate(0, 0, 7*k*t.Interval) }
		approx = int(localRef.Sub(start).Hours() / 24 / 7 / float64(t.Interval))
	case UnitMonth:
		stepped = func(base time.Time, k int) time.Time { return addMonthsClamped(base, k*t.Interval) }
		approx = monthsBetween(start, localRef) / t.Interval
	case UnitYear:
		stepped = func(base time.Time, k int) time.Time { return addMonthsClamped(base, 12*k*t.Interval) }
		approx = (localRef.Year() - start.Year()) / t.Interval
	default:
		return start
	}

	if approx < 0 {
		approx = 0
	}
	cand := stepped(start, approx)
	for cand.After(localRef) && approx > 0 {
		approx--
		cand = stepped(start, approx)
	}
	for next := stepped(start, approx+1); !next.After(localRef); next = stepped(start, approx+1) {
		approx++
		cand = next
	}
	return cand
}

func (t *CustomCalendar) Triggered(cal calendar.Calendar) {
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

func (t *CustomCalendar) UpdateAfterMisfire(cal calendar.Calendar) {
	instr := t.resolvedMisfireInstruction()
	if instr == MisfireIgnoreMisfirePolicy {
		return
	}
	now := t.now()
	switch instr {
	case CustomCalendarMisfireDoNothing:
		next := t.GetFireTimeAfter(&now)
		for next != nil && cal != nil && !cal.IsTimeIncluded(*next) {
			next = t.GetFireTimeAfter(next)
		}
		t.nextFireTime = next
	case CustomCalendarMisfireFireOnceNow:
		t.nextFireTime = &now
	}
}

func (t *CustomCalendar) UpdateWithNewCalendar(cal calendar.Calendar, misfireThreshold time.Duration) {
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

func (t *CustomCalendar) GetScheduleBuilder() ScheduleBuilder {
	return &CustomCalendarScheduleBuilder{
		Unit:               t.Unit,
		Interval:           t.Interval,
		ByMonth:            t.ByMonth,
		ByMonthDay:         t.ByMonthDay,
		ByDay:              t.ByDay,
		Location:           t.Location,
		RepeatCount:        t.RepeatCount,
		MisfireInstruction: t.misfireInstruction,
		Priority:           t.priority,
		StartTime:          t.startTime,
		EndTime:            t.endTime,
	}
}

func (t *CustomCalendar) Clone() Trigger {
	c := *t
	c.nextFireTime = cloneTimePtr(t.nextFireTime)
	c.previousFireTime = cloneTimePtr(t.previousFireTime)
	c.endTime = cloneTimePtr(t.endTime)
	return &c
}

// CustomCalendarScheduleBuilder reproduces a CustomCalendar trigger's
// schedule fields.
type CustomCalendarScheduleBuilder struct {
	Unit               IntervalUnit
	Interval           int
	ByMonth            int
	ByMonthDay         string
	ByDay              string
	Location           *time.Location
	RepeatCount        int
	MisfireInstruction int
	Priority           int
	StartTime          time.Time
	EndTime            *time.Time
}

func (b *CustomCalendarScheduleBuilder) Build(key, jobKey job.Key) Trigger {
	t := NewCustomCalendar(key, jobKey, b.Unit, b.Interval, b.Location)
	t.ByMonth = b.ByMonth
	t.ByMonthDay = b.ByMonthDay
	t.ByDay = b.ByDay
	t.RepeatCount = b.RepeatCount
	t.misfireInstruction = b.MisfireInstruction
	if b.Priority != 0 {
		t.priority = b.Priority
	}
	t.startTime = b.StartTime
	t.endTime = cloneTimePtr(b.EndTime)
	return t
}

// parseByMonthDay parses the comma list of month days. The list stays a
// string everywhere else (persistence, JSON); it is only converted to
// integers at the evaluation boundary.
func parseByMonthDay(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n == 0 || n > 31 || n < -31 {
			return nil, fmt.Errorf("custom calendar trigger: invalid byMonthDay entry %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

var weekdayTokens = map[string]rrule.Weekday{
	"SU": rrule.SU, "MO": rrule.MO, "TU": rrule.TU, "WE": rrule.WE,
	"TH": rrule.TH, "FR": rrule.FR, "SA": rrule.SA,
}

// parseByDay parses tokens like "MO", "1MO", "-1FR" into rrule weekdays
// with an optional ordinal prefix.
func parseByDay(s string) ([]rrule.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []rrule.Weekday
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if len(part) < 2 {
			return nil, fmt.Errorf("custom calendar trigger: invalid byDay entry %q", part)
		}
		day, ok := weekdayTokens[part[len(part)-2:]]
		if !ok {
			return nil, fmt.Errorf("custom calendar trigger: invalid byDay entry %q", part)
		}
		if prefix := part[:len(part)-2]; prefix != "" {
			n, err := strconv.Atoi(prefix)
			if err != nil || n == 0 || n > 5 || n < -5 {
				return nil, fmt.Errorf("custom calendar trigger: invalid byDay ordinal %q", part)
			}
			day = day.Nth(n)
		}
		out = append(out, day)
	}
	return out, nil
}
