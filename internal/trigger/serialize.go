package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dendrite-sched/dendrite/internal/job"
)

// envelope is the wire form shared by every trigger subtype; the
// schedule-specific fields live under Schedule, keyed by the Type
// discriminator.
type envelope struct {
	Type string `json:"Type"`

	Name     string `json:"Name"`
	Group    string `json:"Group"`
	JobName  string `json:"JobName"`
	JobGroup string `json:"JobGroup"`

	StartTimeUTC        time.Time  `json:"StartTimeUTC"`
	EndTimeUTC          *time.Time `json:"EndTimeUTC,omitempty"`
	NextFireTimeUTC     *time.Time `json:"NextFireTimeUTC,omitempty"`
	PreviousFireTimeUTC *time.Time `json:"PreviousFireTimeUTC,omitempty"`

	Priority           int    `json:"Priority"`
	MisfireInstruction int    `json:"MisfireInstruction"`
	CalendarName       string `json:"CalendarName,omitempty"`
	TimesTriggered     int    `json:"TimesTriggered"`

	Schedule json.RawMessage `json:"Schedule"`
}

type simpleSchedule struct {
	RepeatCount      int   `json:"RepeatCount"`
	RepeatIntervalMs int64 `json:"RepeatIntervalMs"`
}

type cronSchedulePayload struct {
	CronExpression string `json:"CronExpression"`
	TimeZone       string `json:"TimeZone"`
}

type calendarIntervalSchedule struct {
	RepeatInterval     int    `json:"RepeatInterval"`
	RepeatIntervalUnit string `json:"RepeatIntervalUnit"`
	TimeZone           string `json:"TimeZone"`
	PreserveHourOfDay  bool   `json:"PreserveHourOfDayAcrossDaylightSavings"`
	SkipDayIfNoHour    bool   `json:"SkipDayIfHourDoesNotExist"`
}

type timeOfDayPayload struct {
	Hour   int `json:"Hour"`
	Minute int `json:"Minute"`
	Second int `json:"Second"`
}

type dailyIntervalSchedule struct {
	RepeatCount        int              `json:"RepeatCount"`
	RepeatInterval     int              `json:"RepeatInterval"`
	RepeatIntervalUnit string           `json:"RepeatIntervalUnit"`
	StartTimeOfDay     timeOfDayPayload `json:"StartTimeOfDay"`
	EndTimeOfDay       timeOfDayPayload `json:"EndTimeOfDay"`
	DaysOfWeek         []int            `json:"DaysOfWeek"`
	TimeZone           string           `json:"TimeZone"`
}

type customCalendarSchedule struct {
	RepeatCount        int     `json:"RepeatCount"`
	RepeatInterval     int     `json:"RepeatInterval"`
	RepeatIntervalUnit string  `json:"RepeatIntervalUnit"`
	ByMonth            int     `json:"ByMonth"`
	ByMonthDay         *string `json:"ByMonthDay,omitempty"`
	ByDay              *string `json:"ByDay,omitempty"`
	TimeZone           string  `json:"TimeZone"`
}

// MarshalTrigger renders t as its JSON wire form.
func MarshalTrigger(t Trigger) ([]byte, error) {
	var sched any
	switch v := t.(type) {
	case *Simple:
		sched = simpleSchedule{RepeatCount: v.RepeatCount, RepeatIntervalMs: v.RepeatInterval.Milliseconds()}
	case *Cron:
		sched = cronSchedulePayload{CronExpression: v.Expression, TimeZone: v.Location.String()}
	case *CalendarInterval:
		sched = calendarIntervalSchedule{
			RepeatInterval:     v.Interval,
			RepeatIntervalUnit: v.Unit.String(),
			TimeZone:           v.Location.String(),
			PreserveHourOfDay:  v.PreserveHourOfDay,
			SkipDayIfNoHour:    v.SkipDayIfHourDoesNotExist,
		}
	case *DailyTimeInterval:
		var days []int
		for d := time.Sunday; d <= time.Saturday; d++ {
			if v.DaysOfWeek[d] {
				days = append(days, int(d))
			}
		}
		sched = dailyIntervalSchedule{
			RepeatCount:        v.RepeatCount,
			RepeatInterval:     v.Interval,
			RepeatIntervalUnit: v.Unit.String(),
			StartTimeOfDay:     timeOfDayPayload(v.StartTimeOfDay),
			EndTimeOfDay:       timeOfDayPayload(v.EndTimeOfDay),
			DaysOfWeek:         days,
			TimeZone:           v.loc().String(),
		}
	case *CustomCalendar:
		s := customCalendarSchedule{
			RepeatCount:        v.RepeatCount,
			RepeatInterval:     v.Interval,
			RepeatIntervalUnit: v.Unit.String(),
			ByMonth:            v.ByMonth,
			TimeZone:           v.loc().String(),
		}
		if v.ByMonthDay != "" {
			s.ByMonthDay = &v.ByMonthDay
		}
		if v.ByDay != "" {
			s.ByDay = &v.ByDay
		}
		sched = s
	default:
		return nil, fmt.Errorf("marshal trigger: unknown variant %T", t)
	}

	raw, err := json.Marshal(sched)
	if err != nil {
		return nil, err
	}

	env := envelope{
		Type:                string(t.Kind()),
		Name:                t.Key().Name,
		Group:               t.Key().Group,
		JobName:             t.JobKey().Name,
		JobGroup:            t.JobKey().Group,
		StartTimeUTC:        t.StartTime().UTC(),
		Priority:            t.Priority(),
		MisfireInstruction:  t.MisfireInstruction(),
		CalendarName:        t.CalendarName(),
		TimesTriggered:      t.TimesTriggered(),
		Schedule:            raw,
		NextFireTimeUTC:     utcPtr(t.NextFireTime()),
		PreviousFireTimeUTC: utcPtr(t.PreviousFireTime()),
		EndTimeUTC:          utcPtr(t.EndTime()),
	}
	return json.Marshal(env)
}

// UnmarshalTrigger reconstructs a trigger from its JSON wire form,
// including its firing state (next/previous fire times, counter).
func UnmarshalTrigger(data []byte) (Trigger, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	key := job.NewKey(env.Name, env.Group)
	jobKey := job.NewKey(env.JobName, env.JobGroup)

	var t Trigger
	switch Kind(env.Type) {
	case KindSimple:
		var s simpleSchedule
		if err := json.Unmarshal(env.Schedule, &s); err != nil {
			return nil, err
		}
		t = NewSimple(key, jobKey, time.Duration(s.RepeatIntervalMs)*time.Millisecond, s.RepeatCount)
	case KindCron:
		var s cronSchedulePayload
		if err := json.Unmarshal(env.Schedule, &s); err != nil {
			return nil, err
		}
		loc, err := time.LoadLocation(s.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("unmarshal cron trigger: %w", err)
		}
		t, err = NewCron(key, jobKey, s.CronExpression, loc)
		if err != nil {
			return nil, err
		}
	case KindCalendarInterval:
		var s calendarIntervalSchedule
		if err := json.Unmarshal(env.Schedule, &s); err != nil {
			return nil, err
		}
		unit, err := ParseIntervalUnit(s.RepeatIntervalUnit)
		if err != nil {
			return nil, err
		}
		loc, err := time.LoadLocation(s.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("unmarshal calendar interval trigger: %w", err)
		}
		ci := NewCalendarInterval(key, jobKey, unit, s.RepeatInterval, loc)
		ci.PreserveHourOfDay = s.PreserveHourOfDay
		ci.SkipDayIfHourDoesNotExist = s.SkipDayIfNoHour
		t = ci
	case KindDailyTimeInterval:
		var s dailyIntervalSchedule
		if err := json.Unmarshal(env.Schedule, &s); err != nil {
			return nil, err
		}
		unit, err := ParseIntervalUnit(s.RepeatIntervalUnit)
		if err != nil {
			return nil, err
		}
		loc, err := time.LoadLocation(s.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("unmarshal daily interval trigger: %w", err)
		}
		di := NewDailyTimeInterval(key, jobKey, TimeOfDay(s.StartTimeOfDay), TimeOfDay(s.EndTimeOfDay), unit, s.RepeatInterval)
		di.Location = loc
		di.RepeatCount = s.RepeatCount
		di.DaysOfWeek = make(map[time.Weekday]bool, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			di.DaysOfWeek[time.Weekday(d)] = true
		}
		t = di
	case KindCustomCalendar:
		var s customCalendarSchedule
		if err := json.Unmarshal(env.Schedule, &s); err != nil {
			return nil, err
		}
		unit, err := ParseIntervalUnit(s.RepeatIntervalUnit)
		if err != nil {
			return nil, err
		}
		loc, err := time.LoadLocation(s.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("unmarshal custom calendar trigger: %w", err)
		}
		cc := NewCustomCalendar(key, jobKey, unit, s.RepeatInterval, loc)
		cc.RepeatCount = s.RepeatCount
		cc.ByMonth = s.ByMonth
		if s.ByMonthDay != nil {
			cc.ByMonthDay = *s.ByMonthDay
		}
		if s.ByDay != nil {
			cc.ByDay = *s.ByDay
		}
		t = cc
	default:
		return nil, fmt.Errorf("unmarshal trigger: unknown type %q", env.Type)
	}

	t.SetStartTime(env.StartTimeUTC)
	t.SetEndTime(cloneTimePtr(env.EndTimeUTC))
	t.SetPriority(env.Priority)
	t.SetMisfireInstruction(env.MisfireInstruction)
	t.SetCalendarName(env.CalendarName)
	restoreFiringState(t, env.NextFireTimeUTC, env.PreviousFireTimeUTC, env.TimesTriggered)
	return t, nil
}

// restoreFiringState writes back the mutable firing state that Triggered
// normally advances; used by the JSON codec and the persistence delegates.
func restoreFiringState(t Trigger, next, prev *time.Time, timesTriggered int) {
	type stateRestorer interface {
		restore(next, prev *time.Time, timesTriggered int)
	}
	if r, ok := t.(stateRestorer); ok {
		r.restore(cloneTimePtr(next), cloneTimePtr(prev), timesTriggered)
	}
}

// RestoreFiringState is the exported entry point the store's persistence
// delegates use to rehydrate a row's firing state.
func RestoreFiringState(t Trigger, next, prev *time.Time, timesTriggered int) {
	restoreFiringState(t, next, prev, timesTriggered)
}

func (b *base) restore(next, prev *time.Time, timesTriggered int) {
	b.nextFireTime = next
	b.previousFireTime = prev
	b.timesTriggered = timesTriggered
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
