package sqlstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/trigger"
)

// jobRow mirrors qrtz_job_details.
type jobRow struct {
	SchedName        string  `db:"sched_name"`
	JobName          string  `db:"job_name"`
	JobGroup         string  `db:"job_group"`
	Description      *string `db:"description"`
	JobType          string  `db:"job_type"`
	IsDurable        bool    `db:"is_durable"`
	IsNonconcurrent  bool    `db:"is_nonconcurrent"`
	IsUpdateData     bool    `db:"is_update_data"`
	RequestsRecovery bool    `db:"requests_recovery"`
	JobData          []byte  `db:"job_data"`
}

func (s *Store) jobToRow(j *job.Detail) (jobRow, error) {
	data, err := json.Marshal(j.JobData)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal job data for %s: %w", j.Key, err)
	}
	row := jobRow{
		SchedName:        s.cfg.SchedName,
		JobName:          j.Key.Name,
		JobGroup:         j.Key.Group,
		JobType:          j.JobType,
		IsDurable:        j.Durable,
		IsNonconcurrent:  j.ConcurrentExecutionDisallowed,
		IsUpdateData:     j.PersistDataAfterExecution,
		RequestsRecovery: j.RequestsRecovery,
		JobData:          data,
	}
	if j.Description != "" {
		row.Description = &j.Description
	}
	return row, nil
}

func rowToJob(r jobRow) (*job.Detail, error) {
	j := &job.Detail{
		Key:                           job.Key{Name: r.JobName, Group: r.JobGroup},
		JobType:                       r.JobType,
		Durable:                       r.IsDurable,
		ConcurrentExecutionDisallowed: r.IsNonconcurrent,
		PersistDataAfterExecution:     r.IsUpdateData,
		RequestsRecovery:              r.RequestsRecovery,
		JobData:                       job.DataMap{},
	}
	if r.Description != nil {
		j.Description = *r.Description
	}
	if len(r.JobData) > 0 {
		if err := json.Unmarshal(r.JobData, &j.JobData); err != nil {
			return nil, fmt.Errorf("unmarshal job data for %s: %w", j.Key, err)
		}
	}
	return j, nil
}

// triggerRow mirrors qrtz_triggers.
type triggerRow struct {
	SchedName    string  `db:"sched_name"`
	TriggerName  string  `db:"trigger_name"`
	TriggerGroup string  `db:"trigger_group"`
	JobName      string  `db:"job_name"`
	JobGroup     string  `db:"job_group"`
	Description  *string `db:"description"`
	NextFireTime *int64  `db:"next_fire_time"`
	PrevFireTime *int64  `db:"prev_fire_time"`
	Priority     int     `db:"priority"`
	TriggerState string  `db:"trigger_state"`
	TriggerType  string  `db:"trigger_type"`
	StartTime    int64   `db:"start_time"`
	EndTime      *int64  `db:"end_time"`
	CalendarName *string `db:"calendar_name"`
	MisfireInstr int     `db:"misfire_instr"`
	JobData      []byte  `db:"job_data"`
}

// simpleRow mirrors qrtz_simple_triggers.
type simpleRow struct {
	SchedName      string `db:"sched_name"`
	TriggerName    string `db:"trigger_name"`
	TriggerGroup   string `db:"trigger_group"`
	RepeatCount    int64  `db:"repeat_count"`
	RepeatInterval int64  `db:"repeat_interval"`
	TimesTriggered int64  `db:"times_triggered"`
}

// cronRow mirrors qrtz_cron_triggers.
type cronRow struct {
	SchedName      string  `db:"sched_name"`
	TriggerName    string  `db:"trigger_name"`
	TriggerGroup   string  `db:"trigger_group"`
	CronExpression string  `db:"cron_expression"`
	TimeZoneID     *string `db:"time_zone_id"`
}

// simpropRow mirrors qrtz_simprop_triggers: generic columns reused by the
// calendar-interval, daily-interval, and custom-calendar variants.
type simpropRow struct {
	SchedName    string   `db:"sched_name"`
	TriggerName  string   `db:"trigger_name"`
	TriggerGroup string   `db:"trigger_group"`
	Str1         *string  `db:"str1"`
	Str2         *string  `db:"str2"`
	Str3         *string  `db:"str3"`
	Int1         *int64   `db:"int1"`
	Int2         *int64   `db:"int2"`
	Long1        *int64   `db:"long1"`
	Long2        *int64   `db:"long2"`
	Dec1         *float64 `db:"dec1"`
	Dec2         *float64 `db:"dec2"`
	Bool1        *bool    `db:"bool1"`
	Bool2        *bool    `db:"bool2"`
	TimeZoneID   *string  `db:"time_zone_id"`
}

// firedRow mirrors qrtz_fired_triggers.
type firedRow struct {
	SchedName        string  `db:"sched_name"`
	EntryID          string  `db:"entry_id"`
	TriggerName      string  `db:"trigger_name"`
	TriggerGroup     string  `db:"trigger_group"`
	InstanceName     string  `db:"instance_name"`
	FiredTime        int64   `db:"fired_time"`
	SchedTime        int64   `db:"sched_time"`
	Priority         int     `db:"priority"`
	State            string  `db:"state"`
	JobName          *string `db:"job_name"`
	JobGroup         *string `db:"job_group"`
	IsNonconcurrent  *bool   `db:"is_nonconcurrent"`
	RequestsRecovery *bool   `db:"requests_recovery"`
}

func (s *Store) triggerToRow(t trigger.Trigger) triggerRow {
	row := triggerRow{
		SchedName:    s.cfg.SchedName,
		TriggerName:  t.Key().Name,
		TriggerGroup: t.Key().Group,
		JobName:      t.JobKey().Name,
		JobGroup:     t.JobKey().Group,
		NextFireTime: msFromTimePtr(t.NextFireTime()),
		PrevFireTime: msFromTimePtr(t.PreviousFireTime()),
		Priority:     t.Priority(),
		TriggerState: t.State().String(),
		TriggerType:  string(t.Kind()),
		StartTime:    msFromTime(t.StartTime()),
		EndTime:      msFromTimePtr(t.EndTime()),
		MisfireInstr: t.MisfireInstruction(),
	}
	if name := t.CalendarName(); name != "" {
		row.CalendarName = &name
	}
	return row
}

// subtypeRow builds the variant-specific row. Exactly one of the returns
// is non-nil. Custom-calendar uses the simprop columns as
// int1=repeatInterval, int2=timesTriggered, long1=repeatCount,
// long2=byMonth, str1=intervalUnit, str2=byMonthDay, str3=byDay. The
// ByMonthDay string is stored and retrieved unchanged, never parsed at
// the persistence layer.
func (s *Store) subtypeRow(t trigger.Trigger) (*simpleRow, *cronRow, *simpropRow, error) {
	key := t.Key()
	switch v := t.(type) {
	case *trigger.Simple:
		return &simpleRow{
			SchedName:      s.cfg.SchedName,
			TriggerName:    key.Name,
			TriggerGroup:   key.Group,
			RepeatCount:    int64(v.RepeatCount),
			RepeatInterval: v.RepeatInterval.Milliseconds(),
			TimesTriggered: int64(v.TimesTriggered()),
		}, nil, nil, nil
	case *trigger.Cron:
		tz := v.Location.String()
		return nil, &cronRow{
			SchedName:      s.cfg.SchedName,
			TriggerName:    key.Name,
			TriggerGroup:   key.Group,
			CronExpression: v.Expression,
			TimeZoneID:     &tz,
		}, nil, nil
	case *trigger.CalendarInterval:
		unit := v.Unit.String()
		tz := v.Location.String()
		return nil, nil, &simpropRow{
			SchedName:    s.cfg.SchedName,
			TriggerName:  key.Name,
			TriggerGroup: key.Group,
			Str1:         &unit,
			Int1:         i64ptr(int64(v.Interval)),
			Int2:         i64ptr(int64(v.TimesTriggered())),
			Bool1:        boolptr(v.PreserveHourOfDay),
			Bool2:        boolptr(v.SkipDayIfHourDoesNotExist),
			TimeZoneID:   &tz,
		}, nil
	case *trigger.DailyTimeInterval:
		unit := v.Unit.String()
		days := encodeDaysOfWeek(v.DaysOfWeek)
		window := v.StartTimeOfDay.String() + "-" + v.EndTimeOfDay.String()
		tz := v.Location.String()
		return nil, nil, &simpropRow{
			SchedName:    s.cfg.SchedName,
			TriggerName:  key.Name,
			TriggerGroup: key.Group,
			Str1:         &unit,
			Str2:         &days,
			Str3:         &window,
			Int1:         i64ptr(int64(v.Interval)),
			Int2:         i64ptr(int64(v.TimesTriggered())),
			Long1:        i64ptr(int64(v.RepeatCount)),
			TimeZoneID:   &tz,
		}, nil
	case *trigger.CustomCalendar:
		unit := v.Unit.String()
		tz := v.Location.String()
		row := &simpropRow{
			SchedName:    s.cfg.SchedName,
			TriggerName:  key.Name,
			TriggerGroup: key.Group,
			Str1:         &unit,
			Int1:         i64ptr(int64(v.Interval)),
			Int2:         i64ptr(int64(v.TimesTriggered())),
			Long1:        i64ptr(int64(v.RepeatCount)),
			Long2:        i64ptr(int64(v.ByMonth)),
			TimeZoneID:   &tz,
		}
		if v.ByMonthDay != "" {
			row.Str2 = &v.ByMonthDay
		}
		if v.ByDay != "" {
			row.Str3 = &v.ByDay
		}
		return nil, nil, row, nil
	default:
		return nil, nil, nil, fmt.Errorf("persist trigger %s: unknown variant %T", key, t)
	}
}

// rowsToTrigger reassembles a trigger from its qrtz_triggers row and the
// matching subtype row.
func rowsToTrigger(tr triggerRow, sub any) (trigger.Trigger, error) {
	key := job.Key{Name: tr.TriggerName, Group: tr.TriggerGroup}
	jobKey := job.Key{Name: tr.JobName, Group: tr.JobGroup}

	var t trigger.Trigger
	var timesTriggered int

	switch trigger.Kind(tr.TriggerType) {
	case trigger.KindSimple:
		r, ok := sub.(*simpleRow)
		if !ok {
			return nil, fmt.Errorf("trigger %s: missing simple row", key)
		}
		st := trigger.NewSimple(key, jobKey, time.Duration(r.RepeatInterval)*time.Millisecond, int(r.RepeatCount))
		timesTriggered = int(r.TimesTriggered)
		t = st
	case trigger.KindCron:
		r, ok := sub.(*cronRow)
		if !ok {
			return nil, fmt.Errorf("trigger %s: missing cron row", key)
		}
		loc := time.UTC
		if r.TimeZoneID != nil {
			var err error
			if loc, err = time.LoadLocation(*r.TimeZoneID); err != nil {
				return nil, fmt.Errorf("trigger %s: %w", key, err)
			}
		}
		ct, err := trigger.NewCron(key, jobKey, r.CronExpression, loc)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", key, err)
		}
		t = ct
	case trigger.KindCalendarInterval, trigger.KindDailyTimeInterval, trigger.KindCustomCalendar:
		r, ok := sub.(*simpropRow)
		if !ok {
			return nil, fmt.Errorf("trigger %s: missing simprop row", key)
		}
		var err error
		if t, timesTriggered, err = simpropToTrigger(trigger.Kind(tr.TriggerType), key, jobKey, r); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("trigger %s: unknown trigger_type %q", key, tr.TriggerType)
	}

	t.SetStartTime(timeFromMs(tr.StartTime))
	t.SetEndTime(timeFromMsPtr(tr.EndTime))
	t.SetPriority(tr.Priority)
	t.SetMisfireInstruction(tr.MisfireInstr)
	if tr.CalendarName != nil {
		t.SetCalendarName(*tr.CalendarName)
	}
	t.SetState(stateFromString(tr.TriggerState))
	trigger.RestoreFiringState(t, timeFromMsPtr(tr.NextFireTime), timeFromMsPtr(tr.PrevFireTime), timesTriggered)
	return t, nil
}

func simpropToTrigger(kind trigger.Kind, key, jobKey job.Key, r *simpropRow) (trigger.Trigger, int, error) {
	loc := time.UTC
	if r.TimeZoneID != nil {
		var err error
		if loc, err = time.LoadLocation(*r.TimeZoneID); err != nil {
			return nil, 0, fmt.Errorf("trigger %s: %w", key, err)
		}
	}
	unit, err := trigger.ParseIntervalUnit(strDeref(r.Str1))
	if err != nil {
		return nil, 0, fmt.Errorf("trigger %s: %w", key, err)
	}
	timesTriggered := int(i64Deref(r.Int2))

	switch kind {
	case trigger.KindCalendarInterval:
		t := trigger.NewCalendarInterval(key, jobKey, unit, int(i64Deref(r.Int1)), loc)
		t.PreserveHourOfDay = boolDeref(r.Bool1)
		t.SkipDayIfHourDoesNotExist = boolDeref(r.Bool2)
		return t, timesTriggered, nil
	case trigger.KindDailyTimeInterval:
		startTOD, endTOD, err := decodeWindow(strDeref(r.Str3))
		if err != nil {
			return nil, 0, fmt.Errorf("trigger %s: %w", key, err)
		}
		t := trigger.NewDailyTimeInterval(key, jobKey, startTOD, endTOD, unit, int(i64Deref(r.Int1)))
		t.Location = loc
		t.RepeatCount = int(i64Deref(r.Long1))
		t.DaysOfWeek = decodeDaysOfWeek(strDeref(r.Str2))
		return t, timesTriggered, nil
	case trigger.KindCustomCalendar:
		t := trigger.NewCustomCalendar(key, jobKey, unit, int(i64Deref(r.Int1)), loc)
		t.RepeatCount = int(i64Deref(r.Long1))
		t.ByMonth = int(i64Deref(r.Long2))
		t.ByMonthDay = strDeref(r.Str2)
		t.ByDay = strDeref(r.Str3)
		return t, timesTriggered, nil
	default:
		return nil, 0, fmt.Errorf("trigger %s: %q is not a simprop variant", key, kind)
	}
}

func encodeDaysOfWeek(days map[time.Weekday]bool) string {
	var parts []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if days[d] {
			parts = append(parts, strconv.Itoa(int(d)))
		}
	}
	return strings.Join(parts, ",")
}

func decodeDaysOfWeek(s string) map[time.Weekday]bool {
	out := map[time.Weekday]bool{}
	for _, part := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out[time.Weekday(n)] = true
		}
	}
	return out
}

func decodeWindow(s string) (trigger.TimeOfDay, trigger.TimeOfDay, error) {
	var zero trigger.TimeOfDay
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return zero, zero, fmt.Errorf("malformed time-of-day window %q", s)
	}
	start, err := decodeTimeOfDay(lo)
	if err != nil {
		return zero, zero, err
	}
	end, err := decodeTimeOfDay(hi)
	if err != nil {
		return zero, zero, err
	}
	return start, end, nil
}

func decodeTimeOfDay(s string) (trigger.TimeOfDay, error) {
	var h, m, sec int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d:%d", &h, &m, &sec); err != nil {
		return trigger.TimeOfDay{}, fmt.Errorf("malformed time-of-day %q: %w", s, err)
	}
	return trigger.NewTimeOfDay(h, m, sec), nil
}

func stateFromString(s string) trigger.State {
	switch s {
	case "ACQUIRED":
		return trigger.StateAcquired
	case "EXECUTING":
		return trigger.StateExecuting
	case "COMPLETE":
		return trigger.StateComplete
	case "PAUSED":
		return trigger.StatePaused
	case "BLOCKED":
		return trigger.StateBlocked
	case "ERROR":
		return trigger.StateError
	case "PAUSED_BLOCKED":
		return trigger.StatePausedBlocked
	default:
		return trigger.StateWaiting
	}
}

func i64ptr(v int64) *int64 { return &v }
func boolptr(v bool) *bool  { return &v }
func strDeref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
func i64Deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
func boolDeref(p *bool) bool { return p != nil && *p }
