package dendrite

import (
	"fmt"
	"time"

	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/trigger"
)

// JobBuilder assembles a JobDetail fluently:
//
//	detail := dendrite.NewJob().
//	    OfType("reporting").
//	    WithIdentity("nightly-report", "reports").
//	    StoreDurably().
//	    RequestRecovery().
//	    UsingJobData("tenant", "acme").
//	    Build()
type JobBuilder struct {
	key         job.Key
	jobType     string
	description string
	durable     bool
	recovery    bool
	noConc      bool
	persistData bool
	data        job.DataMap
}

func NewJob() *JobBuilder {
	return &JobBuilder{data: job.DataMap{}}
}

func (b *JobBuilder) OfType(jobType string) *JobBuilder {
	b.jobType = jobType
	return b
}

func (b *JobBuilder) WithIdentity(name, group string) *JobBuilder {
	b.key = job.NewKey(name, group)
	return b
}

func (b *JobBuilder) WithDescription(desc string) *JobBuilder {
	b.description = desc
	return b
}

// StoreDurably keeps the job stored even when no trigger references it.
func (b *JobBuilder) StoreDurably() *JobBuilder {
	b.durable = true
	return b
}

// RequestRecovery re-fires the job after a scheduler instance crash.
func (b *JobBuilder) RequestRecovery() *JobBuilder {
	b.recovery = true
	return b
}

// DisallowConcurrentExecution serializes all fires of this job across
// the cluster.
func (b *JobBuilder) DisallowConcurrentExecution() *JobBuilder {
	b.noConc = true
	return b
}

// PersistJobDataAfterExecution writes the executing job's data-map
// mutations back to the store on completion.
func (b *JobBuilder) PersistJobDataAfterExecution() *JobBuilder {
	b.persistData = true
	return b
}

func (b *JobBuilder) UsingJobData(key string, value any) *JobBuilder {
	b.data[key] = value
	return b
}

func (b *JobBuilder) Build() *job.Detail {
	d := job.NewDetail(b.key, b.jobType)
	d.Description = b.description
	d.Durable = b.durable
	d.RequestsRecovery = b.recovery
	d.ConcurrentExecutionDisallowed = b.noConc
	d.PersistDataAfterExecution = b.persistData
	d.JobData = b.data.Clone()
	return d
}

// TriggerBuilder assembles a trigger around a schedule builder:
//
//	trig, err := dendrite.NewTrigger().
//	    WithIdentity("nightly", "reports").
//	    ForJob(detail.Key).
//	    StartAt(tonight).
//	    WithSchedule(dendrite.CronSchedule("0 0 2 * * ?")).
//	    Build()
type TriggerBuilder struct {
	key          job.Key
	jobKey       job.Key
	startTime    time.Time
	endTime      *time.Time
	priority     int
	calendarName string
	schedule     trigger.ScheduleBuilder
}

func NewTrigger() *TriggerBuilder {
	return &TriggerBuilder{}
}

func (b *TriggerBuilder) WithIdentity(name, group string) *TriggerBuilder {
	b.key = job.NewKey(name, group)
	return b
}

func (b *TriggerBuilder) ForJob(jobKey job.Key) *TriggerBuilder {
	b.jobKey = jobKey
	return b
}

func (b *TriggerBuilder) StartAt(t time.Time) *TriggerBuilder {
	b.startTime = t
	return b
}

func (b *TriggerBuilder) StartNow() *TriggerBuilder {
	b.startTime = time.Now()
	return b
}

func (b *TriggerBuilder) EndAt(t time.Time) *TriggerBuilder {
	b.endTime = &t
	return b
}

func (b *TriggerBuilder) WithPriority(p int) *TriggerBuilder {
	b.priority = p
	return b
}

// ModifiedByCalendar subtracts the named calendar's exclusions from the
// schedule.
func (b *TriggerBuilder) ModifiedByCalendar(name string) *TriggerBuilder {
	b.calendarName = name
	return b
}

func (b *TriggerBuilder) WithSchedule(sb trigger.ScheduleBuilder) *TriggerBuilder {
	b.schedule = sb
	return b
}

func (b *TriggerBuilder) Build() (trigger.Trigger, error) {
	if b.key.IsZero() {
		return nil, fmt.Errorf("trigger builder: identity is required")
	}
	if b.jobKey.IsZero() {
		return nil, fmt.Errorf("trigger builder: job key is required")
	}
	if b.schedule == nil {
		// A bare trigger is a one-shot at startTime.
		b.schedule = &trigger.SimpleScheduleBuilder{}
	}
	t := b.schedule.Build(b.key, b.jobKey)
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	t.SetStartTime(b.startTime)
	if b.endTime != nil {
		end := *b.endTime
		t.SetEndTime(&end)
	}
	if b.priority != 0 {
		t.SetPriority(b.priority)
	}
	if b.calendarName != "" {
		t.SetCalendarName(b.calendarName)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ---- schedule builders, one per trigger variant ----

// SimpleScheduleBuilder configures a fixed-interval schedule.
type SimpleScheduleBuilder struct{ inner trigger.SimpleScheduleBuilder }

func SimpleSchedule() *SimpleScheduleBuilder {
	return &SimpleScheduleBuilder{}
}

func (b *SimpleScheduleBuilder) WithInterval(d time.Duration) *SimpleScheduleBuilder {
	b.inner.Interval = d
	return b
}

func (b *SimpleScheduleBuilder) WithRepeatCount(n int) *SimpleScheduleBuilder {
	b.inner.RepeatCount = n
	return b
}

func (b *SimpleScheduleBuilder) RepeatForever() *SimpleScheduleBuilder {
	b.inner.RepeatCount = trigger.RepeatIndefinitely
	return b
}

func (b *SimpleScheduleBuilder) WithMisfireHandlingInstructionFireNow() *SimpleScheduleBuilder {
	b.inner.MisfireInstruction = trigger.SimpleMisfireFireNow
	return b
}

func (b *SimpleScheduleBuilder) WithMisfireHandlingInstructionNextWithRemainingCount() *SimpleScheduleBuilder {
	b.inner.MisfireInstruction = trigger.SimpleMisfireRescheduleNextWithRemainingCount
	return b
}

func (b *SimpleScheduleBuilder) WithMisfireHandlingInstructionIgnoreMisfires() *SimpleScheduleBuilder {
	b.inner.MisfireInstruction = trigger.MisfireIgnoreMisfirePolicy
	return b
}

func (b *SimpleScheduleBuilder) Build(key, jobKey job.Key) trigger.Trigger {
	return b.inner.Build(key, jobKey)
}

// CronScheduleBuilder configures a cron-expression schedule.
type CronScheduleBuilder struct{ inner trigger.CronScheduleBuilder }

func CronSchedule(expression string) *CronScheduleBuilder {
	return &CronScheduleBuilder{inner: trigger.CronScheduleBuilder{Expression: expression, Location: time.UTC}}
}

func (b *CronScheduleBuilder) InTimeZone(loc *time.Location) *CronScheduleBuilder {
	b.inner.Location = loc
	return b
}

func (b *CronScheduleBuilder) WithMisfireHandlingInstructionFireAndProceed() *CronScheduleBuilder {
	b.inner.MisfireInstruction = trigger.CronMisfireFireOnceNow
	return b
}

func (b *CronScheduleBuilder) WithMisfireHandlingInstructionDoNothing() *CronScheduleBuilder {
	b.inner.MisfireInstruction = trigger.CronMisfireDoNothing
	return b
}

func (b *CronScheduleBuilder) WithMisfireHandlingInstructionIgnoreMisfires() *CronScheduleBuilder {
	b.inner.MisfireInstruction = trigger.MisfireIgnoreMisfirePolicy
	return b
}

func (b *CronScheduleBuilder) Build(key, jobKey job.Key) trigger.Trigger {
	return b.inner.Build(key, jobKey)
}

// CalendarIntervalScheduleBuilder configures a calendar-unit interval
// schedule (months, years, DST-aware days).
type CalendarIntervalScheduleBuilder struct {
	inner trigger.CalendarIntervalScheduleBuilder
}

func CalendarIntervalSchedule(unit trigger.IntervalUnit, interval int) *CalendarIntervalScheduleBuilder {
	return &CalendarIntervalScheduleBuilder{inner: trigger.CalendarIntervalScheduleBuilder{
		Unit: unit, Interval: interval, Location: time.UTC,
	}}
}

func (b *CalendarIntervalScheduleBuilder) InTimeZone(loc *time.Location) *CalendarIntervalScheduleBuilder {
	b.inner.Location = loc
	return b
}

func (b *CalendarIntervalScheduleBuilder) PreserveHourOfDayAcrossDaylightSavings() *CalendarIntervalScheduleBuilder {
	b.inner.PreserveHourOfDay = true
	return b
}

func (b *CalendarIntervalScheduleBuilder) SkipDayIfHourDoesNotExist() *CalendarIntervalScheduleBuilder {
	b.inner.SkipDayIfHourDoesNotExist = true
	return b
}

func (b *CalendarIntervalScheduleBuilder) WithMisfireHandlingInstructionFireAndProceed() *CalendarIntervalScheduleBuilder {
	b.inner.MisfireInstruction = trigger.CalendarIntervalMisfireFireOnceNow
	return b
}

func (b *CalendarIntervalScheduleBuilder) WithMisfireHandlingInstructionDoNothing() *CalendarIntervalScheduleBuilder {
	b.inner.MisfireInstruction = trigger.CalendarIntervalMisfireDoNothing
	return b
}

func (b *CalendarIntervalScheduleBuilder) WithMisfireHandlingInstructionIgnoreMisfires() *CalendarIntervalScheduleBuilder {
	b.inner.MisfireInstruction = trigger.MisfireIgnoreMisfirePolicy
	return b
}

func (b *CalendarIntervalScheduleBuilder) Build(key, jobKey job.Key) trigger.Trigger {
	return b.inner.Build(key, jobKey)
}

// DailyTimeIntervalScheduleBuilder configures a daily-window schedule.
type DailyTimeIntervalScheduleBuilder struct {
	inner trigger.DailyTimeIntervalScheduleBuilder
}

func DailyTimeIntervalSchedule(start, end trigger.TimeOfDay, unit trigger.IntervalUnit, interval int) *DailyTimeIntervalScheduleBuilder {
	return &DailyTimeIntervalScheduleBuilder{inner: trigger.DailyTimeIntervalScheduleBuilder{
		StartTimeOfDay: start,
		EndTimeOfDay:   end,
		Unit:           unit,
		Interval:       interval,
		DaysOfWeek:     trigger.AllDaysOfWeek(),
		RepeatCount:    trigger.RepeatIndefinitely,
		Location:       time.UTC,
	}}
}

func (b *DailyTimeIntervalScheduleBuilder) OnDaysOfWeek(days ...time.Weekday) *DailyTimeIntervalScheduleBuilder {
	set := map[time.Weekday]bool{}
	for _, d := range days {
		set[d] = true
	}
	b.inner.DaysOfWeek = set
	return b
}

func (b *DailyTimeIntervalScheduleBuilder) WithRepeatCount(n int) *DailyTimeIntervalScheduleBuilder {
	b.inner.RepeatCount = n
	return b
}

func (b *DailyTimeIntervalScheduleBuilder) InTimeZone(loc *time.Location) *DailyTimeIntervalScheduleBuilder {
	b.inner.Location = loc
	return b
}

func (b *DailyTimeIntervalScheduleBuilder) WithMisfireHandlingInstructionFireAndProceed() *DailyTimeIntervalScheduleBuilder {
	b.inner.MisfireInstruction = trigger.DailyTimeIntervalMisfireFireOnceNow
	return b
}

func (b *DailyTimeIntervalScheduleBuilder) WithMisfireHandlingInstructionDoNothing() *DailyTimeIntervalScheduleBuilder {
	b.inner.MisfireInstruction = trigger.DailyTimeIntervalMisfireDoNothing
	return b
}

func (b *DailyTimeIntervalScheduleBuilder) WithMisfireHandlingInstructionIgnoreMisfires() *DailyTimeIntervalScheduleBuilder {
	b.inner.MisfireInstruction = trigger.MisfireIgnoreMisfirePolicy
	return b
}

func (b *DailyTimeIntervalScheduleBuilder) Build(key, jobKey job.Key) trigger.Trigger {
	return b.inner.Build(key, jobKey)
}

// CustomCalendarScheduleBuilder configures an RRULE-style recurrence
// schedule.
type CustomCalendarScheduleBuilder struct {
	inner trigger.CustomCalendarScheduleBuilder
}

func CustomCalendarSchedule(unit trigger.IntervalUnit, interval int) *CustomCalendarScheduleBuilder {
	return &CustomCalendarScheduleBuilder{inner: trigger.CustomCalendarScheduleBuilder{
		Unit: unit, Interval: interval, RepeatCount: trigger.RepeatIndefinitely, Location: time.UTC,
	}}
}

func (b *CustomCalendarScheduleBuilder) ByMonth(month int) *CustomCalendarScheduleBuilder {
	b.inner.ByMonth = month
	return b
}

func (b *CustomCalendarScheduleBuilder) ByMonthDay(days string) *CustomCalendarScheduleBuilder {
	b.inner.ByMonthDay = days
	return b
}

func (b *CustomCalendarScheduleBuilder) ByDay(days string) *CustomCalendarScheduleBuilder {
	b.inner.ByDay = days
	return b
}

func (b *CustomCalendarScheduleBuilder) WithRepeatCount(n int) *CustomCalendarScheduleBuilder {
	b.inner.RepeatCount = n
	return b
}

func (b *CustomCalendarScheduleBuilder) InTimeZone(loc *time.Location) *CustomCalendarScheduleBuilder {
	b.inner.Location = loc
	return b
}

func (b *CustomCalendarScheduleBuilder) WithMisfireHandlingInstructionFireAndProceed() *CustomCalendarScheduleBuilder {
	b.inner.MisfireInstruction = trigger.CustomCalendarMisfireFireOnceNow
	return b
}

func (b *CustomCalendarScheduleBuilder) WithMisfireHandlingInstructionDoNothing() *CustomCalendarScheduleBuilder {
	b.inner.MisfireInstruction = trigger.CustomCalendarMisfireDoNothing
	return b
}

func (b *CustomCalendarScheduleBuilder) WithMisfireHandlingInstructionIgnoreMisfires() *CustomCalendarScheduleBuilder {
	b.inner.MisfireInstruction = trigger.MisfireIgnoreMisfirePolicy
	return b
}

func (b *CustomCalendarScheduleBuilder) Build(key, jobKey job.Key) trigger.Trigger {
	return b.inner.Build(key, jobKey)
}
