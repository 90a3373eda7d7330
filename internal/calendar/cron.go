package calendar

import (
	"time"

	"github.com/robfig/cron/v3"
)

// CronCalendar excludes every instant that matches a cron expression,
// reusing the same parser the Cron trigger variant is built on
// (github.com/robfig/cron/v3) so the expression dialect is identical
// across the trigger layer and the calendar layer.
type CronCalendar struct {
	chained
	expr  string
	sched cron.Schedule
}

var cronCalendarParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewCron(base Calendar, expr string) (*CronCalendar, error) {
	sched, err := cronCalendarParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &CronCalendar{chained: chained{base: base, desc: "cron"}, expr: expr, sched: sched}, nil
}

func (c *CronCalendar) Expression() string { return c.expr }

// IsTimeIncluded excludes t when it falls on the minute the cron expression
// would fire on: Next(t-1min) lands exactly on t's minute.
func (c *CronCalendar) IsTimeIncluded(t time.Time) bool {
	minute := t.Truncate(time.Minute)
	next := c.sched.Next(minute.Add(-time.Minute))
	if next.Equal(minute) {
		return false
	}
	return c.baseIncludes(t)
}
