package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendrite-sched/dendrite/internal/job"
)

// Serialization round-trip must preserve every schedule-relevant field for
// every variant.
func TestTriggerJSONRoundTrip(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)

	simple := NewSimple(job.NewKey("s", "g"), job.NewKey("j", "g"), 90*time.Second, 5)
	simple.SetStartTime(start)
	simple.SetEndTime(&end)
	simple.SetPriority(7)
	simple.ComputeFirstFireTime(nil)
	simple.Triggered(nil)

	cron, err := NewCron(job.NewKey("c", "g"), job.NewKey("j", "g"), "0 0 6 * * ?", time.UTC)
	require.NoError(t, err)
	cron.SetStartTime(start)
	cron.ComputeFirstFireTime(nil)

	calint := NewCalendarInterval(job.NewKey("ci", "g"), job.NewKey("j", "g"), UnitMonth, 2, time.UTC)
	calint.PreserveHourOfDay = true
	calint.SetStartTime(start)
	calint.ComputeFirstFireTime(nil)

	daily := NewDailyTimeInterval(job.NewKey("d", "g"), job.NewKey("j", "g"), NewTimeOfDay(9, 0, 0), NewTimeOfDay(17, 0, 0), UnitMinute, 30)
	daily.DaysOfWeek = map[time.Weekday]bool{time.Monday: true, time.Wednesday: true}
	daily.RepeatCount = 40
	daily.SetStartTime(start)
	daily.ComputeFirstFireTime(nil)

	custom := NewCustomCalendar(job.NewKey("cc", "g"), job.NewKey("j", "g"), UnitMonth, 1, time.UTC)
	custom.ByMonthDay = "31"
	custom.RepeatCount = 10
	custom.SetStartTime(start)
	custom.SetCalendarName("holidays")
	custom.ComputeFirstFireTime(nil)

	for name, tr := range map[string]Trigger{
		"simple": simple, "cron": cron, "calint": calint, "daily": daily, "custom": custom,
	} {
		t.Run(name, func(t *testing.T) {
			raw, err := MarshalTrigger(tr)
			require.NoError(t, err)

			back, err := UnmarshalTrigger(raw)
			require.NoError(t, err)

			require.Equal(t, tr.Kind(), back.Kind())
			require.Equal(t, tr.Key(), back.Key())
			require.Equal(t, tr.JobKey(), back.JobKey())
			require.Equal(t, tr.StartTime().UTC(), back.StartTime().UTC())
			require.Equal(t, tr.Priority(), back.Priority())
			require.Equal(t, tr.MisfireInstruction(), back.MisfireInstruction())
			require.Equal(t, tr.CalendarName(), back.CalendarName())
			require.Equal(t, tr.TimesTriggered(), back.TimesTriggered())

			if tr.NextFireTime() == nil {
				require.Nil(t, back.NextFireTime())
			} else {
				require.NotNil(t, back.NextFireTime())
				require.Equal(t, tr.NextFireTime().UTC(), back.NextFireTime().UTC())
			}

			// The rebuilt trigger must compute the same future fire times.
			probe := tr.StartTime().Add(time.Hour)
			a := tr.GetFireTimeAfter(&probe)
			b := back.GetFireTimeAfter(&probe)
			if a == nil {
				require.Nil(t, b)
			} else {
				require.NotNil(t, b)
				require.Equal(t, a.UTC(), b.UTC())
			}
		})
	}
}

func TestCustomCalendarJSONFieldNames(t *testing.T) {
	t.Parallel()
	custom := NewCustomCalendar(job.NewKey("cc", "g"), job.NewKey("j", "g"), UnitMonth, 2, time.UTC)
	custom.ByMonth = 3
	custom.ByMonthDay = "1,15"
	custom.SetStartTime(time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC))

	raw, err := MarshalTrigger(custom)
	require.NoError(t, err)

	s := string(raw)
	require.Contains(t, s, `"Type":"CUSTOM_CAL"`)
	require.Contains(t, s, `"RepeatIntervalUnit":"MONTH"`)
	require.Contains(t, s, `"ByMonthDay":"1,15"`)
	require.Contains(t, s, `"ByMonth":3`)
	require.Contains(t, s, `"TimeZone":"UTC"`)
}

func TestUnmarshalUnknownTypeFails(t *testing.T) {
	t.Parallel()
	_, err := UnmarshalTrigger([]byte(`{"Type":"BLOB","Schedule":{}}`))
	require.Error(t, err)
}
