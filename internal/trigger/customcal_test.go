package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendrite-sched/dendrite/internal/clock"
	"github.com/dendrite-sched/dendrite/internal/job"
)

func fireSequence(t Trigger, from time.Time, n int) []time.Time {
	var out []time.Time
	cursor := &from
	for i := 0; i < n; i++ {
		next := t.GetFireTimeAfter(cursor)
		if next == nil {
			break
		}
		out = append(out, next.UTC())
		cursor = next
	}
	return out
}

func TestCustomCalendarWeeklyByDay(t *testing.T) {
	t.Parallel()
	tr := NewCustomCalendar(job.NewKey("t", ""), job.NewKey("j", ""), UnitWeek, 1, time.UTC)
	tr.ByDay = "SU,WE,TH,SA"
	tr.RepeatCount = 2
	tr.SetStartTime(time.Date(2024, 7, 15, 5, 0, 0, 0, time.UTC))
	require.NoError(t, tr.Validate())

	got := fireSequence(tr, tr.StartTime().Add(-time.Second), 5)
	want := []time.Time{
		time.Date(2024, 7, 17, 5, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 18, 5, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 20, 5, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 21, 5, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 24, 5, 0, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestCustomCalendarMonthlyByMonthDay31SkipsShortMonths(t *testing.T) {
	t.Parallel()
	tr := NewCustomCalendar(job.NewKey("t", ""), job.NewKey("j", ""), UnitMonth, 1, time.UTC)
	tr.ByMonthDay = "31"
	tr.SetStartTime(time.Date(2024, 7, 15, 10, 0, 0, 0, time.UTC))
	require.NoError(t, tr.Validate())

	got := fireSequence(tr, tr.StartTime().Add(-time.Second), 3)
	want := []time.Time{
		time.Date(2024, 7, 31, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 8, 31, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 10, 31, 10, 0, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestCustomCalendarYearlyByDayOrdinals(t *testing.T) {
	t.Parallel()
	tr := NewCustomCalendar(job.NewKey("t", ""), job.NewKey("j", ""), UnitYear, 1, time.UTC)
	tr.ByMonth = 5
	tr.ByDay = "2WE,3FR,5SU,-1MO"
	tr.SetStartTime(time.Date(2024, 4, 15, 5, 0, 0, 0, time.UTC))
	require.NoError(t, tr.Validate())

	got := fireSequence(tr, tr.StartTime().Add(-time.Second), 3)
	want := []time.Time{
		time.Date(2024, 5, 8, 5, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 17, 5, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 27, 5, 0, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestCustomCalendarMisfireDoNothingMovesPastNow(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	tr := NewCustomCalendar(job.NewKey("t", ""), job.NewKey("j", ""), UnitDay, 1, time.UTC)
	tr.SetStartTime(clk.Now().UTC().Add(-30 * 24 * time.Hour))
	tr.SetMisfireInstruction(CustomCalendarMisfireDoNothing)
	tr.SetClock(clk)

	stale := clk.Now().UTC().Add(-2 * time.Hour)
	RestoreFiringState(tr, &stale, nil, 0)
	// Drift the logical clock away from wall time; the result must follow
	// the injected clock, not time.Now.
	clk.AddTime(90 * time.Minute)

	tr.UpdateAfterMisfire(nil)
	require.NotNil(t, tr.NextFireTime())
	require.True(t, tr.NextFireTime().After(clk.Now()))
}

func TestCustomCalendarValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		mut   func(*CustomCalendar)
		valid bool
	}{
		{"week without byDay", func(c *CustomCalendar) { c.Unit = UnitWeek }, false},
		{"month without byDay or byMonthDay", func(c *CustomCalendar) { c.Unit = UnitMonth }, false},
		{"year without byMonth", func(c *CustomCalendar) { c.Unit = UnitYear; c.ByDay = "MO" }, false},
		{"zero interval", func(c *CustomCalendar) { c.Interval = 0 }, false},
		{"negative repeat count", func(c *CustomCalendar) { c.RepeatCount = -2 }, false},
		{"bad byDay token", func(c *CustomCalendar) { c.ByDay = "XX" }, false},
		{"bad byMonthDay entry", func(c *CustomCalendar) { c.ByMonthDay = "0" }, false},
		{"day unit bare", func(c *CustomCalendar) {}, true},
		{"month with byMonthDay", func(c *CustomCalendar) { c.Unit = UnitMonth; c.ByMonthDay = "1,15" }, true},
		{"year complete", func(c *CustomCalendar) { c.Unit = UnitYear; c.ByMonth = 5; c.ByDay = "-1FR" }, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tr := NewCustomCalendar(job.NewKey("t", ""), job.NewKey("j", ""), UnitDay, 1, time.UTC)
			tt.mut(tr)
			err := tr.Validate()
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestCustomCalendarRepeatCountTerminates(t *testing.T) {
	t.Parallel()
	tr := NewCustomCalendar(job.NewKey("t", ""), job.NewKey("j", ""), UnitDay, 1, time.UTC)
	tr.RepeatCount = 2
	tr.SetStartTime(time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC))

	require.NotNil(t, tr.ComputeFirstFireTime(nil))
	for i := 0; i < 3; i++ {
		require.NotNil(t, tr.NextFireTime(), "fire %d", i)
		tr.Triggered(nil)
	}
	require.Nil(t, tr.NextFireTime())
}

func TestCustomCalendarEndTimeTerminates(t *testing.T) {
	t.Parallel()
	tr := NewCustomCalendar(job.NewKey("t", ""), job.NewKey("j", ""), UnitDay, 1, time.UTC)
	tr.SetStartTime(time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC))
	end := time.Date(2024, 7, 3, 12, 0, 0, 0, time.UTC)
	tr.SetEndTime(&end)

	got := fireSequence(tr, tr.StartTime().Add(-time.Second), 10)
	require.Len(t, got, 3) // Jul 1, 2, 3 at 08:00
	for _, ft := range got {
		require.True(t, ft.Before(end))
	}
}

func TestCustomCalendarRRuleString(t *testing.T) {
	t.Parallel()
	tr := NewCustomCalendar(job.NewKey("t", ""), job.NewKey("j", ""), UnitMonth, 2, time.UTC)
	tr.ByDay = "WE,FR"
	require.Equal(t, "FREQ=MONTHLY;INTERVAL=2;BYDAY=WE,FR;COUNT=500", tr.RRuleString())
}

func TestCustomCalendarBuilderRoundTrip(t *testing.T) {
	t.Parallel()
	tr := NewCustomCalendar(job.NewKey("t", "g"), job.NewKey("j", "g"), UnitMonth, 3, time.UTC)
	tr.ByMonth = 6
	tr.ByMonthDay = "1,15"
	tr.RepeatCount = 9
	tr.SetStartTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tr.SetMisfireInstruction(CustomCalendarMisfireDoNothing)

	rebuilt, ok := tr.GetScheduleBuilder().Build(tr.Key(), tr.JobKey()).(*CustomCalendar)
	require.True(t, ok)
	require.Equal(t, tr.Unit, rebuilt.Unit)
	require.Equal(t, tr.Interval, rebuilt.Interval)
	require.Equal(t, tr.ByMonth, rebuilt.ByMonth)
	require.Equal(t, tr.ByMonthDay, rebuilt.ByMonthDay)
	require.Equal(t, tr.ByDay, rebuilt.ByDay)
	require.Equal(t, tr.RepeatCount, rebuilt.RepeatCount)
	require.Equal(t, tr.MisfireInstruction(), rebuilt.MisfireInstruction())
	require.Equal(t, tr.StartTime(), rebuilt.StartTime())
}
