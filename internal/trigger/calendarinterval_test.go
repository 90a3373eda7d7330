package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendrite-sched/dendrite/internal/job"
)

func TestCalendarIntervalMonthEndClamping(t *testing.T) {
	t.Parallel()
	tr := NewCalendarInterval(job.NewKey("t", ""), job.NewKey("j", ""), UnitMonth, 1, time.UTC)
	tr.SetStartTime(time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC))

	got := fireSequence(tr, tr.StartTime(), 3)
	want := []time.Time{
		time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), // leap February clamps 31 -> 29
		time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 30, 9, 0, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestCalendarIntervalHourUnit(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	tr := NewCalendarInterval(job.NewKey("t", ""), job.NewKey("j", ""), UnitHour, 6, time.UTC)
	tr.SetStartTime(start)

	mid := start.Add(7 * time.Hour)
	got := tr.GetFireTimeAfter(&mid)
	require.NotNil(t, got)
	require.Equal(t, start.Add(12*time.Hour), *got)
}

func TestCalendarIntervalPreservesHourAcrossDST(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tr := NewCalendarInterval(job.NewKey("t", ""), job.NewKey("j", ""), UnitDay, 1, ny)
	tr.PreserveHourOfDay = true
	// 2024-03-10 02:00 EST springs forward to 03:00 EDT.
	tr.SetStartTime(time.Date(2024, 3, 8, 8, 0, 0, 0, ny))

	after := time.Date(2024, 3, 9, 12, 0, 0, 0, ny)
	got := tr.GetFireTimeAfter(&after)
	require.NotNil(t, got)
	require.Equal(t, 8, got.In(ny).Hour()) // wall-clock hour held through the transition
	require.Equal(t, 10, got.In(ny).Day())
}

func TestCalendarIntervalYearUnit(t *testing.T) {
	t.Parallel()
	tr := NewCalendarInterval(job.NewKey("t", ""), job.NewKey("j", ""), UnitYear, 2, time.UTC)
	tr.SetStartTime(time.Date(2020, 2, 29, 12, 0, 0, 0, time.UTC))

	got := fireSequence(tr, tr.StartTime(), 2)
	want := []time.Time{
		time.Date(2022, 2, 28, 12, 0, 0, 0, time.UTC), // non-leap year clamps Feb 29
		time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestCalendarIntervalValidate(t *testing.T) {
	t.Parallel()
	tr := NewCalendarInterval(job.NewKey("t", ""), job.NewKey("j", ""), UnitWeek, 0, time.UTC)
	require.Error(t, tr.Validate())
	tr.Interval = 2
	require.NoError(t, tr.Validate())
}

func TestCalendarIntervalBuilderRoundTrip(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tr := NewCalendarInterval(job.NewKey("t", "g"), job.NewKey("j", "g"), UnitWeek, 3, ny)
	tr.PreserveHourOfDay = true
	tr.SkipDayIfHourDoesNotExist = true
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	tr.SetMisfireInstruction(CalendarIntervalMisfireDoNothing)

	rebuilt, ok := tr.GetScheduleBuilder().Build(tr.Key(), tr.JobKey()).(*CalendarInterval)
	require.True(t, ok)
	require.Equal(t, tr.Unit, rebuilt.Unit)
	require.Equal(t, tr.Interval, rebuilt.Interval)
	require.Equal(t, tr.Location, rebuilt.Location)
	require.Equal(t, tr.PreserveHourOfDay, rebuilt.PreserveHourOfDay)
	require.Equal(t, tr.SkipDayIfHourDoesNotExist, rebuilt.SkipDayIfHourDoesNotExist)
	require.Equal(t, tr.MisfireInstruction(), rebuilt.MisfireInstruction())
}
