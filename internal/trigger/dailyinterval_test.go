package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendrite-sched/dendrite/internal/job"
)

func TestDailyTimeIntervalAdvancesWithinWindow(t *testing.T) {
	t.Parallel()
	tr := NewDailyTimeInterval(job.NewKey("t", ""), job.NewKey("j", ""), NewTimeOfDay(9, 0, 0), NewTimeOfDay(11, 0, 0), UnitHour, 1)
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)) // a Monday

	got := fireSequence(tr, tr.StartTime(), 5)
	want := []time.Time{
		time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 1, 11, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC), // window exhausted, next day
		time.Date(2024, 7, 2, 10, 0, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestDailyTimeIntervalSkipsExcludedDays(t *testing.T) {
	t.Parallel()
	tr := NewDailyTimeInterval(job.NewKey("t", ""), job.NewKey("j", ""), NewTimeOfDay(8, 0, 0), NewTimeOfDay(8, 30, 0), UnitMinute, 30)
	tr.DaysOfWeek = map[time.Weekday]bool{time.Monday: true, time.Friday: true}
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)) // Monday

	got := fireSequence(tr, tr.StartTime(), 4)
	want := []time.Time{
		time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 1, 8, 30, 0, 0, time.UTC),
		time.Date(2024, 7, 5, 8, 0, 0, 0, time.UTC), // Tue-Thu excluded
		time.Date(2024, 7, 5, 8, 30, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestDailyTimeIntervalRepeatCount(t *testing.T) {
	t.Parallel()
	tr := NewDailyTimeInterval(job.NewKey("t", ""), job.NewKey("j", ""), NewTimeOfDay(9, 0, 0), NewTimeOfDay(17, 0, 0), UnitMinute, 15)
	tr.RepeatCount = 3
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))

	require.NotNil(t, tr.ComputeFirstFireTime(nil))
	fires := 0
	for tr.NextFireTime() != nil {
		fires++
		tr.Triggered(nil)
	}
	require.Equal(t, 4, fires) // repeatCount+1
}

func TestDailyTimeIntervalValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		mut   func(*DailyTimeInterval)
		valid bool
	}{
		{"ok", func(d *DailyTimeInterval) {}, true},
		{"zero interval", func(d *DailyTimeInterval) { d.Interval = 0 }, false},
		{"day unit", func(d *DailyTimeInterval) { d.Unit = UnitDay }, false},
		{"inverted window", func(d *DailyTimeInterval) { d.StartTimeOfDay, d.EndTimeOfDay = d.EndTimeOfDay, d.StartTimeOfDay }, false},
		{"no included days", func(d *DailyTimeInterval) { d.DaysOfWeek = map[time.Weekday]bool{time.Monday: false} }, false},
		{"bad hour", func(d *DailyTimeInterval) { d.StartTimeOfDay = TimeOfDay{Hour: 25} }, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tr := NewDailyTimeInterval(job.NewKey("t", ""), job.NewKey("j", ""), NewTimeOfDay(9, 0, 0), NewTimeOfDay(17, 0, 0), UnitMinute, 30)
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

func TestDailyTimeIntervalBuilderRoundTrip(t *testing.T) {
	t.Parallel()
	tr := NewDailyTimeInterval(job.NewKey("t", "g"), job.NewKey("j", "g"), NewTimeOfDay(7, 30, 0), NewTimeOfDay(19, 0, 0), UnitSecond, 90)
	tr.DaysOfWeek = map[time.Weekday]bool{time.Tuesday: true, time.Thursday: true}
	tr.RepeatCount = 12
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))

	rebuilt, ok := tr.GetScheduleBuilder().Build(tr.Key(), tr.JobKey()).(*DailyTimeInterval)
	require.True(t, ok)
	require.Equal(t, tr.StartTimeOfDay, rebuilt.StartTimeOfDay)
	require.Equal(t, tr.EndTimeOfDay, rebuilt.EndTimeOfDay)
	require.Equal(t, tr.DaysOfWeek, rebuilt.DaysOfWeek)
	require.Equal(t, tr.Unit, rebuilt.Unit)
	require.Equal(t, tr.Interval, rebuilt.Interval)
	require.Equal(t, tr.RepeatCount, rebuilt.RepeatCount)
}
