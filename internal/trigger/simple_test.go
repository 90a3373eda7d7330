package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/clock"
	"github.com/dendrite-sched/dendrite/internal/job"
)

func TestSimpleFireSequence(t *testing.T) {
	t.Parallel()
	tr := NewSimple(job.NewKey("t", ""), job.NewKey("j", ""), 10*time.Second, 3)
	tr.SetStartTime(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))

	first := tr.ComputeFirstFireTime(nil)
	require.NotNil(t, first)
	require.Equal(t, tr.StartTime(), *first)

	var fires []time.Time
	for tr.NextFireTime() != nil {
		fires = append(fires, *tr.NextFireTime())
		tr.Triggered(nil)
	}
	require.Len(t, fires, 4) // repeatCount+1
	for i, ft := range fires {
		require.Equal(t, tr.StartTime().Add(time.Duration(i)*10*time.Second), ft)
	}
}

func TestSimpleRepeatCountZeroWithAncientStart(t *testing.T) {
	t.Parallel()
	tr := NewSimple(job.NewKey("t", ""), job.NewKey("j", ""), 0, 0)
	tr.SetStartTime(time.Time{})

	require.Nil(t, tr.GetFireTimeAfter(nil))
}

func TestSimpleGetFireTimeAfterIsStrict(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	tr := NewSimple(job.NewKey("t", ""), job.NewKey("j", ""), time.Minute, RepeatIndefinitely)
	tr.SetStartTime(start)

	got := tr.GetFireTimeAfter(&start)
	require.NotNil(t, got)
	require.Equal(t, start.Add(time.Minute), *got)
}

func TestSimpleMisfireRemainingRepeatCount(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	clk.AddTime(3 * time.Hour) // drift the logical clock away from wall time
	tr := NewSimple(job.NewKey("t", ""), job.NewKey("j", ""), time.Minute, 10)
	tr.SetStartTime(clk.Now().UTC().Add(-time.Hour))
	tr.SetMisfireInstruction(SimpleMisfireRescheduleNowWithRemainingRepeatCount)
	tr.SetClock(clk)
	stale := clk.Now().UTC().Add(-30 * time.Minute)
	RestoreFiringState(tr, &stale, nil, 4)

	tr.UpdateAfterMisfire(nil)
	require.NotNil(t, tr.NextFireTime())
	require.True(t, tr.NextFireTime().Equal(clk.Now()))
	require.Equal(t, 6, tr.RepeatCount)
}

func TestSimpleEndTimeBoundsSequence(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(25 * time.Second)
	tr := NewSimple(job.NewKey("t", ""), job.NewKey("j", ""), 10*time.Second, RepeatIndefinitely)
	tr.SetStartTime(start)
	tr.SetEndTime(&end)

	got := fireSequence(tr, start.Add(-time.Second), 10)
	require.Len(t, got, 3) // 0s, 10s, 20s
	require.True(t, got[len(got)-1].Before(end))
}

func TestSimpleValidate(t *testing.T) {
	t.Parallel()
	tr := NewSimple(job.NewKey("t", ""), job.NewKey("j", ""), -time.Second, 5)
	require.Error(t, tr.Validate())

	tr = NewSimple(job.NewKey("t", ""), job.NewKey("j", ""), time.Second, RepeatIndefinitely)
	require.NoError(t, tr.Validate())
}

// Fire-time sequences must be strictly monotonically increasing until
// exhausted, for every variant.
func TestFireTimeMonotonicity(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC)

	cron, err := NewCron(job.NewKey("c", ""), job.NewKey("j", ""), "0 */5 * * * ?", time.UTC)
	require.NoError(t, err)
	cron.SetStartTime(start)

	daily := NewDailyTimeInterval(job.NewKey("d", ""), job.NewKey("j", ""), NewTimeOfDay(9, 0, 0), NewTimeOfDay(17, 0, 0), UnitMinute, 90)
	daily.SetStartTime(start)

	custom := NewCustomCalendar(job.NewKey("cc", ""), job.NewKey("j", ""), UnitWeek, 2, time.UTC)
	custom.ByDay = "TU,FR"
	custom.SetStartTime(start)

	simple := NewSimple(job.NewKey("s", ""), job.NewKey("j", ""), 45*time.Second, RepeatIndefinitely)
	simple.SetStartTime(start)

	calint := NewCalendarInterval(job.NewKey("ci", ""), job.NewKey("j", ""), UnitMonth, 1, time.UTC)
	calint.SetStartTime(start)

	for name, tr := range map[string]Trigger{
		"cron": cron, "daily": daily, "custom": custom, "simple": simple, "calint": calint,
	} {
		seq := fireSequence(tr, start.Add(-time.Second), 50)
		require.NotEmpty(t, seq, name)
		for i := 1; i < len(seq); i++ {
			require.True(t, seq[i].After(seq[i-1]), "%s: %v !> %v", name, seq[i], seq[i-1])
		}
	}
}

// Every non-nil fire time must satisfy the trigger's calendar.
func TestFireTimesRespectCalendar(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	tr := NewSimple(job.NewKey("t", ""), job.NewKey("j", ""), 12*time.Hour, RepeatIndefinitely)
	tr.SetStartTime(start)

	cal := calendar.NewWeekly(nil, time.Saturday, time.Sunday)
	require.NotNil(t, tr.ComputeFirstFireTime(cal))
	for i := 0; i < 20 && tr.NextFireTime() != nil; i++ {
		require.True(t, cal.IsTimeIncluded(*tr.NextFireTime()), "fire %d at %v", i, tr.NextFireTime())
		tr.Triggered(cal)
	}
}

func TestSimpleBuilderRoundTrip(t *testing.T) {
	t.Parallel()
	tr := NewSimple(job.NewKey("t", "g"), job.NewKey("j", "g"), 90*time.Second, 7)
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	tr.SetMisfireInstruction(SimpleMisfireRescheduleNextWithRemainingCount)
	tr.SetPriority(9)

	rebuilt, ok := tr.GetScheduleBuilder().Build(tr.Key(), tr.JobKey()).(*Simple)
	require.True(t, ok)
	require.Equal(t, tr.RepeatInterval, rebuilt.RepeatInterval)
	require.Equal(t, tr.RepeatCount, rebuilt.RepeatCount)
	require.Equal(t, tr.MisfireInstruction(), rebuilt.MisfireInstruction())
	require.Equal(t, tr.Priority(), rebuilt.Priority())
	require.Equal(t, tr.StartTime(), rebuilt.StartTime())
}
