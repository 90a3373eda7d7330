package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendrite-sched/dendrite/internal/clock"
	"github.com/dendrite-sched/dendrite/internal/job"
)

func TestCronFireTimes(t *testing.T) {
	t.Parallel()
	tr, err := NewCron(job.NewKey("t", ""), job.NewKey("j", ""), "0 30 9 * * ?", time.UTC)
	require.NoError(t, err)
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))

	got := fireSequence(tr, tr.StartTime(), 3)
	want := []time.Time{
		time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC),
		time.Date(2024, 7, 2, 9, 30, 0, 0, time.UTC),
		time.Date(2024, 7, 3, 9, 30, 0, 0, time.UTC),
	}
	require.Equal(t, want, got)
}

func TestCronYearField(t *testing.T) {
	t.Parallel()
	tr, err := NewCron(job.NewKey("t", ""), job.NewKey("j", ""), "0 0 12 1 1 ? 2026", time.UTC)
	require.NoError(t, err)
	tr.SetStartTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	first := tr.ComputeFirstFireTime(nil)
	require.NotNil(t, first)
	require.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), first.UTC())

	// The year filter exhausts after 2026.
	after := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.Nil(t, tr.GetFireTimeAfter(&after))
}

func TestCronYearRangeWithStep(t *testing.T) {
	t.Parallel()
	tr, err := NewCron(job.NewKey("t", ""), job.NewKey("j", ""), "0 0 0 1 6 ? 2024-2030/2", time.UTC)
	require.NoError(t, err)
	tr.SetStartTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	got := fireSequence(tr, tr.StartTime(), 4)
	var years []int
	for _, ft := range got {
		years = append(years, ft.Year())
	}
	require.Equal(t, []int{2024, 2026, 2028, 2030}, years)
}

func TestCronTimezoneEvaluation(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tr, err := NewCron(job.NewKey("t", ""), job.NewKey("j", ""), "0 0 8 * * ?", ny)
	require.NoError(t, err)
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))

	first := tr.ComputeFirstFireTime(nil)
	require.NotNil(t, first)
	require.Equal(t, 8, first.In(ny).Hour())
	require.Equal(t, 12, first.UTC().Hour()) // EDT is UTC-4
}

func TestCronInvalidExpression(t *testing.T) {
	t.Parallel()
	_, err := NewCron(job.NewKey("t", ""), job.NewKey("j", ""), "not a cron", time.UTC)
	require.Error(t, err)

	_, err = NewCron(job.NewKey("t", ""), job.NewKey("j", ""), "0 0 0 1 1 ? banana", time.UTC)
	require.Error(t, err)
}

func TestCronMisfireInstructions(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	clk.AddTime(2 * time.Hour) // drift the logical clock away from wall time
	tr, err := NewCron(job.NewKey("t", ""), job.NewKey("j", ""), "0 * * * * ?", time.UTC)
	require.NoError(t, err)
	tr.SetStartTime(clk.Now().UTC().Add(-time.Hour))
	tr.SetClock(clk)

	stale := clk.Now().UTC().Add(-30 * time.Minute)
	RestoreFiringState(tr, &stale, nil, 0)
	tr.SetMisfireInstruction(CronMisfireDoNothing)
	tr.UpdateAfterMisfire(nil)
	require.NotNil(t, tr.NextFireTime())
	require.True(t, tr.NextFireTime().After(clk.Now()))

	RestoreFiringState(tr, &stale, nil, 0)
	tr.SetMisfireInstruction(CronMisfireFireOnceNow)
	tr.UpdateAfterMisfire(nil)
	require.NotNil(t, tr.NextFireTime())
	require.True(t, tr.NextFireTime().Equal(clk.Now()))
}

func TestCronBuilderRoundTrip(t *testing.T) {
	t.Parallel()
	tr, err := NewCron(job.NewKey("t", "g"), job.NewKey("j", "g"), "0 15 10 * * ?", time.UTC)
	require.NoError(t, err)
	tr.SetStartTime(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	tr.SetMisfireInstruction(CronMisfireDoNothing)

	rebuilt, ok := tr.GetScheduleBuilder().Build(tr.Key(), tr.JobKey()).(*Cron)
	require.True(t, ok)
	require.Equal(t, tr.Expression, rebuilt.Expression)
	require.Equal(t, tr.Location, rebuilt.Location)
	require.Equal(t, tr.MisfireInstruction(), rebuilt.MisfireInstruction())
}
