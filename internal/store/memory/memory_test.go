package memory

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/require"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/schedulererr"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/internal/trigger"
)

type recordingSignaler struct {
	changes  int
	misfired []job.Key
}

func (r *recordingSignaler) SignalSchedulingChange(*time.Time) { r.changes++ }
func (r *recordingSignaler) NotifyTriggerListenersMisfired(t trigger.Trigger) {
	r.misfired = append(r.misfired, t.Key())
}
func (r *recordingSignaler) NotifySchedulerListenersError(string, error) {}
func (r *recordingSignaler) NotifyClusterTakeover(string, int)           {}

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	s := New(WithClock(clk))
	require.NoError(t, s.Initialize(context.Background(), &recordingSignaler{}))
	return s
}

func simpleTrigger(name string, jobKey job.Key, start time.Time, interval time.Duration, count int) *trigger.Simple {
	tr := trigger.NewSimple(job.NewKey(name, ""), jobKey, interval, count)
	tr.SetStartTime(start)
	tr.ComputeFirstFireTime(nil)
	return tr
}

func TestStoreAndRetrieveJobAndTrigger(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", "g"), "noop")
	tr := simpleTrigger("trig1", j.Key, clk.Now(), time.Second, 5)
	require.NoError(t, s.StoreJobAndTrigger(ctx, j, tr))

	gotJob, err := s.RetrieveJob(ctx, j.Key)
	require.NoError(t, err)
	require.Equal(t, j.Key, gotJob.Key)

	gotTrig, err := s.RetrieveTrigger(ctx, tr.Key())
	require.NoError(t, err)
	require.Equal(t, tr.Key(), gotTrig.Key())

	// Returned values are clones: mutating them must not touch the store.
	gotJob.JobData.Put("k", "v")
	again, err := s.RetrieveJob(ctx, j.Key)
	require.NoError(t, err)
	_, ok := again.JobData["k"]
	require.False(t, ok)
}

func TestStoreJobDuplicateRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, clock.NewMockClock())
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))
	err := s.StoreJob(ctx, j, false)
	require.ErrorIs(t, err, schedulererr.ErrObjectAlreadyExists)
	require.NoError(t, s.StoreJob(ctx, j, true))
}

func TestStoreTriggerRequiresJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, clock.NewMockClock())
	tr := simpleTrigger("orphan", job.NewKey("missing", ""), time.Now(), time.Second, 1)
	err := s.StoreTrigger(context.Background(), tr, false)
	require.ErrorIs(t, err, schedulererr.ErrJobNotFound)
}

func TestAcquireOrdering(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))

	now := clk.Now()
	early := simpleTrigger("early", j.Key, now.Add(time.Second), time.Minute, 0)
	late := simpleTrigger("late", j.Key, now.Add(3*time.Second), time.Minute, 0)
	highPrio := simpleTrigger("highprio", j.Key, now.Add(time.Second), time.Minute, 0)
	highPrio.SetPriority(10)
	for _, tr := range []trigger.Trigger{late, early, highPrio} {
		require.NoError(t, s.StoreTrigger(ctx, tr, false))
	}

	got, err := s.AcquireNextTriggers(ctx, now.Add(10*time.Second), 3, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Same fire time: higher priority first.
	require.Equal(t, "highprio", got[0].Key().Name)
	require.Equal(t, "early", got[1].Key().Name)
	require.Equal(t, "late", got[2].Key().Name)

	for _, tr := range got {
		state, err := s.GetTriggerState(ctx, tr.Key())
		require.NoError(t, err)
		require.Equal(t, trigger.StateAcquired, state)
	}
	require.Len(t, s.FiredTriggerRecords(), 3)
}

func TestAcquireRespectsNoLaterThan(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))

	now := clk.Now()
	soon := simpleTrigger("soon", j.Key, now.Add(time.Second), time.Minute, 0)
	farOut := simpleTrigger("far", j.Key, now.Add(time.Hour), time.Minute, 0)
	require.NoError(t, s.StoreTrigger(ctx, soon, false))
	require.NoError(t, s.StoreTrigger(ctx, farOut, false))

	got, err := s.AcquireNextTriggers(ctx, now.Add(30*time.Second), 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "soon", got[0].Key().Name)
}

func TestAcquireAppliesMisfire(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := New(WithClock(clk), WithMisfireThreshold(time.Minute))
	sig := &recordingSignaler{}
	require.NoError(t, s.Initialize(context.Background(), sig))
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))

	start := clk.Now()
	tr := simpleTrigger("stale", j.Key, start, time.Minute, trigger.RepeatIndefinitely)
	tr.SetMisfireInstruction(trigger.SimpleMisfireRescheduleNextWithExistingCount)
	require.NoError(t, s.StoreTrigger(ctx, tr, false))

	clk.AddTime(2 * time.Hour)
	got, err := s.AcquireNextTriggers(ctx, clk.Now().Add(time.Minute), 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []job.Key{tr.Key()}, sig.misfired)
	// The misfired trigger was advanced rather than fired at its stale time.
	require.True(t, got[0].NextFireTime().After(start))
}

func TestConcurrentDisallowedBlocksSiblings(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	j.ConcurrentExecutionDisallowed = true
	require.NoError(t, s.StoreJob(ctx, j, false))

	now := clk.Now()
	t1 := simpleTrigger("t1", j.Key, now.Add(time.Second), time.Minute, trigger.RepeatIndefinitely)
	t2 := simpleTrigger("t2", j.Key, now.Add(2*time.Second), time.Minute, trigger.RepeatIndefinitely)
	require.NoError(t, s.StoreTrigger(ctx, t1, false))
	require.NoError(t, s.StoreTrigger(ctx, t2, false))

	// Only one trigger of the job may be acquired per batch.
	got, err := s.AcquireNextTriggers(ctx, now.Add(time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "t1", got[0].Key().Name)

	results, err := s.TriggersFired(ctx, got)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Bundle)

	state, err := s.GetTriggerState(ctx, t2.Key())
	require.NoError(t, err)
	require.Equal(t, trigger.StateBlocked, state)

	// Completion unblocks the sibling.
	require.NoError(t, s.TriggeredJobComplete(ctx, results[0].Bundle.Trigger, results[0].Bundle.JobDetail, store.InstructionNoInstruction))
	state, err = s.GetTriggerState(ctx, t2.Key())
	require.NoError(t, err)
	require.Equal(t, trigger.StateWaiting, state)
}

func TestTriggersFiredSkipsReleased(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))
	tr := simpleTrigger("t1", j.Key, clk.Now().Add(time.Second), time.Minute, 0)
	require.NoError(t, s.StoreTrigger(ctx, tr, false))

	got, err := s.AcquireNextTriggers(ctx, clk.Now().Add(time.Minute), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, s.ReleaseAcquiredTrigger(ctx, got[0]))

	results, err := s.TriggersFired(ctx, got)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Nil(t, results[0].Bundle)
	require.NotEmpty(t, results[0].SkippedReason)
}

func TestPauseResumeTriggerAndGroup(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", "g"), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))
	tr := simpleTrigger("t1", j.Key, clk.Now().Add(time.Second), time.Minute, 0)
	require.NoError(t, s.StoreTrigger(ctx, tr, false))

	require.NoError(t, s.PauseTrigger(ctx, tr.Key()))
	got, err := s.AcquireNextTriggers(ctx, clk.Now().Add(time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, s.ResumeTrigger(ctx, tr.Key()))
	got, err = s.AcquireNextTriggers(ctx, clk.Now().Add(time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Paused groups catch triggers stored later.
	require.NoError(t, s.ReleaseAcquiredTrigger(ctx, got[0]))
	require.NoError(t, s.PauseTriggerGroup(ctx, job.DefaultGroup))
	tr2 := simpleTrigger("t2", j.Key, clk.Now().Add(time.Second), time.Minute, 0)
	require.NoError(t, s.StoreTrigger(ctx, tr2, false))
	state, err := s.GetTriggerState(ctx, tr2.Key())
	require.NoError(t, err)
	require.Equal(t, trigger.StatePaused, state)
}

func TestTriggeredJobCompleteInstructions(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))
	tr := simpleTrigger("t1", j.Key, clk.Now().Add(time.Second), time.Minute, trigger.RepeatIndefinitely)
	require.NoError(t, s.StoreTrigger(ctx, tr, false))

	require.NoError(t, s.TriggeredJobComplete(ctx, tr, j, store.InstructionSetTriggerError))
	state, err := s.GetTriggerState(ctx, tr.Key())
	require.NoError(t, err)
	require.Equal(t, trigger.StateError, state)

	require.NoError(t, s.TriggeredJobComplete(ctx, tr, j, store.InstructionSetTriggerComplete))
	state, err = s.GetTriggerState(ctx, tr.Key())
	require.NoError(t, err)
	require.Equal(t, trigger.StateComplete, state)
}

func TestPersistJobDataAfterExecution(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	j.PersistDataAfterExecution = true
	require.NoError(t, s.StoreJob(ctx, j, false))
	tr := simpleTrigger("t1", j.Key, clk.Now().Add(time.Second), time.Minute, trigger.RepeatIndefinitely)
	require.NoError(t, s.StoreTrigger(ctx, tr, false))

	mutated := j.Clone()
	mutated.JobData.Put("runs", 1)
	require.NoError(t, s.TriggeredJobComplete(ctx, tr, mutated, store.InstructionNoInstruction))

	got, err := s.RetrieveJob(ctx, j.Key)
	require.NoError(t, err)
	runs, ok := got.JobData.GetInt("runs")
	require.True(t, ok)
	require.Equal(t, 1, runs)
}

func TestRemoveTriggerDropsOrphanedJob(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))
	tr := simpleTrigger("t1", j.Key, clk.Now().Add(time.Second), time.Minute, 0)
	require.NoError(t, s.StoreTrigger(ctx, tr, false))

	removed, err := s.RemoveTrigger(ctx, tr.Key())
	require.NoError(t, err)
	require.True(t, removed)

	exists, err := s.CheckJobExists(ctx, j.Key)
	require.NoError(t, err)
	require.False(t, exists, "non-durable job should go with its last trigger")

	// Durable jobs survive.
	dj := job.NewDetail(job.NewKey("job2", ""), "noop")
	dj.Durable = true
	require.NoError(t, s.StoreJob(ctx, dj, false))
	tr2 := simpleTrigger("t2", dj.Key, clk.Now().Add(time.Second), time.Minute, 0)
	require.NoError(t, s.StoreTrigger(ctx, tr2, false))
	_, err = s.RemoveTrigger(ctx, tr2.Key())
	require.NoError(t, err)
	exists, err = s.CheckJobExists(ctx, dj.Key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStoreCalendarUpdatesTriggers(t *testing.T) {
	t.Parallel()
	clk := clock.NewMockClock()
	s := newTestStore(t, clk)
	ctx := context.Background()

	j := job.NewDetail(job.NewKey("job1", ""), "noop")
	require.NoError(t, s.StoreJob(ctx, j, false))

	start := time.Date(2024, 7, 6, 9, 0, 0, 0, time.UTC) // a Saturday
	tr := trigger.NewSimple(job.NewKey("t1", ""), j.Key, 24*time.Hour, trigger.RepeatIndefinitely)
	tr.SetStartTime(start)
	tr.SetCalendarName("weekdays")
	tr.ComputeFirstFireTime(nil)
	require.NoError(t, s.StoreTrigger(ctx, tr, false))

	weekdays := calendar.NewWeekly(nil, time.Saturday, time.Sunday)
	require.NoError(t, s.StoreCalendar(ctx, "weekdays", weekdays, false, true))

	got, err := s.RetrieveTrigger(ctx, tr.Key())
	require.NoError(t, err)
	require.NotNil(t, got.NextFireTime())
	require.True(t, weekdays.IsTimeIncluded(*got.NextFireTime()))

	// A referenced calendar cannot be removed.
	_, err = s.RemoveCalendar(ctx, "weekdays")
	require.Error(t, err)
}
