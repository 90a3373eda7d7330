package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dendrite-sched/dendrite/internal/eventbus"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/listener"
	"github.com/dendrite-sched/dendrite/internal/pool"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/internal/store/memory"
	"github.com/dendrite-sched/dendrite/internal/trigger"
)

func newTestScheduler(t *testing.T, threads int) (*Scheduler, *RegistryFactory) {
	t.Helper()
	factory := NewRegistryFactory()
	mux := listener.NewMultiplexer(eventbus.New())
	sched := New(Config{
		InstanceName:    "test",
		BatchMaxCount:   5,
		IdleWaitTime:    200 * time.Millisecond,
		BatchTimeWindow: 0,
	}, memory.New(), pool.New(threads), mux, WithJobFactory(factory))
	t.Cleanup(func() {
		_ = sched.Shutdown(context.Background(), false)
	})
	return sched, factory
}

func TestSchedulerExecutesJob(t *testing.T) {
	t.Parallel()
	sched, factory := newTestScheduler(t, 3)

	fired := make(chan time.Time, 16)
	factory.Register("counting", func() job.Job {
		return job.Func(func(ctx context.Context, exec *job.ExecutionContext) error {
			fired <- exec.FireTime
			return nil
		})
	})

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	detail := job.NewDetail(job.NewKey("count", ""), "counting")
	tr := trigger.NewSimple(job.NewKey("count-trig", ""), detail.Key, 50*time.Millisecond, 2)
	tr.SetStartTime(time.Now())
	require.NoError(t, sched.ScheduleJob(ctx, detail, tr))

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("fire %d never happened", i)
		}
	}
}

type orderListener struct {
	listener.BaseTriggerListener
	listener.BaseJobListener
	mu    sync.Mutex
	order []string
}

func (l *orderListener) record(step string) {
	l.mu.Lock()
	l.order = append(l.order, step)
	l.mu.Unlock()
}

func (l *orderListener) steps() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *orderListener) Name() string                          { return "order" }
func (l *orderListener) TriggerFired(*job.ExecutionContext)    { l.record("triggerFired") }
func (l *orderListener) JobToBeExecuted(*job.ExecutionContext) { l.record("jobToBeExecuted") }
func (l *orderListener) JobWasExecuted(*job.ExecutionContext, error) {
	l.record("jobWasExecuted")
}
func (l *orderListener) TriggerComplete(*job.ExecutionContext, store.CompletedExecutionInstruction) {
	l.record("triggerComplete")
}

func TestListenerOrderPerFiring(t *testing.T) {
	t.Parallel()
	sched, factory := newTestScheduler(t, 1)

	done := make(chan struct{}, 1)
	factory.Register("noop", func() job.Job {
		return job.Func(func(ctx context.Context, exec *job.ExecutionContext) error {
			return nil
		})
	})

	ol := &orderListener{}
	sched.Listeners().AddTriggerListener(ol)
	sched.Listeners().AddJobListener(ol)
	sched.Listeners().AddTriggerListener(notifyComplete{done: done})

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	detail := job.NewDetail(job.NewKey("once", ""), "noop")
	tr := trigger.NewSimple(job.NewKey("once-trig", ""), detail.Key, 0, 0)
	tr.SetStartTime(time.Now())
	require.NoError(t, sched.ScheduleJob(ctx, detail, tr))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("firing never completed")
	}

	require.Equal(t, []string{"triggerFired", "jobToBeExecuted", "jobWasExecuted", "triggerComplete"}, ol.steps())
}

type notifyComplete struct {
	listener.BaseTriggerListener
	done chan struct{}
}

func (n notifyComplete) Name() string { return "notify-complete" }
func (n notifyComplete) TriggerComplete(*job.ExecutionContext, store.CompletedExecutionInstruction) {
	select {
	case n.done <- struct{}{}:
	default:
	}
}

type vetoListener struct {
	listener.BaseTriggerListener
	vetoed atomic.Int32
}

func (v *vetoListener) Name() string { return "veto" }
func (v *vetoListener) VetoJobExecution(*job.ExecutionContext) bool {
	v.vetoed.Add(1)
	return true
}

func TestVetoStopsExecution(t *testing.T) {
	t.Parallel()
	sched, factory := newTestScheduler(t, 1)

	var ran atomic.Int32
	factory.Register("vetoed", func() job.Job {
		return job.Func(func(ctx context.Context, exec *job.ExecutionContext) error {
			ran.Add(1)
			return nil
		})
	})

	done := make(chan struct{}, 1)
	vl := &vetoListener{}
	sched.Listeners().AddTriggerListener(vl)
	sched.Listeners().AddTriggerListener(notifyComplete{done: done})

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	detail := job.NewDetail(job.NewKey("v", ""), "vetoed")
	tr := trigger.NewSimple(job.NewKey("v-trig", ""), detail.Key, 0, 0)
	tr.SetStartTime(time.Now())
	require.NoError(t, sched.ScheduleJob(ctx, detail, tr))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("vetoed firing never completed")
	}
	require.Zero(t, ran.Load(), "vetoed job must not execute")
	require.GreaterOrEqual(t, vl.vetoed.Load(), int32(1))
}

func TestConcurrentDisallowedNeverOverlaps(t *testing.T) {
	t.Parallel()
	sched, factory := newTestScheduler(t, 4)

	var inFlight, peak, total atomic.Int32
	factory.Register("serial", func() job.Job {
		return job.Func(func(ctx context.Context, exec *job.ExecutionContext) error {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(40 * time.Millisecond)
			inFlight.Add(-1)
			total.Add(1)
			return nil
		})
	})

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	detail := job.NewDetail(job.NewKey("serial", ""), "serial")
	detail.ConcurrentExecutionDisallowed = true
	detail.Durable = true
	require.NoError(t, sched.AddJob(ctx, detail, false))

	for _, name := range []string{"s1", "s2"} {
		tr := trigger.NewSimple(job.NewKey(name, ""), detail.Key, 30*time.Millisecond, 4)
		tr.SetStartTime(time.Now())
		require.NoError(t, sched.ScheduleTrigger(ctx, tr))
	}

	require.Eventually(t, func() bool { return total.Load() >= 6 }, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(1), peak.Load(), "concurrent-disallowed job overlapped")
}

func TestRefireImmediately(t *testing.T) {
	t.Parallel()
	sched, factory := newTestScheduler(t, 1)

	var attempts atomic.Int32
	factory.Register("flaky", func() job.Job {
		return job.Func(func(ctx context.Context, exec *job.ExecutionContext) error {
			if attempts.Add(1) == 1 {
				return job.NewExecutionError(nil).WithRefireImmediately()
			}
			return nil
		})
	})

	done := make(chan struct{}, 1)
	sched.Listeners().AddTriggerListener(notifyComplete{done: done})

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	detail := job.NewDetail(job.NewKey("flaky", ""), "flaky")
	tr := trigger.NewSimple(job.NewKey("flaky-trig", ""), detail.Key, 0, 0)
	tr.SetStartTime(time.Now())
	require.NoError(t, sched.ScheduleJob(ctx, detail, tr))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refired firing never completed")
	}
	require.Equal(t, int32(2), attempts.Load())
}

func TestShutdownWaitsForRunningJobs(t *testing.T) {
	t.Parallel()
	sched, factory := newTestScheduler(t, 1)

	started := make(chan struct{})
	var finished atomic.Bool
	factory.Register("slow", func() job.Job {
		return job.Func(func(ctx context.Context, exec *job.ExecutionContext) error {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	})

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	detail := job.NewDetail(job.NewKey("slow", ""), "slow")
	tr := trigger.NewSimple(job.NewKey("slow-trig", ""), detail.Key, 0, 0)
	tr.SetStartTime(time.Now())
	require.NoError(t, sched.ScheduleJob(ctx, detail, tr))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	require.NoError(t, sched.Shutdown(ctx, true))
	require.True(t, finished.Load(), "shutdown(wait) returned before the job finished")
}
