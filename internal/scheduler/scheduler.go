// Package scheduler drives the acquire/fire/complete pipeline: one
// dedicated scheduling goroutine per instance selects due triggers from
// the store, dispatches them through the bounded worker pool, and
// completes them.
package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/clock"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/listener"
	"github.com/dendrite-sched/dendrite/internal/pool"
	"github.com/dendrite-sched/dendrite/internal/schedulererr"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/internal/trigger"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

// fireAhead is how far before its fire time a waiting acquired trigger is
// handed to the pool, so lock acquisition doesn't delay the fire.
const fireAhead = 2 * time.Millisecond

// Config tunes the scheduling loop. Zero values fall back to the
// defaults the quartz.* configuration keys document.
type Config struct {
	InstanceName string

	// BatchMaxCount caps triggers acquired per cycle
	// (quartz.scheduler.batchTriggerAcquisitionMaxCount).
	BatchMaxCount int

	// BatchTimeWindow lets a batch reach past its first fire time
	// (quartz.scheduler.batchTriggerAcquisitionFireAheadTimeWindow).
	BatchTimeWindow time.Duration

	// IdleWaitTime bounds the sleep when nothing is due
	// (quartz.scheduler.idleWaitTime).
	IdleWaitTime time.Duration

	// DBFailureRetryInterval paces acquisition retries while the store is
	// unreachable.
	DBFailureRetryInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.InstanceName == "" {
		c.InstanceName = "NON_CLUSTERED"
	}
	if c.BatchMaxCount <= 0 {
		c.BatchMaxCount = 1
	}
	if c.IdleWaitTime <= 0 {
		c.IdleWaitTime = 30 * time.Second
	}
	if c.DBFailureRetryInterval <= 0 {
		c.DBFailureRetryInterval = 15 * time.Second
	}
}

// Scheduler owns one scheduling loop over one store and one worker pool.
type Scheduler struct {
	cfg     Config
	store   store.Store
	pool    *pool.Pool
	mux     *listener.Multiplexer
	factory JobFactory
	clk     clock.Provider
	log     logx.Logger

	sigMu        sync.Mutex
	sigCh        chan struct{}
	sigCandidate *time.Time
	sigPending   bool

	stateMu  sync.Mutex
	started  bool
	standby  bool
	shutdown bool
	stopCh   chan struct{}
	loopWG   sync.WaitGroup

	execMu    sync.Mutex
	executing map[job.Key][]job.Job

	// errLimiter throttles repeated store-failure noise: a dead database
	// fails every cycle, and one log line per retry interval is plenty.
	errLimiter *rate.Limiter
}

// Option mutates a Scheduler under construction.
type Option func(*Scheduler)

func WithClock(c clock.Provider) Option  { return func(s *Scheduler) { s.clk = c } }
func WithLogger(l logx.Logger) Option    { return func(s *Scheduler) { s.log = l } }
func WithJobFactory(f JobFactory) Option { return func(s *Scheduler) { s.factory = f } }

func New(cfg Config, st store.Store, p *pool.Pool, mux *listener.Multiplexer, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:        cfg,
		store:      st,
		pool:       p,
		mux:        mux,
		factory:    NewRegistryFactory(),
		clk:        clock.Default,
		log:        logx.Nop(),
		sigCh:      make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		executing:  map[job.Key][]job.Job{},
		errLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logx.String("component", "scheduler"), logx.String("instance", cfg.InstanceName))
	return s
}

// Factory exposes the job factory so callers can register job types on
// the default registry.
func (s *Scheduler) Factory() JobFactory { return s.factory }

// Listeners exposes the listener multiplexer.
func (s *Scheduler) Listeners() *listener.Multiplexer { return s.mux }

// ---- store.Signaler ----

// SignalSchedulingChange wakes the scheduling loop; the earliest known
// candidate fire time wins when several arrive between loop wakeups.
func (s *Scheduler) SignalSchedulingChange(candidate *time.Time) {
	s.sigMu.Lock()
	if !s.sigPending {
		s.sigPending = true
		s.sigCandidate = candidate
	} else if candidate == nil {
		s.sigCandidate = nil
	} else if s.sigCandidate != nil && candidate.Before(*s.sigCandidate) {
		s.sigCandidate = candidate
	}
	s.sigMu.Unlock()

	select {
	case s.sigCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takeSignal() (*time.Time, bool) {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if !s.sigPending {
		return nil, false
	}
	s.sigPending = false
	c := s.sigCandidate
	s.sigCandidate = nil
	return c, true
}

func (s *Scheduler) NotifyTriggerListenersMisfired(t trigger.Trigger) {
	s.mux.NotifyTriggerMisfired(t)
}

func (s *Scheduler) NotifySchedulerListenersError(msg string, err error) {
	s.mux.NotifySchedulerError(msg, err)
}

func (s *Scheduler) NotifyClusterTakeover(failedInstance string, recoveredFires int) {
	s.mux.PublishClusterTakeover(failedInstance, recoveredFires)
}

// ---- lifecycle ----

// Start initializes the store (first call only) and starts the
// scheduling loop; on a standby scheduler it just leaves standby.
func (s *Scheduler) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.shutdown {
		return schedulererr.ErrSchedulerShutdown
	}
	if s.started {
		s.standby = false
		s.SignalSchedulingChange(nil)
		return nil
	}
	if err := s.store.Initialize(ctx, s); err != nil {
		return schedulererr.Scheduler("initialize store", err)
	}
	s.started = true
	s.standby = false
	s.loopWG.Add(1)
	go s.run()
	s.mux.NotifySchedulerStarted()
	s.log.Info("scheduler started")
	return nil
}

// Standby pauses acquisition without tearing anything down.
func (s *Scheduler) Standby() {
	s.stateMu.Lock()
	s.standby = true
	s.stateMu.Unlock()
	s.SignalSchedulingChange(nil)
}

// Shutdown stops the loop, then the pool (waiting for in-flight jobs
// when asked), then the store.
func (s *Scheduler) Shutdown(ctx context.Context, waitForJobsToComplete bool) error {
	s.stateMu.Lock()
	if s.shutdown {
		s.stateMu.Unlock()
		return nil
	}
	s.shutdown = true
	close(s.stopCh)
	wasStarted := s.started
	s.stateMu.Unlock()

	s.mux.NotifySchedulerShuttingDown()
	s.SignalSchedulingChange(nil)
	if wasStarted {
		s.loopWG.Wait()
	}
	s.pool.Shutdown(waitForJobsToComplete)
	if err := s.store.Shutdown(ctx); err != nil {
		return err
	}
	s.log.Info("scheduler stopped", logx.Bool("waited_for_jobs", waitForJobsToComplete))
	return nil
}

func (s *Scheduler) halted() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) inStandby() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.standby
}

// ---- scheduling API ----

// ScheduleJob stores the job and its trigger after computing the
// trigger's first fire time.
func (s *Scheduler) ScheduleJob(ctx context.Context, detail *job.Detail, t trigger.Trigger) error {
	if err := s.prepareTrigger(ctx, t); err != nil {
		return err
	}
	if err := s.store.StoreJobAndTrigger(ctx, detail, t); err != nil {
		return err
	}
	s.mux.NotifyJobScheduled(t)
	return nil
}

// ScheduleTrigger attaches an additional trigger to an already-stored job.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, t trigger.Trigger) error {
	if err := s.prepareTrigger(ctx, t); err != nil {
		return err
	}
	if err := s.store.StoreTrigger(ctx, t, false); err != nil {
		return err
	}
	s.mux.NotifyJobScheduled(t)
	return nil
}

func (s *Scheduler) prepareTrigger(ctx context.Context, t trigger.Trigger) error {
	if err := t.Validate(); err != nil {
		return schedulererr.Scheduler("validate trigger "+t.Key().String(), err)
	}
	t.SetClock(s.clk)
	var cal calendar.Calendar
	if t.CalendarName() != "" {
		var err error
		if cal, err = s.store.RetrieveCalendar(ctx, t.CalendarName()); err != nil {
			return err
		}
		if cal == nil {
			return schedulererr.Scheduler("trigger "+t.Key().String(), fmt.Errorf("calendar %q not found", t.CalendarName()))
		}
	}
	if t.NextFireTime() == nil {
		if first := t.ComputeFirstFireTime(cal); first == nil {
			return schedulererr.Scheduler("trigger "+t.Key().String(), fmt.Errorf("will never fire"))
		}
	}
	return nil
}

// AddJob stores a job without a trigger; it must be durable.
func (s *Scheduler) AddJob(ctx context.Context, detail *job.Detail, replace bool) error {
	if !detail.Durable {
		return schedulererr.Scheduler("add job "+detail.Key.String(), fmt.Errorf("jobs added without a trigger must be durable"))
	}
	return s.store.StoreJob(ctx, detail, replace)
}

// UnscheduleJob removes one trigger (and its job if orphaned and
// non-durable).
func (s *Scheduler) UnscheduleJob(ctx context.Context, triggerKey job.Key) (bool, error) {
	removed, err := s.store.RemoveTrigger(ctx, triggerKey)
	if err == nil && removed {
		s.mux.NotifyJobUnscheduled(triggerKey)
	}
	return removed, err
}

// DeleteJob removes a job and every trigger pointing at it.
func (s *Scheduler) DeleteJob(ctx context.Context, key job.Key) (bool, error) {
	return s.store.RemoveJob(ctx, key)
}

// RescheduleJob swaps a trigger in place, keeping the job linkage.
func (s *Scheduler) RescheduleJob(ctx context.Context, triggerKey job.Key, newTrigger trigger.Trigger) (bool, error) {
	if err := s.prepareTrigger(ctx, newTrigger); err != nil {
		return false, err
	}
	return s.store.ReplaceTrigger(ctx, triggerKey, newTrigger)
}

// TriggerJob fires a stored job once, now.
func (s *Scheduler) TriggerJob(ctx context.Context, key job.Key) error {
	t := trigger.NewSimple(job.NewKey(fmt.Sprintf("manual-%d", s.clk.Now().UnixNano()), "MANUAL_TRIGGERS"), key, 0, 0)
	t.SetStartTime(s.clk.Now())
	t.SetMisfireInstruction(trigger.MisfireIgnoreMisfirePolicy)
	return s.ScheduleTrigger(ctx, t)
}

func (s *Scheduler) PauseTrigger(ctx context.Context, key job.Key) error {
	err := s.store.PauseTrigger(ctx, key)
	if err == nil {
		s.mux.NotifyTriggerPaused(key)
	}
	return err
}

func (s *Scheduler) PauseTriggerGroup(ctx context.Context, group string) error {
	return s.store.PauseTriggerGroup(ctx, group)
}

func (s *Scheduler) PauseJob(ctx context.Context, key job.Key) error {
	return s.store.PauseJob(ctx, key)
}

func (s *Scheduler) PauseJobGroup(ctx context.Context, group string) error {
	return s.store.PauseJobGroup(ctx, group)
}

func (s *Scheduler) ResumeTrigger(ctx context.Context, key job.Key) error {
	err := s.store.ResumeTrigger(ctx, key)
	if err == nil {
		s.mux.NotifyTriggerResumed(key)
	}
	return err
}

func (s *Scheduler) ResumeTriggerGroup(ctx context.Context, group string) error {
	return s.store.ResumeTriggerGroup(ctx, group)
}

func (s *Scheduler) ResumeJob(ctx context.Context, key job.Key) error {
	return s.store.ResumeJob(ctx, key)
}

func (s *Scheduler) ResumeJobGroup(ctx context.Context, group string) error {
	return s.store.ResumeJobGroup(ctx, group)
}

func (s *Scheduler) PauseAll(ctx context.Context) error  { return s.store.PauseAll(ctx) }
func (s *Scheduler) ResumeAll(ctx context.Context) error { return s.store.ResumeAll(ctx) }

func (s *Scheduler) AddCalendar(ctx context.Context, name string, cal calendar.Calendar, replace, updateTriggers bool) error {
	return s.store.StoreCalendar(ctx, name, cal, replace, updateTriggers)
}

func (s *Scheduler) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	return s.store.RemoveCalendar(ctx, name)
}

func (s *Scheduler) GetCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	return s.store.RetrieveCalendar(ctx, name)
}

// Interrupt fans out to every executing instance of the job on this node
// that implements InterruptableJob. Cross-node interrupt is not supported.
func (s *Scheduler) Interrupt(key job.Key) int {
	s.execMu.Lock()
	instances := append([]job.Job(nil), s.executing[key]...)
	s.execMu.Unlock()

	n := 0
	for _, inst := range instances {
		if ij, ok := inst.(job.InterruptableJob); ok {
			if err := ij.Interrupt(); err != nil {
				s.log.Warn("job interrupt failed", logx.String("job", key.String()), logx.Err(err))
				continue
			}
			n++
		}
	}
	return n
}

func (s *Scheduler) trackExecuting(key job.Key, inst job.Job) {
	s.execMu.Lock()
	s.executing[key] = append(s.executing[key], inst)
	s.execMu.Unlock()
}

func (s *Scheduler) untrackExecuting(key job.Key, inst job.Job) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	list := s.executing[key]
	for i, j := range list {
		if sameInstance(j, inst) {
			s.executing[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.executing[key]) == 0 {
		delete(s.executing, key)
	}
}

// sameInstance reports whether a and b are the same tracked job instance.
// Values whose dynamic type is not comparable (job.Func) cannot be compared
// with ==; for those an entry of the same type is taken, which keeps the
// per-key count right.
func sameInstance(a, b job.Job) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if !ta.Comparable() {
		return true
	}
	return a == b
}

// ---- the scheduling loop ----

func (s *Scheduler) run() {
	defer s.loopWG.Done()
	ctx := context.Background()

	for {
		if s.halted() {
			return
		}
		if s.inStandby() {
			s.waitForSignal(s.cfg.IdleWaitTime)
			continue
		}

		available := s.pool.BlockForAvailableThreads()
		if available < 1 || s.halted() {
			return
		}

		now := s.clk.Now()
		batch := s.cfg.BatchMaxCount
		if available < batch {
			batch = available
		}
		triggers, err := s.store.AcquireNextTriggers(ctx, now.Add(s.cfg.IdleWaitTime), batch, s.cfg.BatchTimeWindow)
		if err != nil {
			if s.errLimiter.Allow() {
				s.mux.NotifySchedulerError("trigger acquisition failed", err)
				s.log.Error("trigger acquisition failed", logx.Err(err))
			}
			s.waitForSignal(s.cfg.DBFailureRetryInterval)
			continue
		}
		if len(triggers) == 0 {
			s.waitForSignal(s.cfg.IdleWaitTime)
			continue
		}

		if !s.waitUntilDue(triggers) {
			// Re-plan: an earlier trigger arrived, or shutdown started.
			s.releaseAll(ctx, triggers)
			continue
		}

		results, err := s.store.TriggersFired(ctx, triggers)
		if err != nil {
			s.mux.NotifySchedulerError("triggersFired failed", err)
			s.releaseAll(ctx, triggers)
			s.waitForSignal(s.cfg.DBFailureRetryInterval)
			continue
		}
		for i, res := range results {
			if res.Bundle == nil {
				s.log.Debug("trigger skipped", logx.String("trigger", triggers[i].Key().String()), logx.String("reason", res.SkippedReason))
				_ = s.store.ReleaseAcquiredTrigger(ctx, triggers[i])
				continue
			}
			s.dispatch(ctx, res.Bundle)
		}
	}
}

// waitUntilDue blocks until the batch's first fire time is (almost)
// reached. Returns false when the loop must re-plan instead of firing.
func (s *Scheduler) waitUntilDue(triggers []trigger.Trigger) bool {
	first := triggers[0].NextFireTime()
	for _, t := range triggers[1:] {
		if nft := t.NextFireTime(); nft != nil && (first == nil || nft.Before(*first)) {
			first = nft
		}
	}
	if first == nil {
		return true
	}
	for {
		wait := first.Sub(s.clk.Now()) - fireAhead
		if wait <= 0 {
			return true
		}
		if s.halted() {
			return false
		}
		if signaled := s.waitForSignal(wait); signaled {
			candidate, ok := s.takeSignal()
			if !ok {
				continue
			}
			// Only "new trigger earlier than planned" preempts the sleep.
			if candidate == nil || candidate.Before(*first) {
				return false
			}
		}
	}
}

// waitForSignal sleeps up to d, returning early (true) when the loop is
// poked or shut down.
func (s *Scheduler) waitForSignal(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return true
	case <-s.sigCh:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Scheduler) releaseAll(ctx context.Context, triggers []trigger.Trigger) {
	for _, t := range triggers {
		if err := s.store.ReleaseAcquiredTrigger(ctx, t); err != nil {
			s.log.Error("release acquired trigger failed", logx.String("trigger", t.Key().String()), logx.Err(err))
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, bundle *store.TriggerFiredBundle) {
	inst, err := s.factory.NewJob(bundle.JobDetail)
	if err != nil {
		s.mux.NotifySchedulerError("job instantiation failed", err)
		s.log.Error("job instantiation failed", logx.String("job", bundle.JobDetail.Key.String()), logx.Err(err))
		if cerr := s.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.JobDetail, store.InstructionSetAllJobTriggersError); cerr != nil {
			s.log.Error("completing unbuildable job failed", logx.Err(cerr))
		}
		return
	}
	if ok := s.pool.RunInThread(func() { s.runShell(bundle, inst) }); !ok {
		// Pool is shutting down; put the fire back.
		if cerr := s.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.JobDetail, store.InstructionNoInstruction); cerr != nil {
			s.log.Error("completing undispatched fire failed", logx.Err(cerr))
		}
	}
}
