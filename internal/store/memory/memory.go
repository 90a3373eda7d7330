// Package memory implements the job-store contract with in-process maps
// for single-instance and test deployments. No clustering: the mutex is
// the only lock, and every mutation happens under it.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/clock"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/schedulererr"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/internal/trigger"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

// Store is the in-memory job store.
type Store struct {
	mu sync.Mutex

	clk clock.Provider
	log logx.Logger
	sig store.Signaler

	misfireThreshold time.Duration

	jobs      map[job.Key]*job.Detail
	triggers  map[job.Key]trigger.Trigger
	calendars map[string]calendar.Calendar

	pausedTriggerGroups map[string]bool
	pausedJobGroups     map[string]bool

	// blockedJobs holds concurrent-disallowed jobs currently executing;
	// their other triggers sit in BLOCKED until completion.
	blockedJobs map[job.Key]bool

	fired map[string]*store.FiredTrigger
}

// Option mutates a Store under construction.
type Option func(*Store)

func WithClock(c clock.Provider) Option           { return func(s *Store) { s.clk = c } }
func WithLogger(l logx.Logger) Option             { return func(s *Store) { s.log = l } }
func WithMisfireThreshold(d time.Duration) Option { return func(s *Store) { s.misfireThreshold = d } }

func New(opts ...Option) *Store {
	s := &Store{
		clk:                 clock.Default,
		log:                 logx.Nop(),
		misfireThreshold:    time.Minute,
		jobs:                map[job.Key]*job.Detail{},
		triggers:            map[job.Key]trigger.Trigger{},
		calendars:           map[string]calendar.Calendar{},
		pausedTriggerGroups: map[string]bool{},
		pausedJobGroups:     map[string]bool{},
		blockedJobs:         map[job.Key]bool{},
		fired:               map[string]*store.FiredTrigger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) Initialize(_ context.Context, sig store.Signaler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sig = sig
	return nil
}

func (s *Store) Shutdown(context.Context) error { return nil }

func (s *Store) Clustered() bool { return false }

func (s *Store) StoreJobAndTrigger(ctx context.Context, j *job.Detail, t trigger.Trigger) error {
	if err := s.StoreJob(ctx, j, false); err != nil {
		return err
	}
	return s.StoreTrigger(ctx, t, false)
}

func (s *Store) StoreJob(_ context.Context, j *job.Detail, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.Key]; exists && !replaceExisting {
		return fmt.Errorf("store job %s: %w", j.Key, schedulererr.ErrObjectAlreadyExists)
	}
	s.jobs[j.Key] = j.Clone()
	return nil
}

func (s *Store) StoreTrigger(_ context.Context, t trigger.Trigger, replaceExisting bool) error {
	s.mu.Lock()
	if _, exists := s.triggers[t.Key()]; exists && !replaceExisting {
		s.mu.Unlock()
		return fmt.Errorf("store trigger %s: %w", t.Key(), schedulererr.ErrObjectAlreadyExists)
	}
	if _, ok := s.jobs[t.JobKey()]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("store trigger %s references job %s: %w", t.Key(), t.JobKey(), schedulererr.ErrJobNotFound)
	}
	own := t.Clone()
	own.SetClock(s.clk)
	if s.pausedTriggerGroups[own.Key().Group] || s.pausedJobGroups[own.JobKey().Group] {
		if s.blockedJobs[own.JobKey()] {
			own.SetState(trigger.StatePausedBlocked)
		} else {
			own.SetState(trigger.StatePaused)
		}
	} else if s.blockedJobs[own.JobKey()] {
		own.SetState(trigger.StateBlocked)
	} else {
		own.SetState(trigger.StateWaiting)
	}
	s.triggers[own.Key()] = own
	sig, next := s.sig, own.NextFireTime()
	s.mu.Unlock()

	if sig != nil && next != nil {
		sig.SignalSchedulingChange(next)
	}
	return nil
}

func (s *Store) RemoveJob(_ context.Context, key job.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[key]; !ok {
		return false, nil
	}
	for tk, t := range s.triggers {
		if t.JobKey() == key {
			delete(s.triggers, tk)
		}
	}
	delete(s.jobs, key)
	return true, nil
}

func (s *Store) RemoveTrigger(_ context.Context, key job.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeTriggerLocked(key, true)
}

// removeTriggerLocked drops the trigger; when removeOrphanedJob is set a
// non-durable job left with no triggers is dropped too.
func (s *Store) removeTriggerLocked(key job.Key, removeOrphanedJob bool) (bool, error) {
	t, ok := s.triggers[key]
	if !ok {
		return false, nil
	}
	delete(s.triggers, key)
	if !removeOrphanedJob {
		return true, nil
	}
	j, ok := s.jobs[t.JobKey()]
	if !ok || j.Durable {
		return true, nil
	}
	for _, other := range s.triggers {
		if other.JobKey() == j.Key {
			return true, nil
		}
	}
	delete(s.jobs, j.Key)
	return true, nil
}

func (s *Store) ReplaceTrigger(ctx context.Context, key job.Key, newTrigger trigger.Trigger) (bool, error) {
	s.mu.Lock()
	old, ok := s.triggers[key]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if old.JobKey() != newTrigger.JobKey() {
		s.mu.Unlock()
		return false, fmt.Errorf("replace trigger %s: new trigger references a different job", key)
	}
	if _, err := s.removeTriggerLocked(key, false); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()
	if err := s.StoreTrigger(ctx, newTrigger, false); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) RetrieveJob(_ context.Context, key job.Key) (*job.Detail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

func (s *Store) RetrieveTrigger(_ context.Context, key job.Key) (trigger.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[key]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (s *Store) CheckJobExists(_ context.Context, key job.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok, nil
}

func (s *Store) CheckTriggerExists(_ context.Context, key job.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[key]
	return ok, nil
}

func (s *Store) GetJobKeys(_ context.Context, group string) ([]job.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Key
	for k := range s.jobs {
		if group == "" || k.Group == group {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out, nil
}

func (s *Store) GetTriggerKeys(_ context.Context, group string) ([]job.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Key
	for k := range s.triggers {
		if group == "" || k.Group == group {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out, nil
}

func (s *Store) GetJobGroupNames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return groupNames(s.jobs), nil
}

func (s *Store) GetTriggerGroupNames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for k := range s.triggers {
		if !seen[k.Group] {
			seen[k.Group] = true
			out = append(out, k.Group)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetTriggersForJob(_ context.Context, key job.Key) ([]trigger.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trigger.Trigger
	for _, t := range s.triggers {
		if t.JobKey() == key {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (s *Store) GetTriggerState(_ context.Context, key job.Key) (trigger.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[key]
	if !ok {
		return 0, fmt.Errorf("trigger state %s: %w", key, schedulererr.ErrTriggerNotFound)
	}
	return t.State(), nil
}

func (s *Store) PauseTrigger(_ context.Context, key job.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseTriggerLocked(key)
	return nil
}

func (s *Store) pauseTriggerLocked(key job.Key) {
	t, ok := s.triggers[key]
	if !ok || t.State() == trigger.StateComplete {
		return
	}
	if t.State() == trigger.StateBlocked {
		t.SetState(trigger.StatePausedBlocked)
	} else {
		t.SetState(trigger.StatePaused)
	}
}

func (s *Store) PauseTriggerGroup(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedTriggerGroups[group] = true
	for k := range s.triggers {
		if k.Group == group {
			s.pauseTriggerLocked(k)
		}
	}
	return nil
}

func (s *Store) PauseJob(_ context.Context, key job.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.triggers {
		if t.JobKey() == key {
			s.pauseTriggerLocked(k)
		}
	}
	return nil
}

func (s *Store) PauseJobGroup(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedJobGroups[group] = true
	for k, t := range s.triggers {
		if t.JobKey().Group == group {
			s.pauseTriggerLocked(k)
		}
	}
	return nil
}

func (s *Store) ResumeTrigger(_ context.Context, key job.Key) error {
	s.mu.Lock()
	s.resumeTriggerLocked(key)
	sig := s.sig
	s.mu.Unlock()
	if sig != nil {
		sig.SignalSchedulingChange(nil)
	}
	return nil
}

func (s *Store) resumeTriggerLocked(key job.Key) {
	t, ok := s.triggers[key]
	if !ok {
		return
	}
	switch t.State() {
	case trigger.StatePaused:
		if s.blockedJobs[t.JobKey()] {
			t.SetState(trigger.StateBlocked)
		} else {
			t.SetState(trigger.StateWaiting)
		}
	case trigger.StatePausedBlocked:
		t.SetState(trigger.StateBlocked)
	default:
		return
	}
	s.applyMisfireLocked(t)
}

func (s *Store) ResumeTriggerGroup(_ context.Context, group string) error {
	s.mu.Lock()
	delete(s.pausedTriggerGroups, group)
	for k := range s.triggers {
		if k.Group == group {
			s.resumeTriggerLocked(k)
		}
	}
	sig := s.sig
	s.mu.Unlock()
	if sig != nil {
		sig.SignalSchedulingChange(nil)
	}
	return nil
}

func (s *Store) ResumeJob(_ context.Context, key job.Key) error {
	s.mu.Lock()
	for k, t := range s.triggers {
		if t.JobKey() == key {
			s.resumeTriggerLocked(k)
		}
	}
	sig := s.sig
	s.mu.Unlock()
	if sig != nil {
		sig.SignalSchedulingChange(nil)
	}
	return nil
}

func (s *Store) ResumeJobGroup(_ context.Context, group string) error {
	s.mu.Lock()
	delete(s.pausedJobGroups, group)
	for k, t := range s.triggers {
		if t.JobKey().Group == group {
			s.resumeTriggerLocked(k)
		}
	}
	sig := s.sig
	s.mu.Unlock()
	if sig != nil {
		sig.SignalSchedulingChange(nil)
	}
	return nil
}

func (s *Store) PauseAll(ctx context.Context) error {
	groups, err := s.GetTriggerGroupNames(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := s.PauseTriggerGroup(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ResumeAll(ctx context.Context) error {
	s.mu.Lock()
	s.pausedTriggerGroups = map[string]bool{}
	s.pausedJobGroups = map[string]bool{}
	for k := range s.triggers {
		s.resumeTriggerLocked(k)
	}
	sig := s.sig
	s.mu.Unlock()
	if sig != nil {
		sig.SignalSchedulingChange(nil)
	}
	return nil
}

func (s *Store) StoreCalendar(_ context.Context, name string, cal calendar.Calendar, replaceExisting, updateTriggers bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calendars[name]; exists && !replaceExisting {
		return fmt.Errorf("store calendar %q: %w", name, schedulererr.ErrObjectAlreadyExists)
	}
	s.calendars[name] = cal
	if !updateTriggers {
		return nil
	}
	for _, t := range s.triggers {
		if t.CalendarName() == name {
			t.UpdateWithNewCalendar(cal, s.misfireThreshold)
		}
	}
	return nil
}

func (s *Store) RemoveCalendar(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.triggers {
		if t.CalendarName() == name {
			return false, fmt.Errorf("remove calendar %q: still referenced by trigger %s", name, t.Key())
		}
	}
	if _, ok := s.calendars[name]; !ok {
		return false, nil
	}
	delete(s.calendars, name)
	return true, nil
}

func (s *Store) RetrieveCalendar(_ context.Context, name string) (calendar.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calendars[name], nil
}

func (s *Store) CalendarExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calendars[name]
	return ok, nil
}

func (s *Store) GetCalendarNames(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calendars))
	for name := range s.calendars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// applyMisfireLocked checks whether t's nextFireTime has slipped past the
// misfire threshold and, if so, runs its misfire instruction. Reports
// whether a misfire was applied.
func (s *Store) applyMisfireLocked(t trigger.Trigger) bool {
	next := t.NextFireTime()
	if next == nil || t.MisfireInstruction() == trigger.MisfireIgnoreMisfirePolicy {
		return false
	}
	misfireAt := s.clk.Now().Add(-s.misfireThreshold)
	if !next.Before(misfireAt) {
		return false
	}
	var cal calendar.Calendar
	if t.CalendarName() != "" {
		cal = s.calendars[t.CalendarName()]
	}
	if s.sig != nil {
		s.sig.NotifyTriggerListenersMisfired(t.Clone())
	}
	t.UpdateAfterMisfire(cal)
	if t.NextFireTime() == nil {
		t.SetState(trigger.StateComplete)
		return true
	}
	return !next.Equal(*t.NextFireTime())
}

func (s *Store) AcquireNextTriggers(_ context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]trigger.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]trigger.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		if t.State() == trigger.StateWaiting && t.NextFireTime() != nil {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.NextFireTime().Equal(*b.NextFireTime()) {
			return a.NextFireTime().Before(*b.NextFireTime())
		}
		if a.Priority() != b.Priority() {
			return a.Priority() > b.Priority()
		}
		return a.Key().String() < b.Key().String()
	})

	var (
		acquired    []trigger.Trigger
		batchEnd    time.Time
		jobsInBatch = map[job.Key]bool{}
	)
	for _, t := range candidates {
		if len(acquired) == maxCount {
			break
		}
		if s.applyMisfireLocked(t) {
			if t.NextFireTime() == nil || t.NextFireTime().After(noLaterThan.Add(timeWindow)) {
				continue
			}
		}
		next := t.NextFireTime()
		if next == nil || next.After(noLaterThan.Add(timeWindow)) {
			break
		}
		// The batch ends timeWindow after the later of noLaterThan and the
		// first acquired trigger's fire time.
		if !batchEnd.IsZero() && next.After(batchEnd) {
			break
		}

		j := s.jobs[t.JobKey()]
		if j != nil && j.ConcurrentExecutionDisallowed {
			if jobsInBatch[t.JobKey()] || s.blockedJobs[t.JobKey()] {
				continue
			}
			jobsInBatch[t.JobKey()] = true
		}

		t.SetState(trigger.StateAcquired)
		entry := &store.FiredTrigger{
			EntryID:       uuid.NewString(),
			TriggerKey:    t.Key(),
			JobKey:        t.JobKey(),
			FiredTime:     s.clk.Now(),
			ScheduledTime: *next,
			Priority:      t.Priority(),
			State:         trigger.StateAcquired,
		}
		s.fired[entry.EntryID] = entry

		if batchEnd.IsZero() {
			end := *next
			if end.Before(noLaterThan) {
				end = noLaterThan
			}
			batchEnd = end.Add(timeWindow)
		}
		acquired = append(acquired, t.Clone())
	}
	return acquired, nil
}

func (s *Store) ReleaseAcquiredTrigger(_ context.Context, t trigger.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	own, ok := s.triggers[t.Key()]
	if ok && own.State() == trigger.StateAcquired {
		own.SetState(trigger.StateWaiting)
	}
	s.dropFiredLocked(t.Key())
	return nil
}

func (s *Store) dropFiredLocked(key job.Key) {
	for id, ft := range s.fired {
		if ft.TriggerKey == key {
			delete(s.fired, id)
			return
		}
	}
}

func (s *Store) TriggersFired(_ context.Context, triggers []trigger.Trigger) ([]store.TriggerFiredResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]store.TriggerFiredResult, 0, len(triggers))
	for _, acquired := range triggers {
		own, ok := s.triggers[acquired.Key()]
		if !ok {
			results = append(results, store.TriggerFiredResult{SkippedReason: "trigger no longer exists"})
			continue
		}
		if own.State() != trigger.StateAcquired {
			results = append(results, store.TriggerFiredResult{SkippedReason: "trigger no longer acquired"})
			continue
		}

		var cal calendar.Calendar
		if own.CalendarName() != "" {
			cal = s.calendars[own.CalendarName()]
			if cal == nil {
				results = append(results, store.TriggerFiredResult{SkippedReason: "calendar not found"})
				continue
			}
		}

		prev := own.PreviousFireTime()
		scheduled := own.NextFireTime()
		own.Triggered(cal)

		j := s.jobs[own.JobKey()]
		if j == nil {
			results = append(results, store.TriggerFiredResult{SkippedReason: "job no longer exists"})
			continue
		}

		if j.ConcurrentExecutionDisallowed {
			s.blockedJobs[j.Key] = true
			for _, sibling := range s.triggers {
				if sibling.JobKey() != j.Key || sibling.Key() == own.Key() {
					continue
				}
				switch sibling.State() {
				case trigger.StateWaiting, trigger.StateAcquired:
					sibling.SetState(trigger.StateBlocked)
				case trigger.StatePaused:
					sibling.SetState(trigger.StatePausedBlocked)
				}
			}
			own.SetState(trigger.StateExecuting)
		} else if own.NextFireTime() == nil {
			own.SetState(trigger.StateComplete)
		} else {
			own.SetState(trigger.StateWaiting)
		}

		for _, ft := range s.fired {
			if ft.TriggerKey == own.Key() {
				ft.State = trigger.StateExecuting
				ft.ConcurrentExecutionDisallowed = j.ConcurrentExecutionDisallowed
				ft.RequestsRecovery = j.RequestsRecovery
			}
		}

		results = append(results, store.TriggerFiredResult{Bundle: &store.TriggerFiredBundle{
			Trigger:           own.Clone(),
			JobDetail:         j.Clone(),
			Calendar:          cal,
			FireTime:          s.clk.Now(),
			ScheduledFireTime: *scheduled,
			PrevFireTime:      prev,
			NextFireTime:      own.NextFireTime(),
		}})
	}
	return results, nil
}

func (s *Store) TriggeredJobComplete(_ context.Context, t trigger.Trigger, j *job.Detail, instr store.CompletedExecutionInstruction) error {
	s.mu.Lock()

	if j != nil {
		if stored, ok := s.jobs[j.Key]; ok {
			if j.PersistDataAfterExecution {
				stored.JobData = j.JobData.Clone()
			}
			if j.ConcurrentExecutionDisallowed {
				delete(s.blockedJobs, j.Key)
				for _, sibling := range s.triggers {
					if sibling.JobKey() != j.Key {
						continue
					}
					switch sibling.State() {
					case trigger.StateBlocked, trigger.StateExecuting:
						if sibling.NextFireTime() == nil {
							sibling.SetState(trigger.StateComplete)
						} else {
							sibling.SetState(trigger.StateWaiting)
						}
					case trigger.StatePausedBlocked:
						sibling.SetState(trigger.StatePaused)
					}
				}
			}
		}
	}

	own := s.triggers[t.Key()]
	if own != nil {
		switch instr {
		case store.InstructionDeleteTrigger:
			// A concurrently rescheduled trigger has a fresher nextFireTime
			// than the completed one; deleting it then would lose work.
			if next := t.NextFireTime(); next == nil {
				if own.NextFireTime() == nil {
					s.removeTriggerLocked(t.Key(), true)
				}
			} else {
				s.removeTriggerLocked(t.Key(), true)
			}
		case store.InstructionSetTriggerComplete:
			own.SetState(trigger.StateComplete)
		case store.InstructionSetTriggerError:
			own.SetState(trigger.StateError)
		case store.InstructionSetAllJobTriggersComplete:
			for _, sibling := range s.triggers {
				if sibling.JobKey() == t.JobKey() {
					sibling.SetState(trigger.StateComplete)
				}
			}
		case store.InstructionSetAllJobTriggersError:
			for _, sibling := range s.triggers {
				if sibling.JobKey() == t.JobKey() {
					sibling.SetState(trigger.StateError)
				}
			}
		}
	}

	s.dropFiredLocked(t.Key())
	sig := s.sig
	s.mu.Unlock()

	if sig != nil {
		sig.SignalSchedulingChange(nil)
	}
	return nil
}

// FiredTriggerRecords returns a snapshot of the in-flight fired records;
// used by tests and diagnostics.
func (s *Store) FiredTriggerRecords() []store.FiredTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.FiredTrigger, 0, len(s.fired))
	for _, ft := range s.fired {
		out = append(out, *ft)
	}
	return out
}

func sortKeys(keys []job.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Name < keys[j].Name
	})
}

func groupNames(jobs map[job.Key]*job.Detail) []string {
	seen := map[string]bool{}
	var out []string
	for k := range jobs {
		if !seen[k.Group] {
			seen[k.Group] = true
			out = append(out, k.Group)
		}
	}
	sort.Strings(out)
	return out
}
