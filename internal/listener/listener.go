// Package listener defines the scheduler's three listener interfaces and
// the multiplexer that fans lifecycle callbacks out to them.
//
// Firing-pipeline callbacks are dispatched synchronously, in registration
// order, from the firing goroutine — the per-fire callback order
// (triggerFired → jobToBeExecuted → execute → jobWasExecuted →
// triggerComplete) is a contract and an async fan-out cannot keep it. The
// event bus carries only the operator-facing feed (started, shutdown,
// cluster takeover), where ordering across subscribers doesn't matter.
package listener

import (
	"sync"
	"time"

	"github.com/dendrite-sched/dendrite/internal/eventbus"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/internal/trigger"
)

// TriggerListener observes the firing lifecycle of triggers.
type TriggerListener interface {
	Name() string

	// TriggerFired runs before the job; it precedes VetoJobExecution.
	TriggerFired(exec *job.ExecutionContext)

	// VetoJobExecution may stop the job from running; any listener
	// returning true vetoes the whole firing.
	VetoJobExecution(exec *job.ExecutionContext) bool

	TriggerMisfired(t trigger.Trigger)

	TriggerComplete(exec *job.ExecutionContext, instr store.CompletedExecutionInstruction)
}

// JobListener observes job execution.
type JobListener interface {
	Name() string
	JobToBeExecuted(exec *job.ExecutionContext)
	JobExecutionVetoed(exec *job.ExecutionContext)
	JobWasExecuted(exec *job.ExecutionContext, jobErr error)
}

// SchedulerListener observes scheduler-level lifecycle events.
type SchedulerListener interface {
	Name() string
	JobScheduled(t trigger.Trigger)
	JobUnscheduled(key job.Key)
	TriggerPaused(key job.Key)
	TriggerResumed(key job.Key)
	SchedulerError(msg string, err error)
	SchedulerStarted()
	SchedulerShuttingDown()
}

// Event types published on the operator feed.
const (
	EventSchedulerStarted  = "scheduler.started"
	EventSchedulerStopping = "scheduler.stopping"
	EventSchedulerError    = "scheduler.error"
	EventClusterTakeover   = "cluster.takeover"
)

// Multiplexer fans callbacks out to every registered listener, preserving
// registration order. All methods are safe for concurrent use.
type Multiplexer struct {
	mu sync.RWMutex

	triggerListeners   []TriggerListener
	jobListeners       []JobListener
	schedulerListeners []SchedulerListener

	bus eventbus.Bus
}

func NewMultiplexer(bus eventbus.Bus) *Multiplexer {
	return &Multiplexer{bus: bus}
}

// Bus exposes the operator feed for subscribers.
func (m *Multiplexer) Bus() eventbus.Bus { return m.bus }

func (m *Multiplexer) AddTriggerListener(l TriggerListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerListeners = append(m.triggerListeners, l)
}

func (m *Multiplexer) RemoveTriggerListener(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.triggerListeners {
		if l.Name() == name {
			m.triggerListeners = append(m.triggerListeners[:i], m.triggerListeners[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Multiplexer) AddJobListener(l JobListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobListeners = append(m.jobListeners, l)
}

func (m *Multiplexer) RemoveJobListener(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.jobListeners {
		if l.Name() == name {
			m.jobListeners = append(m.jobListeners[:i], m.jobListeners[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Multiplexer) AddSchedulerListener(l SchedulerListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedulerListeners = append(m.schedulerListeners, l)
}

func (m *Multiplexer) triggerSnapshot() []TriggerListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TriggerListener(nil), m.triggerListeners...)
}

func (m *Multiplexer) jobSnapshot() []JobListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]JobListener(nil), m.jobListeners...)
}

func (m *Multiplexer) schedulerSnapshot() []SchedulerListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SchedulerListener(nil), m.schedulerListeners...)
}

func (m *Multiplexer) NotifyTriggerFired(exec *job.ExecutionContext) {
	for _, l := range m.triggerSnapshot() {
		l.TriggerFired(exec)
	}
}

// NotifyVetoJobExecution polls every trigger listener; a single veto
// stops the firing, but all listeners are still asked.
func (m *Multiplexer) NotifyVetoJobExecution(exec *job.ExecutionContext) bool {
	vetoed := false
	for _, l := range m.triggerSnapshot() {
		if l.VetoJobExecution(exec) {
			vetoed = true
		}
	}
	return vetoed
}

func (m *Multiplexer) NotifyTriggerMisfired(t trigger.Trigger) {
	for _, l := range m.triggerSnapshot() {
		l.TriggerMisfired(t)
	}
}

func (m *Multiplexer) NotifyTriggerComplete(exec *job.ExecutionContext, instr store.CompletedExecutionInstruction) {
	for _, l := range m.triggerSnapshot() {
		l.TriggerComplete(exec, instr)
	}
}

func (m *Multiplexer) NotifyJobToBeExecuted(exec *job.ExecutionContext) {
	for _, l := range m.jobSnapshot() {
		l.JobToBeExecuted(exec)
	}
}

func (m *Multiplexer) NotifyJobExecutionVetoed(exec *job.ExecutionContext) {
	for _, l := range m.jobSnapshot() {
		l.JobExecutionVetoed(exec)
	}
}

func (m *Multiplexer) NotifyJobWasExecuted(exec *job.ExecutionContext, jobErr error) {
	for _, l := range m.jobSnapshot() {
		l.JobWasExecuted(exec, jobErr)
	}
}

func (m *Multiplexer) NotifyJobScheduled(t trigger.Trigger) {
	for _, l := range m.schedulerSnapshot() {
		l.JobScheduled(t)
	}
}

func (m *Multiplexer) NotifyJobUnscheduled(key job.Key) {
	for _, l := range m.schedulerSnapshot() {
		l.JobUnscheduled(key)
	}
}

func (m *Multiplexer) NotifyTriggerPaused(key job.Key) {
	for _, l := range m.schedulerSnapshot() {
		l.TriggerPaused(key)
	}
}

func (m *Multiplexer) NotifyTriggerResumed(key job.Key) {
	for _, l := range m.schedulerSnapshot() {
		l.TriggerResumed(key)
	}
}

func (m *Multiplexer) NotifySchedulerError(msg string, err error) {
	for _, l := range m.schedulerSnapshot() {
		l.SchedulerError(msg, err)
	}
	m.publish(EventSchedulerError, map[string]string{"msg": msg})
}

func (m *Multiplexer) NotifySchedulerStarted() {
	for _, l := range m.schedulerSnapshot() {
		l.SchedulerStarted()
	}
	m.publish(EventSchedulerStarted, nil)
}

func (m *Multiplexer) NotifySchedulerShuttingDown() {
	for _, l := range m.schedulerSnapshot() {
		l.SchedulerShuttingDown()
	}
	m.publish(EventSchedulerStopping, nil)
}

// PublishClusterTakeover puts a failover on the operator feed; there is no
// synchronous listener for it because no firing-order contract applies.
func (m *Multiplexer) PublishClusterTakeover(failedInstance string, recovered int) {
	m.publish(EventClusterTakeover, map[string]any{
		"failed_instance": failedInstance,
		"recovered":       recovered,
	})
}

func (m *Multiplexer) publish(eventType string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: data})
}

// BaseTriggerListener is a no-op implementation to embed when only some
// callbacks matter.
type BaseTriggerListener struct{ ListenerName string }

func (b BaseTriggerListener) Name() string                              { return b.ListenerName }
func (BaseTriggerListener) TriggerFired(*job.ExecutionContext)          {}
func (BaseTriggerListener) VetoJobExecution(*job.ExecutionContext) bool { return false }
func (BaseTriggerListener) TriggerMisfired(trigger.Trigger)             {}
func (BaseTriggerListener) TriggerComplete(*job.ExecutionContext, store.CompletedExecutionInstruction) {
}

// BaseJobListener is the JobListener counterpart.
type BaseJobListener struct{ ListenerName string }

func (b BaseJobListener) Name() string                              { return b.ListenerName }
func (BaseJobListener) JobToBeExecuted(*job.ExecutionContext)       {}
func (BaseJobListener) JobExecutionVetoed(*job.ExecutionContext)    {}
func (BaseJobListener) JobWasExecuted(*job.ExecutionContext, error) {}

// BaseSchedulerListener is the SchedulerListener counterpart.
type BaseSchedulerListener struct{ ListenerName string }

func (b BaseSchedulerListener) Name() string               { return b.ListenerName }
func (BaseSchedulerListener) JobScheduled(trigger.Trigger) {}
func (BaseSchedulerListener) JobUnscheduled(job.Key)       {}
func (BaseSchedulerListener) TriggerPaused(job.Key)        {}
func (BaseSchedulerListener) TriggerResumed(job.Key)       {}
func (BaseSchedulerListener) SchedulerError(string, error) {}
func (BaseSchedulerListener) SchedulerStarted()            {}
func (BaseSchedulerListener) SchedulerShuttingDown()       {}
