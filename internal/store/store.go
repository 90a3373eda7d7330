// Package store defines the job-store contract both implementations
// (memory, sql) satisfy: the data model for fired triggers and cluster
// state, and the operations the scheduling loop drives.
package store

import (
	"context"
	"time"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/trigger"
)

// CompletedExecutionInstruction tells TriggeredJobComplete what to do with
// the trigger after its job ran.
type CompletedExecutionInstruction int

const (
	InstructionNoInstruction CompletedExecutionInstruction = iota
	InstructionDeleteTrigger
	InstructionSetTriggerComplete
	InstructionSetTriggerError
	InstructionSetAllJobTriggersError
	InstructionSetAllJobTriggersComplete
)

// TriggerFiredBundle is the successful result of TriggersFired for one
// trigger: everything the run shell needs to build a JobExecutionContext.
type TriggerFiredBundle struct {
	Trigger   trigger.Trigger
	JobDetail *job.Detail
	Calendar  calendar.Calendar

	// Recovering is not set by the memory or SQL store; recovery fires are
	// recognised by their trigger group (RecoveryTriggerGroup), and the
	// original fire time rides in the job data map.
	Recovering bool

	FireTime          time.Time
	ScheduledFireTime time.Time
	PrevFireTime      *time.Time
	NextFireTime      *time.Time
}

// TriggerFiredResult is one entry of TriggersFired's output: either a
// bundle or the reason the trigger was skipped (no longer ACQUIRED,
// missing job, ...).
type TriggerFiredResult struct {
	Bundle        *TriggerFiredBundle
	SkippedReason string
}

// FiredTrigger is the record inserted on acquire and removed on
// completion; rows that survive a crash drive recovery.
type FiredTrigger struct {
	EntryID       string
	TriggerKey    job.Key
	JobKey        job.Key
	InstanceName  string
	FiredTime     time.Time
	ScheduledTime time.Time
	Priority      int
	State         trigger.State

	ConcurrentExecutionDisallowed bool
	RequestsRecovery              bool
}

// SchedulerState is one live instance's heartbeat row; stale rows drive
// failover.
type SchedulerState struct {
	InstanceName    string
	LastCheckinTime time.Time
	CheckinInterval time.Duration
}

// Signaler is how a store pokes the scheduling loop: a newly stored
// trigger that fires earlier than the loop's current plan must preempt
// its sleep.
type Signaler interface {
	// SignalSchedulingChange wakes the scheduling loop; candidate is the
	// new earliest fire time when known, nil to force an immediate re-plan.
	SignalSchedulingChange(candidate *time.Time)

	// NotifyTriggerListenersMisfired reports a misfired trigger so the
	// listener layer can observe it.
	NotifyTriggerListenersMisfired(t trigger.Trigger)

	// NotifySchedulerListenersError surfaces a store-layer failure the
	// maintenance threads could not retry away.
	NotifySchedulerListenersError(msg string, err error)

	// NotifyClusterTakeover reports that this instance recovered a dead
	// peer's in-flight work.
	NotifyClusterTakeover(failedInstance string, recoveredFires int)
}

// Store is the contract the scheduling loop drives. Every implementation
// must be safe for concurrent use from one scheduler instance; the
// persistent implementation must additionally be safe across cluster
// instances sharing one database.
type Store interface {
	// Initialize wires the signaler and starts any maintenance the
	// implementation owns (misfire scan, cluster checkin).
	Initialize(ctx context.Context, sig Signaler) error
	Shutdown(ctx context.Context) error

	// Clustered reports whether this store coordinates multiple instances.
	Clustered() bool

	StoreJobAndTrigger(ctx context.Context, j *job.Detail, t trigger.Trigger) error
	StoreJob(ctx context.Context, j *job.Detail, replaceExisting bool) error
	StoreTrigger(ctx context.Context, t trigger.Trigger, replaceExisting bool) error
	RemoveJob(ctx context.Context, key job.Key) (bool, error)
	RemoveTrigger(ctx context.Context, key job.Key) (bool, error)

	// ReplaceTrigger swaps a trigger in place; the new trigger must
	// reference the same job as the old one.
	ReplaceTrigger(ctx context.Context, key job.Key, newTrigger trigger.Trigger) (bool, error)

	RetrieveJob(ctx context.Context, key job.Key) (*job.Detail, error)
	RetrieveTrigger(ctx context.Context, key job.Key) (trigger.Trigger, error)
	CheckJobExists(ctx context.Context, key job.Key) (bool, error)
	CheckTriggerExists(ctx context.Context, key job.Key) (bool, error)

	GetJobKeys(ctx context.Context, group string) ([]job.Key, error)
	GetTriggerKeys(ctx context.Context, group string) ([]job.Key, error)
	GetJobGroupNames(ctx context.Context) ([]string, error)
	GetTriggerGroupNames(ctx context.Context) ([]string, error)
	GetTriggersForJob(ctx context.Context, key job.Key) ([]trigger.Trigger, error)
	GetTriggerState(ctx context.Context, key job.Key) (trigger.State, error)

	PauseTrigger(ctx context.Context, key job.Key) error
	PauseTriggerGroup(ctx context.Context, group string) error
	PauseJob(ctx context.Context, key job.Key) error
	PauseJobGroup(ctx context.Context, group string) error
	ResumeTrigger(ctx context.Context, key job.Key) error
	ResumeTriggerGroup(ctx context.Context, group string) error
	ResumeJob(ctx context.Context, key job.Key) error
	ResumeJobGroup(ctx context.Context, group string) error
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error

	StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replaceExisting, updateTriggers bool) error
	RemoveCalendar(ctx context.Context, name string) (bool, error)
	RetrieveCalendar(ctx context.Context, name string) (calendar.Calendar, error)
	CalendarExists(ctx context.Context, name string) (bool, error)
	GetCalendarNames(ctx context.Context) ([]string, error)

	// AcquireNextTriggers atomically moves up to maxCount WAITING triggers
	// whose nextFireTime <= noLaterThan+timeWindow to ACQUIRED, ordered by
	// (nextFireTime ASC, priority DESC), skipping paused and blocked ones.
	AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]trigger.Trigger, error)

	// ReleaseAcquiredTrigger undoes an acquisition the loop decided not to
	// fire (shutdown race, veto on the batch).
	ReleaseAcquiredTrigger(ctx context.Context, t trigger.Trigger) error

	// TriggersFired confirms each acquired trigger, advances its schedule
	// and returns per-trigger bundles or skip reasons. A trigger whose job
	// disallows concurrent execution is set to EXECUTING; any other trigger
	// goes back to WAITING, or to COMPLETE when no fire remains, and is not
	// set to EXECUTING.
	TriggersFired(ctx context.Context, triggers []trigger.Trigger) ([]TriggerFiredResult, error)

	// TriggeredJobComplete applies the post-execution instruction, unblocks
	// concurrent-disallowed siblings, persists mutated job data when the
	// job asks for it, and removes the fired-trigger record.
	TriggeredJobComplete(ctx context.Context, t trigger.Trigger, j *job.Detail, instr CompletedExecutionInstruction) error
}
