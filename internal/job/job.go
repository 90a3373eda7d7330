package job

import (
	"context"
	"time"
)

// Job is user code invoked when a trigger fires. Implementations are
// registered by type name with a JobFactory, which the scheduling loop
// uses to instantiate one per fire.
type Job interface {
	Execute(ctx context.Context, exec *ExecutionContext) error
}

// Func adapts a plain function to the Job interface, the way HTTP handlers
// adapt functions in net/http — convenient for tests and simple jobs that
// don't need a dedicated type.
type Func func(ctx context.Context, exec *ExecutionContext) error

func (f Func) Execute(ctx context.Context, exec *ExecutionContext) error { return f(ctx, exec) }

// InterruptableJob is implemented by jobs that can react to Scheduler.Interrupt.
type InterruptableJob interface {
	Job
	Interrupt() error
}

// Detail is the metadata describing a job type and its initial data,
// independent of any trigger that fires it.
type Detail struct {
	Key Key

	// JobType identifies the registered job implementation; the JobFactory
	// resolves this to a Job instance at fire time.
	JobType string

	Description string

	// Durable jobs survive even when no trigger references them.
	Durable bool

	// ConcurrentExecutionDisallowed: at most one trigger of this job may be
	// executing at any instant across the cluster.
	ConcurrentExecutionDisallowed bool

	// PersistDataAfterExecution: when true, the data map the job saw during
	// execution is written back on completion.
	PersistDataAfterExecution bool

	// RequestsRecovery: if true, a crash-recovered fire produces a one-shot
	// recovery trigger instead of being silently dropped.
	RequestsRecovery bool

	JobData DataMap
}

func NewDetail(key Key, jobType string) *Detail {
	return &Detail{Key: key, JobType: jobType, JobData: DataMap{}}
}

// Clone returns an independent copy; the store owns the canonical Detail
// and callers outside it must only ever see clones.
func (d *Detail) Clone() *Detail {
	if d == nil {
		return nil
	}
	out := *d
	out.JobData = d.JobData.Clone()
	return &out
}

// ExecutionContext is handed to Job.Execute for one firing.
type ExecutionContext struct {
	FireTime          time.Time
	ScheduledFireTime time.Time
	PreviousFireTime  time.Time
	NextFireTime      time.Time
	Recovering        bool

	JobDetail        *Detail
	TriggerKey       Key
	MergedJobDataMap DataMap

	RefireCount int

	Result any
}
