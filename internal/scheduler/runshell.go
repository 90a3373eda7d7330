package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

// runShell executes one firing on a pool worker: the listener pipeline,
// the job itself, and the store completion path. The
// callback order for a single firing is fixed:
// triggerFired → (veto?) → jobToBeExecuted → execute → jobWasExecuted →
// triggerComplete, and job-data persistence commits before listeners see
// jobWasExecuted.
func (s *Scheduler) runShell(bundle *store.TriggerFiredBundle, inst job.Job) {
	ctx := context.Background()
	detail := bundle.JobDetail

	exec := &job.ExecutionContext{
		FireTime:          bundle.FireTime,
		ScheduledFireTime: bundle.ScheduledFireTime,
		JobDetail:         detail,
		TriggerKey:        bundle.Trigger.Key(),
		Recovering:        bundle.Trigger.Key().Group == store.RecoveryTriggerGroup,
	}
	if bundle.PrevFireTime != nil {
		exec.PreviousFireTime = *bundle.PrevFireTime
	}
	if bundle.NextFireTime != nil {
		exec.NextFireTime = *bundle.NextFireTime
	}
	// Concurrent-disallowed jobs see the job detail's own map; everyone
	// else gets a snapshot. Mutations are written back only when
	// PersistDataAfterExecution is set (see below).
	if detail.ConcurrentExecutionDisallowed {
		exec.MergedJobDataMap = detail.JobData
	} else {
		exec.MergedJobDataMap = detail.JobData.Clone()
	}

	for {
		s.mux.NotifyTriggerFired(exec)
		if s.mux.NotifyVetoJobExecution(exec) {
			s.mux.NotifyJobExecutionVetoed(exec)
			if err := s.store.TriggeredJobComplete(ctx, bundle.Trigger, detail, store.InstructionSetTriggerComplete); err != nil {
				s.log.Error("completing vetoed fire failed", logx.Err(err))
			}
			s.mux.NotifyTriggerComplete(exec, store.InstructionSetTriggerComplete)
			return
		}

		s.mux.NotifyJobToBeExecuted(exec)

		s.trackExecuting(detail.Key, inst)
		started := time.Now()
		jobErr := inst.Execute(ctx, exec)
		took := time.Since(started)
		s.untrackExecuting(detail.Key, inst)

		instruction := store.InstructionNoInstruction
		var execErr *job.ExecutionError
		if errors.As(jobErr, &execErr) {
			if execErr.RefireImmediately {
				exec.RefireCount++
				s.log.Warn("job requested immediate refire",
					logx.String("job", detail.Key.String()), logx.Int("refire_count", exec.RefireCount), logx.Err(execErr.Cause))
				continue
			}
			switch {
			case execErr.UnscheduleAllOfJob:
				instruction = store.InstructionSetAllJobTriggersComplete
			case execErr.UnscheduleFiring:
				instruction = store.InstructionDeleteTrigger
			}
		}

		if jobErr != nil {
			s.log.Error("job execution failed",
				logx.String("job", detail.Key.String()), logx.String("trigger", bundle.Trigger.Key().String()),
				logx.Duration("took", took), logx.Err(jobErr))
		} else {
			s.log.Debug("job executed",
				logx.String("job", detail.Key.String()), logx.Duration("took", took))
		}

		if detail.PersistDataAfterExecution {
			detail.JobData = exec.MergedJobDataMap
		}

		// Persist (including the mutated data map) before jobWasExecuted
		// observers run.
		if err := s.store.TriggeredJobComplete(ctx, bundle.Trigger, detail, instruction); err != nil {
			s.log.Error("triggeredJobComplete failed",
				logx.String("trigger", bundle.Trigger.Key().String()), logx.Err(err))
			s.mux.NotifySchedulerError("triggeredJobComplete failed", err)
		}

		s.mux.NotifyJobWasExecuted(exec, jobErr)
		s.mux.NotifyTriggerComplete(exec, instruction)
		return
	}
}
