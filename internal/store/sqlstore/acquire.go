package sqlstore

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/schedulererr"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/internal/trigger"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

// AcquireNextTriggers moves up to maxCount due WAITING triggers to
// ACQUIRED under TRIGGER_ACCESS, writing a fired-trigger row per
// acquisition.
func (s *Store) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]trigger.Trigger, error) {
	var acquired []trigger.Trigger
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		acquired = acquired[:0]

		// Over-select so rows lost to misfire handling or the concurrency
		// rule don't starve the batch.
		var rows []triggerRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "trigger_state": trigger.StateWaiting.String()}).
			Where(goqu.C("next_fire_time").IsNotNull()).
			Where(goqu.C("next_fire_time").Lte(msFromTime(noLaterThan.Add(timeWindow)))).
			Order(goqu.C("next_fire_time").Asc(), goqu.C("priority").Desc(), goqu.C("trigger_name").Asc()).
			Limit(uint(maxCount*2))); err != nil {
			return schedulererr.Persistence("select acquirable triggers", err)
		}

		var batchEnd time.Time
		jobsInBatch := map[job.Key]bool{}

		for _, row := range rows {
			if len(acquired) == maxCount {
				break
			}
			t, err := s.loadSubtypeInTx(ctx, tx, row)
			if err != nil {
				// A malformed row must not wedge the whole loop; put it in
				// ERROR and move on.
				s.log.Error("unloadable trigger row", logx.String("trigger", row.TriggerGroup+"."+row.TriggerName), logx.Err(err))
				if serr := s.setTriggerStatesInTx(ctx, tx,
					s.keyEx(job.Key{Name: row.TriggerName, Group: row.TriggerGroup}),
					[]trigger.State{trigger.StateWaiting}, trigger.StateError); serr != nil {
					return serr
				}
				continue
			}

			if misfired, err := s.applyMisfireInTx(ctx, tx, t); err != nil {
				return err
			} else if misfired {
				if err := s.updateTriggerInTx(ctx, tx, t); err != nil {
					return err
				}
				if t.NextFireTime() == nil || t.NextFireTime().After(noLaterThan.Add(timeWindow)) {
					continue
				}
			}

			next := t.NextFireTime()
			if next == nil {
				continue
			}
			if !batchEnd.IsZero() && next.After(batchEnd) {
				break
			}

			j, err := s.loadJobInTx(ctx, tx, t.JobKey())
			if err != nil {
				return err
			}
			if j == nil {
				continue
			}
			if j.ConcurrentExecutionDisallowed {
				if jobsInBatch[j.Key] {
					continue
				}
				var executing int
				if err := s.get(ctx, tx, &executing, s.qb.From("qrtz_fired_triggers").Prepared(true).
					Select(goqu.COUNT("*")).
					Where(goqu.Ex{
						"sched_name": s.cfg.SchedName,
						"job_name":   j.Key.Name,
						"job_group":  j.Key.Group,
					})); err != nil {
					return schedulererr.Persistence("count executing fires of job "+j.Key.String(), err)
				}
				if executing > 0 {
					continue
				}
				jobsInBatch[j.Key] = true
			}

			t.SetState(trigger.StateAcquired)
			if err := s.updateTriggerInTx(ctx, tx, t); err != nil {
				return err
			}
			// Job identity rides on the fired row from the start so the
			// concurrency check above sees acquired-but-not-yet-fired work.
			if _, err := s.exec(ctx, tx, s.qb.Insert("qrtz_fired_triggers").Prepared(true).
				Rows(firedRow{
					SchedName:        s.cfg.SchedName,
					EntryID:          uuid.NewString(),
					TriggerName:      t.Key().Name,
					TriggerGroup:     t.Key().Group,
					InstanceName:     s.cfg.InstanceName,
					FiredTime:        msFromTime(s.clk.Now()),
					SchedTime:        msFromTime(*next),
					Priority:         t.Priority(),
					State:            trigger.StateAcquired.String(),
					JobName:          &j.Key.Name,
					JobGroup:         &j.Key.Group,
					IsNonconcurrent:  boolptr(j.ConcurrentExecutionDisallowed),
					RequestsRecovery: boolptr(j.RequestsRecovery),
				})); err != nil {
				return schedulererr.Persistence("insert fired trigger "+t.Key().String(), err)
			}

			if batchEnd.IsZero() {
				end := *next
				if end.Before(noLaterThan) {
					end = noLaterThan
				}
				batchEnd = end.Add(timeWindow)
			}
			acquired = append(acquired, t.Clone())
		}
		return nil
	})
	return acquired, err
}

func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, t trigger.Trigger) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		if err := s.setTriggerStatesInTx(ctx, tx, s.keyEx(t.Key()),
			[]trigger.State{trigger.StateAcquired}, trigger.StateWaiting); err != nil {
			return err
		}
		return s.deleteFiredForTriggerInTx(ctx, tx, t.Key())
	})
}

func (s *Store) deleteFiredForTriggerInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) error {
	if _, err := s.exec(ctx, tx, s.qb.Delete("qrtz_fired_triggers").Prepared(true).
		Where(goqu.Ex{
			"sched_name":    s.cfg.SchedName,
			"trigger_name":  key.Name,
			"trigger_group": key.Group,
			"instance_name": s.cfg.InstanceName,
		})); err != nil {
		return schedulererr.Persistence("delete fired trigger "+key.String(), err)
	}
	return nil
}

// TriggersFired re-confirms each acquired trigger under the lock,
// advances it (Triggered), transitions states, and blocks siblings of
// concurrent-disallowed jobs.
func (s *Store) TriggersFired(ctx context.Context, triggers []trigger.Trigger) ([]store.TriggerFiredResult, error) {
	var results []store.TriggerFiredResult
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		results = results[:0]
		for _, acquired := range triggers {
			res, err := s.triggerFiredInTx(ctx, tx, acquired)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

func (s *Store) triggerFiredInTx(ctx context.Context, tx *sqlx.Tx, acquired trigger.Trigger) (store.TriggerFiredResult, error) {
	t, err := s.loadTriggerInTx(ctx, tx, acquired.Key())
	if err != nil {
		return store.TriggerFiredResult{}, err
	}
	if t == nil {
		return store.TriggerFiredResult{SkippedReason: "trigger no longer exists"}, nil
	}
	if t.State() != trigger.StateAcquired {
		return store.TriggerFiredResult{SkippedReason: "trigger no longer acquired"}, nil
	}

	var cal calendar.Calendar
	if t.CalendarName() != "" {
		if cal, err = s.loadCalendarInTx(ctx, tx, t.CalendarName()); err != nil {
			return store.TriggerFiredResult{}, err
		}
		if cal == nil {
			return store.TriggerFiredResult{SkippedReason: "calendar not found"}, nil
		}
	}

	j, err := s.loadJobInTx(ctx, tx, t.JobKey())
	if err != nil {
		return store.TriggerFiredResult{}, err
	}
	if j == nil {
		return store.TriggerFiredResult{SkippedReason: "job no longer exists"}, nil
	}

	prev := t.PreviousFireTime()
	scheduled := t.NextFireTime()
	t.Triggered(cal)

	if j.ConcurrentExecutionDisallowed {
		// Block every sibling; the completed fire unblocks them.
		grpEx := s.jobKeyEx(j.Key)
		grpEx["trigger_state"] = []string{trigger.StateWaiting.String(), trigger.StateAcquired.String()}
		if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_triggers").Prepared(true).
			Set(goqu.Record{"trigger_state": trigger.StateBlocked.String()}).
			Where(grpEx).
			Where(goqu.Or(
				goqu.C("trigger_name").Neq(t.Key().Name),
				goqu.C("trigger_group").Neq(t.Key().Group),
			))); err != nil {
			return store.TriggerFiredResult{}, schedulererr.Persistence("block siblings of "+j.Key.String(), err)
		}
		pausedEx := s.jobKeyEx(j.Key)
		pausedEx["trigger_state"] = trigger.StatePaused.String()
		if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_triggers").Prepared(true).
			Set(goqu.Record{"trigger_state": trigger.StatePausedBlocked.String()}).
			Where(pausedEx)); err != nil {
			return store.TriggerFiredResult{}, schedulererr.Persistence("pause-block siblings of "+j.Key.String(), err)
		}
		t.SetState(trigger.StateExecuting)
	} else if t.NextFireTime() == nil {
		t.SetState(trigger.StateComplete)
	} else {
		t.SetState(trigger.StateWaiting)
	}
	if err := s.updateTriggerInTx(ctx, tx, t); err != nil {
		return store.TriggerFiredResult{}, err
	}

	if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_fired_triggers").Prepared(true).
		Set(goqu.Record{
			"state":             trigger.StateExecuting.String(),
			"job_name":          j.Key.Name,
			"job_group":         j.Key.Group,
			"is_nonconcurrent":  j.ConcurrentExecutionDisallowed,
			"requests_recovery": j.RequestsRecovery,
		}).
		Where(goqu.Ex{
			"sched_name":    s.cfg.SchedName,
			"trigger_name":  t.Key().Name,
			"trigger_group": t.Key().Group,
			"instance_name": s.cfg.InstanceName,
		})); err != nil {
		return store.TriggerFiredResult{}, schedulererr.Persistence("update fired trigger "+t.Key().String(), err)
	}

	return store.TriggerFiredResult{Bundle: &store.TriggerFiredBundle{
		Trigger:           t.Clone(),
		JobDetail:         j,
		Calendar:          cal,
		FireTime:          s.clk.Now(),
		ScheduledFireTime: *scheduled,
		PrevFireTime:      prev,
		NextFireTime:      t.NextFireTime(),
	}}, nil
}

// TriggeredJobComplete finishes a fire: applies the completion
// instruction, persists mutated job data when requested, unblocks
// concurrent-disallowed siblings, and removes the fired-trigger row.
func (s *Store) TriggeredJobComplete(ctx context.Context, t trigger.Trigger, j *job.Detail, instr store.CompletedExecutionInstruction) error {
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		if j != nil {
			if j.PersistDataAfterExecution {
				row, err := s.jobToRow(j)
				if err != nil {
					return err
				}
				if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_job_details").Prepared(true).
					Set(goqu.Record{"job_data": row.JobData}).
					Where(s.jobKeyEx(j.Key))); err != nil {
					return schedulererr.Persistence("persist job data "+j.Key.String(), err)
				}
			}
			if j.ConcurrentExecutionDisallowed {
				if err := s.setTriggerStatesInTx(ctx, tx, s.jobKeyEx(j.Key),
					[]trigger.State{trigger.StateBlocked, trigger.StateExecuting}, trigger.StateWaiting); err != nil {
					return err
				}
				if err := s.setTriggerStatesInTx(ctx, tx, s.jobKeyEx(j.Key),
					[]trigger.State{trigger.StatePausedBlocked}, trigger.StatePaused); err != nil {
					return err
				}
			}
		}

		switch instr {
		case store.InstructionDeleteTrigger:
			if t.NextFireTime() == nil {
				// Delete only if the stored row is also exhausted; a
				// concurrent reschedule must survive.
				stored, err := s.loadTriggerInTx(ctx, tx, t.Key())
				if err != nil {
					return err
				}
				if stored != nil && stored.NextFireTime() == nil {
					if _, err := s.removeTriggerInTx(ctx, tx, t.Key()); err != nil {
						return err
					}
				}
			} else {
				if _, err := s.removeTriggerInTx(ctx, tx, t.Key()); err != nil {
					return err
				}
			}
		case store.InstructionSetTriggerComplete:
			if err := s.setAnyTriggerStateInTx(ctx, tx, t.Key(), trigger.StateComplete); err != nil {
				return err
			}
		case store.InstructionSetTriggerError:
			if err := s.setAnyTriggerStateInTx(ctx, tx, t.Key(), trigger.StateError); err != nil {
				return err
			}
		case store.InstructionSetAllJobTriggersComplete:
			if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_triggers").Prepared(true).
				Set(goqu.Record{"trigger_state": trigger.StateComplete.String()}).
				Where(s.jobKeyEx(t.JobKey()))); err != nil {
				return schedulererr.Persistence("complete all triggers of "+t.JobKey().String(), err)
			}
		case store.InstructionSetAllJobTriggersError:
			if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_triggers").Prepared(true).
				Set(goqu.Record{"trigger_state": trigger.StateError.String()}).
				Where(s.jobKeyEx(t.JobKey()))); err != nil {
				return schedulererr.Persistence("error all triggers of "+t.JobKey().String(), err)
			}
		}

		return s.deleteFiredForTriggerInTx(ctx, tx, t.Key())
	})
	if err == nil && s.sig != nil {
		s.sig.SignalSchedulingChange(nil)
	}
	return err
}

func (s *Store) setAnyTriggerStateInTx(ctx context.Context, tx *sqlx.Tx, key job.Key, to trigger.State) error {
	if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_triggers").Prepared(true).
		Set(goqu.Record{"trigger_state": to.String()}).
		Where(s.keyEx(key))); err != nil {
		return schedulererr.Persistence("set trigger state "+key.String(), err)
	}
	return nil
}
