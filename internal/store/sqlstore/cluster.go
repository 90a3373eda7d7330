package sqlstore

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/schedulererr"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/internal/trigger"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

type schedulerStateRow struct {
	SchedName       string `db:"sched_name"`
	InstanceName    string `db:"instance_name"`
	LastCheckinTime int64  `db:"last_checkin_time"`
	CheckinInterval int64  `db:"checkin_interval"`
}

// clusterLoop is the periodic cluster heartbeat: refresh this instance's
// checkin row, then look for peers that stopped checking in and take
// their in-flight work over. Runs
// under the store's supervisor.
func (s *Store) clusterLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ClusterCheckinInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			s.removeOwnState()
			return nil
		case <-ticker.C:
		}

		failed, err := s.clusterCheckin(ctx)
		if err != nil {
			failures++
			s.log.Error("cluster checkin failed", logx.Err(err), logx.Int("consecutive", failures))
			select {
			case <-ctx.Done():
				s.removeOwnState()
				return nil
			case <-time.After(backoffDelay(failures)):
			}
			continue
		}
		failures = 0

		for _, instance := range failed {
			recovered, err := s.recoverFailedInstance(ctx, instance)
			if err != nil {
				s.log.Error("cluster recovery failed", logx.String("failed_instance", instance), logx.Err(err))
				if s.sig != nil {
					s.sig.NotifySchedulerListenersError("cluster recovery of "+instance+" failed", err)
				}
				continue
			}
			s.log.Info("recovered failed instance",
				logx.String("failed_instance", instance), logx.Int("fired_triggers", recovered))
			if s.sig != nil {
				s.sig.NotifyClusterTakeover(instance, recovered)
				s.sig.SignalSchedulingChange(nil)
			}
		}
	}
}

// clusterCheckin updates this instance's heartbeat row under STATE_ACCESS
// and returns the instances whose heartbeats have gone stale.
func (s *Store) clusterCheckin(ctx context.Context) ([]string, error) {
	var failed []string
	err := s.inLock(ctx, LockStateAccess, func(tx *sqlx.Tx) error {
		now := s.clk.Now()

		res, err := s.exec(ctx, tx, s.qb.Update("qrtz_scheduler_state").Prepared(true).
			Set(goqu.Record{
				"last_checkin_time": msFromTime(now),
				"checkin_interval":  s.cfg.ClusterCheckinInterval.Milliseconds(),
			}).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "instance_name": s.cfg.InstanceName}))
		if err != nil {
			return schedulererr.Persistence("update scheduler state", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.exec(ctx, tx, s.qb.Insert("qrtz_scheduler_state").Prepared(true).
				Rows(schedulerStateRow{
					SchedName:       s.cfg.SchedName,
					InstanceName:    s.cfg.InstanceName,
					LastCheckinTime: msFromTime(now),
					CheckinInterval: s.cfg.ClusterCheckinInterval.Milliseconds(),
				})); err != nil {
				return schedulererr.Persistence("insert scheduler state", err)
			}
		}

		var rows []schedulerStateRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_scheduler_state").Prepared(true).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName}).
			Where(goqu.C("instance_name").Neq(s.cfg.InstanceName))); err != nil {
			return schedulererr.Persistence("select scheduler states", err)
		}
		for _, r := range rows {
			// An instance is failed once it has missed two checkin
			// periods (its own advertised interval).
			deadline := timeFromMs(r.LastCheckinTime).Add(2 * time.Duration(r.CheckinInterval) * time.Millisecond)
			if now.After(deadline) {
				failed = append(failed, r.InstanceName)
			}
		}
		return nil
	})
	return failed, err
}

// recoverFailedInstance takes over a dead peer's in-flight work: restore
// its acquired/executing triggers to WAITING, schedule one-shot recovery
// triggers for jobs that requested recovery, then delete its fired and
// scheduler-state rows.
func (s *Store) recoverFailedInstance(ctx context.Context, instanceName string) (int, error) {
	recovered := 0
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var err error
		recovered, err = s.recoverInstanceInTx(ctx, tx, instanceName)
		return err
	})
	if err != nil {
		return 0, err
	}

	err = s.inLock(ctx, LockStateAccess, func(tx *sqlx.Tx) error {
		if _, err := s.exec(ctx, tx, s.qb.Delete("qrtz_scheduler_state").Prepared(true).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "instance_name": instanceName})); err != nil {
			return schedulererr.Persistence("delete scheduler state of "+instanceName, err)
		}
		return nil
	})
	return recovered, err
}

func (s *Store) recoverInstanceInTx(ctx context.Context, tx *sqlx.Tx, instanceName string) (int, error) {
	var rows []firedRow
	if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_fired_triggers").Prepared(true).
		Where(goqu.Ex{"sched_name": s.cfg.SchedName, "instance_name": instanceName})); err != nil {
		return 0, schedulererr.Persistence("select fired triggers of "+instanceName, err)
	}

	for _, fr := range rows {
		trigKey := job.Key{Name: fr.TriggerName, Group: fr.TriggerGroup}

		// The fire never completed; put the trigger back in rotation.
		if err := s.setTriggerStatesInTx(ctx, tx, s.keyEx(trigKey),
			[]trigger.State{trigger.StateAcquired, trigger.StateExecuting, trigger.StateBlocked},
			trigger.StateWaiting); err != nil {
			return 0, err
		}

		if boolDeref(fr.IsNonconcurrent) && fr.JobName != nil {
			jobKey := job.Key{Name: *fr.JobName, Group: *fr.JobGroup}
			if err := s.setTriggerStatesInTx(ctx, tx, s.jobKeyEx(jobKey),
				[]trigger.State{trigger.StateBlocked}, trigger.StateWaiting); err != nil {
				return 0, err
			}
			if err := s.setTriggerStatesInTx(ctx, tx, s.jobKeyEx(jobKey),
				[]trigger.State{trigger.StatePausedBlocked}, trigger.StatePaused); err != nil {
				return 0, err
			}
		}

		// Fires that reached EXECUTING on a job that requested recovery
		// are re-run via a one-shot recovery trigger carrying the original
		// fire time.
		if boolDeref(fr.RequestsRecovery) && fr.State == trigger.StateExecuting.String() && fr.JobName != nil {
			jobKey := job.Key{Name: *fr.JobName, Group: *fr.JobGroup}
			if err := s.scheduleRecoveryTriggerInTx(ctx, tx, fr, jobKey, instanceName); err != nil {
				return 0, err
			}
		}
	}

	if _, err := s.exec(ctx, tx, s.qb.Delete("qrtz_fired_triggers").Prepared(true).
		Where(goqu.Ex{"sched_name": s.cfg.SchedName, "instance_name": instanceName})); err != nil {
		return 0, schedulererr.Persistence("delete fired triggers of "+instanceName, err)
	}
	return len(rows), nil
}

func (s *Store) scheduleRecoveryTriggerInTx(ctx context.Context, tx *sqlx.Tx, fr firedRow, jobKey job.Key, failedInstance string) error {
	j, err := s.loadJobInTx(ctx, tx, jobKey)
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}

	// Stamp the recovery context into the job's data map so the job can
	// see the fire it is standing in for.
	j.JobData.Put(store.DataKeyFailedInstance, failedInstance)
	j.JobData.Put(store.DataKeyOriginalFireTime, fr.FiredTime)
	row, err := s.jobToRow(j)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_job_details").Prepared(true).
		Set(goqu.Record{"job_data": row.JobData}).Where(s.jobKeyEx(jobKey))); err != nil {
		return schedulererr.Persistence("stamp recovery data on "+jobKey.String(), err)
	}

	// The recovery fire stands in for the instant the dead peer actually
	// fired, so both start and next come from fired_time; sched_time is
	// the trigger's pre-acquisition nextFireTime and would replay the
	// wrong instant.
	rt := trigger.NewSimple(job.NewKey("recover_"+fr.EntryID, store.RecoveryTriggerGroup), jobKey, 0, 0)
	rt.SetStartTime(timeFromMs(fr.FiredTime))
	rt.SetPriority(fr.Priority)
	rt.SetMisfireInstruction(trigger.MisfireIgnoreMisfirePolicy)
	next := timeFromMs(fr.FiredTime)
	trigger.RestoreFiringState(rt, &next, nil, 0)
	return s.storeTriggerInTx(ctx, tx, rt, true)
}

// recoverOwnFiredTriggers handles the non-clustered restart path: fired
// rows this instance left behind are recovered immediately at startup.
func (s *Store) recoverOwnFiredTriggers(ctx context.Context) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		n, err := s.recoverInstanceInTx(ctx, tx, s.cfg.InstanceName)
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Info("recovered own in-flight fires from previous run", logx.Int("fired_triggers", n))
		}
		return nil
	})
}

// removeOwnState deletes this instance's heartbeat row on clean shutdown
// so peers don't run pointless failover for it.
func (s *Store) removeOwnState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.inLock(ctx, LockStateAccess, func(tx *sqlx.Tx) error {
		_, err := s.exec(ctx, tx, s.qb.Delete("qrtz_scheduler_state").Prepared(true).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "instance_name": s.cfg.InstanceName}))
		return err
	})
	if err != nil {
		s.log.Warn("failed removing own scheduler state", logx.Err(err))
	}
}
