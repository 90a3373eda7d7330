package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/schedulererr"
	"github.com/dendrite-sched/dendrite/internal/trigger"
)

func (s *Store) exec(ctx context.Context, tx *sqlx.Tx, ds interface{ ToSQL() (string, []any, error) }) (sql.Result, error) {
	q, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, q, args...)
}

func (s *Store) get(ctx context.Context, tx *sqlx.Tx, dest any, ds interface{ ToSQL() (string, []any, error) }) error {
	q, args, err := ds.ToSQL()
	if err != nil {
		return err
	}
	return tx.GetContext(ctx, dest, q, args...)
}

func (s *Store) selectAll(ctx context.Context, tx *sqlx.Tx, dest any, ds interface{ ToSQL() (string, []any, error) }) error {
	q, args, err := ds.ToSQL()
	if err != nil {
		return err
	}
	return tx.SelectContext(ctx, dest, q, args...)
}

func (s *Store) keyEx(key job.Key) goqu.Ex {
	return goqu.Ex{"sched_name": s.cfg.SchedName, "trigger_group": key.Group, "trigger_name": key.Name}
}

func (s *Store) jobKeyEx(key job.Key) goqu.Ex {
	return goqu.Ex{"sched_name": s.cfg.SchedName, "job_group": key.Group, "job_name": key.Name}
}

// ---- jobs ----

func (s *Store) StoreJobAndTrigger(ctx context.Context, j *job.Detail, t trigger.Trigger) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		if err := s.storeJobInTx(ctx, tx, j, false); err != nil {
			return err
		}
		return s.storeTriggerInTx(ctx, tx, t, false)
	})
}

func (s *Store) StoreJob(ctx context.Context, j *job.Detail, replaceExisting bool) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		return s.storeJobInTx(ctx, tx, j, replaceExisting)
	})
}

func (s *Store) storeJobInTx(ctx context.Context, tx *sqlx.Tx, j *job.Detail, replaceExisting bool) error {
	exists, err := s.jobExistsInTx(ctx, tx, j.Key)
	if err != nil {
		return err
	}
	if exists && !replaceExisting {
		return fmt.Errorf("store job %s: %w", j.Key, schedulererr.ErrObjectAlreadyExists)
	}
	row, err := s.jobToRow(j)
	if err != nil {
		return err
	}
	if exists {
		if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_job_details").Prepared(true).
			Set(row).Where(s.jobKeyEx(j.Key))); err != nil {
			return schedulererr.Persistence("update job "+j.Key.String(), err)
		}
		return nil
	}
	if _, err := s.exec(ctx, tx, s.qb.Insert("qrtz_job_details").Prepared(true).Rows(row)); err != nil {
		return schedulererr.Persistence("insert job "+j.Key.String(), err)
	}
	return nil
}

func (s *Store) jobExistsInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) (bool, error) {
	var n int
	err := s.get(ctx, tx, &n, s.qb.From("qrtz_job_details").Prepared(true).
		Select(goqu.COUNT("*")).Where(s.jobKeyEx(key)))
	if err != nil {
		return false, schedulererr.Persistence("count job "+key.String(), err)
	}
	return n > 0, nil
}

func (s *Store) loadJobInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) (*job.Detail, error) {
	var row jobRow
	err := s.get(ctx, tx, &row, s.qb.From("qrtz_job_details").Prepared(true).Where(s.jobKeyEx(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, schedulererr.Persistence("select job "+key.String(), err)
	}
	return rowToJob(row)
}

func (s *Store) RetrieveJob(ctx context.Context, key job.Key) (*job.Detail, error) {
	var out *job.Detail
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		j, err := s.loadJobInTx(ctx, tx, key)
		out = j
		return err
	})
	return out, err
}

func (s *Store) RemoveJob(ctx context.Context, key job.Key) (bool, error) {
	removed := false
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var trigKeys []job.Key
		var rows []triggerRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
			Select("trigger_name", "trigger_group", "sched_name", "job_name", "job_group", "trigger_state", "trigger_type", "start_time", "priority", "misfire_instr").
			Where(s.jobKeyEx(key))); err != nil {
			return schedulererr.Persistence("select triggers of job "+key.String(), err)
		}
		for _, r := range rows {
			trigKeys = append(trigKeys, job.Key{Name: r.TriggerName, Group: r.TriggerGroup})
		}
		for _, tk := range trigKeys {
			if err := s.deleteTriggerInTx(ctx, tx, tk); err != nil {
				return err
			}
		}
		res, err := s.exec(ctx, tx, s.qb.Delete("qrtz_job_details").Prepared(true).Where(s.jobKeyEx(key)))
		if err != nil {
			return schedulererr.Persistence("delete job "+key.String(), err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

// ---- triggers ----

func (s *Store) StoreTrigger(ctx context.Context, t trigger.Trigger, replaceExisting bool) error {
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		return s.storeTriggerInTx(ctx, tx, t, replaceExisting)
	})
	if err != nil {
		return err
	}
	if s.sig != nil {
		s.sig.SignalSchedulingChange(t.NextFireTime())
	}
	return nil
}

func (s *Store) storeTriggerInTx(ctx context.Context, tx *sqlx.Tx, t trigger.Trigger, replaceExisting bool) error {
	exists, err := s.triggerExistsInTx(ctx, tx, t.Key())
	if err != nil {
		return err
	}
	if exists && !replaceExisting {
		return fmt.Errorf("store trigger %s: %w", t.Key(), schedulererr.ErrObjectAlreadyExists)
	}
	jobExists, err := s.jobExistsInTx(ctx, tx, t.JobKey())
	if err != nil {
		return err
	}
	if !jobExists {
		return fmt.Errorf("store trigger %s references job %s: %w", t.Key(), t.JobKey(), schedulererr.ErrJobNotFound)
	}

	state := trigger.StateWaiting
	paused, err := s.isGroupPausedInTx(ctx, tx, t.Key().Group)
	if err != nil {
		return err
	}
	if paused {
		state = trigger.StatePaused
	}
	t = t.Clone()
	t.SetState(state)

	if exists {
		if err := s.deleteTriggerInTx(ctx, tx, t.Key()); err != nil {
			return err
		}
	}

	row := s.triggerToRow(t)
	if _, err := s.exec(ctx, tx, s.qb.Insert("qrtz_triggers").Prepared(true).Rows(row)); err != nil {
		return schedulererr.Persistence("insert trigger "+t.Key().String(), err)
	}

	sr, cr, pr, err := s.subtypeRow(t)
	if err != nil {
		return err
	}
	switch {
	case sr != nil:
		_, err = s.exec(ctx, tx, s.qb.Insert("qrtz_simple_triggers").Prepared(true).Rows(sr))
	case cr != nil:
		_, err = s.exec(ctx, tx, s.qb.Insert("qrtz_cron_triggers").Prepared(true).Rows(cr))
	case pr != nil:
		_, err = s.exec(ctx, tx, s.qb.Insert("qrtz_simprop_triggers").Prepared(true).Rows(pr))
	}
	if err != nil {
		return schedulererr.Persistence("insert trigger subtype "+t.Key().String(), err)
	}
	return nil
}

func (s *Store) triggerExistsInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) (bool, error) {
	var n int
	err := s.get(ctx, tx, &n, s.qb.From("qrtz_triggers").Prepared(true).
		Select(goqu.COUNT("*")).Where(s.keyEx(key)))
	if err != nil {
		return false, schedulererr.Persistence("count trigger "+key.String(), err)
	}
	return n > 0, nil
}

func (s *Store) loadTriggerInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) (trigger.Trigger, error) {
	var row triggerRow
	err := s.get(ctx, tx, &row, s.qb.From("qrtz_triggers").Prepared(true).Where(s.keyEx(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, schedulererr.Persistence("select trigger "+key.String(), err)
	}
	return s.loadSubtypeInTx(ctx, tx, row)
}

func (s *Store) loadSubtypeInTx(ctx context.Context, tx *sqlx.Tx, row triggerRow) (trigger.Trigger, error) {
	key := job.Key{Name: row.TriggerName, Group: row.TriggerGroup}
	var sub any
	switch trigger.Kind(row.TriggerType) {
	case trigger.KindSimple:
		var r simpleRow
		if err := s.get(ctx, tx, &r, s.qb.From("qrtz_simple_triggers").Prepared(true).Where(s.keyEx(key))); err != nil {
			return nil, schedulererr.Persistence("select simple trigger "+key.String(), err)
		}
		sub = &r
	case trigger.KindCron:
		var r cronRow
		if err := s.get(ctx, tx, &r, s.qb.From("qrtz_cron_triggers").Prepared(true).Where(s.keyEx(key))); err != nil {
			return nil, schedulererr.Persistence("select cron trigger "+key.String(), err)
		}
		sub = &r
	default:
		var r simpropRow
		if err := s.get(ctx, tx, &r, s.qb.From("qrtz_simprop_triggers").Prepared(true).Where(s.keyEx(key))); err != nil {
			return nil, schedulererr.Persistence("select simprop trigger "+key.String(), err)
		}
		sub = &r
	}
	t, err := rowsToTrigger(row, sub)
	if err != nil {
		return nil, err
	}
	t.SetClock(s.clk)
	return t, nil
}

// updateTriggerInTx rewrites the mutable firing state of an existing
// trigger (fire times, counter, state) after Triggered/misfire handling.
func (s *Store) updateTriggerInTx(ctx context.Context, tx *sqlx.Tx, t trigger.Trigger) error {
	if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_triggers").Prepared(true).
		Set(goqu.Record{
			"next_fire_time": msFromTimePtr(t.NextFireTime()),
			"prev_fire_time": msFromTimePtr(t.PreviousFireTime()),
			"trigger_state":  t.State().String(),
			"misfire_instr":  t.MisfireInstruction(),
			"priority":       t.Priority(),
		}).Where(s.keyEx(t.Key()))); err != nil {
		return schedulererr.Persistence("update trigger "+t.Key().String(), err)
	}

	sr, cr, pr, err := s.subtypeRow(t)
	if err != nil {
		return err
	}
	switch {
	case sr != nil:
		_, err = s.exec(ctx, tx, s.qb.Update("qrtz_simple_triggers").Prepared(true).
			Set(goqu.Record{"times_triggered": sr.TimesTriggered, "repeat_count": sr.RepeatCount}).
			Where(s.keyEx(t.Key())))
	case cr != nil:
		// No mutable subtype state for cron triggers.
	case pr != nil:
		_, err = s.exec(ctx, tx, s.qb.Update("qrtz_simprop_triggers").Prepared(true).
			Set(goqu.Record{"int2": pr.Int2, "long1": pr.Long1}).
			Where(s.keyEx(t.Key())))
	}
	if err != nil {
		return schedulererr.Persistence("update trigger subtype "+t.Key().String(), err)
	}
	return nil
}

func (s *Store) deleteTriggerInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) error {
	// Subtype rows cascade on dialects that enforce it; delete explicitly
	// so SQLite handles without foreign_keys pragma behave identically.
	for _, table := range []string{"qrtz_simple_triggers", "qrtz_cron_triggers", "qrtz_simprop_triggers", "qrtz_blob_triggers"} {
		if _, err := s.exec(ctx, tx, s.qb.Delete(table).Prepared(true).Where(s.keyEx(key))); err != nil {
			return schedulererr.Persistence("delete from "+table, err)
		}
	}
	if _, err := s.exec(ctx, tx, s.qb.Delete("qrtz_triggers").Prepared(true).Where(s.keyEx(key))); err != nil {
		return schedulererr.Persistence("delete trigger "+key.String(), err)
	}
	return nil
}

func (s *Store) RemoveTrigger(ctx context.Context, key job.Key) (bool, error) {
	removed := false
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var err error
		removed, err = s.removeTriggerInTx(ctx, tx, key)
		return err
	})
	return removed, err
}

func (s *Store) removeTriggerInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) (bool, error) {
	t, err := s.loadTriggerInTx(ctx, tx, key)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	if err := s.deleteTriggerInTx(ctx, tx, key); err != nil {
		return false, err
	}

	// Drop a non-durable job when its last trigger goes.
	j, err := s.loadJobInTx(ctx, tx, t.JobKey())
	if err != nil {
		return false, err
	}
	if j != nil && !j.Durable {
		var n int
		if err := s.get(ctx, tx, &n, s.qb.From("qrtz_triggers").Prepared(true).
			Select(goqu.COUNT("*")).Where(s.jobKeyEx(j.Key))); err != nil {
			return false, schedulererr.Persistence("count triggers of job "+j.Key.String(), err)
		}
		if n == 0 {
			if _, err := s.exec(ctx, tx, s.qb.Delete("qrtz_job_details").Prepared(true).Where(s.jobKeyEx(j.Key))); err != nil {
				return false, schedulererr.Persistence("delete orphaned job "+j.Key.String(), err)
			}
		}
	}
	return true, nil
}

func (s *Store) ReplaceTrigger(ctx context.Context, key job.Key, newTrigger trigger.Trigger) (bool, error) {
	replaced := false
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		old, err := s.loadTriggerInTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if old == nil {
			return nil
		}
		if old.JobKey() != newTrigger.JobKey() {
			return fmt.Errorf("replace trigger %s: new trigger references a different job", key)
		}
		if err := s.deleteTriggerInTx(ctx, tx, key); err != nil {
			return err
		}
		if err := s.storeTriggerInTx(ctx, tx, newTrigger, false); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	if err == nil && replaced && s.sig != nil {
		s.sig.SignalSchedulingChange(newTrigger.NextFireTime())
	}
	return replaced, err
}

func (s *Store) RetrieveTrigger(ctx context.Context, key job.Key) (trigger.Trigger, error) {
	var out trigger.Trigger
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		t, err := s.loadTriggerInTx(ctx, tx, key)
		out = t
		return err
	})
	return out, err
}

func (s *Store) CheckJobExists(ctx context.Context, key job.Key) (bool, error) {
	var exists bool
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var err error
		exists, err = s.jobExistsInTx(ctx, tx, key)
		return err
	})
	return exists, err
}

func (s *Store) CheckTriggerExists(ctx context.Context, key job.Key) (bool, error) {
	var exists bool
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var err error
		exists, err = s.triggerExistsInTx(ctx, tx, key)
		return err
	})
	return exists, err
}

// ---- enumeration ----

type keyRow struct {
	Name  string `db:"name"`
	Group string `db:"grp"`
}

func (s *Store) GetJobKeys(ctx context.Context, group string) ([]job.Key, error) {
	return s.enumKeys(ctx, "qrtz_job_details", "job_name", "job_group", group)
}

func (s *Store) GetTriggerKeys(ctx context.Context, group string) ([]job.Key, error) {
	return s.enumKeys(ctx, "qrtz_triggers", "trigger_name", "trigger_group", group)
}

func (s *Store) enumKeys(ctx context.Context, table, nameCol, groupCol, group string) ([]job.Key, error) {
	var out []job.Key
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		ds := s.qb.From(table).Prepared(true).
			Select(goqu.C(nameCol).As("name"), goqu.C(groupCol).As("grp")).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName}).
			Order(goqu.C(groupCol).Asc(), goqu.C(nameCol).Asc())
		if group != "" {
			ds = ds.Where(goqu.Ex{groupCol: group})
		}
		var rows []keyRow
		if err := s.selectAll(ctx, tx, &rows, ds); err != nil {
			return schedulererr.Persistence("enumerate "+table, err)
		}
		for _, r := range rows {
			out = append(out, job.Key{Name: r.Name, Group: r.Group})
		}
		return nil
	})
	return out, err
}

func (s *Store) GetJobGroupNames(ctx context.Context) ([]string, error) {
	return s.enumGroups(ctx, "qrtz_job_details", "job_group")
}

func (s *Store) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.enumGroups(ctx, "qrtz_triggers", "trigger_group")
}

func (s *Store) enumGroups(ctx context.Context, table, groupCol string) ([]string, error) {
	var out []string
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		ds := s.qb.From(table).Prepared(true).
			Select(goqu.C(groupCol)).Distinct().
			Where(goqu.Ex{"sched_name": s.cfg.SchedName}).
			Order(goqu.C(groupCol).Asc())
		if err := s.selectAll(ctx, tx, &out, ds); err != nil {
			return schedulererr.Persistence("enumerate groups of "+table, err)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetTriggersForJob(ctx context.Context, key job.Key) ([]trigger.Trigger, error) {
	var out []trigger.Trigger
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var rows []triggerRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
			Where(s.jobKeyEx(key)).
			Order(goqu.C("trigger_group").Asc(), goqu.C("trigger_name").Asc())); err != nil {
			return schedulererr.Persistence("select triggers of job "+key.String(), err)
		}
		for _, row := range rows {
			t, err := s.loadSubtypeInTx(ctx, tx, row)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetTriggerState(ctx context.Context, key job.Key) (trigger.State, error) {
	var state trigger.State
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var raw string
		err := s.get(ctx, tx, &raw, s.qb.From("qrtz_triggers").Prepared(true).
			Select("trigger_state").Where(s.keyEx(key)))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trigger state %s: %w", key, schedulererr.ErrTriggerNotFound)
		}
		if err != nil {
			return schedulererr.Persistence("select trigger state "+key.String(), err)
		}
		state = stateFromString(raw)
		return nil
	})
	return state, err
}

// ---- pause / resume ----

func (s *Store) isGroupPausedInTx(ctx context.Context, tx *sqlx.Tx, group string) (bool, error) {
	var n int
	err := s.get(ctx, tx, &n, s.qb.From("qrtz_paused_trigger_grps").Prepared(true).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{"sched_name": s.cfg.SchedName, "trigger_group": group}))
	if err != nil {
		return false, schedulererr.Persistence("check paused group "+group, err)
	}
	return n > 0, nil
}

func (s *Store) setTriggerStatesInTx(ctx context.Context, tx *sqlx.Tx, where goqu.Ex, from []trigger.State, to trigger.State) error {
	states := make([]string, 0, len(from))
	for _, st := range from {
		states = append(states, st.String())
	}
	where["trigger_state"] = states
	_, err := s.exec(ctx, tx, s.qb.Update("qrtz_triggers").Prepared(true).
		Set(goqu.Record{"trigger_state": to.String()}).Where(where))
	if err != nil {
		return schedulererr.Persistence("update trigger states", err)
	}
	return nil
}

func (s *Store) PauseTrigger(ctx context.Context, key job.Key) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		return s.pauseTriggerInTx(ctx, tx, key)
	})
}

func (s *Store) pauseTriggerInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) error {
	if err := s.setTriggerStatesInTx(ctx, tx, s.keyEx(key),
		[]trigger.State{trigger.StateWaiting, trigger.StateAcquired}, trigger.StatePaused); err != nil {
		return err
	}
	return s.setTriggerStatesInTx(ctx, tx, s.keyEx(key),
		[]trigger.State{trigger.StateBlocked}, trigger.StatePausedBlocked)
}

func (s *Store) PauseTriggerGroup(ctx context.Context, group string) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		paused, err := s.isGroupPausedInTx(ctx, tx, group)
		if err != nil {
			return err
		}
		if !paused {
			if _, err := s.exec(ctx, tx, s.qb.Insert("qrtz_paused_trigger_grps").Prepared(true).
				Rows(goqu.Record{"sched_name": s.cfg.SchedName, "trigger_group": group})); err != nil {
				return schedulererr.Persistence("insert paused group "+group, err)
			}
		}
		grpEx := goqu.Ex{"sched_name": s.cfg.SchedName, "trigger_group": group}
		if err := s.setTriggerStatesInTx(ctx, tx, grpEx,
			[]trigger.State{trigger.StateWaiting, trigger.StateAcquired}, trigger.StatePaused); err != nil {
			return err
		}
		return s.setTriggerStatesInTx(ctx, tx, goqu.Ex{"sched_name": s.cfg.SchedName, "trigger_group": group},
			[]trigger.State{trigger.StateBlocked}, trigger.StatePausedBlocked)
	})
}

func (s *Store) PauseJob(ctx context.Context, key job.Key) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		return s.forEachTriggerOfJobInTx(ctx, tx, key, func(tk job.Key) error {
			return s.pauseTriggerInTx(ctx, tx, tk)
		})
	})
}

func (s *Store) PauseJobGroup(ctx context.Context, group string) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var rows []keyRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
			Select(goqu.C("trigger_name").As("name"), goqu.C("trigger_group").As("grp")).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "job_group": group})); err != nil {
			return schedulererr.Persistence("select triggers of job group "+group, err)
		}
		for _, r := range rows {
			if err := s.pauseTriggerInTx(ctx, tx, job.Key{Name: r.Name, Group: r.Group}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) forEachTriggerOfJobInTx(ctx context.Context, tx *sqlx.Tx, key job.Key, fn func(job.Key) error) error {
	var rows []keyRow
	if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
		Select(goqu.C("trigger_name").As("name"), goqu.C("trigger_group").As("grp")).
		Where(s.jobKeyEx(key))); err != nil {
		return schedulererr.Persistence("select triggers of job "+key.String(), err)
	}
	for _, r := range rows {
		if err := fn(job.Key{Name: r.Name, Group: r.Group}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ResumeTrigger(ctx context.Context, key job.Key) error {
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		return s.resumeTriggerInTx(ctx, tx, key)
	})
	if err == nil && s.sig != nil {
		s.sig.SignalSchedulingChange(nil)
	}
	return err
}

func (s *Store) resumeTriggerInTx(ctx context.Context, tx *sqlx.Tx, key job.Key) error {
	t, err := s.loadTriggerInTx(ctx, tx, key)
	if err != nil || t == nil {
		return err
	}
	switch t.State() {
	case trigger.StatePaused:
		t.SetState(trigger.StateWaiting)
	case trigger.StatePausedBlocked:
		t.SetState(trigger.StateBlocked)
	default:
		return nil
	}
	s.applyMisfireInTx(ctx, tx, t)
	return s.updateTriggerInTx(ctx, tx, t)
}

func (s *Store) ResumeTriggerGroup(ctx context.Context, group string) error {
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		if _, err := s.exec(ctx, tx, s.qb.Delete("qrtz_paused_trigger_grps").Prepared(true).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "trigger_group": group})); err != nil {
			return schedulererr.Persistence("delete paused group "+group, err)
		}
		var rows []keyRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
			Select(goqu.C("trigger_name").As("name"), goqu.C("trigger_group").As("grp")).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "trigger_group": group})); err != nil {
			return schedulererr.Persistence("select triggers of group "+group, err)
		}
		for _, r := range rows {
			if err := s.resumeTriggerInTx(ctx, tx, job.Key{Name: r.Name, Group: r.Group}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && s.sig != nil {
		s.sig.SignalSchedulingChange(nil)
	}
	return err
}

func (s *Store) ResumeJob(ctx context.Context, key job.Key) error {
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		return s.forEachTriggerOfJobInTx(ctx, tx, key, func(tk job.Key) error {
			return s.resumeTriggerInTx(ctx, tx, tk)
		})
	})
	if err == nil && s.sig != nil {
		s.sig.SignalSchedulingChange(nil)
	}
	return err
}

func (s *Store) ResumeJobGroup(ctx context.Context, group string) error {
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var rows []keyRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
			Select(goqu.C("trigger_name").As("name"), goqu.C("trigger_group").As("grp")).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "job_group": group})); err != nil {
			return schedulererr.Persistence("select triggers of job group "+group, err)
		}
		for _, r := range rows {
			if err := s.resumeTriggerInTx(ctx, tx, job.Key{Name: r.Name, Group: r.Group}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && s.sig != nil {
		s.sig.SignalSchedulingChange(nil)
	}
	return err
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
	groups, err := s.GetTriggerGroupNames(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := s.ResumeTriggerGroup(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// ---- calendars ----

func (s *Store) StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replaceExisting, updateTriggers bool) error {
	return s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		exists, err := s.calendarExistsInTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if exists && !replaceExisting {
			return fmt.Errorf("store calendar %q: %w", name, schedulererr.ErrObjectAlreadyExists)
		}
		blob, err := calendar.Marshal(cal)
		if err != nil {
			return fmt.Errorf("marshal calendar %q: %w", name, err)
		}
		if exists {
			if _, err := s.exec(ctx, tx, s.qb.Update("qrtz_calendars").Prepared(true).
				Set(goqu.Record{"calendar": blob}).
				Where(goqu.Ex{"sched_name": s.cfg.SchedName, "calendar_name": name})); err != nil {
				return schedulererr.Persistence("update calendar "+name, err)
			}
		} else {
			if _, err := s.exec(ctx, tx, s.qb.Insert("qrtz_calendars").Prepared(true).
				Rows(goqu.Record{"sched_name": s.cfg.SchedName, "calendar_name": name, "calendar": blob})); err != nil {
				return schedulererr.Persistence("insert calendar "+name, err)
			}
		}
		if !updateTriggers {
			return nil
		}

		var rows []triggerRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "calendar_name": name})); err != nil {
			return schedulererr.Persistence("select triggers of calendar "+name, err)
		}
		for _, row := range rows {
			t, err := s.loadSubtypeInTx(ctx, tx, row)
			if err != nil {
				return err
			}
			t.UpdateWithNewCalendar(cal, s.cfg.MisfireThreshold)
			if err := s.updateTriggerInTx(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) calendarExistsInTx(ctx context.Context, tx *sqlx.Tx, name string) (bool, error) {
	var n int
	err := s.get(ctx, tx, &n, s.qb.From("qrtz_calendars").Prepared(true).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{"sched_name": s.cfg.SchedName, "calendar_name": name}))
	if err != nil {
		return false, schedulererr.Persistence("count calendar "+name, err)
	}
	return n > 0, nil
}

func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	removed := false
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var n int
		if err := s.get(ctx, tx, &n, s.qb.From("qrtz_triggers").Prepared(true).
			Select(goqu.COUNT("*")).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "calendar_name": name})); err != nil {
			return schedulererr.Persistence("count triggers of calendar "+name, err)
		}
		if n > 0 {
			return fmt.Errorf("remove calendar %q: still referenced by %d trigger(s)", name, n)
		}
		res, err := s.exec(ctx, tx, s.qb.Delete("qrtz_calendars").Prepared(true).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "calendar_name": name}))
		if err != nil {
			return schedulererr.Persistence("delete calendar "+name, err)
		}
		affected, _ := res.RowsAffected()
		removed = affected > 0
		return nil
	})
	return removed, err
}

func (s *Store) RetrieveCalendar(ctx context.Context, name string) (calendar.Calendar, error) {
	var out calendar.Calendar
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		cal, err := s.loadCalendarInTx(ctx, tx, name)
		out = cal
		return err
	})
	return out, err
}

func (s *Store) loadCalendarInTx(ctx context.Context, tx *sqlx.Tx, name string) (calendar.Calendar, error) {
	var blob []byte
	err := s.get(ctx, tx, &blob, s.qb.From("qrtz_calendars").Prepared(true).
		Select("calendar").
		Where(goqu.Ex{"sched_name": s.cfg.SchedName, "calendar_name": name}))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, schedulererr.Persistence("select calendar "+name, err)
	}
	return calendar.Unmarshal(blob)
}

func (s *Store) CalendarExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		var err error
		exists, err = s.calendarExistsInTx(ctx, tx, name)
		return err
	})
	return exists, err
}

func (s *Store) GetCalendarNames(ctx context.Context) ([]string, error) {
	var out []string
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		if err := s.selectAll(ctx, tx, &out, s.qb.From("qrtz_calendars").Prepared(true).
			Select("calendar_name").
			Where(goqu.Ex{"sched_name": s.cfg.SchedName}).
			Order(goqu.C("calendar_name").Asc())); err != nil {
			return schedulererr.Persistence("enumerate calendars", err)
		}
		return nil
	})
	return out, err
}
