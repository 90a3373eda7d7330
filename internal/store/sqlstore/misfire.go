package sqlstore

import (
	"context"
	"math/rand"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/schedulererr"
	"github.com/dendrite-sched/dendrite/internal/trigger"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

// misfireLoop is the periodic misfire scanner: bounded batches on a
// fixed period, immediate re-run while more remain.
// Runs under the store's supervisor.
func (s *Store) misfireLoop(ctx context.Context) error {
	interval := s.cfg.MisfireThreshold
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for {
			hasMore, err := s.recoverMisfiredTriggers(ctx)
			if err != nil {
				failures++
				s.log.Error("misfire scan failed", logx.Err(err), logx.Int("consecutive", failures))
				if s.sig != nil && !schedulererr.Retryable(err) {
					s.sig.NotifySchedulerListenersError("misfire scan failed", err)
				}
				// Bounded, jittered backoff before the next tick retries.
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDelay(failures)):
				}
				break
			}
			failures = 0
			if !hasMore {
				break
			}
			// A full batch means more misfires are waiting; run again now.
		}
	}
}

// backoffDelay is bounded exponential backoff with jitter for transient
// store-layer failures.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 500 * time.Millisecond << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// recoverMisfiredTriggers loads one bounded batch of misfired WAITING
// triggers, applies each trigger's misfire instruction, and writes the
// results back. Returns true when a full batch was processed (more may
// remain).
func (s *Store) recoverMisfiredTriggers(ctx context.Context) (bool, error) {
	hasMore := false
	err := s.inLock(ctx, LockTriggerAccess, func(tx *sqlx.Tx) error {
		misfireAt := s.clk.Now().Add(-s.cfg.MisfireThreshold)
		var rows []triggerRow
		if err := s.selectAll(ctx, tx, &rows, s.qb.From("qrtz_triggers").Prepared(true).
			Where(goqu.Ex{"sched_name": s.cfg.SchedName, "trigger_state": trigger.StateWaiting.String()}).
			Where(goqu.C("next_fire_time").IsNotNull()).
			Where(goqu.C("next_fire_time").Lt(msFromTime(misfireAt))).
			Where(goqu.C("misfire_instr").Neq(trigger.MisfireIgnoreMisfirePolicy)).
			Order(goqu.C("next_fire_time").Asc(), goqu.C("priority").Desc()).
			Limit(uint(s.cfg.MaxMisfiresPerBatch+1))); err != nil {
			return schedulererr.Persistence("select misfired triggers", err)
		}

		if len(rows) > s.cfg.MaxMisfiresPerBatch {
			hasMore = true
			rows = rows[:s.cfg.MaxMisfiresPerBatch]
		}
		for _, row := range rows {
			t, err := s.loadSubtypeInTx(ctx, tx, row)
			if err != nil {
				s.log.Error("unloadable misfired trigger", logx.String("trigger", row.TriggerGroup+"."+row.TriggerName), logx.Err(err))
				continue
			}
			if _, err := s.applyMisfireInTx(ctx, tx, t); err != nil {
				return err
			}
			if err := s.updateTriggerInTx(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	return hasMore, err
}

// applyMisfireInTx runs t's misfire instruction when its nextFireTime has
// slipped past the threshold. Reports whether the trigger was mutated;
// the caller persists it.
func (s *Store) applyMisfireInTx(ctx context.Context, tx *sqlx.Tx, t trigger.Trigger) (bool, error) {
	next := t.NextFireTime()
	if next == nil || t.MisfireInstruction() == trigger.MisfireIgnoreMisfirePolicy {
		return false, nil
	}
	if !next.Before(s.clk.Now().Add(-s.cfg.MisfireThreshold)) {
		return false, nil
	}

	var cal calendar.Calendar
	if t.CalendarName() != "" {
		var err error
		if cal, err = s.loadCalendarInTx(ctx, tx, t.CalendarName()); err != nil {
			return false, err
		}
	}
	if s.sig != nil {
		s.sig.NotifyTriggerListenersMisfired(t.Clone())
	}
	t.UpdateAfterMisfire(cal)
	if t.NextFireTime() == nil {
		t.SetState(trigger.StateComplete)
	}
	return true, nil
}
