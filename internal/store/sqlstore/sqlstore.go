// Package sqlstore implements the job-store contract on a shared
// relational database, with named row locks for cluster coordination,
// periodic misfire recovery, and failed-instance takeover.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/dendrite-sched/dendrite/internal/clock"
	"github.com/dendrite-sched/dendrite/internal/runtime/supervisor"
	"github.com/dendrite-sched/dendrite/internal/schedulererr"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

//go:embed migrations/sqlite/schema.sql migrations/mysql/schema.sql migrations/postgres/schema.sql
var migrationsFS embed.FS

// Named row locks: TRIGGER_ACCESS guards trigger/job/
// fired-trigger mutation, STATE_ACCESS guards cluster state and recovery.
const (
	LockTriggerAccess = "TRIGGER_ACCESS"
	LockStateAccess   = "STATE_ACCESS"
)

// Config tunes the persistent store. Zero values fall back to the
// defaults the quartz.* configuration keys document.
type Config struct {
	SchedName    string
	InstanceName string

	Clustered              bool
	ClusterCheckinInterval time.Duration
	MisfireThreshold       time.Duration
	MaxMisfiresPerBatch    int
	LockTimeout            time.Duration

	// AcquireTriggersWithinLock is accepted for configuration
	// compatibility; this store always acquires under TRIGGER_ACCESS.
	AcquireTriggersWithinLock bool
}

func (c *Config) applyDefaults() {
	if c.SchedName == "" {
		c.SchedName = "dendrite"
	}
	if c.InstanceName == "" {
		c.InstanceName = "NON_CLUSTERED"
	}
	if c.ClusterCheckinInterval <= 0 {
		c.ClusterCheckinInterval = 7500 * time.Millisecond
	}
	if c.MisfireThreshold <= 0 {
		c.MisfireThreshold = time.Minute
	}
	if c.MaxMisfiresPerBatch <= 0 {
		c.MaxMisfiresPerBatch = 20
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
}

// Store is the persistent job store.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	qb      goqu.DialectWrapper

	cfg Config
	clk clock.Provider
	log logx.Logger
	sig store.Signaler

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

// Option mutates a Store under construction.
type Option func(*Store)

func WithClock(c clock.Provider) Option { return func(s *Store) { s.clk = c } }
func WithLogger(l logx.Logger) Option   { return func(s *Store) { s.log = l } }

// New wraps an already-open database handle. The handle's driver must
// match the dialect's DriverName.
func New(db *sql.DB, dialect Dialect, cfg Config, opts ...Option) *Store {
	cfg.applyDefaults()
	s := &Store{
		db:      sqlx.NewDb(db, dialect.DriverName),
		dialect: dialect,
		qb:      goqu.Dialect(dialect.GoquName),
		cfg:     cfg,
		clk:     clock.Default,
		log:     logx.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logx.String("component", "sqlstore"), logx.String("instance", cfg.InstanceName))
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) Clustered() bool { return s.cfg.Clustered }

// Initialize creates the schema if needed, wires the signaler, recovers
// this instance's own orphaned work from a previous run, and starts the
// misfire-handler and (when clustered) cluster-manager threads.
func (s *Store) Initialize(ctx context.Context, sig store.Signaler) error {
	s.sig = sig
	if err := s.migrate(ctx); err != nil {
		return schedulererr.Persistence("migrate", err)
	}

	if !s.cfg.Clustered {
		// Non-clustered: whatever this instance left in-flight before a
		// restart is recovered immediately rather than by a peer.
		if err := s.recoverOwnFiredTriggers(ctx); err != nil {
			return err
		}
	}

	// The misfire scanner and cluster heartbeat are supervised: a panic
	// or transient store failure restarts them with backoff instead of
	// silently losing maintenance.
	s.mu.Lock()
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	s.sup.GoRestart("misfire-handler", s.misfireLoop)
	if s.cfg.Clustered {
		s.sup.GoRestart("cluster-manager", s.clusterLoop)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	path := fmt.Sprintf("migrations/%s/schema.sql", s.dialect.Name)
	raw, err := migrationsFS.ReadFile(path)
	if err != nil {
		return err
	}
	// MySQL's driver rejects multi-statement Exec by default; run the
	// schema statement by statement for every dialect.
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// Index creation races with peers during clustered startup.
			if strings.Contains(strings.ToLower(err.Error()), "exist") {
				continue
			}
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}

// inLock runs fn inside a transaction that holds the named row lock; the
// commit (or rollback) releases it; every write happens inside a
// transaction opened after the lock is held.
func (s *Store) inLock(ctx context.Context, lockName string, fn func(tx *sqlx.Tx) error) error {
	deadline := s.clk.Now().Add(s.cfg.LockTimeout)
	for {
		err := s.tryInLock(ctx, lockName, fn)
		if err == nil || !isLockContention(err) {
			return err
		}
		if s.clk.Now().After(deadline) {
			return &schedulererr.LockTimeoutError{LockName: lockName, Waited: s.cfg.LockTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(20+rand.Intn(80)) * time.Millisecond):
		}
	}
}

func (s *Store) tryInLock(ctx context.Context, lockName string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return schedulererr.Persistence("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.obtainLock(ctx, tx, lockName); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return schedulererr.Persistence("commit", err)
	}
	return nil
}

// obtainLock takes the named row lock inside tx. Dialects with
// SELECT ... FOR UPDATE block on the row; the others use an UPDATE whose
// success implies ownership for the duration of the transaction, creating
// the lock row on demand.
func (s *Store) obtainLock(ctx context.Context, tx *sqlx.Tx, lockName string) error {
	if s.dialect.SupportsSelectForUpdate {
		q := tx.Rebind(`SELECT lock_name FROM qrtz_locks WHERE sched_name = ? AND lock_name = ? FOR UPDATE`)
		var name string
		err := tx.GetContext(ctx, &name, q, s.cfg.SchedName, lockName)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return schedulererr.Persistence("select lock "+lockName, err)
		}
		if err := s.insertLockRow(ctx, tx, lockName); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &name, q, s.cfg.SchedName, lockName); err != nil {
			return schedulererr.Persistence("select created lock "+lockName, err)
		}
		return nil
	}

	upd := tx.Rebind(`UPDATE qrtz_locks SET lock_name = lock_name WHERE sched_name = ? AND lock_name = ?`)
	res, err := tx.ExecContext(ctx, upd, s.cfg.SchedName, lockName)
	if err != nil {
		return schedulererr.Persistence("update lock "+lockName, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if err := s.insertLockRow(ctx, tx, lockName); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upd, s.cfg.SchedName, lockName); err != nil {
		return schedulererr.Persistence("update created lock "+lockName, err)
	}
	return nil
}

func (s *Store) insertLockRow(ctx context.Context, tx *sqlx.Tx, lockName string) error {
	var ins string
	switch s.dialect.Name {
	case "mysql":
		ins = `INSERT IGNORE INTO qrtz_locks (sched_name, lock_name) VALUES (?, ?)`
	default:
		ins = `INSERT INTO qrtz_locks (sched_name, lock_name) VALUES (?, ?) ON CONFLICT DO NOTHING`
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(ins), s.cfg.SchedName, lockName); err != nil {
		return schedulererr.Persistence("insert lock "+lockName, err)
	}
	return nil
}

// isLockContention reports whether err looks like a transient lock /
// serialization failure worth retrying with backoff.
func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"deadlock", "lock wait timeout", "database is locked", "could not serialize", "busy"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ---- time conversions: fire times persist as signed 64-bit ms ticks ----

func msFromTime(t time.Time) int64 { return t.UnixMilli() }

func msFromTimePtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timeFromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timeFromMsPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := timeFromMs(*ms)
	return &t
}
