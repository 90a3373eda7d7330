// Package dendrite is a durable, clusterable job scheduling engine: five
// trigger variants (simple, cron, calendar-interval, daily-time-interval,
// and an RRULE-backed custom calendar), an in-memory store for embedded
// use, and a relational store that lets multiple instances cooperate on
// one shared database with at-most-once firing per scheduled instant.
package dendrite

import (
	"database/sql"
	"fmt"

	// Database drivers for the supported job-store dialects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/dendrite-sched/dendrite/internal/calendar"
	"github.com/dendrite-sched/dendrite/internal/config"
	"github.com/dendrite-sched/dendrite/internal/eventbus"
	"github.com/dendrite-sched/dendrite/internal/job"
	"github.com/dendrite-sched/dendrite/internal/listener"
	"github.com/dendrite-sched/dendrite/internal/pool"
	"github.com/dendrite-sched/dendrite/internal/scheduler"
	"github.com/dendrite-sched/dendrite/internal/store"
	"github.com/dendrite-sched/dendrite/internal/store/memory"
	"github.com/dendrite-sched/dendrite/internal/store/sqlstore"
	"github.com/dendrite-sched/dendrite/internal/trigger"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

// Re-exported types forming the public API surface.
type (
	Scheduler        = scheduler.Scheduler
	RegistryFactory  = scheduler.RegistryFactory
	Config           = config.Config
	JobKey           = job.Key
	JobDetail        = job.Detail
	DataMap          = job.DataMap
	Job              = job.Job
	JobFunc          = job.Func
	ExecutionContext = job.ExecutionContext
	ExecutionError   = job.ExecutionError
	Trigger          = trigger.Trigger
	TimeOfDay        = trigger.TimeOfDay
	IntervalUnit     = trigger.IntervalUnit
	Calendar         = calendar.Calendar
	Store            = store.Store
)

// Interval units for the calendar-interval, daily-time-interval, and
// custom-calendar schedules.
const (
	UnitSecond = trigger.UnitSecond
	UnitMinute = trigger.UnitMinute
	UnitHour   = trigger.UnitHour
	UnitDay    = trigger.UnitDay
	UnitWeek   = trigger.UnitWeek
	UnitMonth  = trigger.UnitMonth
	UnitYear   = trigger.UnitYear
)

// RepeatIndefinitely is the repeatCount sentinel meaning "never stop".
const RepeatIndefinitely = trigger.RepeatIndefinitely

// LoadConfig reads a config file (optional path) plus the
// QUARTZ_JOBSTORE_DSN environment override; no other key is read from the
// environment.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := config.Load(path)
	return cfg, err
}

// NewScheduler assembles a scheduler from configuration: job store
// (memory or SQL), bounded worker pool, and listener multiplexer.
func NewScheduler(cfg *Config, log logx.Logger) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config; use LoadConfig for the documented defaults")
	}

	st, err := buildStore(cfg, log)
	if err != nil {
		return nil, err
	}

	mux := listener.NewMultiplexer(eventbus.New())
	workers := pool.New(cfg.ThreadPool.ThreadCount, pool.WithLogger(log))

	sched := scheduler.New(scheduler.Config{
		InstanceName:    cfg.Scheduler.InstanceID,
		BatchMaxCount:   cfg.Scheduler.BatchTriggerAcquisitionMaxCount,
		BatchTimeWindow: cfg.Scheduler.BatchTriggerAcquisitionFireAheadTimeWindow,
		IdleWaitTime:    cfg.Scheduler.IdleWaitTime,
	}, st, workers, mux, scheduler.WithLogger(log))
	return sched, nil
}

func buildStore(cfg *Config, log logx.Logger) (store.Store, error) {
	js := cfg.JobStore
	if js.Driver == "memory" {
		return memory.New(
			memory.WithLogger(log),
			memory.WithMisfireThreshold(js.MisfireThreshold),
		), nil
	}

	dialect, err := sqlstore.DialectByName(js.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName, js.DSN)
	if err != nil {
		return nil, fmt.Errorf("open job store database: %w", err)
	}
	if dialect.Name == "sqlite" {
		// SQLite prefers a small number of concurrent writers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return sqlstore.New(db, dialect, sqlstore.Config{
		SchedName:                 cfg.Scheduler.InstanceName,
		InstanceName:              cfg.Scheduler.InstanceID,
		Clustered:                 js.Clustered,
		ClusterCheckinInterval:    js.ClusterCheckinInterval,
		MisfireThreshold:          js.MisfireThreshold,
		MaxMisfiresPerBatch:       js.MaxMisfiresToHandleAtATime,
		AcquireTriggersWithinLock: js.AcquireTriggersWithinLock,
	}, sqlstore.WithLogger(log)), nil
}
