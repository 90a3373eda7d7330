// Package config loads the quartz.*-namespaced configuration: defaults
// set programmatically on a viper instance, environment-variable
// overrides for secrets, and optional file watching for the
// hot-reloadable tuning knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/dendrite-sched/dendrite/internal/schedulererr"
)

// AutoInstanceID asks for a generated instance id
// (hostname plus a random suffix).
const AutoInstanceID = "AUTO"

type SchedulerConfig struct {
	InstanceName string
	InstanceID   string

	BatchTriggerAcquisitionMaxCount            int
	BatchTriggerAcquisitionFireAheadTimeWindow time.Duration
	IdleWaitTime                               time.Duration
}

type ThreadPoolConfig struct {
	ThreadCount int
}

type JobStoreConfig struct {
	// Driver is "memory", "sqlite", "sqlite3", "mysql" or "postgres".
	Driver string
	DSN    string

	Clustered                  bool
	ClusterCheckinInterval     time.Duration
	MisfireThreshold           time.Duration
	AcquireTriggersWithinLock  bool
	MaxMisfiresToHandleAtATime int
}

type LoggingConfig struct {
	Level    string
	Console  bool
	FilePath string
}

type Config struct {
	Scheduler  SchedulerConfig
	ThreadPool ThreadPoolConfig
	JobStore   JobStoreConfig
	Logging    LoggingConfig
}

// SetDefaults configures default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("quartz.scheduler.instanceName", "dendrite")
	v.SetDefault("quartz.scheduler.instanceId", AutoInstanceID)
	v.SetDefault("quartz.scheduler.batchTriggerAcquisitionMaxCount", 1)
	v.SetDefault("quartz.scheduler.batchTriggerAcquisitionFireAheadTimeWindow", time.Duration(0))
	v.SetDefault("quartz.scheduler.idleWaitTime", 30*time.Second)

	v.SetDefault("quartz.threadPool.threadCount", 10)

	v.SetDefault("quartz.jobStore.driver", "memory")
	v.SetDefault("quartz.jobStore.dsn", "")
	v.SetDefault("quartz.jobStore.clustered", false)
	v.SetDefault("quartz.jobStore.clusterCheckinInterval", 7500*time.Millisecond)
	v.SetDefault("quartz.jobStore.misfireThreshold", time.Minute)
	v.SetDefault("quartz.jobStore.acquireTriggersWithinLock", true)
	v.SetDefault("quartz.jobStore.maxMisfiresToHandleAtATime", 20)

	v.SetDefault("quartz.logging.level", "info")
	v.SetDefault("quartz.logging.console", true)
	v.SetDefault("quartz.logging.filePath", "")
}

// BindSensitiveEnvVars wires the secrets that must never live in the
// config file; QUARTZ_JOBSTORE_DSN overrides quartz.jobStore.dsn.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("QUARTZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("quartz.jobStore.dsn", "QUARTZ_JOBSTORE_DSN")
}

// NewViper builds a viper instance with defaults and env binding
// applied, optionally reading path.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	BindSensitiveEnvVars(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, schedulererr.Config(path, err)
		}
	}
	return v, nil
}

// FromViper materializes the typed Config from v and validates it.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Scheduler: SchedulerConfig{
			InstanceName: v.GetString("quartz.scheduler.instanceName"),
			InstanceID:   v.GetString("quartz.scheduler.instanceId"),

			BatchTriggerAcquisitionMaxCount:            v.GetInt("quartz.scheduler.batchTriggerAcquisitionMaxCount"),
			BatchTriggerAcquisitionFireAheadTimeWindow: v.GetDuration("quartz.scheduler.batchTriggerAcquisitionFireAheadTimeWindow"),
			IdleWaitTime: v.GetDuration("quartz.scheduler.idleWaitTime"),
		},
		ThreadPool: ThreadPoolConfig{
			ThreadCount: v.GetInt("quartz.threadPool.threadCount"),
		},
		JobStore: JobStoreConfig{
			Driver:                     v.GetString("quartz.jobStore.driver"),
			DSN:                        v.GetString("quartz.jobStore.dsn"),
			Clustered:                  v.GetBool("quartz.jobStore.clustered"),
			ClusterCheckinInterval:     v.GetDuration("quartz.jobStore.clusterCheckinInterval"),
			MisfireThreshold:           v.GetDuration("quartz.jobStore.misfireThreshold"),
			AcquireTriggersWithinLock:  v.GetBool("quartz.jobStore.acquireTriggersWithinLock"),
			MaxMisfiresToHandleAtATime: v.GetInt("quartz.jobStore.maxMisfiresToHandleAtATime"),
		},
		Logging: LoggingConfig{
			Level:    v.GetString("quartz.logging.level"),
			Console:  v.GetBool("quartz.logging.console"),
			FilePath: v.GetString("quartz.logging.filePath"),
		},
	}

	if cfg.Scheduler.InstanceID == AutoInstanceID || cfg.Scheduler.InstanceID == "" {
		cfg.Scheduler.InstanceID = autoInstanceID()
	}
	return cfg, cfg.Validate()
}

// Load reads path (optional) and returns the typed configuration.
func Load(path string) (*Config, *viper.Viper, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func (c *Config) Validate() error {
	if c.ThreadPool.ThreadCount < 1 {
		return schedulererr.Config("quartz.threadPool.threadCount", fmt.Errorf("must be >= 1, got %d", c.ThreadPool.ThreadCount))
	}
	if c.Scheduler.BatchTriggerAcquisitionMaxCount < 1 {
		return schedulererr.Config("quartz.scheduler.batchTriggerAcquisitionMaxCount", fmt.Errorf("must be >= 1"))
	}
	if c.JobStore.MisfireThreshold < time.Second {
		return schedulererr.Config("quartz.jobStore.misfireThreshold", fmt.Errorf("must be >= 1s, got %s", c.JobStore.MisfireThreshold))
	}
	switch c.JobStore.Driver {
	case "memory":
		if c.JobStore.Clustered {
			return schedulererr.Config("quartz.jobStore.clustered", fmt.Errorf("the memory store cannot be clustered"))
		}
	case "sqlite", "sqlite3", "mysql", "postgres", "postgresql":
		if c.JobStore.DSN == "" {
			return schedulererr.Config("quartz.jobStore.dsn", fmt.Errorf("required for driver %q", c.JobStore.Driver))
		}
	default:
		return schedulererr.Config("quartz.jobStore.driver", fmt.Errorf("unknown driver %q", c.JobStore.Driver))
	}
	return nil
}

// Watch re-reads the config file on change and hands the fresh Config to
// onChange. Only the hot-reloadable keys (misfire threshold, checkin
// interval, idle wait, logging) should be re-applied by the caller; the
// rest require a restart.
func Watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := FromViper(v)
		if err != nil {
			// An invalid edit must not take down a running scheduler.
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func autoInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dendrite"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
