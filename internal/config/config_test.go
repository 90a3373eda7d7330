package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	v := viper.New()
	SetDefaults(v)

	cfg, err := FromViper(v)
	require.NoError(t, err)
	require.Equal(t, "dendrite", cfg.Scheduler.InstanceName)
	require.NotEqual(t, AutoInstanceID, cfg.Scheduler.InstanceID, "AUTO must resolve to a concrete id")
	require.Equal(t, 10, cfg.ThreadPool.ThreadCount)
	require.Equal(t, "memory", cfg.JobStore.Driver)
	require.Equal(t, 7500*time.Millisecond, cfg.JobStore.ClusterCheckinInterval)
	require.Equal(t, time.Minute, cfg.JobStore.MisfireThreshold)
	require.Equal(t, 30*time.Second, cfg.Scheduler.IdleWaitTime)
	require.Equal(t, 20, cfg.JobStore.MaxMisfiresToHandleAtATime)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "quartz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
quartz:
  scheduler:
    instanceName: payments
    instanceId: node-1
    idleWaitTime: 10s
  threadPool:
    threadCount: 4
  jobStore:
    driver: sqlite
    dsn: /var/lib/dendrite/sched.db
    clustered: false
    misfireThreshold: 90s
`), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "payments", cfg.Scheduler.InstanceName)
	require.Equal(t, "node-1", cfg.Scheduler.InstanceID)
	require.Equal(t, 10*time.Second, cfg.Scheduler.IdleWaitTime)
	require.Equal(t, 4, cfg.ThreadPool.ThreadCount)
	require.Equal(t, "sqlite", cfg.JobStore.Driver)
	require.Equal(t, 90*time.Second, cfg.JobStore.MisfireThreshold)
}

func TestValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(v *viper.Viper)
	}{
		{"zero threads", func(v *viper.Viper) { v.Set("quartz.threadPool.threadCount", 0) }},
		{"clustered memory store", func(v *viper.Viper) { v.Set("quartz.jobStore.clustered", true) }},
		{"sql driver without dsn", func(v *viper.Viper) { v.Set("quartz.jobStore.driver", "postgres") }},
		{"unknown driver", func(v *viper.Viper) { v.Set("quartz.jobStore.driver", "mongodb") }},
		{"sub-second misfire threshold", func(v *viper.Viper) { v.Set("quartz.jobStore.misfireThreshold", "100ms") }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			tt.mut(v)
			_, err := FromViper(v)
			require.Error(t, err)
		})
	}
}

func TestDSNFromEnvironment(t *testing.T) {
	t.Setenv("QUARTZ_JOBSTORE_DSN", "postgres://u:p@db/sched")
	v := viper.New()
	SetDefaults(v)
	BindSensitiveEnvVars(v)
	v.Set("quartz.jobStore.driver", "postgres")

	cfg, err := FromViper(v)
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@db/sched", cfg.JobStore.DSN)
}
