package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dendrite-sched/dendrite"
	"github.com/dendrite-sched/dendrite/internal/config"
	"github.com/dendrite-sched/dendrite/pkg/logx"
)

func main() {
	var cfgPath string
	var demo bool
	flag.StringVar(&cfgPath, "config", "", "path to config yaml (optional; defaults + QUARTZ_JOBSTORE_DSN env otherwise)")
	flag.BoolVar(&demo, "demo", false, "schedule a heartbeat job that logs every 10s")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, v, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.FilePath != "", Path: cfg.Logging.FilePath},
	})
	defer logSvc.Close()

	sched, err := dendrite.NewScheduler(cfg, log)
	if err != nil {
		log.Error("scheduler assembly failed", logx.Err(err))
		os.Exit(1)
	}

	// Logging knobs stay hot-reloadable while the scheduler runs.
	if cfgPath != "" {
		config.Watch(v, func(fresh *config.Config) {
			logSvc.Apply(logx.Config{
				Level:   fresh.Logging.Level,
				Console: fresh.Logging.Console,
				File:    logx.FileConfig{Enabled: fresh.Logging.FilePath != "", Path: fresh.Logging.FilePath},
			})
			log.Info("config reloaded", logx.String("path", cfgPath))
		})
	}

	if err := sched.Start(ctx); err != nil {
		log.Error("scheduler start failed", logx.Err(err))
		os.Exit(1)
	}

	if demo {
		registerDemoJob(ctx, sched, log)
	}

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := sched.Shutdown(shutdownCtx, true); err != nil {
		log.Error("shutdown failed", logx.Err(err))
	}
}

func registerDemoJob(ctx context.Context, sched *dendrite.Scheduler, log logx.Logger) {
	factory, ok := sched.Factory().(*dendrite.RegistryFactory)
	if !ok {
		return
	}
	factory.Register("heartbeat", func() dendrite.Job {
		return dendrite.JobFunc(func(ctx context.Context, exec *dendrite.ExecutionContext) error {
			log.Info("heartbeat",
				logx.String("trigger", exec.TriggerKey.String()),
				logx.Time("scheduled", exec.ScheduledFireTime),
				logx.Bool("recovering", exec.Recovering))
			return nil
		})
	})

	detail := dendrite.NewJob().
		OfType("heartbeat").
		WithIdentity("heartbeat", "demo").
		StoreDurably().
		Build()
	trig, err := dendrite.NewTrigger().
		WithIdentity("heartbeat-every-10s", "demo").
		ForJob(detail.Key).
		StartNow().
		WithSchedule(dendrite.SimpleSchedule().WithInterval(10 * time.Second).RepeatForever()).
		Build()
	if err != nil {
		log.Error("demo trigger build failed", logx.Err(err))
		return
	}
	if err := sched.ScheduleJob(ctx, detail, trig); err != nil {
		log.Warn("demo job not scheduled (may already exist)", logx.Err(err))
	}
}
