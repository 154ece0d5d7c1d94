package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/config"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/lockfile"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/persistence"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/sweeper"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/telemetry"
)

func runSweepCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "keep running, sweeping on the configured cron schedule")
	cronExpr := fs.String("cron", "", "override the sweep schedule (5-field cron expression)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: notifier sweep [-watch] [-cron EXPR]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if *cronExpr != "" {
		cfg.SweepCron = *cronExpr
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, "", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		logger.Error("store open failed", "db_path", cfg.DBPath, "error", err)
		return 1
	}
	defer store.Close()

	sw := newSweeper(cfg, store, logger)

	if !*watch {
		result := sw.RunOnce(ctx)
		fmt.Printf("purged %d task record(s), %d thread binding(s)\n",
			result.PurgedTasks, result.PurgedThreads)
		return 0
	}

	return runSweepWatch(ctx, cfg, store, logger, *cronExpr)
}

// runSweepWatch runs the cron-driven sweep loop until the context is
// cancelled, rebuilding the sweeper when config.yaml changes on disk.
func runSweepWatch(ctx context.Context, cfg config.Config, store *persistence.Store, logger *slog.Logger, cronOverride string) int {
	sw := newSweeper(cfg, store, logger)
	sw.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, reload disabled", "error", err)
		<-ctx.Done()
		sw.Stop()
		return 0
	}

	for {
		select {
		case <-ctx.Done():
			sw.Stop()
			return 0
		case _, ok := <-watcher.Events():
			if !ok {
				<-ctx.Done()
				sw.Stop()
				return 0
			}
			reloaded, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed, keeping previous settings", "error", err)
				continue
			}
			if cronOverride != "" {
				reloaded.SweepCron = cronOverride
			}
			logger.Info("config reloaded, restarting sweeper",
				"retention_task_days", reloaded.RetentionTaskDays,
				"retention_thread_days", reloaded.RetentionThreadDays,
				"sweep_cron", reloaded.SweepCron,
			)
			sw.Stop()
			sw = newSweeper(reloaded, store, logger)
			sw.Start(ctx)
		}
	}
}

func newSweeper(cfg config.Config, store *persistence.Store, logger *slog.Logger) *sweeper.Sweeper {
	return sweeper.New(sweeper.Config{
		Store:       store,
		TasksLock:   lockfile.New(filepath.Join(cfg.HomeDir, "tasks.lock"), cfg.LockStale(), logger),
		ThreadsLock: lockfile.New(filepath.Join(cfg.HomeDir, "threads.lock"), cfg.LockStale(), logger),
		Logger:      logger,
		TaskDays:    cfg.RetentionTaskDays,
		ThreadDays:  cfg.RetentionThreadDays,
		Interval:    cfg.SweepInterval(),
		CronExpr:    cfg.SweepCron,
		LockTimeout: cfg.LockTimeout(),
	})
}
