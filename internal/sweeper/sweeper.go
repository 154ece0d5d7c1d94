// Package sweeper enforces the retention windows: task records and thread
// bindings older than their configured windows are purged. A sweep can run
// opportunistically at the end of an invocation (MaybeSweep), on demand
// (RunOnce), or on a cron schedule in the long-running watch mode (Start).
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/lockfile"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/obs"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// metaLastSweep is the meta key recording when the last sweep finished.
const metaLastSweep = "last_sweep_at"

// Config holds the dependencies for the sweeper.
type Config struct {
	Store       *persistence.Store
	TasksLock   *lockfile.Lock
	ThreadsLock *lockfile.Lock
	Logger      *slog.Logger
	Metrics     *obs.Metrics // nil when observability is disabled

	TaskDays    int           // retention window for task records; 0 disables
	ThreadDays  int           // retention window for thread bindings; 0 disables
	Interval    time.Duration // minimum gap between opportunistic sweeps
	CronExpr    string        // schedule for watch mode
	LockTimeout time.Duration
}

// Sweeper purges expired rows under the same cross-process locks the live
// operations use, so a sweep never races a concurrent completion or ensure.
type Sweeper struct {
	store       *persistence.Store
	tasksLock   *lockfile.Lock
	threadsLock *lockfile.Lock
	logger      *slog.Logger
	metrics     *obs.Metrics

	taskDays    int
	threadDays  int
	interval    time.Duration
	cronExpr    string
	lockTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper with the given config.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Sweeper{
		store:       cfg.Store,
		tasksLock:   cfg.TasksLock,
		threadsLock: cfg.ThreadsLock,
		logger:      logger,
		metrics:     cfg.Metrics,
		taskDays:    cfg.TaskDays,
		threadDays:  cfg.ThreadDays,
		interval:    interval,
		cronExpr:    cfg.CronExpr,
		lockTimeout: lockTimeout,
	}
}

// RunOnce purges expired task records and thread bindings. Each table is
// swept under its own lock; the two locks are taken one after the other,
// never nested. Errors degrade to a partial sweep and are reported through
// the result, not by aborting.
func (s *Sweeper) RunOnce(ctx context.Context) persistence.RetentionResult {
	var result persistence.RetentionResult
	if s.store == nil {
		s.logger.Warn("sweep: store unavailable, skipping")
		return result
	}
	now := time.Now().UTC()

	if s.taskDays > 0 {
		cutoff := now.AddDate(0, 0, -s.taskDays)
		result.PurgedTasks = s.purge(ctx, s.tasksLock, "tasks", func(ctx context.Context) (int64, error) {
			return s.store.PurgeTasks(ctx, cutoff)
		})
	}
	if s.threadDays > 0 {
		cutoff := now.AddDate(0, 0, -s.threadDays)
		result.PurgedThreads = s.purge(ctx, s.threadsLock, "threads", func(ctx context.Context) (int64, error) {
			if stale, err := s.store.StaleThreads(ctx, cutoff); err == nil {
				for _, rec := range stale {
					s.logger.Debug("sweep: dropping thread binding",
						"session_key", rec.SessionKey,
						"thread_ref", rec.ThreadRef,
						"last_used_at", rec.LastUsedAt,
					)
				}
			}
			return s.store.PurgeThreads(ctx, cutoff)
		})
	}

	if s.metrics != nil {
		if result.PurgedTasks > 0 {
			s.metrics.RecordsPurged.Add(ctx, result.PurgedTasks,
				metric.WithAttributes(attribute.String("table", "tasks")))
		}
		if result.PurgedThreads > 0 {
			s.metrics.RecordsPurged.Add(ctx, result.PurgedThreads,
				metric.WithAttributes(attribute.String("table", "threads")))
		}
	}

	if err := s.store.MetaSet(ctx, metaLastSweep, now.Format(time.RFC3339)); err != nil {
		s.logger.Warn("sweep: failed to record sweep time", "error", err)
	}
	s.logger.Info("sweep: done",
		"purged_tasks", result.PurgedTasks,
		"purged_threads", result.PurgedThreads,
	)
	return result
}

// purge runs one table's purge under its lock. A lock timeout skips the
// table; another process is sweeping or busy and the rows keep until next time.
func (s *Sweeper) purge(ctx context.Context, lock *lockfile.Lock, table string, fn func(context.Context) (int64, error)) int64 {
	guard, err := lock.Acquire(ctx, s.lockTimeout)
	if err != nil {
		s.logger.Warn("sweep: lock not acquired, skipping table", "table", table, "error", err)
		return 0
	}
	defer guard.Release()

	n, err := fn(ctx)
	if err != nil {
		s.logger.Error("sweep: purge failed", "table", table, "error", err)
		return 0
	}
	return n
}

// MaybeSweep runs a sweep only when the last recorded sweep is older than
// the configured interval. Called opportunistically from one-shot
// invocations, so most of them pay nothing.
func (s *Sweeper) MaybeSweep(ctx context.Context) {
	if s.store == nil {
		return
	}
	raw, err := s.store.MetaGet(ctx, metaLastSweep)
	if err != nil {
		s.logger.Warn("sweep: failed to read last sweep time", "error", err)
		return
	}
	if raw != "" {
		last, err := time.Parse(time.RFC3339, raw)
		if err == nil && time.Since(last) < s.interval {
			return
		}
		if err != nil {
			s.logger.Warn("sweep: malformed last sweep time, sweeping", "value", raw)
		}
	}
	s.RunOnce(ctx)
}

// Start begins the watch-mode loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "cron_expr", s.cronExpr)
}

// Stop cancels the watch loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// loop sleeps until each scheduled run, then sweeps. A bad cron expression
// falls back to the plain interval.
func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next, err := NextRunTime(s.cronExpr, time.Now())
		var wait time.Duration
		if err != nil {
			s.logger.Error("sweep: bad cron expression, using interval", "cron_expr", s.cronExpr, "error", err)
			wait = s.interval
		} else {
			wait = time.Until(next)
		}
		if wait < time.Second {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
