// Package correlate pairs "work finished" observations with the open task
// records earlier processes left behind. No identifier threads the two events
// together, so matching is content fingerprint plus recency: equal
// fingerprints are candidates, and the oldest open record wins (FIFO). That
// policy is deliberate and auditable, not an accident — two truly identical
// concurrent tasks in one session remain an inherent ambiguity.
package correlate

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/lockfile"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/obs"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/persistence"
)

// Fingerprint derives the matching key from task-defining content.
func Fingerprint(content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("%016x", h.Sum64())
}

// NewTaskID builds a globally unique task id: start timestamp plus a random
// suffix, so ids sort roughly by start order in diagnostics.
func NewTaskID(startedAt time.Time) string {
	return fmt.Sprintf("task-%d-%s", startedAt.UnixMilli(), uuid.NewString()[:8])
}

// Correlator runs the begin/match operations against the shared store, each
// inside a single lock acquisition. Every public operation is total: lock
// timeouts and store failures degrade, they never surface to the host.
type Correlator struct {
	store       *persistence.Store // nil when the store failed to open
	lock        *lockfile.Lock
	logger      *slog.Logger
	lockTimeout time.Duration
	metrics     *obs.Metrics // nil when observability is disabled
}

func New(store *persistence.Store, lock *lockfile.Lock, logger *slog.Logger, lockTimeout time.Duration, metrics *obs.Metrics) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Correlator{store: store, lock: lock, logger: logger, lockTimeout: lockTimeout, metrics: metrics}
}

// acquire takes the tasks lock and records how long the wait cost, timeouts
// included.
func (c *Correlator) acquire(ctx context.Context) (*lockfile.Guard, error) {
	start := time.Now()
	guard, err := c.lock.Acquire(ctx, c.lockTimeout)
	if c.metrics != nil {
		c.metrics.LockWaitDuration.Record(ctx, time.Since(start).Seconds())
	}
	return guard, err
}

// Begin creates a Started record for the given content and persists it. On
// lock timeout or store failure the record is still returned un-persisted —
// a later completion simply won't match, which is the documented degrade.
func (c *Correlator) Begin(ctx context.Context, sessionID, content, title string) persistence.TaskRecord {
	now := time.Now().UTC()
	rec := persistence.TaskRecord{
		TaskID:      NewTaskID(now),
		SessionID:   sessionID,
		Fingerprint: Fingerprint(content),
		Status:      persistence.TaskStarted,
		Title:       title,
		StartedAt:   now,
	}

	if c.store == nil {
		c.logger.Warn("begin: store unavailable, record not persisted", "task_id", rec.TaskID, "session_id", sessionID)
		return rec
	}

	guard, err := c.acquire(ctx)
	if err != nil {
		c.logger.Warn("begin: lock not acquired, record not persisted",
			"task_id", rec.TaskID, "session_id", sessionID, "error", err)
		return rec
	}
	defer guard.Release()

	if err := c.store.UpsertTask(ctx, rec); err != nil {
		c.logger.Warn("begin: persist failed", "task_id", rec.TaskID, "session_id", sessionID, "error", err)
	}
	return rec
}

// Match locates the best open record for a completion observation and
// transitions it to Completed with the response attached. The read and the
// write happen under one lock acquisition so a concurrent completion cannot
// steal the same record. Returns (zero, false) when nothing matches.
func (c *Correlator) Match(ctx context.Context, sessionID, content, response string) (persistence.TaskRecord, bool) {
	var zero persistence.TaskRecord
	if c.store == nil {
		c.logger.Warn("match: store unavailable", "session_id", sessionID)
		return zero, false
	}

	guard, err := c.acquire(ctx)
	if err != nil {
		c.logger.Warn("match: lock not acquired", "session_id", sessionID, "error", err)
		return zero, false
	}
	defer guard.Release()

	open, err := c.store.OpenTasks(ctx, sessionID)
	if err != nil {
		c.logger.Warn("match: read failed", "session_id", sessionID, "error", err)
		return zero, false
	}

	fingerprint := Fingerprint(content)
	var candidates []persistence.TaskRecord
	for _, rec := range open {
		if rec.Fingerprint == fingerprint {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		c.logger.Info("match: no open record for fingerprint",
			"session_id", sessionID, "fingerprint", fingerprint, "open_count", len(open))
		return zero, false
	}
	if len(candidates) > 1 {
		// Identical concurrent content: FIFO picks the earliest start.
		c.logger.Info("match: ambiguous candidates, oldest wins",
			"session_id", sessionID, "fingerprint", fingerprint, "candidates", len(candidates))
	}

	// OpenTasks orders oldest first; candidates[0] is the FIFO winner.
	winner := candidates[0]
	completedAt := time.Now().UTC()
	ok, err := c.store.CompleteTask(ctx, winner.TaskID, completedAt, response)
	if err != nil {
		c.logger.Warn("match: completion write failed", "task_id", winner.TaskID, "error", err)
		return zero, false
	}
	if !ok {
		// Lost a race despite the lock (e.g. a degraded writer); treat as no match.
		c.logger.Warn("match: record no longer open", "task_id", winner.TaskID)
		return zero, false
	}

	winner.Status = persistence.TaskCompleted
	winner.CompletedAt = &completedAt
	winner.Response = response
	return winner, true
}
