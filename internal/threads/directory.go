// Package threads manages the lifecycle of external notification threads:
// lookup, creation on miss, reuse, and forgetting bindings whose external
// resource is gone. A key moves Absent → Bound → (stale/forgotten) → Absent;
// the check-then-create sits inside one lock acquisition so two concurrent
// processes never create two threads for one key.
package threads

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/lockfile"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/obs"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/persistence"
)

// CreateFunc is the external collaborator that creates a new thread for a
// session key. It may fail; Ensure then reports "no thread" to the caller.
type CreateFunc func(ctx context.Context, key string) (channelID, threadRef string, err error)

// Directory maps session keys to external thread references, backed by the
// shared store and fronted by an in-process cache that is only trusted for
// the lifetime of one invocation.
type Directory struct {
	store       *persistence.Store // nil when the store failed to open
	lock        *lockfile.Lock
	logger      *slog.Logger
	lockTimeout time.Duration
	maxIdle     time.Duration // 0 = bindings never go stale on lookup
	metrics     *obs.Metrics  // nil when observability is disabled

	mu    sync.Mutex
	cache map[string]persistence.ThreadRecord
}

func New(store *persistence.Store, lock *lockfile.Lock, logger *slog.Logger, lockTimeout, maxIdle time.Duration, metrics *obs.Metrics) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Directory{
		store:       store,
		lock:        lock,
		logger:      logger,
		lockTimeout: lockTimeout,
		maxIdle:     maxIdle,
		metrics:     metrics,
		cache:       make(map[string]persistence.ThreadRecord),
	}
}

// acquire takes the threads lock and records how long the wait cost,
// timeouts included.
func (d *Directory) acquire(ctx context.Context) (*lockfile.Guard, error) {
	start := time.Now()
	guard, err := d.lock.Acquire(ctx, d.lockTimeout)
	if d.metrics != nil {
		d.metrics.LockWaitDuration.Record(ctx, time.Since(start).Seconds())
	}
	return guard, err
}

// Ensure returns the thread reference for a key, creating it via create
// exactly once per key when absent. Repeated calls are idempotent. Returns
// ("", false) on lock timeout, store failure, or creation failure — callers
// notify without thread continuity in that case.
func (d *Directory) Ensure(ctx context.Context, key string, create CreateFunc) (string, bool) {
	now := time.Now().UTC()

	d.mu.Lock()
	cached, hit := d.cache[key]
	d.mu.Unlock()
	if hit && !d.stale(cached, now) {
		d.touch(ctx, key, now)
		return cached.ThreadRef, true
	}

	if d.store == nil {
		d.logger.Warn("ensure: store unavailable", "session_key", key)
		return "", false
	}

	guard, err := d.acquire(ctx)
	if err != nil {
		d.logger.Warn("ensure: lock not acquired", "session_key", key, "error", err)
		return "", false
	}
	defer guard.Release()

	rec, err := d.store.GetThread(ctx, key)
	if err != nil {
		d.logger.Warn("ensure: thread read failed", "session_key", key, "error", err)
		return "", false
	}
	if rec != nil && !d.stale(*rec, now) {
		if err := d.store.TouchThread(ctx, key, now); err != nil {
			d.logger.Warn("ensure: touch failed", "session_key", key, "error", err)
		}
		d.remember(*rec)
		return rec.ThreadRef, true
	}
	if rec != nil {
		// Bound but idle past the window: treat the external resource as gone.
		d.logger.Info("ensure: stale binding evicted", "session_key", key, "thread_ref", rec.ThreadRef)
		if err := d.store.DeleteThread(ctx, key); err != nil {
			d.logger.Warn("ensure: stale delete failed", "session_key", key, "error", err)
		}
	}

	channelID, threadRef, err := create(ctx, key)
	if err != nil {
		d.logger.Warn("ensure: thread creation failed", "session_key", key, "error", err)
		return "", false
	}

	newRec := persistence.ThreadRecord{
		SessionKey: key,
		ChannelID:  channelID,
		ThreadRef:  threadRef,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := d.store.PutThread(ctx, newRec); err != nil {
		// The external thread exists but the binding didn't stick; the next
		// ensure will create a duplicate. Surface loudly, still return the ref.
		d.logger.Error("ensure: binding persist failed", "session_key", key, "thread_ref", threadRef, "error", err)
	}
	d.remember(newRec)
	d.logger.Info("ensure: thread created", "session_key", key, "thread_ref", threadRef)
	return threadRef, true
}

// Forget removes a binding so the next Ensure recreates it. Used when the
// external thread is confirmed deleted or unusable.
func (d *Directory) Forget(ctx context.Context, key string) {
	d.mu.Lock()
	delete(d.cache, key)
	d.mu.Unlock()

	if d.store == nil {
		return
	}
	guard, err := d.acquire(ctx)
	if err != nil {
		d.logger.Warn("forget: lock not acquired", "session_key", key, "error", err)
		return
	}
	defer guard.Release()

	if err := d.store.DeleteThread(ctx, key); err != nil {
		d.logger.Warn("forget: delete failed", "session_key", key, "error", err)
	}
}

func (d *Directory) stale(rec persistence.ThreadRecord, now time.Time) bool {
	return d.maxIdle > 0 && now.Sub(rec.LastUsedAt) > d.maxIdle
}

func (d *Directory) remember(rec persistence.ThreadRecord) {
	d.mu.Lock()
	d.cache[rec.SessionKey] = rec
	d.mu.Unlock()
}

// touch refreshes last_used_at for a cache hit, best effort and off the
// critical path: a short lock wait here must not fail the lookup.
func (d *Directory) touch(ctx context.Context, key string, now time.Time) {
	if d.store == nil {
		return
	}
	guard, err := d.acquire(ctx)
	if err != nil {
		return
	}
	defer guard.Release()
	_ = d.store.TouchThread(ctx, key, now)

	d.mu.Lock()
	if rec, ok := d.cache[key]; ok {
		rec.LastUsedAt = now
		d.cache[key] = rec
	}
	d.mu.Unlock()
}
