// Package lockfile provides mutual exclusion between unrelated OS processes
// using only filesystem primitives: atomic exclusive creation of a lock file.
// Each lock scope is one file; one acquisition covers one logical operation
// against the record store. Nesting acquisitions across operations is the
// caller's deadlock, not ours, and is forbidden by convention.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrTimeout reports that the lock could not be acquired within the bound.
// Callers degrade (no match, no thread) instead of blocking the host.
var ErrTimeout = errors.New("lock acquisition timed out")

const (
	pollBaseDelay = 10 * time.Millisecond
	pollMaxDelay  = 200 * time.Millisecond
)

// Lock names one lock scope backed by a single file.
type Lock struct {
	path       string
	staleAfter time.Duration
	logger     *slog.Logger
}

func New(path string, staleAfter time.Duration, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Lock{path: path, staleAfter: staleAfter, logger: logger}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Guard represents a held lock. Release is idempotent and must run on every
// exit path; callers defer it immediately after a successful Acquire.
type Guard struct {
	path string
	once sync.Once
}

// Release removes the lock file. Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		_ = os.Remove(g.path)
	})
}

// Acquire blocks until the lock is held, the timeout expires, or ctx is
// canceled. The wait is a backoff-with-jitter poll on exclusive file
// creation; stale locks left by crashed holders are reclaimed.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (*Guard, error) {
	deadline := time.Now().Add(timeout)
	delay := pollBaseDelay

	for {
		ok, err := l.tryAcquire()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Guard{path: l.path}, nil
		}

		if l.reclaimIfStale() {
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %v waiting for %s", ErrTimeout, timeout, l.path)
		}

		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}
}

// tryAcquire attempts the atomic exclusive create. Returns (false, nil) when
// another holder owns the file.
func (l *Lock) tryAcquire() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock file %s: %w", l.path, err)
	}
	// Owner pid + acquire time, for staleness checks by other processes.
	fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix())
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("write lock file %s: %w", l.path, err)
	}
	return true, nil
}

// reclaimIfStale removes a lock left behind by a crashed holder: the owner
// pid is gone, or the file is older than the stale window. Returns true when
// the lock was broken and the caller should retry immediately.
func (l *Lock) reclaimIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		// Holder released between our attempt and the stat; retry.
		return os.IsNotExist(err)
	}

	stale := time.Since(info.ModTime()) > l.staleAfter
	if !stale {
		if pid, ok := l.ownerPID(); ok && pid != os.Getpid() && !pidAlive(pid) {
			stale = true
		}
	}
	if !stale {
		return false
	}

	// Best effort: a concurrent reclaimer may win the removal race, which is
	// fine — both fall back to tryAcquire and exactly one succeeds.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false
	}
	l.logger.Warn("reclaimed stale lock", "path", l.path, "age", time.Since(info.ModTime()).Round(time.Millisecond))
	return true
}

func (l *Lock) ownerPID() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; on platforms
// where that probe is unsupported the holder is assumed alive and the mtime
// window alone governs reclaim.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return false
	}
	// EPERM and friends: the process exists but isn't ours.
	return true
}
