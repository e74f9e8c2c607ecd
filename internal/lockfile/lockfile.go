// Package lockfile provides cross-process mutual exclusion for the session
// store. Two strategies sit behind one interface: an advisory flock where
// the platform supports it, and a lock-directory scheme recording the
// holder's pid for filesystems where flock is unreliable. The strategy is
// chosen once, by probing, when the lock is created.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrHeld means another live process currently owns the lock.
	ErrHeld = errors.New("lockfile: held by another process")
	// ErrTimeout means the bounded wait expired before the lock freed up.
	ErrTimeout = errors.New("lockfile: timed out waiting for lock")
)

const (
	// DefaultTimeout bounds how long Acquire waits overall.
	DefaultTimeout = 10 * time.Second
	// DefaultPoll is the backoff-retry interval between attempts.
	DefaultPoll = 100 * time.Millisecond
	// reclaimGrace is how long a lock dir with no readable pid file is
	// presumed to belong to a holder still writing its pid. The Mkdir to
	// writePid window is microseconds; anything older is a corpse.
	reclaimGrace = 2 * time.Second
)

// Lock is one cross-process mutual-exclusion primitive.
type Lock interface {
	// TryAcquire takes the lock without blocking. ErrHeld when a live
	// process owns it.
	TryAcquire() error
	// Release gives the lock up. Releasing an unheld lock is a no-op.
	Release() error
}

// New picks the best available strategy for the lock path: flock when the
// directory supports it, the pid-directory scheme otherwise.
func New(path string) Lock {
	if l, ok := newFlock(path); ok {
		return l
	}
	return newDirLock(path)
}

// NewDir forces the pid-directory fallback regardless of flock support.
func NewDir(path string) Lock {
	return newDirLock(path)
}

// Acquire polls TryAcquire until it succeeds or timeout expires.
func Acquire(l Lock, timeout, poll time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	deadline := time.Now().Add(timeout)
	for {
		err := l.TryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrHeld) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		time.Sleep(poll)
	}
}

// dirLock implements the fallback scheme: a directory created with Mkdir
// (atomic on every platform) holding a pid file. A directory whose recorded
// holder is no longer alive is reclaimed; one with no pid file yet is left
// alone until reclaimGrace passes.
type dirLock struct {
	dir  string
	held bool
}

func newDirLock(path string) *dirLock {
	return &dirLock{dir: path + ".d"}
}

func (l *dirLock) TryAcquire() error {
	if err := os.Mkdir(l.dir, 0o700); err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("lockfile: create lock dir: %w", err)
		}
		if !l.reclaimable() {
			return ErrHeld
		}
		if err := os.RemoveAll(l.dir); err != nil {
			return fmt.Errorf("lockfile: reclaim stale lock dir: %w", err)
		}
		if err := os.Mkdir(l.dir, 0o700); err != nil {
			if os.IsExist(err) {
				return ErrHeld
			}
			return fmt.Errorf("lockfile: create lock dir: %w", err)
		}
	}
	if err := l.writePid(); err != nil {
		_ = os.RemoveAll(l.dir)
		return err
	}
	l.held = true
	return nil
}

// reclaimable reports whether the existing lock dir may be torn down. A
// recorded holder must be dead. No readable pid file means the holder is
// still between Mkdir and writePid, unless the dir has sat pid-less past
// the grace window.
func (l *dirLock) reclaimable() bool {
	pid, err := l.holderPid()
	if err == nil {
		return pid <= 0 || !ProcessAlive(pid)
	}
	info, statErr := os.Stat(l.dir)
	if statErr != nil {
		// The dir vanished under us; the Mkdir retry settles it.
		return os.IsNotExist(statErr)
	}
	return time.Since(info.ModTime()) > reclaimGrace
}

func (l *dirLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("lockfile: release: %w", err)
	}
	return nil
}

func (l *dirLock) pidPath() string {
	return filepath.Join(l.dir, "pid")
}

func (l *dirLock) writePid() error {
	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if err := os.WriteFile(l.pidPath(), []byte(content), 0o600); err != nil {
		return fmt.Errorf("lockfile: write pid: %w", err)
	}
	return nil
}

func (l *dirLock) holderPid() (int, error) {
	data, err := os.ReadFile(l.pidPath())
	if err != nil {
		return 0, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, fmt.Errorf("lockfile: parse pid: %w", err)
	}
	return pid, nil
}
