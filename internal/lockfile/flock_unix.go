//go:build unix

package lockfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flockLock wraps an advisory flock on a dedicated lock file. The kernel
// drops the lock automatically if the holder dies, so no staleness handling
// is needed on this path.
type flockLock struct {
	path string
	file *os.File
}

// newFlock probes whether the lock file's directory supports flock. NFS and
// some overlay filesystems reject it; those fall back to the directory
// scheme.
func newFlock(path string) (Lock, bool) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return &flockLock{path: path}, true
	}
	_ = f.Close()
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		// Locked by someone else right now, which still proves support.
		return &flockLock{path: path}, true
	}
	return nil, false
}

func (l *flockLock) TryAcquire() error {
	if l.file != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("lockfile: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrHeld
		}
		return fmt.Errorf("lockfile: flock: %w", err)
	}
	l.file = f
	return nil
}

func (l *flockLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("lockfile: unlock: %w", err)
	}
	return closeErr
}
