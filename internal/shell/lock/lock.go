// Package lock provides per-app advisory file locks so that two pushes of the
// same app do not interleave their clone, reset, build and reconcile steps.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval is how often Acquire retries a held lock.
const pollInterval = 200 * time.Millisecond

// ErrLocked is returned by TryAcquire when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// FileLock is an exclusive flock(2) on a file.
type FileLock struct {
	path string
	f    *os.File
}

// Acquire blocks until the lock at path is held or ctx is done.
func Acquire(ctx context.Context, path string) (*FileLock, error) {
	for {
		l, err := TryAcquire(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", path, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// TryAcquire takes the lock without waiting.
func TryAcquire(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &FileLock{path: path, f: f}, nil
}

// Release drops the lock. The lock file is left in place.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()

	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return l.f.Close()
}
