package workspace

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// fileLock provides cross-process mutual exclusion using flock(2), scoped
// to one base-repo id. The kernel releases the lock if the holding process
// dies, so a crashed clone never wedges later acquisitions. Advisory locks
// are best-effort on network filesystems.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// tryLock attempts to acquire the lock without blocking. Returns true if
// acquired, false if another process holds it.
func (fl *fileLock) tryLock() (bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	fl.file = f
	return true, nil
}

// lockWithRetry polls tryLock with doubling backoff up to maxAttempts.
func (fl *fileLock) lockWithRetry(ctx context.Context, maxAttempts int, backoff time.Duration) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := fl.tryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("lock %s still held after %d attempts", fl.path, maxAttempts)
}

func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}
