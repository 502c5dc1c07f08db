package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the automation lock is not acquired within the wait.
var ErrLockTimeout = errors.New("timed out waiting for automation lock")

// Locker acquires the process-wide exclusive lock guarding the record store.
type Locker interface {
	Acquire(ctx context.Context, wait time.Duration) (release func() error, err error)
}

// FileLock is a Locker backed by flock(2) on a file in the workspace, shared by every
// CLI invocation, daemon job and API request against that workspace.
type FileLock struct {
	path       string
	retryDelay time.Duration
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, retryDelay: 50 * time.Millisecond}
}

func (l *FileLock) Path() string { return l.path }

// Acquire polls for the lock until wait elapses. Each call uses its own file handle,
// so two callers in one process contend exactly like two processes.
func (l *FileLock) Acquire(ctx context.Context, wait time.Duration) (func() error, error) {
	fl := flock.New(l.path)
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ok, err := fl.TryLockContext(waitCtx, l.retryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s after %s: %w", l.path, wait, ErrLockTimeout)
		}
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s after %s: %w", l.path, wait, ErrLockTimeout)
	}
	return fl.Unlock, nil
}
