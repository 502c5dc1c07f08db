package lock_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectflow/internal/lock"
)

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automation.lock")
	l := lock.NewFileLock(path)
	release, err := l.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	other := lock.NewFileLock(path)
	_, err = other.Acquire(context.Background(), 150*time.Millisecond)
	require.True(t, errors.Is(err, lock.ErrLockTimeout), "got %v", err)

	require.NoError(t, release())
	release, err = other.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestAcquireHonoursCallerCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automation.lock")
	release, err := lock.NewFileLock(path).Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lock.NewFileLock(path).Acquire(ctx, time.Second)
	require.Error(t, err)
	require.False(t, errors.Is(err, lock.ErrLockTimeout))
}
