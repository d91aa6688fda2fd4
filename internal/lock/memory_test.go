package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLockerAcquireRelease(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	acquired, err := locker.Acquire(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// A second acquire on a held lock fails without error.
	acquired, err = locker.Acquire(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)

	held, err := locker.IsHeld(ctx, "key")
	require.NoError(t, err)
	require.True(t, held)

	released, err := locker.Release(ctx, "key")
	require.NoError(t, err)
	require.True(t, released)

	acquired, err = locker.Acquire(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestMemoryLockerExpiredLockCanBeTaken(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	acquired, err := locker.Acquire(ctx, "key", time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(10 * time.Millisecond)

	acquired, err = locker.Acquire(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestMemoryLockerExtend(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	extended, err := locker.Extend(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.False(t, extended)

	acquired, err := locker.Acquire(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	extended, err = locker.Extend(ctx, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, extended)
}

func TestMemoryLockerAcquireWithRetry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	acquired, err := locker.Acquire(ctx, "key", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	// Retries outlive the first holder's TTL.
	acquired, err = locker.AcquireWithRetry(ctx, "key", time.Minute, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestLockWrapper(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	l := NewLock(locker, Keys.CachePurge())
	acquired, err := l.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.True(t, l.IsHeld())

	require.NoError(t, l.Release(ctx))
	require.False(t, l.IsHeld())
}

func TestLockKeys(t *testing.T) {
	require.Equal(t, "lock:nearline:confirm:abc", Keys.NearlineConfirm("abc"))
	require.Equal(t, "lock:cache:purge", Keys.CachePurge())
	require.Equal(t, "lock:pending:tape", Keys.PendingActions("tape"))
}
