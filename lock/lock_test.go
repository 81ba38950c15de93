package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/lock"
)

func newManager(t *testing.T) (*lock.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return lock.New(rdb, nil), mr
}

func TestAcquireAndRelease(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k1", lock.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, "k1", h.Key())
	require.NoError(t, h.Release(ctx))

	// Released lock is immediately acquirable.
	h2, err := m.Acquire(ctx, "k1", lock.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestSecondAcquirerTimesOut(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k1", lock.DefaultOptions())
	require.NoError(t, err)
	defer h.Release(ctx)

	opts := lock.DefaultOptions()
	opts.AcquireTimeout = 200 * time.Millisecond
	opts.RetryDelay = 20 * time.Millisecond
	_, err = m.Acquire(ctx, "k1", opts)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
}

func TestLeaseExpiryFreesLock(t *testing.T) {
	m, mr := newManager(t)
	ctx := context.Background()

	opts := lock.DefaultOptions()
	opts.LockTimeout = 100 * time.Millisecond
	h, err := m.Acquire(ctx, "k1", opts)
	require.NoError(t, err)

	mr.FastForward(200 * time.Millisecond)

	h2, err := m.Acquire(ctx, "k1", lock.DefaultOptions())
	require.NoError(t, err)

	// The first holder's release is a no-op, never deleting the new lease.
	require.NoError(t, h.Release(ctx))
	require.True(t, mr.Exists("k1"))
	require.NoError(t, h2.Release(ctx))
	require.False(t, mr.Exists("k1"))
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k1", lock.DefaultOptions())
	require.NoError(t, err)
	defer h.Release(ctx)

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	opts := lock.DefaultOptions()
	opts.AcquireTimeout = 5 * time.Second
	_, err = m.Acquire(cctx, "k1", opts)
	require.ErrorIs(t, err, context.Canceled)
}
