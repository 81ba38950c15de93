package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/config"
)

var errBoom = errors.New("boom")

func newRegistry(t *testing.T, threshold int, reset time.Duration) (*breaker.Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Breakers["dep"] = config.Breaker{FailureThreshold: threshold, ResetTimeout: reset, HalfOpenProbes: 1}
	return breaker.NewRegistry(rdb, cfg, nil), mr
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	reg, _ := newRegistry(t, 3, time.Minute)
	b := reg.Get("dep")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	st, err := b.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, breaker.Open, st.State)

	// Short-circuit: fn is not invoked.
	called := false
	err = b.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.False(t, called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	reg, _ := newRegistry(t, 3, time.Minute)
	b := reg.Get("dep")
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, ok))
	require.Error(t, b.Execute(ctx, fail))
	require.Error(t, b.Execute(ctx, fail))

	st, err := b.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, breaker.Closed, st.State)
	require.Equal(t, 2, st.ConsecutiveFailures)
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	reg, _ := newRegistry(t, 1, 50*time.Millisecond)
	b := reg.Get("dep")
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	require.ErrorIs(t, b.Execute(ctx, ok), breaker.ErrOpen)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Execute(ctx, ok))

	st, err := b.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, breaker.Closed, st.State)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	reg, _ := newRegistry(t, 1, 50*time.Millisecond)
	b := reg.Get("dep")
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, fail))
	time.Sleep(60 * time.Millisecond)
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)

	st, err := b.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, breaker.Open, st.State)

	require.ErrorIs(t, b.Execute(ctx, ok), breaker.ErrOpen)
}

func TestAdminSurfaces(t *testing.T) {
	reg, _ := newRegistry(t, 5, time.Minute)
	b := reg.Get("dep")
	ctx := context.Background()

	require.NoError(t, b.ForceOpen(ctx))
	require.ErrorIs(t, b.Execute(ctx, ok), breaker.ErrOpen)
	open, err := b.IsOpen(ctx)
	require.NoError(t, err)
	require.True(t, open)

	require.NoError(t, b.ForceClose(ctx))
	require.NoError(t, b.Execute(ctx, ok))

	require.NoError(t, b.ForceOpen(ctx))
	require.NoError(t, b.Reset(ctx))
	st, err := b.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, breaker.Closed, st.State)
}

func TestStateIsSharedAcrossInstances(t *testing.T) {
	reg, mr := newRegistry(t, 1, time.Minute)
	b1 := reg.Get("dep")
	ctx := context.Background()
	require.Error(t, b1.Execute(ctx, fail))

	// A second registry over the same store sees the open circuit.
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb2.Close() })
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Breakers["dep"] = config.Breaker{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenProbes: 1}
	b2 := breaker.NewRegistry(rdb2, cfg, nil).Get("dep")
	require.ErrorIs(t, b2.Execute(ctx, ok), breaker.ErrOpen)
}

func TestRegistryReturnsSingletons(t *testing.T) {
	reg, _ := newRegistry(t, 1, time.Minute)
	require.Same(t, reg.Get("dep"), reg.Get("dep"))
	require.ElementsMatch(t, []string{"dep"}, reg.Names())
}
