package trust_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/trust"
)

type fakeEngine struct {
	score *trust.Score
	err   error
	calls int
}

func (f *fakeEngine) Score(ctx context.Context, tenant, entity string) (*trust.Score, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.score
	return &cp, nil
}

func newRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestResolvePrefersLiveAndCaches(t *testing.T) {
	rdb := newRedis(t)
	engine := &fakeEngine{score: &trust.Score{EntityID: "e1", Score: 80, Level: 4}}
	r := trust.NewResolver(engine, rdb, nil, nil)

	s, err := r.Resolve(context.Background(), "t1", "e1")
	require.NoError(t, err)
	require.Equal(t, "live", s.Source)
	require.Equal(t, 4, s.Level)

	// A later failure falls back to what the live fetch cached.
	engine.err = errors.New("trust engine down")
	s, err = r.Resolve(context.Background(), "t1", "e1")
	require.NoError(t, err)
	require.Equal(t, "cached", s.Source)
	require.Equal(t, 80, s.Score)
}

func TestResolveDefaultsToZeroWithoutCache(t *testing.T) {
	rdb := newRedis(t)
	engine := &fakeEngine{err: errors.New("trust engine down")}
	r := trust.NewResolver(engine, rdb, nil, nil)

	s, err := r.Resolve(context.Background(), "t1", "e1")
	require.NoError(t, err)
	require.Equal(t, "default", s.Source)
	require.Zero(t, s.Score)
	require.Zero(t, s.Level)
}
