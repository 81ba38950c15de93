// Package lock provides lease-based mutual exclusion over the shared
// ephemeral store. A lock is a SET NX record carrying an owner token and a
// TTL; release is a compare-and-delete so only the holder can free it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/vorion/engine/telemetry"
)

type (
	// Manager acquires distributed locks. Safe for concurrent use.
	Manager struct {
		rdb     redis.UniversalClient
		metrics *telemetry.Metrics
	}

	// Options bounds an acquisition attempt.
	Options struct {
		// LockTimeout is the lease TTL. The holder must finish its critical
		// section within it (clock skew is absorbed by the TTL margin).
		LockTimeout time.Duration
		// AcquireTimeout bounds the total time spent retrying.
		AcquireTimeout time.Duration
		// RetryDelay is the initial backoff between attempts.
		RetryDelay time.Duration
		// MaxRetryDelay caps the exponential backoff.
		MaxRetryDelay time.Duration
		// Jitter randomizes each delay by up to its own magnitude, spreading
		// herds of acquirers.
		Jitter bool
	}

	// Handle represents a held lock.
	Handle struct {
		key   string
		token string
		rdb   redis.UniversalClient
	}
)

// ErrNotAcquired is returned when AcquireTimeout elapses without the lock.
var ErrNotAcquired = errors.New("lock: not acquired")

// releaseScript deletes the lock only when the caller still owns it.
// Returns 1 on delete, 0 when the lock expired or changed hands.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// New constructs a lock manager over the shared store.
func New(rdb redis.UniversalClient, metrics *telemetry.Metrics) *Manager {
	return &Manager{rdb: rdb, metrics: metrics}
}

// DefaultOptions are suitable for short critical sections such as dedupe
// reservations.
func DefaultOptions() Options {
	return Options{
		LockTimeout:    10 * time.Second,
		AcquireTimeout: 5 * time.Second,
		RetryDelay:     50 * time.Millisecond,
		MaxRetryDelay:  time.Second,
		Jitter:         true,
	}
}

// Acquire obtains the lock for key, retrying with exponential backoff until
// AcquireTimeout. Returns ErrNotAcquired when the deadline passes while the
// lock is held elsewhere.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Handle, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = time.Second
	}
	token := uuid.NewString()
	deadline := time.Now().Add(opts.AcquireTimeout)
	delay := opts.RetryDelay
	for {
		ok, err := m.rdb.SetNX(ctx, key, token, opts.LockTimeout).Result()
		if err != nil {
			m.observe("error")
			return nil, fmt.Errorf("lock set %s: %w", key, err)
		}
		if ok {
			m.observe("acquired")
			return &Handle{key: key, token: token, rdb: m.rdb}, nil
		}
		if time.Now().Add(delay).After(deadline) {
			m.observe("timeout")
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		wait := delay
		if opts.Jitter {
			wait += time.Duration(rand.Int63n(int64(delay) + 1))
		}
		select {
		case <-ctx.Done():
			m.observe("cancelled")
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > opts.MaxRetryDelay {
			delay = opts.MaxRetryDelay
		}
	}
}

// Release frees the lock. Finding the lease already expired is logged, not
// fatal: the critical section simply outlived its TTL.
func (h *Handle) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, h.rdb, []string{h.key}, h.token).Int64()
	if err != nil {
		return fmt.Errorf("lock release %s: %w", h.key, err)
	}
	if n == 0 {
		log.Warn(ctx, log.KV{K: "msg", V: "lock already expired at release"}, log.KV{K: "key", V: h.key})
	}
	return nil
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.key }

func (m *Manager) observe(outcome string) {
	if m.metrics != nil {
		m.metrics.LockContention.WithLabelValues(outcome).Inc()
	}
}
