// Package breaker implements named circuit breakers whose state lives in the
// shared ephemeral store, so every engine instance observes the same
// closed/open/half-open view of a dependency. All transitions execute as Lua
// scripts to avoid check-then-act races between instances.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/vorion/engine/config"
	"github.com/vorion/engine/telemetry"
)

type (
	// State is a breaker state.
	State string

	// Breaker guards calls to one named dependency.
	Breaker struct {
		name    string
		key     string
		cfg     config.Breaker
		rdb     redis.UniversalClient
		metrics *telemetry.Metrics
	}

	// Registry hands out process-wide breaker singletons by name.
	Registry struct {
		mu       sync.Mutex
		breakers map[string]*Breaker
		rdb      redis.UniversalClient
		cfg      *config.Config
		metrics  *telemetry.Metrics
	}

	// Status is the admin view of a breaker.
	Status struct {
		Name                string    `json:"name"`
		State               State     `json:"state"`
		ConsecutiveFailures int       `json:"consecutive_failures"`
		OpenedAt            time.Time `json:"opened_at,omitempty"`
	}
)

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen is returned when a call is short-circuited. Callers with a
// degradation path treat it as a skip, not a failure.
var ErrOpen = errors.New("breaker: circuit open")

// stateTTL keeps abandoned breaker records from living forever.
const stateTTL = 24 * time.Hour

// beforeScript resolves whether a call may proceed, moving open → half_open
// when the reset timeout has elapsed and admitting a bounded number of
// half-open probes.
//
// KEYS[1] breaker hash. ARGV: now ms, reset ms, max probes.
// Returns {allowed, prev_state, new_state}.
var beforeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then state = 'closed' end
local prev = state
local now = tonumber(ARGV[1])
local reset = tonumber(ARGV[2])
local maxProbes = tonumber(ARGV[3])
local allowed = 0
if state == 'closed' then
  allowed = 1
elseif state == 'open' then
  local openedAt = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
  if now - openedAt >= reset then
    state = 'half_open'
    redis.call('HSET', KEYS[1], 'state', state, 'probes', 1)
    allowed = 1
  end
elseif state == 'half_open' then
  local probes = tonumber(redis.call('HGET', KEYS[1], 'probes') or '0')
  if probes < maxProbes then
    redis.call('HSET', KEYS[1], 'probes', probes + 1)
    allowed = 1
  end
end
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
return {allowed, prev, state}
`)

// afterScript records a call outcome.
//
// KEYS[1] breaker hash. ARGV: success(0/1), now ms, threshold, ttl ms.
// Returns {prev_state, new_state, failures}.
var afterScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then state = 'closed' end
local prev = state
local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
if tonumber(ARGV[1]) == 1 then
  failures = 0
  state = 'closed'
  redis.call('HSET', KEYS[1], 'state', state, 'failures', 0, 'probes', 0)
else
  if state == 'half_open' then
    state = 'open'
    redis.call('HSET', KEYS[1], 'state', state, 'opened_at', ARGV[2], 'probes', 0)
  else
    failures = failures + 1
    redis.call('HSET', KEYS[1], 'failures', failures)
    if failures >= tonumber(ARGV[3]) then
      state = 'open'
      redis.call('HSET', KEYS[1], 'state', state, 'opened_at', ARGV[2])
    end
  end
end
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
return {prev, state, failures}
`)

// NewRegistry builds the breaker registry. Breakers are created lazily and
// configured from cfg.Breakers, falling back to the named defaults applied in
// config.Finalize.
func NewRegistry(rdb redis.UniversalClient, cfg *config.Config, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		rdb:      rdb,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	bc, ok := r.cfg.Breakers[name]
	if !ok {
		bc = config.Breaker{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenProbes: 1}
	}
	b := &Breaker{
		name:    name,
		key:     "circuit:" + name,
		cfg:     bc,
		rdb:     r.rdb,
		metrics: r.metrics,
	}
	r.breakers[name] = b
	return b
}

// Names lists breakers created so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	return names
}

// NewWithKey builds a standalone breaker over an explicit store key. The
// webhook dispatcher uses this for per-subscription breakers whose keys
// follow the webhook key layout.
func NewWithKey(name, key string, bc config.Breaker, rdb redis.UniversalClient, metrics *telemetry.Metrics) *Breaker {
	return &Breaker{name: name, key: key, cfg: bc, rdb: rdb, metrics: metrics}
}

// Execute runs fn under the breaker. It returns ErrOpen without invoking fn
// when the circuit rejects the call; otherwise fn's outcome drives the state
// machine.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	allowed, err := b.before(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		b.observe("rejected")
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	callErr := fn(ctx)
	if aerr := b.after(ctx, callErr == nil); aerr != nil {
		// Outcome recording failures must not mask the call result.
		log.Errorf(ctx, aerr, "breaker %s: record outcome", b.name)
	}
	if callErr != nil {
		b.observe("failure")
		return callErr
	}
	b.observe("success")
	return nil
}

// IsOpen reports whether the breaker currently rejects calls.
func (b *Breaker) IsOpen(ctx context.Context) (bool, error) {
	st, err := b.Status(ctx)
	if err != nil {
		return false, err
	}
	if st.State != Open {
		return false, nil
	}
	// An elapsed reset window means the next call will probe.
	if !st.OpenedAt.IsZero() && time.Since(st.OpenedAt) >= b.cfg.ResetTimeout {
		return false, nil
	}
	return true, nil
}

// Status returns the current shared state.
func (b *Breaker) Status(ctx context.Context) (*Status, error) {
	vals, err := b.rdb.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("breaker %s: read state: %w", b.name, err)
	}
	st := &Status{Name: b.name, State: Closed}
	if s, ok := vals["state"]; ok && s != "" {
		st.State = State(s)
	}
	if f, ok := vals["failures"]; ok {
		fmt.Sscanf(f, "%d", &st.ConsecutiveFailures)
	}
	if o, ok := vals["opened_at"]; ok && o != "" && o != "0" {
		var ms int64
		fmt.Sscanf(o, "%d", &ms)
		st.OpenedAt = time.UnixMilli(ms)
	}
	return st, nil
}

// ForceOpen trips the breaker regardless of recent outcomes.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	return b.set(ctx, Open)
}

// ForceClose closes the breaker and clears failure counts.
func (b *Breaker) ForceClose(ctx context.Context) error {
	return b.set(ctx, Closed)
}

// Reset deletes the shared record, returning the breaker to its initial
// closed state.
func (b *Breaker) Reset(ctx context.Context) error {
	if err := b.rdb.Del(ctx, b.key).Err(); err != nil {
		return fmt.Errorf("breaker %s: reset: %w", b.name, err)
	}
	b.transition(ctx, "", Closed)
	return nil
}

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) set(ctx context.Context, s State) error {
	fields := map[string]any{"state": string(s), "failures": 0, "probes": 0}
	if s == Open {
		fields["opened_at"] = time.Now().UnixMilli()
	}
	if err := b.rdb.HSet(ctx, b.key, fields).Err(); err != nil {
		return fmt.Errorf("breaker %s: force %s: %w", b.name, s, err)
	}
	if err := b.rdb.PExpire(ctx, b.key, stateTTL).Err(); err != nil {
		return fmt.Errorf("breaker %s: expire: %w", b.name, err)
	}
	b.transition(ctx, "", s)
	return nil
}

func (b *Breaker) before(ctx context.Context) (bool, error) {
	raw, err := beforeScript.Run(ctx, b.rdb, []string{b.key},
		time.Now().UnixMilli(), b.cfg.ResetTimeout.Milliseconds(), b.cfg.HalfOpenProbes, stateTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("breaker %s: check: %w", b.name, err)
	}
	allowed := raw[0].(int64) == 1
	prev, next := State(raw[1].(string)), State(raw[2].(string))
	if prev != next {
		b.transition(ctx, prev, next)
	}
	return allowed, nil
}

func (b *Breaker) after(ctx context.Context, success bool) error {
	s := 0
	if success {
		s = 1
	}
	raw, err := afterScript.Run(ctx, b.rdb, []string{b.key},
		s, time.Now().UnixMilli(), b.cfg.FailureThreshold, stateTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	prev, next := State(raw[0].(string)), State(raw[1].(string))
	if prev != next {
		b.transition(ctx, prev, next)
	}
	return nil
}

// transition emits the metrics and structured log for a state change.
func (b *Breaker) transition(ctx context.Context, from, to State) {
	if b.metrics != nil {
		b.metrics.BreakerTransitions.WithLabelValues(b.name, string(from), string(to)).Inc()
		b.metrics.BreakerState.WithLabelValues(b.name).Set(stateGauge(to))
		if to == Open {
			b.metrics.BreakerTrips.WithLabelValues(b.name).Inc()
		}
	}
	log.Info(ctx,
		log.KV{K: "msg", V: "circuit breaker transition"},
		log.KV{K: "breaker", V: b.name},
		log.KV{K: "from", V: string(from)},
		log.KV{K: "to", V: string(to)},
	)
}

func (b *Breaker) observe(outcome string) {
	if b.metrics != nil {
		b.metrics.BreakerExecutions.WithLabelValues(b.name, outcome).Inc()
	}
}

func stateGauge(s State) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	}
	return 0
}
