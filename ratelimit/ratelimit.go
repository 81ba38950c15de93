// Package ratelimit implements the sliding-window rate limiter backing
// intake admission. Counters live in the shared ephemeral store as sorted
// sets; check-and-consume executes as a single Lua script so two concurrent
// callers can never both claim the last slot.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/telemetry"
)

type (
	// Limiter is the sliding-window rate limiter. Safe for concurrent use.
	Limiter struct {
		rdb     redis.UniversalClient
		cfg     *config.Config
		metrics *telemetry.Metrics
	}

	// Result reports the outcome of a check.
	Result struct {
		Allowed   bool
		Current   int
		Limit     int
		Remaining int
		// ResetIn is the time until the oldest surviving entry leaves the
		// window. Zero when the window is empty.
		ResetIn time.Duration
		// RetryAfter is populated on denial.
		RetryAfter time.Duration
		// BlockedBy names the limit that denied a combined check:
		// "tenant" or "entity". Empty when allowed.
		BlockedBy string
	}
)

// checkScript evicts expired entries, counts survivors and consumes one slot
// when the limit admits it. Scores and the clock are in milliseconds.
//
// KEYS[1] window key
// ARGV[1] now ms, ARGV[2] window ms, ARGV[3] limit, ARGV[4] member, ARGV[5] consume(0/1)
// Returns {allowed, count, reset_ms}.
var checkScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local reset = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest > 0 then
  reset = tonumber(oldest[2]) + window - now
end
if tonumber(ARGV[5]) == 0 then
  return {count < limit and 1 or 0, count, reset}
end
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window + 1000)
  if reset == 0 then
    reset = window
  end
  return {1, count + 1, reset}
end
return {0, count, reset}
`)

// pairScript checks the tenant and entity windows together and consumes a
// slot in both only when both admit the call.
//
// KEYS[1] tenant key, KEYS[2] entity key
// ARGV: now ms, window1 ms, limit1, window2 ms, limit2, member
// Returns {allowed, blocked(0 none,1 tenant,2 entity), count1, count2, reset_ms}.
var pairScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local w1, l1 = tonumber(ARGV[2]), tonumber(ARGV[3])
local w2, l2 = tonumber(ARGV[4]), tonumber(ARGV[5])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - w1)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - w2)
local c1 = redis.call('ZCARD', KEYS[1])
local c2 = redis.call('ZCARD', KEYS[2])
local function resetOf(key, w)
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if #oldest > 0 then
    return tonumber(oldest[2]) + w - now
  end
  return w
end
if c1 >= l1 then
  return {0, 1, c1, c2, resetOf(KEYS[1], w1)}
end
if c2 >= l2 then
  return {0, 2, c1, c2, resetOf(KEYS[2], w2)}
end
redis.call('ZADD', KEYS[1], now, ARGV[6])
redis.call('PEXPIRE', KEYS[1], w1 + 1000)
redis.call('ZADD', KEYS[2], now, ARGV[6])
redis.call('PEXPIRE', KEYS[2], w2 + 1000)
return {1, 0, c1 + 1, c2 + 1, resetOf(KEYS[1], w1)}
`)

// New constructs a Limiter over the shared ephemeral store.
func New(rdb redis.UniversalClient, cfg *config.Config, metrics *telemetry.Metrics) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, metrics: metrics}
}

// TenantKey is the window key for a tenant and intent type.
func TenantKey(tenant, intentType string) string {
	if intentType == "" {
		intentType = "default"
	}
	return fmt.Sprintf("ratelimit:%s:%s", tenant, intentType)
}

// EntityKey is the window key for an entity within a tenant.
func EntityKey(tenant, entity string) string {
	return fmt.Sprintf("ratelimit:entity:%s:%s", tenant, entity)
}

// Allow atomically checks and consumes one slot in the tenant window. Store
// errors propagate as retryable internal errors; callers choose their own
// fail-open or fail-closed posture.
func (l *Limiter) Allow(ctx context.Context, tenant, intentType string) (*Result, error) {
	rate := l.cfg.RateFor(tenant, intentType)
	res, err := l.run(ctx, TenantKey(tenant, intentType), rate, true)
	if err != nil {
		return nil, err
	}
	l.observe("tenant", tenant, res)
	return res, nil
}

// AllowPair atomically checks the tenant and entity windows and consumes one
// slot in each only when both admit. BlockedBy names the denying limit.
func (l *Limiter) AllowPair(ctx context.Context, tenant, entity, intentType string) (*Result, error) {
	tenantRate := l.cfg.RateFor(tenant, intentType)
	entityRate := l.cfg.Rates.Entity
	raw, err := pairScript.Run(ctx, l.rdb,
		[]string{TenantKey(tenant, intentType), EntityKey(tenant, entity)},
		time.Now().UnixMilli(),
		tenantRate.WindowSeconds*1000, tenantRate.Limit,
		entityRate.WindowSeconds*1000, entityRate.Limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, intent.WrapError(intent.KindInternal, "rate limit store", err)
	}
	res := &Result{
		Allowed: raw[0] == 1,
		Limit:   tenantRate.Limit,
		Current: int(raw[2]),
		ResetIn: time.Duration(raw[4]) * time.Millisecond,
	}
	switch raw[1] {
	case 1:
		res.BlockedBy = "tenant"
	case 2:
		res.BlockedBy = "entity"
		res.Limit = entityRate.Limit
		res.Current = int(raw[3])
	}
	res.finish()
	scope := "tenant+entity"
	l.observe(scope, tenant, res)
	if l.metrics != nil {
		outcome := "allowed"
		if !res.Allowed {
			outcome = "denied"
		}
		l.metrics.RateLimitChecks.WithLabelValues("entity", outcome).Inc()
	}
	return res, nil
}

// Status reports the current window state without consuming a slot.
func (l *Limiter) Status(ctx context.Context, tenant, intentType string) (*Result, error) {
	rate := l.cfg.RateFor(tenant, intentType)
	return l.run(ctx, TenantKey(tenant, intentType), rate, false)
}

func (l *Limiter) run(ctx context.Context, key string, rate config.Rate, consume bool) (*Result, error) {
	c := 0
	if consume {
		c = 1
	}
	raw, err := checkScript.Run(ctx, l.rdb, []string{key},
		time.Now().UnixMilli(), rate.WindowSeconds*1000, rate.Limit, uuid.NewString(), c,
	).Int64Slice()
	if err != nil {
		return nil, intent.WrapError(intent.KindInternal, "rate limit store", err)
	}
	res := &Result{
		Allowed: raw[0] == 1,
		Current: int(raw[1]),
		Limit:   rate.Limit,
		ResetIn: time.Duration(raw[2]) * time.Millisecond,
	}
	res.finish()
	return res, nil
}

func (r *Result) finish() {
	r.Remaining = r.Limit - r.Current
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	if !r.Allowed {
		r.RetryAfter = r.ResetIn
		if r.RetryAfter <= 0 {
			r.RetryAfter = time.Second
		}
	}
}

func (l *Limiter) observe(scope, tenant string, res *Result) {
	if l.metrics == nil {
		return
	}
	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
		l.metrics.RateLimitDenials.WithLabelValues(tenant).Inc()
	}
	l.metrics.RateLimitChecks.WithLabelValues(scope, outcome).Inc()
	if res.Limit > 0 {
		l.metrics.RateLimitUsage.WithLabelValues(scope).Set(float64(res.Current) / float64(res.Limit))
	}
}
