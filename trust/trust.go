// Package trust names the trust collaborator: the engine consumes scores and
// levels, it never computes them. The Resolver layers the breaker and a cached
// fallback on top of whatever Engine implementation is wired in, so a trust
// outage degrades to stale data instead of blocking the pipeline.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/telemetry"
)

type (
	// Score is one entity's trust observation.
	Score struct {
		// EntityID is the scored entity.
		EntityID string `json:"entity_id"`
		// Score is the fine-grained measure.
		Score int `json:"score"`
		// Level is the coarse measure the gates compare against.
		Level int `json:"level"`
		// Source records where the observation came from: "live", "cached"
		// or "default".
		Source string `json:"source"`
		// FetchedAt is when the observation was produced.
		FetchedAt time.Time `json:"fetched_at"`
	}

	// Engine fetches live trust for an entity.
	Engine interface {
		// Score returns the entity's current trust.
		Score(ctx context.Context, tenant, entity string) (*Score, error)
	}

	// Resolver wraps an Engine with the trustEngine breaker and a cache so
	// callers always get an answer. Degradation order: live, cached, zero.
	Resolver struct {
		engine  Engine
		rdb     redis.UniversalClient
		brk     *breaker.Breaker
		ttl     time.Duration
		metrics *telemetry.Metrics
	}
)

// cacheTTL is how long a live observation stays usable as a fallback.
const cacheTTL = time.Hour

func cacheKey(tenant, entity string) string {
	return "trust:cache:" + tenant + ":" + entity
}

// NewResolver builds the degrading trust resolver. brk may be nil in tests.
func NewResolver(engine Engine, rdb redis.UniversalClient, brk *breaker.Breaker, metrics *telemetry.Metrics) *Resolver {
	return &Resolver{engine: engine, rdb: rdb, brk: brk, ttl: cacheTTL, metrics: metrics}
}

// Resolve returns the entity's trust, degrading to the cached observation when
// the live fetch fails or the breaker is open, and to a zero score when no
// cache exists. The error return is reserved for cache-store failures; a dead
// trust engine alone never fails the call.
func (r *Resolver) Resolve(ctx context.Context, tenant, entity string) (*Score, error) {
	start := time.Now()
	var live *Score
	call := func(ctx context.Context) error {
		s, err := r.engine.Score(ctx, tenant, entity)
		if err != nil {
			return err
		}
		live = s
		return nil
	}
	var err error
	if r.brk != nil {
		err = r.brk.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if r.metrics != nil {
		r.metrics.TrustFetchDuration.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		live.Source = "live"
		live.FetchedAt = time.Now().UTC()
		r.cache(ctx, tenant, entity, live)
		return live, nil
	}

	if errors.Is(err, breaker.ErrOpen) {
		log.Warn(ctx, log.KV{K: "msg", V: "trust engine circuit open, degrading"},
			log.KV{K: "entity", V: entity})
	} else {
		log.Errorf(ctx, err, "trust fetch failed for %s, degrading", entity)
	}
	if r.metrics != nil {
		r.metrics.TrustDegradations.Inc()
	}
	if cached := r.cached(ctx, tenant, entity); cached != nil {
		cached.Source = "cached"
		return cached, nil
	}
	return &Score{EntityID: entity, Score: 0, Level: 0, Source: "default", FetchedAt: time.Now().UTC()}, nil
}

func (r *Resolver) cache(ctx context.Context, tenant, entity string, s *Score) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, cacheKey(tenant, entity), raw, r.ttl).Err(); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "trust cache write failed"}, log.KV{K: "err", V: err})
	}
}

func (r *Resolver) cached(ctx context.Context, tenant, entity string) *Score {
	raw, err := r.rdb.Get(ctx, cacheKey(tenant, entity)).Bytes()
	if err != nil {
		return nil
	}
	var s Score
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

// Client is the HTTP Engine implementation.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds an HTTP trust client against the collaborator's base URL.
func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

// Score implements Engine over HTTP:
// GET {base}/tenants/{tenant}/entities/{entity}/trust.
func (c *Client) Score(ctx context.Context, tenant, entity string) (*Score, error) {
	u := fmt.Sprintf("%s/tenants/%s/entities/%s/trust",
		c.base, url.PathEscape(tenant), url.PathEscape(entity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build trust request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trust fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, intent.NewError(intent.KindNotFound, "entity has no trust record").
			With("entity", entity)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trust fetch: unexpected status %d", resp.StatusCode)
	}
	var s Score
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode trust response: %w", err)
	}
	s.EntityID = entity
	return &s, nil
}
