package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/telemetry"
)

type (
	// Options configures the dispatcher.
	Options struct {
		Config        *config.Config
		Subscriptions *Subscriptions
		Deliveries    store.DeliveryStore
		Redis         redis.UniversalClient
		Guard         *Guard
		Metrics       *telemetry.Metrics
	}

	// Dispatcher fans lifecycle events out to a tenant's subscriptions with
	// bounded concurrency, per-endpoint circuit breakers and global pacing.
	// It satisfies the pipeline's notifier contract.
	Dispatcher struct {
		cfg        *config.Config
		subs       *Subscriptions
		deliveries store.DeliveryStore
		rdb        redis.UniversalClient
		guard      *Guard
		metrics    *telemetry.Metrics
		pacer      *rate.Limiter

		wg     sync.WaitGroup
		closed atomic.Bool
	}
)

// responseBodyLimit bounds how much of an endpoint's response is recorded.
const responseBodyLimit = 4 * 1024

// NewDispatcher builds the dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("webhook: config is required")
	case opts.Subscriptions == nil:
		return nil, fmt.Errorf("webhook: subscriptions are required")
	case opts.Deliveries == nil:
		return nil, fmt.Errorf("webhook: delivery store is required")
	case opts.Redis == nil:
		return nil, fmt.Errorf("webhook: redis is required")
	case opts.Guard == nil:
		return nil, fmt.Errorf("webhook: guard is required")
	}
	d := &Dispatcher{
		cfg:        opts.Config,
		subs:       opts.Subscriptions,
		deliveries: opts.Deliveries,
		rdb:        opts.Redis,
		guard:      opts.Guard,
		metrics:    opts.Metrics,
	}
	if rps := opts.Config.Webhook.GlobalRatePerSecond; rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		d.pacer = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return d, nil
}

// Publish fans the event out to matching subscriptions asynchronously. The
// pipeline never blocks on webhook delivery.
func (d *Dispatcher) Publish(ctx context.Context, tenant, event string, in *intent.Intent) {
	if d.closed.Load() {
		return
	}
	subs, err := d.subs.ForEvent(tenant, event)
	if err != nil {
		log.Errorf(ctx, err, "list webhook subscriptions for %s", tenant)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"intent_id":   in.ID,
			"tenant_id":   tenant,
			"entity_id":   in.EntityID,
			"goal":        in.Goal,
			"intent_type": in.Type,
			"status":      string(in.Status),
		},
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Detached from the stage handler's deadline.
		d.dispatch(context.WithoutCancel(ctx), subs, event, payload)
	}()
}

// Close gates new publishes and waits for in-flight batches.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closed.Store(true)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, subs []*Subscription, event string, payload map[string]any) {
	start := time.Now()
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Webhook.MaxConcurrent)
	for _, sub := range subs {
		g.Go(func() error {
			d.deliver(ctx, sub, event, payload)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // deliver never returns an error
	if d.metrics != nil {
		d.metrics.WebhookBatchDuration.Observe(time.Since(start).Seconds())
	}
}

// deliver creates the durable delivery record and runs the first attempt.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event string, payload map[string]any) {
	del := &store.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EventType:      event,
		Payload:        payload,
		Status:         store.DeliveryPending,
	}
	if err := d.deliveries.CreateDelivery(ctx, del); err != nil {
		log.Errorf(ctx, err, "record webhook delivery for %s", sub.ID)
		return
	}
	d.attempt(ctx, sub, del)
}

// attempt runs one delivery attempt under the subscription's breaker and
// routes the outcome: delivered, retrying with backoff, or failed once the
// attempt budget is spent.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, del *store.Delivery) {
	brk := d.breakerFor(sub)
	open, err := brk.IsOpen(ctx)
	if err != nil {
		log.Errorf(ctx, err, "webhook breaker state for %s", sub.ID)
	}
	if open {
		del.Status = store.DeliveryFailed
		del.SkippedByCircuitBreaker = true
		del.LastError = "circuit open"
		d.update(ctx, del)
		d.observe("skipped")
		return
	}

	now := time.Now().UTC()
	del.Attempts++
	del.LastAttemptAt = &now
	sendErr := brk.Execute(ctx, func(ctx context.Context) error {
		return d.send(ctx, sub, del)
	})
	if sendErr == nil {
		del.Status = store.DeliveryDelivered
		del.DeliveredAt = &now
		del.LastError = ""
		del.NextRetryAt = nil
		d.update(ctx, del)
		d.observe("success")
		return
	}

	del.LastError = sendErr.Error()
	if del.Attempts >= d.cfg.Webhook.RetryAttempts {
		del.Status = store.DeliveryFailed
		del.NextRetryAt = nil
		d.update(ctx, del)
		d.observe("failure")
		log.Warn(ctx, log.KV{K: "msg", V: "webhook delivery exhausted"},
			log.KV{K: "subscription_id", V: sub.ID},
			log.KV{K: "delivery_id", V: del.ID},
			log.KV{K: "err", V: sendErr})
		return
	}
	delay := time.Duration(d.cfg.Webhook.RetryDelayMs) * time.Millisecond << (del.Attempts - 1)
	next := now.Add(delay)
	del.Status = store.DeliveryRetrying
	del.NextRetryAt = &next
	d.update(ctx, del)
	d.observe("retry")
}

// send performs the HTTP POST with signature headers, pacing and pinned-IP
// dialing. The endpoint's response status and truncated body are recorded on
// the delivery regardless of outcome.
func (d *Dispatcher) send(ctx context.Context, sub *Subscription, del *store.Delivery) error {
	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	if d.metrics != nil {
		d.metrics.WebhookConcurrency.Inc()
		defer d.metrics.WebhookConcurrency.Dec()
	}

	body, err := json.Marshal(del.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	secret, err := d.subs.SecretFor(sub)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Vorion-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", del.EventType)
	req.Header.Set("X-Webhook-Delivery", del.ID)
	req.Header.Set("X-Vorion-Timestamp", ts)
	req.Header.Set("X-Vorion-Signature", Sign(secret, ts, body))
	for k, v := range telemetry.InjectTrace(ctx) {
		req.Header.Set(k, v)
	}

	client, err := d.clientFor(ctx, req.URL.Hostname(), sub)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	del.ResponseStatus = resp.StatusCode
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	del.ResponseBody = string(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// clientFor builds an HTTP client that dials the re-validated address instead
// of whatever the host resolves to at dial time. TLS verification still runs
// against the URL hostname.
func (d *Dispatcher) clientFor(ctx context.Context, host string, sub *Subscription) (*http.Client, error) {
	addr, err := d.guard.DialAddr(ctx, host, sub.PinnedIPs, d.cfg.Webhook.AllowDNSChange)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, dialAddr string) (net.Conn, error) {
			_, port, perr := net.SplitHostPort(dialAddr)
			if perr != nil {
				return nil, perr
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addr, port))
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(d.cfg.Webhook.TimeoutMs) * time.Millisecond,
	}, nil
}

// ProcessPendingRetries re-attempts deliveries whose retry time has passed.
// Returns how many were processed.
func (d *Dispatcher) ProcessPendingRetries(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	due, err := d.deliveries.DueRetries(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	for _, del := range due {
		sub, err := d.subs.Get(del.TenantID, del.SubscriptionID)
		if err != nil {
			// The endpoint was unregistered; nothing left to deliver to.
			del.Status = store.DeliveryFailed
			del.LastError = "subscription no longer exists"
			del.NextRetryAt = nil
			d.update(ctx, del)
			continue
		}
		d.attempt(ctx, sub, del)
	}
	return len(due), nil
}

// Replay re-queues a failed delivery for immediate retry.
func (d *Dispatcher) Replay(ctx context.Context, tenant, deliveryID string) (*store.Delivery, error) {
	del, err := d.deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if del.TenantID != tenant {
		return nil, intent.NewError(intent.KindNotFound, "delivery not found").With("delivery_id", deliveryID)
	}
	if !store.ValidDeliveryTransition(del.Status, store.DeliveryRetrying) {
		return nil, intent.NewError(intent.KindConflict, "delivery cannot be replayed").
			With("status", string(del.Status))
	}
	now := time.Now().UTC()
	del.Status = store.DeliveryRetrying
	del.NextRetryAt = &now
	del.SkippedByCircuitBreaker = false
	if err := d.deliveries.UpdateDelivery(ctx, del); err != nil {
		return nil, err
	}
	return del, nil
}

// History pages a subscription's delivery records, newest first.
func (d *Dispatcher) History(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]*store.Delivery, error) {
	return d.deliveries.ListDeliveries(ctx, tenant, subscriptionID, limit, offset)
}

// CircuitStatus reports the subscription's breaker state.
func (d *Dispatcher) CircuitStatus(ctx context.Context, tenant, subscriptionID string) (*breaker.Status, error) {
	sub, err := d.subs.Get(tenant, subscriptionID)
	if err != nil {
		return nil, err
	}
	return d.breakerFor(sub).Status(ctx)
}

// ResetCircuit closes the subscription's breaker.
func (d *Dispatcher) ResetCircuit(ctx context.Context, tenant, subscriptionID string) error {
	sub, err := d.subs.Get(tenant, subscriptionID)
	if err != nil {
		return err
	}
	return d.breakerFor(sub).Reset(ctx)
}

func (d *Dispatcher) breakerFor(sub *Subscription) *breaker.Breaker {
	bc := config.Breaker{
		FailureThreshold: d.cfg.Webhook.CircuitFailureThreshold,
		ResetTimeout:     time.Duration(d.cfg.Webhook.CircuitResetTimeoutMs) * time.Millisecond,
		HalfOpenProbes:   1,
	}
	key := "webhook:circuit:" + sub.TenantID + ":" + sub.ID
	return breaker.NewWithKey("webhook:"+sub.ID, key, bc, d.rdb, d.metrics)
}

func (d *Dispatcher) update(ctx context.Context, del *store.Delivery) {
	if err := d.deliveries.UpdateDelivery(ctx, del); err != nil {
		log.Errorf(ctx, err, "update webhook delivery %s", del.ID)
	}
}

func (d *Dispatcher) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
}
