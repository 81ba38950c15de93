package engine

import (
	"context"
	"time"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/webhook"
)

// errWebhooksDisabled reports that the engine runs without the webhook
// components wired.
func errWebhooksDisabled() error {
	return intent.NewError(intent.KindValidation, "webhooks are not enabled")
}

// RegisterWebhook registers a tenant webhook endpoint.
func (e *Engine) RegisterWebhook(ctx context.Context, tenant string, p webhook.RegisterParams) (*webhook.Subscription, error) {
	if e.subs == nil {
		return nil, errWebhooksDisabled()
	}
	return e.subs.Register(ctx, tenant, p)
}

// UnregisterWebhook removes a tenant webhook endpoint.
func (e *Engine) UnregisterWebhook(ctx context.Context, tenant, id string) error {
	if e.subs == nil {
		return errWebhooksDisabled()
	}
	return e.subs.Unregister(ctx, tenant, id)
}

// ListWebhooks lists a tenant's webhook endpoints.
func (e *Engine) ListWebhooks(tenant string) ([]*webhook.Subscription, error) {
	if e.subs == nil {
		return nil, errWebhooksDisabled()
	}
	return e.subs.List(tenant)
}

// WebhookCircuitStatus reports an endpoint's circuit state.
func (e *Engine) WebhookCircuitStatus(ctx context.Context, tenant, id string) (*breaker.Status, error) {
	if e.dispatcher == nil {
		return nil, errWebhooksDisabled()
	}
	return e.dispatcher.CircuitStatus(ctx, tenant, id)
}

// ResetWebhookCircuit closes an endpoint's circuit.
func (e *Engine) ResetWebhookCircuit(ctx context.Context, tenant, id string) error {
	if e.dispatcher == nil {
		return errWebhooksDisabled()
	}
	return e.dispatcher.ResetCircuit(ctx, tenant, id)
}

// WebhookDeliveryHistory pages an endpoint's delivery records, newest first.
func (e *Engine) WebhookDeliveryHistory(ctx context.Context, tenant, id string, limit, offset int) ([]*store.Delivery, error) {
	if e.dispatcher == nil {
		return nil, errWebhooksDisabled()
	}
	return e.dispatcher.History(ctx, tenant, id, limit, offset)
}

// ReplayWebhookDelivery re-queues a failed delivery.
func (e *Engine) ReplayWebhookDelivery(ctx context.Context, tenant, deliveryID string) (*store.Delivery, error) {
	if e.dispatcher == nil {
		return nil, errWebhooksDisabled()
	}
	return e.dispatcher.Replay(ctx, tenant, deliveryID)
}

// ProcessPendingRetries drives due webhook retries. Returns how many were
// attempted.
func (e *Engine) ProcessPendingRetries(ctx context.Context, limit int) (int, error) {
	if e.dispatcher == nil {
		return 0, nil
	}
	return e.dispatcher.ProcessPendingRetries(ctx, limit)
}

// QueueHealth reports depth and dead-letter backlog per stage.
func (e *Engine) QueueHealth(ctx context.Context) ([]queue.StageHealth, error) {
	return e.queues.Health(ctx, e.dlq)
}

// ListDLQ lists a stage's dead letters.
func (e *Engine) ListDLQ(ctx context.Context, stage queue.Stage, filter queue.DLQFilter) ([]*queue.DeadLetter, error) {
	if !stage.Valid() {
		return nil, intent.NewError(intent.KindValidation, "unknown stage").With("stage", string(stage))
	}
	return e.dlq.List(ctx, stage, filter)
}

// RetryDLQ re-enqueues one dead letter with its attempt count reset. The
// handler re-reads the intent on pickup, so entries whose intent has since
// been cancelled or completed are acked without effect.
func (e *Engine) RetryDLQ(ctx context.Context, stage queue.Stage, id string) error {
	if !stage.Valid() {
		return intent.NewError(intent.KindValidation, "unknown stage").With("stage", string(stage))
	}
	return e.dlq.Retry(ctx, e.queues, stage, id)
}

// PurgeOldDLQ drops dead letters older than the retention across all stages
// and returns how many were removed.
func (e *Engine) PurgeOldDLQ(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	total := 0
	for _, stage := range queue.Stages() {
		n, err := e.dlq.PurgeOld(ctx, stage, cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// BreakerStatus reports a named dependency breaker.
func (e *Engine) BreakerStatus(ctx context.Context, name string) (*breaker.Status, error) {
	return e.breakers.Get(name).Status(ctx)
}

// BreakerStatuses reports every breaker created so far.
func (e *Engine) BreakerStatuses(ctx context.Context) ([]*breaker.Status, error) {
	names := e.breakers.Names()
	out := make([]*breaker.Status, 0, len(names))
	for _, name := range names {
		st, err := e.breakers.Get(name).Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ForceOpenBreaker trips a named breaker.
func (e *Engine) ForceOpenBreaker(ctx context.Context, name string) error {
	return e.breakers.Get(name).ForceOpen(ctx)
}

// ForceCloseBreaker closes a named breaker regardless of recent outcomes.
func (e *Engine) ForceCloseBreaker(ctx context.Context, name string) error {
	return e.breakers.Get(name).ForceClose(ctx)
}

// ResetBreaker clears a named breaker back to closed with zeroed counters.
func (e *Engine) ResetBreaker(ctx context.Context, name string) error {
	return e.breakers.Get(name).Reset(ctx)
}
