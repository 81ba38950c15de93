package webhook_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/store/memory"
	"github.com/vorion/engine/webhook"
)

type receivedRequest struct {
	headers http.Header
	body    []byte
}

type hookServer struct {
	*httptest.Server
	mu       sync.Mutex
	status   atomic.Int32
	received []receivedRequest
}

func newHookServer(t *testing.T) *hookServer {
	t.Helper()
	hs := &hookServer{}
	hs.status.Store(http.StatusOK)
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hs.mu.Lock()
		hs.received = append(hs.received, receivedRequest{headers: r.Header.Clone(), body: body})
		hs.mu.Unlock()
		w.WriteHeader(int(hs.status.Load()))
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) last(t *testing.T) receivedRequest {
	t.Helper()
	hs.mu.Lock()
	defer hs.mu.Unlock()
	require.NotEmpty(t, hs.received)
	return hs.received[len(hs.received)-1]
}

type dispatcherFixture struct {
	d    *webhook.Dispatcher
	subs *webhook.Subscriptions
	mem  *memory.Store
	cfg  *config.Config
}

func newDispatcherFixture(t *testing.T, mutate func(*config.Config)) *dispatcherFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Webhook.RetryDelayMs = 1
	if mutate != nil {
		mutate(cfg)
	}

	guard := webhook.NewGuard(false)
	subs := webhook.NewSubscriptions(newFakeMap(), guard, nil)
	mem := memory.New()
	d, err := webhook.NewDispatcher(webhook.Options{
		Config:        cfg,
		Subscriptions: subs,
		Deliveries:    mem,
		Redis:         rdb,
		Guard:         guard,
	})
	require.NoError(t, err)
	return &dispatcherFixture{d: d, subs: subs, mem: mem, cfg: cfg}
}

func (f *dispatcherFixture) register(t *testing.T, url string, events ...string) *webhook.Subscription {
	t.Helper()
	sub, err := f.subs.Register(context.Background(), "acme", webhook.RegisterParams{
		URL:    url,
		Secret: "whsec_test",
		Events: events,
	})
	require.NoError(t, err)
	return sub
}

func (f *dispatcherFixture) waitForDelivery(t *testing.T, subID string, status store.DeliveryStatus) *store.Delivery {
	t.Helper()
	var found *store.Delivery
	require.Eventually(t, func() bool {
		dels, err := f.mem.ListDeliveries(context.Background(), "acme", subID, 10, 0)
		if err != nil {
			return false
		}
		for _, d := range dels {
			if d.Status == status {
				found = d
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	return found
}

func testIntent() *intent.Intent {
	return &intent.Intent{
		ID:       "int-123",
		TenantID: "acme",
		EntityID: "agent-1",
		Goal:     "summarize report",
		Status:   intent.StatusApproved,
	}
}

func TestDispatcherDeliversSignedEvent(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	srv := newHookServer(t)
	sub := f.register(t, srv.URL, "intent.approved")

	f.d.Publish(context.Background(), "acme", "intent.approved", testIntent())

	del := f.waitForDelivery(t, sub.ID, store.DeliveryDelivered)
	require.Equal(t, 1, del.Attempts)
	require.Equal(t, http.StatusOK, del.ResponseStatus)
	require.NotNil(t, del.DeliveredAt)

	got := srv.last(t)
	require.Equal(t, "Vorion-Webhook/1.0", got.headers.Get("User-Agent"))
	require.Equal(t, "intent.approved", got.headers.Get("X-Webhook-Event"))
	require.Equal(t, del.ID, got.headers.Get("X-Webhook-Delivery"))
	ts := got.headers.Get("X-Vorion-Timestamp")
	sig := got.headers.Get("X-Vorion-Signature")
	require.NoError(t, webhook.VerifySignature("whsec_test", ts, got.body, sig, time.Now()))
}

func TestDispatcherSkipsUnmatchedEvents(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	srv := newHookServer(t)
	sub := f.register(t, srv.URL, "intent.denied")

	f.d.Publish(context.Background(), "acme", "intent.approved", testIntent())

	time.Sleep(50 * time.Millisecond)
	dels, err := f.mem.ListDeliveries(context.Background(), "acme", sub.ID, 10, 0)
	require.NoError(t, err)
	require.Empty(t, dels)
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	f := newDispatcherFixture(t, func(cfg *config.Config) {
		cfg.Webhook.RetryAttempts = 2
	})
	srv := newHookServer(t)
	srv.status.Store(http.StatusInternalServerError)
	sub := f.register(t, srv.URL)

	f.d.Publish(context.Background(), "acme", "intent.approved", testIntent())

	del := f.waitForDelivery(t, sub.ID, store.DeliveryRetrying)
	require.Equal(t, 1, del.Attempts)
	require.NotNil(t, del.NextRetryAt)

	time.Sleep(5 * time.Millisecond)
	n, err := f.d.ProcessPendingRetries(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	del = f.waitForDelivery(t, sub.ID, store.DeliveryFailed)
	require.Equal(t, 2, del.Attempts)
	require.Contains(t, del.LastError, "500")
}

func TestDispatcherCircuitBreakerSkips(t *testing.T) {
	f := newDispatcherFixture(t, func(cfg *config.Config) {
		cfg.Webhook.RetryAttempts = 1
		cfg.Webhook.CircuitFailureThreshold = 1
	})
	srv := newHookServer(t)
	srv.status.Store(http.StatusInternalServerError)
	sub := f.register(t, srv.URL)
	ctx := context.Background()

	// First delivery fails and trips the per-endpoint circuit.
	f.d.Publish(ctx, "acme", "intent.approved", testIntent())
	f.waitForDelivery(t, sub.ID, store.DeliveryFailed)

	st, err := f.d.CircuitStatus(ctx, "acme", sub.ID)
	require.NoError(t, err)
	require.Equal(t, breaker.Open, st.State)

	// The next delivery is skipped without an attempt.
	f.d.Publish(ctx, "acme", "intent.denied", testIntent())
	require.Eventually(t, func() bool {
		dels, err := f.mem.ListDeliveries(ctx, "acme", sub.ID, 10, 0)
		if err != nil {
			return false
		}
		for _, d := range dels {
			if d.SkippedByCircuitBreaker {
				return d.Attempts == 0
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.d.ResetCircuit(ctx, "acme", sub.ID))
	st, err = f.d.CircuitStatus(ctx, "acme", sub.ID)
	require.NoError(t, err)
	require.Equal(t, breaker.Closed, st.State)
}

func TestDispatcherReplay(t *testing.T) {
	f := newDispatcherFixture(t, func(cfg *config.Config) {
		cfg.Webhook.RetryAttempts = 1
	})
	srv := newHookServer(t)
	srv.status.Store(http.StatusBadGateway)
	sub := f.register(t, srv.URL)
	ctx := context.Background()

	f.d.Publish(ctx, "acme", "intent.approved", testIntent())
	failed := f.waitForDelivery(t, sub.ID, store.DeliveryFailed)

	// A delivered record cannot be replayed, a failed one can.
	srv.status.Store(http.StatusOK)
	replayed, err := f.d.Replay(ctx, "acme", failed.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryRetrying, replayed.Status)

	_, err = f.d.Replay(ctx, "globex", failed.ID)
	require.Error(t, err, "tenant scoping enforced")

	n, err := f.d.ProcessPendingRetries(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	del := f.waitForDelivery(t, sub.ID, store.DeliveryDelivered)
	require.Equal(t, 2, del.Attempts)
}

func TestDispatcherCloseDrains(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	srv := newHookServer(t)
	sub := f.register(t, srv.URL)
	ctx := context.Background()

	f.d.Publish(ctx, "acme", "intent.approved", testIntent())
	require.NoError(t, f.d.Close(ctx))

	// Everything in flight landed before Close returned.
	dels, err := f.mem.ListDeliveries(ctx, "acme", sub.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, dels, 1)
	require.Equal(t, store.DeliveryDelivered, dels[0].Status)

	// Publishes after Close are dropped.
	f.d.Publish(ctx, "acme", "intent.approved", testIntent())
	time.Sleep(20 * time.Millisecond)
	dels, err = f.mem.ListDeliveries(ctx, "acme", sub.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, dels, 1)
}
