package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/config"
	"github.com/vorion/engine/consent"
	"github.com/vorion/engine/dedupe"
	"github.com/vorion/engine/engine"
	"github.com/vorion/engine/eventlog"
	"github.com/vorion/engine/intake"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/lock"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/ratelimit"
	"github.com/vorion/engine/rules"
	"github.com/vorion/engine/sandbox"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/store/memory"
	"github.com/vorion/engine/trust"
	"github.com/vorion/engine/webhook"
	"github.com/vorion/engine/worker"
)

type (
	addCall struct {
		stream  string
		payload []byte
	}

	fakeStream struct {
		name   string
		client *fakeClient
	}

	fakeClient struct {
		mu    sync.Mutex
		added []addCall
	}

	fakeTrust struct{}

	fakeSandbox struct{}
)

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (queue.Stream, error) {
	return &fakeStream{name: name, client: c}, nil
}

func (c *fakeClient) jobs(stream string) []addCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []addCall
	for _, a := range c.added {
		if a.stream == stream {
			out = append(out, a)
		}
	}
	return out
}

func (s *fakeStream) Add(_ context.Context, _ string, payload []byte) (string, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.client.added = append(s.client.added, addCall{stream: s.name, payload: payload})
	return fmt.Sprintf("%d-0", len(s.client.added)), nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (queue.Sink, error) {
	return nil, errors.New("sinks not supported in this fake")
}

func (fakeTrust) Score(_ context.Context, _, entity string) (*trust.Score, error) {
	return &trust.Score{EntityID: entity, Score: 75, Level: 3, Source: "live"}, nil
}

func (fakeSandbox) Execute(context.Context, *intent.Intent, sandbox.Limits) (*sandbox.Result, error) {
	return &sandbox.Result{Outcome: sandbox.OutcomeSuccess}, nil
}

type fixture struct {
	eng    *engine.Engine
	mem    *memory.Store
	client *fakeClient
	dlq    *queue.DLQ
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Dedupe.Secret = "test-secret"

	mem := memory.New()
	mem.SetConsent("acme", "agent-1", consent.TypeDataProcessing, true)

	client := &fakeClient{}
	queues := queue.New(client, rdb, cfg, nil)
	dlq := queue.NewDLQ(rdb, nil)
	brks := breaker.NewRegistry(rdb, cfg, nil)
	tr := trust.NewResolver(fakeTrust{}, rdb, nil, nil)

	svc, err := intake.New(intake.Options{
		Config:   cfg,
		Store:    mem,
		Consents: consent.NewRegistry(mem),
		Trust:    tr,
		Limiter:  ratelimit.New(rdb, cfg, nil),
		Deduper:  dedupe.New(cfg, rdb, lock.New(rdb, nil), mem, nil),
		Queues:   queues,
	})
	require.NoError(t, err)

	pipeline, err := worker.New(worker.Options{
		Config:   cfg,
		Store:    mem,
		Queues:   queues,
		Trust:    tr,
		Rules:    rules.New(nil),
		Breakers: brks,
		Sandbox:  fakeSandbox{},
	})
	require.NoError(t, err)

	eng, err := engine.New(engine.Options{
		Config:   cfg,
		Store:    mem,
		Redis:    rdb,
		Queues:   queues,
		DLQ:      dlq,
		Intake:   svc,
		Pipeline: pipeline,
		Breakers: brks,
	})
	require.NoError(t, err)
	return &fixture{eng: eng, mem: mem, client: client, dlq: dlq}
}

func (f *fixture) submit(t *testing.T, goal string) *intent.Intent {
	t.Helper()
	in, err := f.eng.Submit(context.Background(), "acme", &intent.Submission{
		EntityID: "agent-1",
		Goal:     goal,
	}, intake.SubmitOptions{})
	require.NoError(t, err)
	return in
}

func TestSubmitAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.submit(t, "archive stale reports")
	require.Equal(t, intent.StatusPending, in.Status)

	got, err := f.eng.Get(ctx, in.ID, "acme")
	require.NoError(t, err)
	require.Equal(t, in.ID, got.ID)

	_, err = f.eng.Get(ctx, in.ID, "globex")
	require.True(t, intent.IsKind(err, intent.KindNotFound), "tenant scoping")

	detail, err := f.eng.GetWithEvents(ctx, in.ID, "acme")
	require.NoError(t, err)
	require.Len(t, detail.Events, 1)
	require.Equal(t, intent.EventSubmitted, detail.Events[0].Type)

	page, err := f.eng.List(ctx, store.ListFilter{Tenant: "acme", Limit: 5000})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.LessOrEqual(t, page.Limit, 1000)

	require.Len(t, f.client.jobs("intent:intake"), 1)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.submit(t, "rotate credentials")

	_, err := f.eng.Cancel(ctx, in.ID, "acme", engine.CancelParams{})
	require.True(t, intent.IsKind(err, intent.KindValidation), "reason is required")

	out, err := f.eng.Cancel(ctx, in.ID, "acme", engine.CancelParams{
		Reason:      "superseded by manual action",
		CancelledBy: "operator-7",
	})
	require.NoError(t, err)
	require.Equal(t, intent.StatusCancelled, out.Status)
	require.Equal(t, "superseded by manual action", out.CancellationReason)
	require.NotNil(t, out.CancelledAt)

	// Terminal intents cannot be cancelled again.
	_, err = f.eng.Cancel(ctx, in.ID, "acme", engine.CancelParams{Reason: "again"})
	require.True(t, intent.IsKind(err, intent.KindInvalidStateTransition))

	detail, err := f.eng.GetWithEvents(ctx, in.ID, "acme")
	require.NoError(t, err)
	require.Equal(t, intent.EventCancelled, detail.Events[len(detail.Events)-1].Type)
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in, err := f.eng.Submit(ctx, "acme", &intent.Submission{
		EntityID: "agent-1",
		Goal:     "summarize inbox",
		Context:  map[string]any{"mailbox": "ops"},
	}, intake.SubmitOptions{})
	require.NoError(t, err)

	out, err := f.eng.Delete(ctx, in.ID, "acme")
	require.NoError(t, err)
	require.NotNil(t, out.DeletedAt)
	require.Nil(t, out.Context)

	_, err = f.eng.Get(ctx, in.ID, "acme")
	require.True(t, intent.IsKind(err, intent.KindNotFound), "deleted rows are invisible")

	// The chain survives deletion and still verifies.
	report, err := f.eng.VerifyEventChain(ctx, in.ID, eventlog.VerifyOptions{})
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.EventsVerified)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.submit(t, "reindex search")

	_, err := f.eng.UpdateStatus(ctx, in.ID, "acme", intent.StatusCompleted, engine.UpdateStatusParams{})
	require.True(t, intent.IsKind(err, intent.KindInvalidStateTransition))

	out, err := f.eng.UpdateStatus(ctx, in.ID, "acme", intent.StatusEvaluating, engine.UpdateStatusParams{Actor: "operator-7"})
	require.NoError(t, err)
	require.Equal(t, intent.StatusEvaluating, out.Status)

	// SkipValidation bypasses the table but not the store's terminal guard.
	out, err = f.eng.UpdateStatus(ctx, in.ID, "acme", intent.StatusCompleted, engine.UpdateStatusParams{
		SkipValidation: true,
		Actor:          "operator-7",
	})
	require.NoError(t, err)
	require.Equal(t, intent.StatusCompleted, out.Status)

	_, err = f.eng.UpdateStatus(ctx, in.ID, "acme", intent.StatusPending, engine.UpdateStatusParams{SkipValidation: true})
	require.Error(t, err, "terminal intents stay immutable")
}

func TestBreakerAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.ForceOpenBreaker(ctx, "trustEngine"))
	st, err := f.eng.BreakerStatus(ctx, "trustEngine")
	require.NoError(t, err)
	require.Equal(t, breaker.Open, st.State)

	require.NoError(t, f.eng.ResetBreaker(ctx, "trustEngine"))
	st, err = f.eng.BreakerStatus(ctx, "trustEngine")
	require.NoError(t, err)
	require.Equal(t, breaker.Closed, st.State)

	all, err := f.eng.BreakerStatuses(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, all)
}

func TestDLQAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.submit(t, "compact archives")

	job := &queue.Job{IntentID: in.ID, Tenant: "acme", Stage: queue.StageEvaluate, Attempts: 3}
	entry, err := f.dlq.Push(ctx, queue.StageEvaluate, job, errors.New("policy store unreachable"))
	require.NoError(t, err)

	health, err := f.eng.QueueHealth(ctx)
	require.NoError(t, err)
	require.Len(t, health, 4)
	for _, h := range health {
		if h.Queue == "intent:evaluate" {
			require.Equal(t, int64(1), h.DeadLetters)
		}
	}

	listed, err := f.eng.ListDLQ(ctx, queue.StageEvaluate, queue.DLQFilter{Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, in.ID, listed[0].Job.IntentID)

	require.NoError(t, f.eng.RetryDLQ(ctx, queue.StageEvaluate, entry.ID))
	require.Len(t, f.client.jobs("intent:evaluate"), 1)
	listed, err = f.eng.ListDLQ(ctx, queue.StageEvaluate, queue.DLQFilter{})
	require.NoError(t, err)
	require.Empty(t, listed)

	// Purge drops entries older than the retention.
	_, err = f.dlq.Push(ctx, queue.StageExecute, job, errors.New("sandbox gone"))
	require.NoError(t, err)
	purged, err := f.eng.PurgeOldDLQ(ctx, time.Nanosecond)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = f.eng.ListDLQ(ctx, queue.Stage("bogus"), queue.DLQFilter{})
	require.True(t, intent.IsKind(err, intent.KindValidation))
}

func TestWebhookAdminWithoutDispatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.RegisterWebhook(ctx, "acme", webhook.RegisterParams{
		URL:    "https://hooks.example.com/intents",
		Secret: "whsec_test",
	})
	require.True(t, intent.IsKind(err, intent.KindValidation))
	_, err = f.eng.WebhookCircuitStatus(ctx, "acme", "sub-1")
	require.True(t, intent.IsKind(err, intent.KindValidation))

	n, err := f.eng.ProcessPendingRetries(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestShutdownGatesIntake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "before shutdown")

	require.False(t, f.eng.ShuttingDown())
	require.NoError(t, f.eng.Shutdown(ctx))
	require.True(t, f.eng.ShuttingDown())

	_, err := f.eng.Submit(ctx, "acme", &intent.Submission{EntityID: "agent-1", Goal: "after shutdown"}, intake.SubmitOptions{})
	require.Error(t, err)

	// Shutdown is idempotent.
	require.NoError(t, f.eng.Shutdown(ctx))
}
