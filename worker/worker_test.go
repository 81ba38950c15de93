package worker_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/policy"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/rules"
	"github.com/vorion/engine/sandbox"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/store/memory"
	"github.com/vorion/engine/telemetry"
	"github.com/vorion/engine/trust"
	"github.com/vorion/engine/worker"
)

type addCall struct {
	stream  string
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	adds []addCall
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (queue.Stream, error) {
	return &fakeStream{c: c, name: name}, nil
}

type fakeStream struct {
	c    *fakeClient
	name string
}

func (s *fakeStream) Add(_ context.Context, _ string, payload []byte) (string, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.adds = append(s.c.adds, addCall{stream: s.name, payload: payload})
	return "1-1", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (queue.Sink, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) jobs(t *testing.T) []*queue.Job {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*queue.Job, len(c.adds))
	for i, a := range c.adds {
		var j queue.Job
		require.NoError(t, json.Unmarshal(a.payload, &j))
		out[i] = &j
	}
	return out
}

type fakeTrust struct {
	mu    sync.Mutex
	score trust.Score
	err   error
}

func (f *fakeTrust) Score(context.Context, string, string) (*trust.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cp := f.score
	return &cp, nil
}

func (f *fakeTrust) set(score, level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.score = trust.Score{EntityID: "agent-1", Score: score, Level: level}
}

type fakePolicy struct {
	res *policy.Result
	err error
}

func (f *fakePolicy) Evaluate(context.Context, *intent.Intent) (*policy.Result, error) {
	return f.res, f.err
}

type fakeSandbox struct {
	mu     sync.Mutex
	res    *sandbox.Result
	err    error
	called int
}

func (f *fakeSandbox) Execute(context.Context, *intent.Intent, sandbox.Limits) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called++
	return f.res, f.err
}

func (f *fakeSandbox) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.called
}

type notification struct {
	tenant, event, intentID string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (f *fakeNotifier) Publish(_ context.Context, tenant, event string, in *intent.Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{tenant: tenant, event: event, intentID: in.ID})
}

func (f *fakeNotifier) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, n := range f.sent {
		out[i] = n.event
	}
	return out
}

type fixture struct {
	pipe     *worker.Pipeline
	mem      *memory.Store
	client   *fakeClient
	trust    *fakeTrust
	policy   *fakePolicy
	sandbox  *fakeSandbox
	notifier *fakeNotifier
	cfg      *config.Config
	metrics  *telemetry.Metrics
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		mem:      memory.New(),
		client:   &fakeClient{},
		trust:    &fakeTrust{score: trust.Score{EntityID: "agent-1", Score: 75, Level: 3}},
		policy:   &fakePolicy{res: &policy.Result{Action: intent.ActionAllow}},
		sandbox:  &fakeSandbox{res: &sandbox.Result{Outcome: sandbox.OutcomeSuccess, DurationMs: 10}},
		notifier: &fakeNotifier{},
		cfg:      cfg,
		metrics:  telemetry.NewMetrics(prometheus.NewRegistry()),
	}
	pipe, err := worker.New(worker.Options{
		Config:   cfg,
		Store:    f.mem,
		Queues:   queue.New(f.client, rdb, cfg, nil),
		Trust:    trust.NewResolver(f.trust, rdb, nil, nil),
		Rules:    rules.New(nil),
		Policy:   f.policy,
		Breakers: breaker.NewRegistry(rdb, cfg, nil),
		Sandbox:  f.sandbox,
		Notifier: f.notifier,
		Metrics:  f.metrics,
	})
	require.NoError(t, err)
	f.pipe = pipe
	return f
}

// seed creates an intent and advances it through the given statuses.
func (f *fixture) seed(t *testing.T, through ...intent.Status) *intent.Intent {
	t.Helper()
	ctx := context.Background()
	in := &intent.Intent{
		TenantID:               "acme",
		EntityID:               "agent-1",
		Goal:                   "run the nightly report",
		Status:                 intent.StatusPending,
		TrustScoreAtSubmission: 75,
		TrustLevelAtSubmission: 3,
		DedupeHash:             "fp-" + t.Name(),
	}
	require.NoError(t, f.mem.CreateIntent(ctx, in, &intent.Event{Type: intent.EventSubmitted}))
	from := intent.StatusPending
	for _, to := range through {
		p := store.TransitionParams{
			IntentID: in.ID,
			Tenant:   "acme",
			From:     from,
			To:       to,
			Event:    &intent.Event{Type: intent.EventTypeFor(from, to)},
		}
		if to == intent.StatusCancelled {
			p.CancellationReason = "operator request"
			p.CancelledBy = "tester"
		}
		got, err := f.mem.Transition(ctx, p)
		require.NoError(t, err)
		in = got
		from = to
	}
	return in
}

func (f *fixture) job(in *intent.Intent, stage queue.Stage) *queue.Job {
	return &queue.Job{IntentID: in.ID, Tenant: "acme", Stage: stage}
}

func kinds(t *testing.T, mem *memory.Store, id string) []intent.EvaluationKind {
	t.Helper()
	evals, err := mem.ListEvaluations(context.Background(), id)
	require.NoError(t, err)
	out := make([]intent.EvaluationKind, len(evals))
	for i, e := range evals {
		out[i] = e.Kind
	}
	return out
}

func TestIntakeStageSnapshotsTrust(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t)
	f.trust.set(60, 2)

	require.NoError(t, f.pipe.HandleIntake(ctx, f.job(in, queue.StageIntake)))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusEvaluating, got.Status)
	require.Equal(t, 60, got.TrustScore)
	require.Equal(t, 2, got.TrustLevel)
	require.Contains(t, kinds(t, f.mem, in.ID), intent.KindTrustSnapshot)

	jobs := f.client.jobs(t)
	require.Len(t, jobs, 1)
	require.Equal(t, queue.StageEvaluate, jobs[0].Stage)
}

func TestIntakeSkipsCancelledIntent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusCancelled)

	require.NoError(t, f.pipe.HandleIntake(ctx, f.job(in, queue.StageIntake)))

	require.Empty(t, f.client.jobs(t))
	require.Contains(t, kinds(t, f.mem, in.ID), intent.KindCancelled)
}

func TestEvaluateRecordsBasis(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)
	f.policy.res = &policy.Result{Action: intent.ActionMonitor, MatchCounts: map[string]int{"watchlist": 1}}

	require.NoError(t, f.pipe.HandleEvaluate(ctx, f.job(in, queue.StageEvaluate)))

	evals, err := f.mem.ListEvaluations(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	require.Equal(t, intent.KindBasis, evals[0].Kind)
	require.Equal(t, "allow", evals[0].Result["rule_action"])
	require.Equal(t, "monitor", evals[0].Result["policy_action"])

	jobs := f.client.jobs(t)
	require.Len(t, jobs, 1)
	require.Equal(t, queue.StageDecision, jobs[0].Stage)
	require.Contains(t, jobs[0].Payload, "basis")
}

func TestEvaluateDegradesWhenPolicyFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)
	f.policy.res = nil
	f.policy.err = errors.New("policy engine down")

	require.NoError(t, f.pipe.HandleEvaluate(ctx, f.job(in, queue.StageEvaluate)))

	evals, err := f.mem.ListEvaluations(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	require.Equal(t, true, evals[0].Result["policy_skipped"])

	require.Len(t, f.client.jobs(t), 1)
}

func TestDecisionApprovesAndHandsToExecute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)

	job := f.job(in, queue.StageDecision)
	job.Payload = map[string]any{"basis": map[string]any{"rule_action": "allow"}}
	require.NoError(t, f.pipe.HandleDecision(ctx, job))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusApproved, got.Status)
	require.Contains(t, kinds(t, f.mem, in.ID), intent.KindDecision)

	jobs := f.client.jobs(t)
	require.Len(t, jobs, 1)
	require.Equal(t, queue.StageExecute, jobs[0].Stage)
	require.Equal(t, []string{intent.EventApproved}, f.notifier.events())
}

func TestDecisionEscalates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)

	job := f.job(in, queue.StageDecision)
	job.Payload = map[string]any{"basis": map[string]any{"rule_action": "escalate"}}
	require.NoError(t, f.pipe.HandleDecision(ctx, job))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusEscalated, got.Status)
	require.Len(t, f.mem.Escalations(), 1)
	require.Empty(t, f.client.jobs(t))
	require.Equal(t, []string{intent.EventEscalated}, f.notifier.events())
}

func TestDecisionPolicyOverrideDenies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)

	job := f.job(in, queue.StageDecision)
	job.Payload = map[string]any{"basis": map[string]any{
		"rule_action":   "allow",
		"policy_action": "deny",
	}}
	require.NoError(t, f.pipe.HandleDecision(ctx, job))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusDenied, got.Status)

	evals, err := f.mem.ListEvaluations(ctx, in.ID)
	require.NoError(t, err)
	var decision *intent.Evaluation
	for _, e := range evals {
		if e.Kind == intent.KindDecision {
			decision = e
		}
	}
	require.NotNil(t, decision)
	require.Equal(t, true, decision.Result["policy_override"])
	require.Equal(t, []string{intent.EventDenied}, f.notifier.events())
}

func TestDecisionTrustGateFailsClosed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)
	// Trust collapsed since admission; the default gate requires level 1.
	f.trust.set(5, 0)

	job := f.job(in, queue.StageDecision)
	job.Payload = map[string]any{"basis": map[string]any{"rule_action": "allow"}}
	require.NoError(t, f.pipe.HandleDecision(ctx, job))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusDenied, got.Status)
	require.Contains(t, kinds(t, f.mem, in.ID), intent.KindTrustGate)
	require.Empty(t, f.client.jobs(t))
}

func TestDecisionRecoversBasisFromStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)
	eval, err := intent.NewEvaluation(in.ID, intent.KindBasis, intent.Basis{RuleAction: intent.ActionAllow})
	require.NoError(t, err)
	require.NoError(t, f.mem.AddEvaluation(ctx, eval))

	// Replayed job without a payload.
	require.NoError(t, f.pipe.HandleDecision(ctx, f.job(in, queue.StageDecision)))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusApproved, got.Status)
}

func TestDecisionRecordsProofArtifact(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)

	job := f.job(in, queue.StageDecision)
	job.Payload = map[string]any{"basis": map[string]any{"rule_action": "allow"}}
	require.NoError(t, f.pipe.HandleDecision(ctx, job))

	var proof *store.AuditRecord
	for _, rec := range f.mem.Audits() {
		if rec.Action == "intent.decision.proof" {
			proof = rec
		}
	}
	require.NotNil(t, proof)
	require.Equal(t, in.ID, proof.IntentID)
	require.Equal(t, "sha256", proof.Payload["algorithm"])
	require.Equal(t, "allow", proof.Payload["final_action"])

	// The digest binds the verdict to the approval event's chain hash.
	latest, err := f.mem.LatestEvent(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, latest.Hash, proof.Payload["event_hash"])
	canonical, err := intent.CanonicalJSON(map[string]any{
		"intent_id":     in.ID,
		"tenant_id":     "acme",
		"event_hash":    latest.Hash,
		"rule_action":   "allow",
		"policy_action": "",
		"final_action":  "allow",
	})
	require.NoError(t, err)
	sum := sha256.Sum256(canonical)
	require.Equal(t, hex.EncodeToString(sum[:]), proof.Payload["digest"])
}

func TestDecisionRecordsTrustDrift(t *testing.T) {
	cases := []struct {
		name     string
		live     int
		severity string
	}{
		{name: "below threshold", live: 70, severity: ""},
		{name: "minor", live: 50, severity: "minor"},
		{name: "major", live: 5, severity: "major"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			// Snapshot at submission is 75; keep the level above the gate so
			// only drift is in play.
			in := f.seed(t, intent.StatusEvaluating)
			f.trust.set(tc.live, 3)

			job := f.job(in, queue.StageDecision)
			job.Payload = map[string]any{"basis": map[string]any{"rule_action": "allow"}}
			require.NoError(t, f.pipe.HandleDecision(ctx, job))

			got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
			require.NoError(t, err)
			require.Equal(t, intent.StatusApproved, got.Status)
			require.Equal(t, tc.live, got.TrustScore)

			for _, sev := range []string{"minor", "major", "critical"} {
				want := 0.0
				if sev == tc.severity {
					want = 1.0
				}
				require.Equal(t, want,
					testutil.ToFloat64(f.metrics.TrustDriftSeverity.WithLabelValues(sev)),
					"severity %s", sev)
			}
		})
	}
}

func TestExecuteCompletes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating, intent.StatusApproved)
	f.sandbox.res = &sandbox.Result{Outcome: sandbox.OutcomeSuccess, DurationMs: 42, MemoryPeakMB: 64}

	require.NoError(t, f.pipe.HandleExecute(ctx, f.job(in, queue.StageExecute)))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusCompleted, got.Status)
	require.Equal(t, 1, f.sandbox.calls())
	require.Equal(t, []string{intent.EventExecutionCompleted}, f.notifier.events())

	events, err := f.mem.ListEvents(ctx, in.ID, 0, 20)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	require.Contains(t, types, intent.EventExecutionStarted)
	require.Contains(t, types, intent.EventExecutionCompleted)
}

func TestExecuteFailureIsTerminalAndSilent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating, intent.StatusApproved)
	f.sandbox.res = &sandbox.Result{Outcome: sandbox.OutcomeFailure, Message: "exit 1"}

	require.NoError(t, f.pipe.HandleExecute(ctx, f.job(in, queue.StageExecute)))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusFailed, got.Status)
	// Failures do not notify subscribers.
	require.Empty(t, f.notifier.events())
	require.Contains(t, kinds(t, f.mem, in.ID), intent.KindError)
}

func TestExecuteHonorsCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusCancelled)

	require.NoError(t, f.pipe.HandleExecute(ctx, f.job(in, queue.StageExecute)))

	require.Equal(t, 0, f.sandbox.calls())
	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusCancelled, got.Status)
}

func TestExecuteRetriesTransportErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating, intent.StatusApproved)
	f.sandbox.res = nil
	f.sandbox.err = errors.New("connection refused")

	err := f.pipe.HandleExecute(ctx, f.job(in, queue.StageExecute))
	require.Error(t, err)
	require.True(t, intent.Retryable(err))

	// The intent stays executing so a replayed job resumes at the sandbox.
	got, gerr := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, gerr)
	require.Equal(t, intent.StatusExecuting, got.Status)

	f.sandbox.err = nil
	f.sandbox.res = &sandbox.Result{Outcome: sandbox.OutcomeSuccess}
	require.NoError(t, f.pipe.HandleExecute(ctx, f.job(in, queue.StageExecute)))
	got, gerr = f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, gerr)
	require.Equal(t, intent.StatusCompleted, got.Status)
}

func TestDeadLetterParksIntent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := f.seed(t, intent.StatusEvaluating)

	f.pipe.HandleDeadLetter(ctx, f.job(in, queue.StageEvaluate), errors.New("handler kept failing"))

	got, err := f.mem.GetIntent(ctx, in.ID, "acme", false)
	require.NoError(t, err)
	require.Equal(t, intent.StatusFailed, got.Status)
	require.Contains(t, kinds(t, f.mem, in.ID), intent.KindError)
}
