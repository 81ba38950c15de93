// Package worker implements the four pipeline stages that move an intent from
// pending to a terminal state: intake (trust snapshot), evaluate (rules and
// policy), decision (drift check, gate, verdict) and execute (sandboxed run).
// Each stage is a queue.Handler; an error return hands retry and dead-letter
// routing to the stage runner.
package worker

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/policy"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/rules"
	"github.com/vorion/engine/sandbox"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/telemetry"
	"github.com/vorion/engine/trust"
)

type (
	// Notifier publishes lifecycle events to webhook subscribers. Publishing
	// is fire-and-forget from the pipeline's perspective.
	Notifier interface {
		Publish(ctx context.Context, tenant, event string, in *intent.Intent)
	}

	// Options configures the pipeline. Policy and Notifier are optional;
	// everything else is required.
	Options struct {
		Config   *config.Config
		Store    store.Store
		Queues   *queue.Queues
		Trust    *trust.Resolver
		Rules    rules.Engine
		Policy   policy.Engine
		Breakers *breaker.Registry
		Sandbox  sandbox.Runner
		Notifier Notifier
		Metrics  *telemetry.Metrics
	}

	// Pipeline owns the stage handlers and their shared dependencies.
	Pipeline struct {
		cfg      *config.Config
		store    store.Store
		queues   *queue.Queues
		trust    *trust.Resolver
		rules    rules.Engine
		policy   policy.Engine
		breakers *breaker.Registry
		sandbox  sandbox.Runner
		notifier Notifier
		metrics  *telemetry.Metrics
	}
)

// New constructs the stage pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("worker: config is required")
	case opts.Store == nil:
		return nil, errors.New("worker: store is required")
	case opts.Queues == nil:
		return nil, errors.New("worker: queues are required")
	case opts.Trust == nil:
		return nil, errors.New("worker: trust resolver is required")
	case opts.Rules == nil:
		return nil, errors.New("worker: rules engine is required")
	case opts.Breakers == nil:
		return nil, errors.New("worker: breaker registry is required")
	case opts.Sandbox == nil:
		return nil, errors.New("worker: sandbox runner is required")
	}
	return &Pipeline{
		cfg:      opts.Config,
		store:    opts.Store,
		queues:   opts.Queues,
		trust:    opts.Trust,
		rules:    opts.Rules,
		policy:   opts.Policy,
		breakers: opts.Breakers,
		sandbox:  opts.Sandbox,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
	}, nil
}

// Handlers maps each stage to its handler for runner wiring.
func (p *Pipeline) Handlers() map[queue.Stage]queue.Handler {
	return map[queue.Stage]queue.Handler{
		queue.StageIntake:   p.HandleIntake,
		queue.StageEvaluate: p.HandleEvaluate,
		queue.StageDecision: p.HandleDecision,
		queue.StageExecute:  p.HandleExecute,
	}
}

// HandleDeadLetter parks the owning intent when its job exhausts retries: the
// intent moves to failed with an error evaluation so operators see why. Wired
// through Runner.OnDeadLetter.
func (p *Pipeline) HandleDeadLetter(ctx context.Context, job *queue.Job, cause error) {
	in, err := p.store.GetIntent(ctx, job.IntentID, job.Tenant, false)
	if err != nil {
		log.Errorf(ctx, err, "dead-lettered intent %s not found", job.IntentID)
		return
	}
	if in.Status.Terminal() {
		return
	}
	eval, err := intent.NewEvaluation(in.ID, intent.KindError, map[string]any{
		"stage": string(job.Stage),
		"error": cause.Error(),
		"kind":  string(intent.KindOf(cause)),
	})
	if err != nil {
		log.Errorf(ctx, err, "build error evaluation for %s", in.ID)
	}
	_, terr := p.store.Transition(ctx, store.TransitionParams{
		IntentID: in.ID,
		Tenant:   job.Tenant,
		From:     in.Status,
		To:       intent.StatusFailed,
		Event: &intent.Event{
			Type: intent.EventFailed,
			Payload: map[string]any{
				"stage":  string(job.Stage),
				"reason": "retries exhausted",
				"error":  cause.Error(),
			},
		},
		Evaluation: eval,
	})
	if terr != nil {
		log.Errorf(ctx, terr, "park dead-lettered intent %s", in.ID)
		return
	}
	p.observeTransition(in.Status, intent.StatusFailed)
	p.audit(ctx, job.Tenant, in.ID, "intent.dead_lettered", string(job.Stage))
}

// load fetches the job's intent and applies the stage-entry checkpoint: the
// intent must be live and in one of the expected states. A false return means
// the job should be acked without work (cancelled, superseded or gone).
func (p *Pipeline) load(ctx context.Context, job *queue.Job, want ...intent.Status) (*intent.Intent, bool, error) {
	in, err := p.store.GetIntent(ctx, job.IntentID, job.Tenant, false)
	if err != nil {
		if intent.IsKind(err, intent.KindNotFound) {
			log.Warn(ctx, log.KV{K: "msg", V: "job references missing intent, dropping"},
				log.KV{K: "intent_id", V: job.IntentID})
			return nil, false, nil
		}
		return nil, false, err
	}
	if in.Status == intent.StatusCancelled {
		p.recordCancelledCheckpoint(ctx, in, job.Stage)
		return nil, false, nil
	}
	for _, w := range want {
		if in.Status == w {
			return in, true, nil
		}
	}
	log.Info(ctx, log.KV{K: "msg", V: "stage skipped, intent no longer eligible"},
		log.KV{K: "status", V: string(in.Status)},
		log.KV{K: "stage", V: string(job.Stage)})
	return nil, false, nil
}

// recordCancelledCheckpoint notes that a stage observed the cancellation and
// stopped. Best effort; the cancel itself already transitioned the intent.
func (p *Pipeline) recordCancelledCheckpoint(ctx context.Context, in *intent.Intent, stage queue.Stage) {
	eval, err := intent.NewEvaluation(in.ID, intent.KindCancelled, map[string]any{
		"stage":  string(stage),
		"reason": in.CancellationReason,
	})
	if err != nil {
		return
	}
	if err := p.store.AddEvaluation(ctx, eval); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "cancellation checkpoint record failed"},
			log.KV{K: "err", V: err})
	}
	log.Info(ctx, log.KV{K: "msg", V: "cancelled intent halted at stage"},
		log.KV{K: "stage", V: string(stage)})
}

// transition commits a lifecycle move and emits the transition metric.
func (p *Pipeline) transition(ctx context.Context, params store.TransitionParams) (*intent.Intent, error) {
	out, err := p.store.Transition(ctx, params)
	if err != nil {
		return nil, err
	}
	p.observeTransition(params.From, params.To)
	return out, nil
}

func (p *Pipeline) observeTransition(from, to intent.Status) {
	if p.metrics != nil {
		p.metrics.IntentTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (p *Pipeline) observeStage(stage queue.Stage, start time.Time) {
	if p.metrics != nil {
		p.metrics.ProcessingDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	}
}

// audit records a pipeline action fire-and-forget.
func (p *Pipeline) audit(ctx context.Context, tenant, intentID, action, actor string) {
	rec := &store.AuditRecord{TenantID: tenant, IntentID: intentID, Action: action, Actor: actor}
	if err := p.store.AddAudit(ctx, rec); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "audit write failed"},
			log.KV{K: "action", V: action}, log.KV{K: "err", V: err})
	}
}

// notify publishes a lifecycle webhook when a notifier is wired.
func (p *Pipeline) notify(ctx context.Context, tenant, event string, in *intent.Intent) {
	if p.notifier == nil {
		return
	}
	p.notifier.Publish(ctx, tenant, event, in)
}
