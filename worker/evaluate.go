package worker

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/policy"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/rules"
)

// policyBreaker names the circuit protecting the external policy engine.
const policyBreaker = "policyEngine"

// HandleEvaluate runs rules and policy against the intent and records the
// merged basis the decision stage works from. A dead policy engine degrades to
// a rules-only basis; a rules failure is retryable and fails the job.
func (p *Pipeline) HandleEvaluate(ctx context.Context, job *queue.Job) error {
	start := time.Now()
	defer p.observeStage(queue.StageEvaluate, start)

	in, ok, err := p.load(ctx, job, intent.StatusEvaluating)
	if err != nil || !ok {
		return err
	}

	basis, err := p.evaluateBasis(ctx, in)
	if err != nil {
		return err
	}
	eval, err := intent.NewEvaluation(in.ID, intent.KindBasis, basis)
	if err != nil {
		return err
	}
	if err := p.store.AddEvaluation(ctx, eval); err != nil {
		return err
	}

	return p.queues.Enqueue(ctx, queue.StageDecision, &queue.Job{
		IntentID: in.ID,
		Tenant:   job.Tenant,
		Type:     in.Type,
		Payload:  map[string]any{"basis": asMap(basis)},
	})
}

// evaluateBasis runs the rule scan and the policy engine concurrently. Rules
// are authoritative and must succeed; policy rides behind its breaker and is
// skipped, with the reason recorded, when it cannot answer.
func (p *Pipeline) evaluateBasis(ctx context.Context, in *intent.Intent) (*intent.Basis, error) {
	var (
		ruleRes   *rules.Result
		policyRes *policy.Result
		policyErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := p.rules.Evaluate(gctx, in)
		if err != nil {
			return err
		}
		ruleRes = r
		return nil
	})
	if p.policy != nil {
		g.Go(func() error {
			pstart := time.Now()
			policyErr = p.breakers.Get(policyBreaker).Execute(gctx, func(ctx context.Context) error {
				r, err := p.policy.Evaluate(ctx, in)
				if err != nil {
					return err
				}
				policyRes = r
				return nil
			})
			if p.metrics != nil {
				p.metrics.PolicyDuration.Observe(time.Since(pstart).Seconds())
				outcome := "success"
				if policyErr != nil {
					outcome = "error"
				}
				p.metrics.PolicyEvaluations.WithLabelValues(outcome).Inc()
			}
			// Policy failure never aborts the stage.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	basis := &intent.Basis{
		RuleAction:  ruleRes.Action,
		RuleMatches: ruleRes.Matched,
	}
	switch {
	case p.policy == nil:
		basis.PolicySkipped = true
	case policyErr != nil:
		basis.PolicySkipped = true
		basis.PolicyError = policyErr.Error()
		log.Warn(ctx, log.KV{K: "msg", V: "policy engine unavailable, deciding on rules alone"},
			log.KV{K: "err", V: policyErr})
	default:
		basis.PolicyAction = policyRes.Action
		basis.PolicyMatches = policyRes.MatchCounts
	}
	return basis, nil
}

// asMap round-trips a typed result into the generic payload shape jobs carry.
func asMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
