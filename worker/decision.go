package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"goa.design/clue/log"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/store"
)

// Trust drift severity thresholds: the absolute difference between the score
// snapshotted at submission and the score observed at decision time.
const (
	driftMinor    = 20
	driftMajor    = 50
	driftCritical = 100
)

// HandleDecision turns the evaluation basis into a verdict: it re-fetches
// trust, checks drift and the trust gate (fail closed), merges rule and policy
// actions under most-restrictive-wins, and transitions the intent to approved,
// denied or escalated.
func (p *Pipeline) HandleDecision(ctx context.Context, job *queue.Job) error {
	start := time.Now()
	defer p.observeStage(queue.StageDecision, start)

	in, ok, err := p.load(ctx, job, intent.StatusEvaluating)
	if err != nil || !ok {
		return err
	}

	basis, err := p.basisFor(ctx, job, in)
	if err != nil {
		return err
	}

	live, err := p.trust.Resolve(ctx, job.Tenant, in.EntityID)
	if err != nil {
		return err
	}
	p.checkDrift(ctx, in, live.Score)
	if err := p.store.UpdateTrust(ctx, in.ID, live.Score, live.Level); err != nil {
		return err
	}

	required := p.cfg.RequiredTrustLevel(in.Type)
	gate := intent.TrustGateResult{
		Passed:        live.Level >= required,
		RequiredLevel: required,
		ActualLevel:   live.Level,
	}
	if p.metrics != nil {
		outcome := "passed"
		if !gate.Passed {
			outcome = "failed"
		}
		p.metrics.TrustGateChecks.WithLabelValues(outcome).Inc()
	}
	if gateEval, gerr := intent.NewEvaluation(in.ID, intent.KindTrustGate, gate); gerr == nil {
		if err := p.store.AddEvaluation(ctx, gateEval); err != nil {
			return err
		}
	}
	if !gate.Passed {
		// Fail closed: trust dropped below the gate since admission.
		return p.conclude(ctx, job, in, intent.StatusDenied, &intent.DecisionResult{
			RuleAction:  basis.RuleAction,
			FinalAction: intent.ActionDeny,
		}, "trust gate failed at decision time")
	}

	final := intent.MostRestrictive(basis.RuleAction, basis.PolicyAction)
	if !final.Valid() {
		// Nothing usable came out of evaluation; a human sorts it out.
		final = intent.ActionEscalate
	}
	override := basis.PolicyAction.Valid() &&
		basis.PolicyAction != basis.RuleAction &&
		final == basis.PolicyAction
	if override && p.metrics != nil {
		p.metrics.PolicyOverrides.Inc()
	}
	decision := &intent.DecisionResult{
		RuleAction:     basis.RuleAction,
		PolicyAction:   basis.PolicyAction,
		FinalAction:    final,
		PolicyOverride: override,
	}

	var to intent.Status
	switch final {
	case intent.ActionAllow, intent.ActionMonitor, intent.ActionLimit:
		to = intent.StatusApproved
	case intent.ActionEscalate:
		to = intent.StatusEscalated
	default: // deny, terminate
		to = intent.StatusDenied
	}
	return p.conclude(ctx, job, in, to, decision, "")
}

// conclude commits the decision transition, records the escalation row when
// needed, publishes the lifecycle webhook and hands approved intents to the
// execute stage.
func (p *Pipeline) conclude(ctx context.Context, job *queue.Job, in *intent.Intent, to intent.Status, decision *intent.DecisionResult, reason string) error {
	eval, err := intent.NewEvaluation(in.ID, intent.KindDecision, decision)
	if err != nil {
		return err
	}
	payload := map[string]any{"action": string(decision.FinalAction)}
	if reason != "" {
		payload["reason"] = reason
	}
	eventType := intent.EventTypeFor(intent.StatusEvaluating, to)
	ev := &intent.Event{Type: eventType, Payload: payload}
	if _, err := p.transition(ctx, store.TransitionParams{
		IntentID:   in.ID,
		Tenant:     job.Tenant,
		From:       intent.StatusEvaluating,
		To:         to,
		Event:      ev,
		Evaluation: eval,
	}); err != nil {
		if intent.IsKind(err, intent.KindConflict) {
			return nil
		}
		return err
	}
	p.audit(ctx, job.Tenant, in.ID, "intent.decision."+string(to), "pipeline")
	p.recordProof(ctx, job.Tenant, in, ev, decision)

	if to == intent.StatusEscalated {
		esc := &store.Escalation{
			TenantID: job.Tenant,
			IntentID: in.ID,
			Status:   "open",
			Reason:   "decision escalated: " + string(decision.RuleAction),
		}
		if err := p.store.CreateEscalation(ctx, esc); err != nil {
			log.Errorf(ctx, err, "record escalation for %s", in.ID)
		}
	}
	p.notify(ctx, job.Tenant, eventType, in)

	if to != intent.StatusApproved {
		return nil
	}
	return p.queues.Enqueue(ctx, queue.StageExecute, &queue.Job{
		IntentID: in.ID,
		Tenant:   job.Tenant,
		Type:     in.Type,
		Payload:  map[string]any{"action": string(decision.FinalAction)},
	})
}

// recordProof writes a digest binding the verdict to its chain event so the
// decision can be attested later without trusting the mutable intent row.
// Best effort, like audit writes: failures are logged, never propagated.
func (p *Pipeline) recordProof(ctx context.Context, tenant string, in *intent.Intent, ev *intent.Event, decision *intent.DecisionResult) {
	canonical, err := intent.CanonicalJSON(map[string]any{
		"intent_id":     in.ID,
		"tenant_id":     tenant,
		"event_hash":    ev.Hash,
		"rule_action":   string(decision.RuleAction),
		"policy_action": string(decision.PolicyAction),
		"final_action":  string(decision.FinalAction),
	})
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "decision proof skipped"}, log.KV{K: "err", V: err})
		return
	}
	sum := sha256.Sum256(canonical)
	rec := &store.AuditRecord{
		TenantID: tenant,
		IntentID: in.ID,
		Action:   "intent.decision.proof",
		Actor:    "pipeline",
		Payload: map[string]any{
			"algorithm":    "sha256",
			"digest":       hex.EncodeToString(sum[:]),
			"event_hash":   ev.Hash,
			"final_action": string(decision.FinalAction),
		},
	}
	if err := p.store.AddAudit(ctx, rec); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "decision proof write failed"}, log.KV{K: "err", V: err})
	}
}

// basisFor recovers the evaluation basis from the job payload, falling back to
// the recorded basis evaluation when the job was replayed without one.
func (p *Pipeline) basisFor(ctx context.Context, job *queue.Job, in *intent.Intent) (*intent.Basis, error) {
	if m, ok := job.Payload["basis"].(map[string]any); ok {
		if b := decodeBasis(m); b != nil {
			return b, nil
		}
	}
	evals, err := p.store.ListEvaluations(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	for i := len(evals) - 1; i >= 0; i-- {
		if evals[i].Kind != intent.KindBasis {
			continue
		}
		if b := decodeBasis(evals[i].Result); b != nil {
			return b, nil
		}
	}
	return nil, intent.NewError(intent.KindInternal, "no evaluation basis recorded").
		With("intent_id", in.ID)
}

func decodeBasis(m map[string]any) *intent.Basis {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var b intent.Basis
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}

// checkDrift observes how far trust moved since admission and flags large
// swings for operators.
func (p *Pipeline) checkDrift(ctx context.Context, in *intent.Intent, liveScore int) {
	drift := in.TrustScoreAtSubmission - liveScore
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	if p.metrics != nil {
		p.metrics.TrustDrift.Observe(float64(drift))
		switch {
		case abs >= driftCritical:
			p.metrics.TrustDriftSeverity.WithLabelValues("critical").Inc()
		case abs >= driftMajor:
			p.metrics.TrustDriftSeverity.WithLabelValues("major").Inc()
		case abs >= driftMinor:
			p.metrics.TrustDriftSeverity.WithLabelValues("minor").Inc()
		}
	}
	if abs >= driftMinor {
		log.Warn(ctx, log.KV{K: "msg", V: "trust drifted since submission"},
			log.KV{K: "intent_id", V: in.ID},
			log.KV{K: "at_submission", V: in.TrustScoreAtSubmission},
			log.KV{K: "live", V: liveScore},
			log.KV{K: "drift", V: drift})
	}
}
