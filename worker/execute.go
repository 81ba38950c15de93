package worker

import (
	"context"
	"errors"
	"time"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/sandbox"
	"github.com/vorion/engine/store"
)

// sandboxBreaker names the circuit protecting the execution runtime.
const sandboxBreaker = "sandbox"

// HandleExecute runs the approved intent in the sandbox and records the
// terminal outcome. The stage re-checks approval on entry so a cancellation
// that raced the decision wins; a replayed job finding the intent already
// executing resumes at the sandbox call.
func (p *Pipeline) HandleExecute(ctx context.Context, job *queue.Job) error {
	start := time.Now()
	defer p.observeStage(queue.StageExecute, start)

	in, ok, err := p.load(ctx, job, intent.StatusApproved, intent.StatusExecuting)
	if err != nil || !ok {
		return err
	}

	if in.Status == intent.StatusApproved {
		if _, err := p.transition(ctx, store.TransitionParams{
			IntentID: in.ID,
			Tenant:   job.Tenant,
			From:     intent.StatusApproved,
			To:       intent.StatusExecuting,
			Event:    &intent.Event{Type: intent.EventExecutionStarted},
		}); err != nil {
			if intent.IsKind(err, intent.KindConflict) {
				return nil
			}
			return err
		}
	}

	limits := sandbox.LimitsFromConfig(p.cfg)
	if p.metrics != nil {
		p.metrics.ExecutionsInFlight.Inc()
		defer p.metrics.ExecutionsInFlight.Dec()
	}

	var res *sandbox.Result
	runStart := time.Now()
	err = p.breakers.Get(sandboxBreaker).Execute(ctx, func(ctx context.Context) error {
		r, rerr := p.sandbox.Execute(ctx, in, limits)
		if rerr != nil {
			return rerr
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			// Leave the intent executing; the retry lands after the circuit
			// resets.
			return intent.WrapError(intent.KindCircuitOpen, "sandbox circuit open", err)
		}
		return err
	}
	if p.metrics != nil {
		p.metrics.Executions.WithLabelValues(string(res.Outcome)).Inc()
		p.metrics.ExecutionDuration.Observe(time.Since(runStart).Seconds())
		if res.MemoryPeakMB > 0 {
			p.metrics.ExecutionMemoryPeak.Observe(float64(res.MemoryPeakMB))
		}
	}

	if res.Outcome == sandbox.OutcomeSuccess {
		if _, err := p.transition(ctx, store.TransitionParams{
			IntentID: in.ID,
			Tenant:   job.Tenant,
			From:     intent.StatusExecuting,
			To:       intent.StatusCompleted,
			Event: &intent.Event{
				Type: intent.EventExecutionCompleted,
				Payload: map[string]any{
					"duration_ms":    res.DurationMs,
					"memory_peak_mb": res.MemoryPeakMB,
				},
			},
		}); err != nil {
			if intent.IsKind(err, intent.KindConflict) {
				return nil
			}
			return err
		}
		p.audit(ctx, job.Tenant, in.ID, "intent.executed", "pipeline")
		p.notify(ctx, job.Tenant, intent.EventExecutionCompleted, in)
		return nil
	}

	// Failure, timeout or blocked: terminal failure, no webhook.
	eval, _ := intent.NewEvaluation(in.ID, intent.KindError, map[string]any{
		"outcome": string(res.Outcome),
		"message": res.Message,
	})
	if _, err := p.transition(ctx, store.TransitionParams{
		IntentID: in.ID,
		Tenant:   job.Tenant,
		From:     intent.StatusExecuting,
		To:       intent.StatusFailed,
		Event: &intent.Event{
			Type: intent.EventFailed,
			Payload: map[string]any{
				"outcome": string(res.Outcome),
				"message": res.Message,
			},
		},
		Evaluation: eval,
	}); err != nil {
		if intent.IsKind(err, intent.KindConflict) {
			return nil
		}
		return err
	}
	p.audit(ctx, job.Tenant, in.ID, "intent.execution_failed", "pipeline")
	return nil
}
