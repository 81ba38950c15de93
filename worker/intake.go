package worker

import (
	"context"
	"time"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/store"
)

// HandleIntake runs the first stage: record a trust snapshot and move the
// intent into evaluation.
func (p *Pipeline) HandleIntake(ctx context.Context, job *queue.Job) error {
	start := time.Now()
	defer p.observeStage(queue.StageIntake, start)

	in, ok, err := p.load(ctx, job, intent.StatusPending)
	if err != nil || !ok {
		return err
	}

	score, err := p.trust.Resolve(ctx, job.Tenant, in.EntityID)
	if err != nil {
		return err
	}
	if err := p.store.UpdateTrust(ctx, in.ID, score.Score, score.Level); err != nil {
		return err
	}

	eval, err := intent.NewEvaluation(in.ID, intent.KindTrustSnapshot, intent.TrustSnapshot{
		Score:  score.Score,
		Level:  score.Level,
		Source: score.Source,
	})
	if err != nil {
		return err
	}
	if _, err := p.transition(ctx, store.TransitionParams{
		IntentID: in.ID,
		Tenant:   job.Tenant,
		From:     intent.StatusPending,
		To:       intent.StatusEvaluating,
		Event: &intent.Event{
			Type: intent.EventEvaluationStarted,
			Payload: map[string]any{
				"trust_score":  score.Score,
				"trust_level":  score.Level,
				"trust_source": score.Source,
			},
		},
		Evaluation: eval,
	}); err != nil {
		// A lost race means another worker already advanced the intent.
		if intent.IsKind(err, intent.KindConflict) {
			return nil
		}
		return err
	}

	return p.queues.Enqueue(ctx, queue.StageEvaluate, &queue.Job{
		IntentID: in.ID,
		Tenant:   job.Tenant,
		Type:     in.Type,
	})
}
