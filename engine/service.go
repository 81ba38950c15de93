package engine

import (
	"context"

	"goa.design/clue/log"

	"github.com/vorion/engine/eventlog"
	"github.com/vorion/engine/intake"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
)

type (
	// IntentDetail is an intent with its full event chain and evaluations.
	IntentDetail struct {
		Intent      *intent.Intent       `json:"intent"`
		Events      []*intent.Event      `json:"events"`
		Evaluations []*intent.Evaluation `json:"evaluations"`
	}

	// CancelParams drives Cancel. Reason is required.
	CancelParams struct {
		Reason      string
		CancelledBy string
	}

	// UpdateStatusParams drives the UpdateStatus operator path.
	UpdateStatusParams struct {
		// From pins the expected current status; empty uses whatever the
		// intent is in now.
		From intent.Status
		// SkipValidation bypasses the transition table. Terminal intents are
		// still immutable.
		SkipValidation bool
		// HasReason and HasPermission satisfy the side conditions some
		// transitions demand.
		HasReason     bool
		HasPermission bool
		// Reason and Actor annotate the transition event and audit record.
		Reason string
		Actor  string
	}
)

// Submit admits one submission into the pipeline.
func (e *Engine) Submit(ctx context.Context, tenant string, sub *intent.Submission, opts intake.SubmitOptions) (*intent.Intent, error) {
	return e.intake.Submit(ctx, tenant, sub, opts)
}

// SubmitBulk admits submissions sequentially.
func (e *Engine) SubmitBulk(ctx context.Context, tenant string, subs []*intent.Submission, opts intake.BulkOptions) (*intake.BulkResult, error) {
	return e.intake.SubmitBulk(ctx, tenant, subs, opts)
}

// Get fetches an intent scoped to its tenant.
func (e *Engine) Get(ctx context.Context, id, tenant string) (*intent.Intent, error) {
	return e.store.GetIntent(ctx, id, tenant, false)
}

// GetWithEvents fetches an intent with its event chain and evaluations.
func (e *Engine) GetWithEvents(ctx context.Context, id, tenant string) (*IntentDetail, error) {
	in, err := e.store.GetIntent(ctx, id, tenant, false)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	evals, err := e.store.ListEvaluations(ctx, id)
	if err != nil {
		return nil, err
	}
	return &IntentDetail{Intent: in, Events: events, Evaluations: evals}, nil
}

// List pages through a tenant's intents.
func (e *Engine) List(ctx context.Context, f store.ListFilter) (*store.IntentPage, error) {
	if f.Tenant == "" {
		return nil, intent.NewError(intent.KindValidation, "tenant is required")
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	return e.store.ListIntents(ctx, f)
}

// Cancel moves a live intent to cancelled. Only pending, evaluating and
// escalated intents can be cancelled; in-flight workers observe the new status
// at their next checkpoint and stop.
func (e *Engine) Cancel(ctx context.Context, id, tenant string, p CancelParams) (*intent.Intent, error) {
	if p.Reason == "" {
		return nil, intent.NewError(intent.KindValidation, "cancellation reason is required")
	}
	in, err := e.store.GetIntent(ctx, id, tenant, false)
	if err != nil {
		return nil, err
	}
	if !in.Status.Cancellable() {
		return nil, intent.NewError(intent.KindInvalidStateTransition, "intent can no longer be cancelled").
			With("status", string(in.Status))
	}
	if err := intent.ValidateTransition(in.Status, intent.StatusCancelled, intent.TransitionChecks{HasReason: true}); err != nil {
		return nil, err
	}
	out, err := e.store.Transition(ctx, store.TransitionParams{
		IntentID: id,
		Tenant:   tenant,
		From:     in.Status,
		To:       intent.StatusCancelled,
		Event: &intent.Event{
			Type: intent.EventCancelled,
			Payload: map[string]any{
				"reason":       p.Reason,
				"cancelled_by": p.CancelledBy,
			},
		},
		CancellationReason: p.Reason,
		CancelledBy:        p.CancelledBy,
	})
	if err != nil {
		return nil, err
	}
	e.observeTransition(in.Status, intent.StatusCancelled)
	e.audit(ctx, tenant, id, "intent.cancelled", p.CancelledBy)
	if e.dispatcher != nil {
		e.dispatcher.Publish(ctx, tenant, intent.EventCancelled, out)
	}
	log.Info(ctx, log.KV{K: "msg", V: "intent cancelled"},
		log.KV{K: "intent_id", V: id},
		log.KV{K: "from", V: string(in.Status)})
	return out, nil
}

// Delete soft-deletes an intent: context and metadata are cleared, the row and
// its event chain are kept for audit.
func (e *Engine) Delete(ctx context.Context, id, tenant string) (*intent.Intent, error) {
	out, err := e.store.SoftDelete(ctx, id, tenant)
	if err != nil {
		return nil, err
	}
	e.audit(ctx, tenant, id, "intent.deleted", "")
	log.Info(ctx, log.KV{K: "msg", V: "intent soft-deleted"},
		log.KV{K: "intent_id", V: id})
	return out, nil
}

// UpdateStatus is the operator escape hatch: it moves an intent between
// statuses with explicit control over the transition checks. Terminal intents
// stay immutable even with SkipValidation.
func (e *Engine) UpdateStatus(ctx context.Context, id, tenant string, to intent.Status, p UpdateStatusParams) (*intent.Intent, error) {
	in, err := e.store.GetIntent(ctx, id, tenant, false)
	if err != nil {
		return nil, err
	}
	from := p.From
	if from == "" {
		from = in.Status
	}
	checks := intent.TransitionChecks{
		HasReason:      p.HasReason || p.Reason != "",
		HasPermission:  p.HasPermission,
		SkipValidation: p.SkipValidation,
	}
	if err := intent.ValidateTransition(from, to, checks); err != nil {
		return nil, err
	}
	params := store.TransitionParams{
		IntentID: id,
		Tenant:   tenant,
		From:     from,
		To:       to,
		Event: &intent.Event{
			Type: intent.EventTypeFor(from, to),
			Payload: map[string]any{
				"operator": true,
				"reason":   p.Reason,
			},
		},
	}
	if to == intent.StatusCancelled {
		params.CancellationReason = p.Reason
		params.CancelledBy = p.Actor
	}
	out, err := e.store.Transition(ctx, params)
	if err != nil {
		return nil, err
	}
	e.observeTransition(from, to)
	e.audit(ctx, tenant, id, "intent.status.updated", p.Actor)
	if e.dispatcher != nil {
		e.dispatcher.Publish(ctx, tenant, intent.EventTypeFor(from, to), out)
	}
	return out, nil
}

// VerifyEventChain streams an intent's event chain through the verifier.
func (e *Engine) VerifyEventChain(ctx context.Context, intentID string, opts eventlog.VerifyOptions) (*eventlog.VerifyReport, error) {
	return e.elog.Verify(ctx, intentID, opts)
}

func (e *Engine) observeTransition(from, to intent.Status) {
	if e.metrics != nil {
		e.metrics.IntentTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

// audit records a service action fire-and-forget.
func (e *Engine) audit(ctx context.Context, tenant, intentID, action, actor string) {
	rec := &store.AuditRecord{TenantID: tenant, IntentID: intentID, Action: action, Actor: actor}
	if err := e.store.AddAudit(ctx, rec); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "audit write failed"},
			log.KV{K: "action", V: action}, log.KV{K: "err", V: err})
	}
}
