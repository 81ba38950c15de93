// Package intent defines the core domain model of the governance engine:
// intents, their lifecycle state machine, the hash-chained event records,
// stage evaluations, and the error taxonomy shared by every component.
package intent

import (
	"time"
)

type (
	// Status is the lifecycle state of an intent. Transitions are governed by
	// the state machine in status.go; terminal statuses are never mutated.
	Status string

	// Intent is the unit of work flowing through the pipeline. The engine owns
	// the durable row exclusively; stage jobs reference it by ID.
	Intent struct {
		// ID uniquely identifies the intent.
		ID string `json:"id" db:"id"`
		// TenantID scopes the intent to a tenant.
		TenantID string `json:"tenant_id" db:"tenant_id"`
		// EntityID identifies the submitting actor.
		EntityID string `json:"entity_id" db:"entity_id"`
		// Goal is the free-form goal text.
		Goal string `json:"goal" db:"goal"`
		// Type optionally tags the intent; it drives routing, rate limits and
		// trust thresholds. Empty means "default".
		Type string `json:"intent_type,omitempty" db:"intent_type"`
		// Priority orders intents of equal standing. Higher runs first.
		Priority int `json:"priority" db:"priority"`
		// Context carries structured submission context after redaction.
		Context map[string]any `json:"context,omitempty" db:"-"`
		// Metadata carries caller metadata, redacted like Context.
		Metadata map[string]any `json:"metadata,omitempty" db:"-"`
		// Status is the current lifecycle state.
		Status Status `json:"status" db:"status"`
		// TrustScoreAtSubmission snapshots the entity's fine-grained score at intake.
		TrustScoreAtSubmission int `json:"trust_score_at_submission" db:"trust_score_at_submission"`
		// TrustLevelAtSubmission snapshots the entity's coarse level at intake.
		TrustLevelAtSubmission int `json:"trust_level_at_submission" db:"trust_level_at_submission"`
		// TrustScore is the most recently observed score.
		TrustScore int `json:"trust_score" db:"trust_score"`
		// TrustLevel is the most recently observed level.
		TrustLevel int `json:"trust_level" db:"trust_level"`
		// DedupeHash is the admission fingerprint; (TenantID, DedupeHash) is
		// unique across live intents.
		DedupeHash string `json:"dedupe_hash" db:"dedupe_hash"`
		// CancellationReason records why the intent was cancelled, when it was.
		CancellationReason string `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
		// CancelledBy identifies who requested cancellation.
		CancelledBy string `json:"cancelled_by,omitempty" db:"cancelled_by"`

		CreatedAt   time.Time  `json:"created_at" db:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
		CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
		DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	}

	// Submission is the validated input accepted by the intake service.
	Submission struct {
		// EntityID identifies the submitting actor. Required.
		EntityID string `json:"entity_id"`
		// Goal is the free-form goal text. Required.
		Goal string `json:"goal"`
		// Type optionally tags the intent.
		Type string `json:"intent_type,omitempty"`
		// Priority orders the intent relative to its peers.
		Priority int `json:"priority,omitempty"`
		// Context carries structured submission context.
		Context map[string]any `json:"context,omitempty"`
		// Metadata carries caller metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
		// IdempotencyKey folds into the dedupe fingerprint so retried
		// submissions collapse onto the same intent.
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}
)

const (
	StatusPending    Status = "pending"
	StatusEvaluating Status = "evaluating"
	StatusApproved   Status = "approved"
	StatusDenied     Status = "denied"
	StatusEscalated  Status = "escalated"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s admits no further transitions. Workers must not
// mutate an intent once it is terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDenied, StatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether an intent in state s may still be cancelled by
// its submitter.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusEvaluating, StatusEscalated:
		return true
	}
	return false
}

// Valid reports whether s is a recognized lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusEvaluating, StatusApproved, StatusDenied,
		StatusEscalated, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
