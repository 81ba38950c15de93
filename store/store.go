// Package store defines the durable persistence interfaces consumed by the
// engine and the shared row types that do not belong to the intent domain
// model. The Postgres implementation lives in store/postgres; an in-memory
// implementation for tests lives in store/memory.
package store

import (
	"context"
	"time"

	"github.com/vorion/engine/intent"
)

type (
	// Store is the full durable-state surface. Implementations must enclose
	// every multi-row invariant in a transaction: intent + initial event,
	// transition + event + evaluation, soft delete + event.
	Store interface {
		IntentStore
		EventStore
		EvaluationStore
		AuditStore
		ConsentStore
		EscalationStore
		DeliveryStore
	}

	// IntentStore owns the intents table.
	IntentStore interface {
		// CreateIntent persists a new intent and its genesis event in one
		// transaction. Returns KindConflict when (tenant, dedupe hash)
		// already exists among live rows.
		CreateIntent(ctx context.Context, in *intent.Intent, initial *intent.Event) error
		// GetIntent fetches an intent scoped to its tenant. Soft-deleted rows
		// are invisible unless includeDeleted is set. Returns KindNotFound
		// when absent.
		GetIntent(ctx context.Context, id, tenant string, includeDeleted bool) (*intent.Intent, error)
		// ListIntents pages through a tenant's intents, newest first.
		ListIntents(ctx context.Context, f ListFilter) (*IntentPage, error)
		// CountActiveIntents counts live, non-terminal intents for a tenant.
		CountActiveIntents(ctx context.Context, tenant string) (int, error)
		// CountByStatus reports live intents grouped by status.
		CountByStatus(ctx context.Context) (map[intent.Status]int, error)
		// FindByFingerprint resolves a live intent by dedupe fingerprint.
		// Returns KindNotFound when absent.
		FindByFingerprint(ctx context.Context, tenant, fingerprint string) (*intent.Intent, error)
		// Transition atomically moves an intent between statuses, appends the
		// chained event, and records the optional evaluation. The status
		// update is conditional on the current status still matching From;
		// KindConflict reports a lost race, KindInvalidStateTransition a
		// terminal intent.
		Transition(ctx context.Context, p TransitionParams) (*intent.Intent, error)
		// SoftDelete marks the intent deleted, clears its context and
		// metadata, and appends the deletion event. The event chain is kept.
		SoftDelete(ctx context.Context, id, tenant string) (*intent.Intent, error)
		// UpdateTrust records the most recently observed trust score/level.
		UpdateTrust(ctx context.Context, id string, score, level int) error
	}

	// EventStore owns the hash-chained intent_events table. AppendEvent must
	// serialize appends per intent (row lock on the latest event) and compute
	// the chain hash inside the same transaction.
	EventStore interface {
		AppendEvent(ctx context.Context, e *intent.Event) (*intent.Event, error)
		// ListEvents returns events for an intent ordered by occurrence,
		// starting at offset. A non-positive limit returns the whole
		// remainder of the chain. Used by the streaming chain verifier.
		ListEvents(ctx context.Context, intentID string, offset, limit int) ([]*intent.Event, error)
		// LatestEvent returns the newest event, or KindNotFound for an empty
		// chain.
		LatestEvent(ctx context.Context, intentID string) (*intent.Event, error)
	}

	// EvaluationStore owns the append-only intent_evaluations table.
	EvaluationStore interface {
		AddEvaluation(ctx context.Context, ev *intent.Evaluation) error
		ListEvaluations(ctx context.Context, intentID string) ([]*intent.Evaluation, error)
	}

	// AuditStore owns audit_records. Writes are fire-and-forget from the
	// pipeline's perspective; failures are logged and metered upstream.
	AuditStore interface {
		AddAudit(ctx context.Context, rec *AuditRecord) error
	}

	// ConsentStore reads the consent registry tables.
	ConsentStore interface {
		// HasConsent reports whether the user granted the named consent type
		// for the tenant and it has not been revoked.
		HasConsent(ctx context.Context, tenant, user, consentType string) (bool, error)
	}

	// EscalationStore owns escalation rows created when a decision escalates.
	EscalationStore interface {
		CreateEscalation(ctx context.Context, e *Escalation) error
	}

	// DeliveryStore owns the durable webhook_deliveries table.
	DeliveryStore interface {
		CreateDelivery(ctx context.Context, d *Delivery) error
		UpdateDelivery(ctx context.Context, d *Delivery) error
		GetDelivery(ctx context.Context, id string) (*Delivery, error)
		// ListDeliveries pages a subscription's deliveries, newest first.
		ListDeliveries(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]*Delivery, error)
		// DueRetries returns deliveries in status retrying whose next retry
		// time has passed, oldest first.
		DueRetries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	}

	// ListFilter selects intents for ListIntents.
	ListFilter struct {
		Tenant         string
		Entity         string
		Status         intent.Status
		Limit          int
		Offset         int
		IncludeDeleted bool
	}

	// IntentPage is one page of ListIntents results.
	IntentPage struct {
		Items   []*intent.Intent `json:"items"`
		Limit   int              `json:"limit"`
		Offset  int              `json:"offset"`
		HasMore bool             `json:"has_more"`
	}

	// TransitionParams drives IntentStore.Transition.
	TransitionParams struct {
		IntentID string
		Tenant   string
		From     intent.Status
		To       intent.Status
		// Event is chained and appended in the same transaction. Required.
		Event *intent.Event
		// Evaluation is recorded alongside when non-nil.
		Evaluation *intent.Evaluation
		// CancellationReason and CancelledBy persist with a cancellation.
		CancellationReason string
		CancelledBy        string
	}

	// AuditRecord is one audit_records row.
	AuditRecord struct {
		ID        string         `json:"id" db:"id"`
		TenantID  string         `json:"tenant_id" db:"tenant_id"`
		IntentID  string         `json:"intent_id,omitempty" db:"intent_id"`
		Action    string         `json:"action" db:"action"`
		Actor     string         `json:"actor,omitempty" db:"actor"`
		Payload   map[string]any `json:"payload,omitempty" db:"-"`
		EventTime time.Time      `json:"event_time" db:"event_time"`
		Archived  bool           `json:"archived" db:"archived"`
	}

	// Escalation is one escalations row awaiting human resolution.
	Escalation struct {
		ID        string    `json:"id" db:"id"`
		TenantID  string    `json:"tenant_id" db:"tenant_id"`
		IntentID  string    `json:"intent_id" db:"intent_id"`
		Status    string    `json:"status" db:"status"`
		Reason    string    `json:"reason" db:"reason"`
		CreatedAt time.Time `json:"created_at" db:"created_at"`
	}

	// DeliveryStatus is the lifecycle of a webhook delivery row.
	DeliveryStatus string

	// Delivery is one webhook_deliveries row. A row exists before the first
	// attempt; once delivered, attempt columns are never modified again.
	Delivery struct {
		ID             string         `json:"id" db:"id"`
		SubscriptionID string         `json:"subscription_id" db:"subscription_id"`
		TenantID       string         `json:"tenant_id" db:"tenant_id"`
		EventType      string         `json:"event_type" db:"event_type"`
		Payload        map[string]any `json:"payload" db:"-"`
		Status         DeliveryStatus `json:"status" db:"status"`
		Attempts       int            `json:"attempts" db:"attempts"`
		LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
		LastError      string         `json:"last_error,omitempty" db:"last_error"`
		NextRetryAt    *time.Time     `json:"next_retry_at,omitempty" db:"next_retry_at"`
		DeliveredAt    *time.Time     `json:"delivered_at,omitempty" db:"delivered_at"`
		ResponseStatus int            `json:"response_status,omitempty" db:"response_status"`
		ResponseBody   string         `json:"response_body,omitempty" db:"response_body"`
		// SkippedByCircuitBreaker marks deliveries failed without an attempt
		// because the subscription's circuit was open.
		SkippedByCircuitBreaker bool      `json:"skipped_by_circuit_breaker" db:"skipped_by_breaker"`
		CreatedAt               time.Time `json:"created_at" db:"created_at"`
	}
)

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// ValidDeliveryTransition enforces the delivery status machine:
// pending→retrying→delivered, pending→retrying→failed, retrying↔retrying,
// failed→retrying (replay). Direct pending→delivered/failed covers the
// single-attempt case.
func ValidDeliveryTransition(from, to DeliveryStatus) bool {
	switch from {
	case DeliveryPending:
		return to == DeliveryRetrying || to == DeliveryDelivered || to == DeliveryFailed
	case DeliveryRetrying:
		return to == DeliveryRetrying || to == DeliveryDelivered || to == DeliveryFailed
	case DeliveryFailed:
		return to == DeliveryRetrying
	case DeliveryDelivered:
		return false
	}
	return false
}
