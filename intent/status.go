package intent

type (
	// TransitionChecks carries the side conditions some transitions demand.
	// Cancellation requires a reason; human approval and denial require a
	// permission check to have happened upstream.
	TransitionChecks struct {
		// HasReason is set when the caller supplied a cancellation reason.
		HasReason bool
		// HasPermission is set when the caller passed an approve/deny
		// permission check.
		HasPermission bool
		// SkipValidation bypasses the transition table entirely. Reserved for
		// operator tooling; regular workers never set it.
		SkipValidation bool
	}
)

// transitions is the authoritative lifecycle table. Absent source states admit
// nothing.
var transitions = map[Status][]Status{
	StatusPending:    {StatusEvaluating, StatusCancelled, StatusFailed},
	StatusEvaluating: {StatusApproved, StatusDenied, StatusEscalated, StatusCancelled, StatusFailed},
	StatusEscalated:  {StatusApproved, StatusDenied, StatusCancelled, StatusFailed},
	StatusApproved:   {StatusExecuting, StatusCancelled, StatusFailed},
	StatusExecuting:  {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is a legal lifecycle transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks from → to against the lifecycle table and the
// side conditions in checks. It returns a typed error of kind
// KindInvalidStateTransition on violation.
func ValidateTransition(from, to Status, checks TransitionChecks) error {
	if checks.SkipValidation {
		return nil
	}
	if !to.Valid() {
		return Errorf(KindInvalidStateTransition, "unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return NewError(KindInvalidStateTransition, "transition not permitted").
			With("from", string(from)).
			With("to", string(to))
	}
	if to == StatusCancelled && !checks.HasReason {
		return NewError(KindInvalidStateTransition, "cancellation requires a reason").
			With("from", string(from)).
			With("to", string(to))
	}
	if (to == StatusApproved || to == StatusDenied) && from == StatusEscalated && !checks.HasPermission {
		return NewError(KindInvalidStateTransition, "escalation resolution requires permission").
			With("from", string(from)).
			With("to", string(to))
	}
	return nil
}

// EventTypeFor maps a lifecycle transition to its audit event type.
func EventTypeFor(from, to Status) string {
	switch to {
	case StatusEvaluating:
		return EventEvaluationStarted
	case StatusApproved:
		return EventApproved
	case StatusDenied:
		return EventDenied
	case StatusEscalated:
		return EventEscalated
	case StatusExecuting:
		return EventExecutionStarted
	case StatusCompleted:
		return EventExecutionCompleted
	case StatusFailed:
		return EventFailed
	case StatusCancelled:
		return EventCancelled
	}
	return EventStatusChanged
}
