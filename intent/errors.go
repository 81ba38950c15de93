package intent

import (
	"errors"
	"fmt"
)

type (
	// Kind classifies engine errors. Kinds map onto transport semantics at
	// the surface (validation and gate failures are 4xx-style, the rest 5xx)
	// but the engine itself only ever branches on Kind.
	Kind string

	// Error is the structured error type shared by all engine components. It
	// carries a Kind, a human-readable message, optional structured details
	// and an optional wrapped cause.
	Error struct {
		Kind    Kind
		Message string
		Details map[string]any
		cause   error
	}
)

const (
	KindValidation             Kind = "VALIDATION"
	KindTrustInsufficient      Kind = "TRUST_INSUFFICIENT"
	KindConsentRequired        Kind = "CONSENT_REQUIRED"
	KindRateLimited            Kind = "INTENT_RATE_LIMIT"
	KindLocked                 Kind = "INTENT_LOCKED"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindNotFound               Kind = "NOT_FOUND"
	KindConflict               Kind = "CONFLICT"
	KindStatementTimeout       Kind = "STATEMENT_TIMEOUT"
	// KindCircuitOpen is an internal marker; it is mapped to a degradation
	// path or to KindInternal before ever reaching a caller.
	KindCircuitOpen   Kind = "CIRCUIT_OPEN"
	KindEnqueueFailed Kind = "ENQUEUE_FAILED"
	KindInternal      Kind = "INTERNAL"
)

// NewError builds an Error with the given kind and message.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error wrapping a cause.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// With attaches a structured detail and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by Kind so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindNotFound}) work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// KindOf extracts the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a worker should retry after err. Gate failures
// and validation problems are deterministic; store and network problems are
// worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindTrustInsufficient, KindConsentRequired,
		KindInvalidStateTransition, KindNotFound, KindConflict:
		return false
	}
	return true
}
