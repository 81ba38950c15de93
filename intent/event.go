package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type (
	// Event is one hash-chained record in an intent's append-only log. Events
	// for a given intent form a total order; each event links to its
	// predecessor through PreviousHash.
	Event struct {
		ID       string `json:"id" db:"id"`
		IntentID string `json:"intent_id" db:"intent_id"`
		// Type is the event kind, e.g. "intent.submitted".
		Type string `json:"event_type" db:"event_type"`
		// Payload is the canonical JSON body recorded with the event.
		Payload map[string]any `json:"payload,omitempty" db:"-"`
		// OccurredAt is the wall-clock append time.
		OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
		// Hash is H(canonical(event) || PreviousHash).
		Hash string `json:"hash" db:"hash"`
		// PreviousHash is the predecessor's Hash, or GenesisHash for the first
		// event of the chain.
		PreviousHash string `json:"previous_hash" db:"previous_hash"`
	}
)

// Lifecycle event types recorded on the chain and delivered to webhooks.
const (
	EventSubmitted          = "intent.submitted"
	EventEvaluationStarted  = "intent.evaluation.started"
	EventApproved           = "intent.approved"
	EventDenied             = "intent.denied"
	EventEscalated          = "intent.escalated"
	EventExecutionStarted   = "intent.execution.started"
	EventExecutionCompleted = "intent.completed"
	EventFailed             = "intent.failed"
	EventCancelled          = "intent.cancelled"
	EventDeleted            = "intent.deleted"
	EventStatusChanged      = "intent.status.changed"
)

// GenesisHash anchors the first event of every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ChainHash computes the hash of an event given its predecessor's hash. The
// event's own Hash and PreviousHash fields are excluded from the canonical
// form; everything else is serialized with sorted keys so the digest is
// stable across processes.
func ChainHash(e *Event, previousHash string) (string, error) {
	canonical, err := CanonicalJSON(map[string]any{
		"intent_id":   e.IntentID,
		"event_type":  e.Type,
		"payload":     e.Payload,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(append(canonical, []byte(previousHash)...))
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON serializes v with object keys sorted recursively. Map
// iteration order must never leak into hashes or signatures.
func CanonicalJSON(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// normalize rebuilds v as types whose JSON encoding is deterministic. Maps
// become sortedMap values; everything else round-trips through encoding/json
// untouched.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sm := sortedMap{keys: keys, values: make([]any, len(keys))}
		for i, k := range keys {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			sm.values[i] = nv
		}
		return sm, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		// Structs and scalars: round-trip through JSON so custom marshalers
		// and nested maps normalize too.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		if m, ok := decoded.(map[string]any); ok {
			return normalize(m)
		}
		if s, ok := decoded.([]any); ok {
			return normalize(s)
		}
		return decoded, nil
	}
}

// sortedMap marshals as a JSON object with keys in the recorded order.
type sortedMap struct {
	keys   []string
	values []any
}

func (m sortedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range m.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[i])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}
