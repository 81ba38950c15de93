package intent

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// EvaluationKind discriminates the evaluation variants recorded during
	// pipeline stages. The set is closed: unknown kinds are rejected at the
	// boundary.
	EvaluationKind string

	// Evaluation is one structured result blob recorded at a well-defined
	// stage. Rows are append-only.
	Evaluation struct {
		ID       string         `json:"id" db:"id"`
		IntentID string         `json:"intent_id" db:"intent_id"`
		Kind     EvaluationKind `json:"kind" db:"kind"`
		// Result is the kind-specific payload. Exactly one of the typed
		// accessors below applies, selected by Kind.
		Result    map[string]any `json:"result" db:"-"`
		CreatedAt time.Time      `json:"created_at" db:"created_at"`
	}

	// TrustSnapshot is the Result shape for KindTrustSnapshot.
	TrustSnapshot struct {
		Score  int    `json:"score"`
		Level  int    `json:"level"`
		Source string `json:"source"`
	}

	// TrustGateResult is the Result shape for KindTrustGate.
	TrustGateResult struct {
		Passed        bool `json:"passed"`
		RequiredLevel int  `json:"required_level"`
		ActualLevel   int  `json:"actual_level"`
	}

	// Basis is the Result shape for KindBasis: the merged rule and policy
	// outputs produced by the evaluate stage.
	Basis struct {
		RuleAction    Action         `json:"rule_action"`
		RuleMatches   []string       `json:"rule_matches,omitempty"`
		PolicyAction  Action         `json:"policy_action,omitempty"`
		PolicyMatches map[string]int `json:"policy_matches,omitempty"`
		PolicySkipped bool           `json:"policy_skipped"`
		PolicyError   string         `json:"policy_error,omitempty"`
	}

	// DecisionResult is the Result shape for KindDecision.
	DecisionResult struct {
		RuleAction     Action `json:"rule_action"`
		PolicyAction   Action `json:"policy_action,omitempty"`
		FinalAction    Action `json:"final_action"`
		PolicyOverride bool   `json:"policy_override"`
	}

	// Action is a governance verdict. Actions are totally ordered by
	// restrictiveness; see MostRestrictive.
	Action string
)

const (
	KindTrustSnapshot EvaluationKind = "trust-snapshot"
	KindBasis         EvaluationKind = "basis"
	KindTrustGate     EvaluationKind = "trust-gate"
	KindDecision      EvaluationKind = "decision"
	KindError         EvaluationKind = "error"
	KindCancelled     EvaluationKind = "cancelled"
)

const (
	ActionAllow     Action = "allow"
	ActionMonitor   Action = "monitor"
	ActionLimit     Action = "limit"
	ActionEscalate  Action = "escalate"
	ActionDeny      Action = "deny"
	ActionTerminate Action = "terminate"
)

// restrictiveness orders actions from most permissive to most restrictive.
var restrictiveness = map[Action]int{
	ActionAllow:     0,
	ActionMonitor:   1,
	ActionLimit:     2,
	ActionEscalate:  3,
	ActionDeny:      4,
	ActionTerminate: 5,
}

// ValidKind reports whether k names a recognized evaluation variant.
func ValidKind(k EvaluationKind) bool {
	switch k {
	case KindTrustSnapshot, KindBasis, KindTrustGate, KindDecision, KindError, KindCancelled:
		return true
	}
	return false
}

// Valid reports whether a names a recognized governance action.
func (a Action) Valid() bool {
	_, ok := restrictiveness[a]
	return ok
}

// MostRestrictive resolves a set of actions to the strictest under the order
// terminate > deny > escalate > limit > monitor > allow. Unknown or empty
// actions are ignored; the zero Action is returned when nothing valid is
// supplied.
func MostRestrictive(actions ...Action) Action {
	var out Action
	best := -1
	for _, a := range actions {
		r, ok := restrictiveness[a]
		if !ok {
			continue
		}
		if r > best {
			best = r
			out = a
		}
	}
	return out
}

// NewEvaluation builds an evaluation row from a typed result. It enforces the
// closed kind set and serializes the payload into the generic Result map.
func NewEvaluation(intentID string, kind EvaluationKind, result any) (*Evaluation, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown evaluation kind %q", kind)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal %s evaluation: %w", kind, err)
	}
	m := make(map[string]any)
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("evaluation result must be an object: %w", err)
	}
	return &Evaluation{
		IntentID:  intentID,
		Kind:      kind,
		Result:    m,
		CreatedAt: time.Now().UTC(),
	}, nil
}
