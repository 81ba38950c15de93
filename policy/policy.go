// Package policy names the policy collaborator. The evaluate worker calls it
// through the policyEngine breaker and degrades to rules-only when it is down,
// so the interface is deliberately small.
package policy

import (
	"context"

	"github.com/vorion/engine/intent"
)

type (
	// Result is a policy verdict with per-policy match counts.
	Result struct {
		// Action is the policy's own verdict.
		Action intent.Action `json:"action"`
		// MatchCounts maps policy name to how many of its conditions
		// matched.
		MatchCounts map[string]int `json:"match_counts,omitempty"`
	}

	// Engine evaluates tenant policies against an intent.
	Engine interface {
		// Evaluate returns the policy verdict for the intent.
		Evaluate(ctx context.Context, in *intent.Intent) (*Result, error)
	}
)
