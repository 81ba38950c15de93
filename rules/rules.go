// Package rules provides the synchronous in-process rule engine the evaluate
// stage always runs, independent of the external policy collaborator. Rules
// are declarative matchers over intent attributes; matched rules contribute
// their actions and the strictest one wins.
package rules

import (
	"context"
	"strings"

	"github.com/vorion/engine/intent"
)

type (
	// Rule is one declarative matcher. Empty matcher fields match everything,
	// so a rule with only an Action is a default verdict.
	Rule struct {
		// Name identifies the rule in basis evaluations and logs.
		Name string `yaml:"name" json:"name"`
		// Types restricts the rule to intent types. Empty matches all.
		Types []string `yaml:"types,omitempty" json:"types,omitempty"`
		// GoalContains matches when the goal contains any listed substring,
		// case-insensitively.
		GoalContains []string `yaml:"goal_contains,omitempty" json:"goal_contains,omitempty"`
		// MinPriority matches intents at or above the priority.
		MinPriority int `yaml:"min_priority,omitempty" json:"min_priority,omitempty"`
		// MaxTrustLevel matches entities at or below the trust level.
		// Zero disables the check.
		MaxTrustLevel int `yaml:"max_trust_level,omitempty" json:"max_trust_level,omitempty"`
		// Action is the verdict the rule contributes when it matches.
		Action intent.Action `yaml:"action" json:"action"`
	}

	// Result is the merged rule verdict.
	Result struct {
		// Action is the strictest action among matched rules, allow when
		// nothing matched.
		Action intent.Action `json:"action"`
		// Matched lists the names of the rules that fired.
		Matched []string `json:"matched,omitempty"`
	}

	// Engine evaluates a fixed rule set.
	Engine interface {
		Evaluate(ctx context.Context, in *intent.Intent) (*Result, error)
	}

	// Basic is the shipped Engine: a linear scan over configured rules.
	Basic struct {
		rules []Rule
	}
)

// DefaultRules is the rule set used when none is configured: escalate
// high-risk work, limit admin actions from low-trust entities, allow the rest.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "high-risk-escalates", Types: []string{"high-risk"}, Action: intent.ActionEscalate},
		{Name: "low-trust-admin-limited", Types: []string{"admin-action"}, MaxTrustLevel: 2, Action: intent.ActionLimit},
		{Name: "destructive-goal-denied", GoalContains: []string{"drop database", "rm -rf", "delete all"}, Action: intent.ActionDeny},
	}
}

// New builds the basic engine. Rules with an invalid action are dropped;
// passing nil installs DefaultRules.
func New(rules []Rule) *Basic {
	if rules == nil {
		rules = DefaultRules()
	}
	kept := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Action.Valid() {
			kept = append(kept, r)
		}
	}
	return &Basic{rules: kept}
}

// Evaluate implements Engine. It never fails: rule evaluation is pure.
func (b *Basic) Evaluate(_ context.Context, in *intent.Intent) (*Result, error) {
	res := &Result{Action: intent.ActionAllow}
	actions := []intent.Action{intent.ActionAllow}
	for _, r := range b.rules {
		if !r.matches(in) {
			continue
		}
		res.Matched = append(res.Matched, r.Name)
		actions = append(actions, r.Action)
	}
	res.Action = intent.MostRestrictive(actions...)
	return res, nil
}

func (r *Rule) matches(in *intent.Intent) bool {
	if len(r.Types) > 0 {
		typ := in.Type
		if typ == "" {
			typ = "default"
		}
		found := false
		for _, t := range r.Types {
			if t == typ {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.GoalContains) > 0 {
		goal := strings.ToLower(in.Goal)
		found := false
		for _, sub := range r.GoalContains {
			if strings.Contains(goal, strings.ToLower(sub)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.MinPriority > 0 && in.Priority < r.MinPriority {
		return false
	}
	if r.MaxTrustLevel > 0 && in.TrustLevel > r.MaxTrustLevel {
		return false
	}
	return true
}
