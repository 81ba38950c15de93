package rules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/rules"
)

func TestDefaultRules(t *testing.T) {
	e := rules.New(nil)
	cases := []struct {
		name    string
		in      *intent.Intent
		action  intent.Action
		matched []string
	}{
		{
			name:   "plain intent allowed",
			in:     &intent.Intent{Goal: "summarize the report", Type: "default", TrustLevel: 3},
			action: intent.ActionAllow,
		},
		{
			name:    "high-risk escalates",
			in:      &intent.Intent{Goal: "rotate prod keys", Type: "high-risk", TrustLevel: 5},
			action:  intent.ActionEscalate,
			matched: []string{"high-risk-escalates"},
		},
		{
			name:    "low trust admin limited",
			in:      &intent.Intent{Goal: "add user", Type: "admin-action", TrustLevel: 1},
			action:  intent.ActionLimit,
			matched: []string{"low-trust-admin-limited"},
		},
		{
			name:   "trusted admin passes",
			in:     &intent.Intent{Goal: "add user", Type: "admin-action", TrustLevel: 4},
			action: intent.ActionAllow,
		},
		{
			name:    "destructive goal denied regardless of type",
			in:      &intent.Intent{Goal: "please DROP DATABASE users", Type: "default", TrustLevel: 5},
			action:  intent.ActionDeny,
			matched: []string{"destructive-goal-denied"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Evaluate(context.Background(), tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.action, res.Action)
			require.Equal(t, tc.matched, res.Matched)
		})
	}
}

func TestStrictestMatchedRuleWins(t *testing.T) {
	e := rules.New([]rules.Rule{
		{Name: "monitor-everything", Action: intent.ActionMonitor},
		{Name: "deny-exports", Types: []string{"data-export"}, Action: intent.ActionDeny},
	})
	res, err := e.Evaluate(context.Background(), &intent.Intent{Goal: "export users", Type: "data-export"})
	require.NoError(t, err)
	require.Equal(t, intent.ActionDeny, res.Action)
	require.Equal(t, []string{"monitor-everything", "deny-exports"}, res.Matched)
}

func TestInvalidActionRulesDropped(t *testing.T) {
	e := rules.New([]rules.Rule{
		{Name: "broken", Action: intent.Action("explode")},
	})
	res, err := e.Evaluate(context.Background(), &intent.Intent{Goal: "anything"})
	require.NoError(t, err)
	require.Equal(t, intent.ActionAllow, res.Action)
	require.Empty(t, res.Matched)
}

func TestEmptyTypeMatchesDefaultBucket(t *testing.T) {
	e := rules.New([]rules.Rule{
		{Name: "default-monitored", Types: []string{"default"}, Action: intent.ActionMonitor},
	})
	res, err := e.Evaluate(context.Background(), &intent.Intent{Goal: "anything"})
	require.NoError(t, err)
	require.Equal(t, intent.ActionMonitor, res.Action)
}
