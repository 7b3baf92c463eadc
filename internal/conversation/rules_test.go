package conversation

import (
	"testing"

	"github.com/aokimidori/kaiwa/internal/session"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name        string
		in          ruleInput
		wantAction  session.NextAction
		wantRule    string
		wantCounter counterEffect
	}{
		{
			name:        "missing info asks for detail",
			in:          ruleInput{missingCount: 2, threshold: 3},
			wantAction:  session.ActionAskDetail,
			wantRule:    "missing_info",
			wantCounter: counterIncrement,
		},
		{
			name:        "ambiguous goal clarifies",
			in:          ruleInput{goalRequired: true, goalAmbiguous: true, threshold: 3},
			wantAction:  session.ActionClarifyGoal,
			wantRule:    "ambiguous_goal",
			wantCounter: counterIncrement,
		},
		{
			name:        "complete without goal categories generates",
			in:          ruleInput{extractedCount: 2, threshold: 3},
			wantAction:  session.ActionGenerateResult,
			wantRule:    "sufficient",
			wantCounter: counterReset,
		},
		{
			name:        "complete with known goal generates",
			in:          ruleInput{extractedCount: 2, goalRequired: true, goalKnown: true, threshold: 3},
			wantAction:  session.ActionGenerateResult,
			wantRule:    "sufficient",
			wantCounter: counterReset,
		},
		{
			name:        "rejection offers alternative",
			in:          ruleInput{extractedCount: 2, goalRequired: true, rejection: true, threshold: 3},
			wantAction:  session.ActionOfferAlternative,
			wantRule:    "rejected_proposal",
			wantCounter: counterReset,
		},
		{
			name:        "goal unknown without rejection proposes",
			in:          ruleInput{extractedCount: 2, goalRequired: true, threshold: 3},
			wantAction:  session.ActionProposeSolution,
			wantRule:    "default",
			wantCounter: counterReset,
		},
		{
			// The turn that would become the third consecutive
			// clarification breaks the loop instead.
			name:        "final clarification attempt breaks the loop",
			in:          ruleInput{missingCount: 2, clarifyStreak: 2, threshold: 3},
			wantAction:  session.ActionOfferAlternative,
			wantRule:    "loop_break",
			wantCounter: counterReset,
		},
		{
			name:        "streak below final attempt still asks",
			in:          ruleInput{missingCount: 2, clarifyStreak: 1, threshold: 3},
			wantAction:  session.ActionAskDetail,
			wantRule:    "missing_info",
			wantCounter: counterIncrement,
		},
		{
			name:        "high streak without anything to clarify generates",
			in:          ruleInput{extractedCount: 2, clarifyStreak: 2, threshold: 3},
			wantAction:  session.ActionGenerateResult,
			wantRule:    "sufficient",
			wantCounter: counterReset,
		},
		{
			name:        "loop break with partial info generates",
			in:          ruleInput{missingCount: 1, extractedCount: 1, clarifyStreak: 3, threshold: 3},
			wantAction:  session.ActionGenerateResult,
			wantRule:    "loop_break",
			wantCounter: counterReset,
		},
		{
			name:        "loop break with nothing extracted offers alternative",
			in:          ruleInput{missingCount: 2, clarifyStreak: 3, threshold: 3},
			wantAction:  session.ActionOfferAlternative,
			wantRule:    "loop_break",
			wantCounter: counterReset,
		},
		{
			name:        "loop break outranks ambiguity",
			in:          ruleInput{goalRequired: true, goalAmbiguous: true, extractedCount: 1, clarifyStreak: 4, threshold: 3},
			wantAction:  session.ActionGenerateResult,
			wantRule:    "loop_break",
			wantCounter: counterReset,
		},
		{
			name:        "missing info outranks ambiguity",
			in:          ruleInput{missingCount: 1, goalRequired: true, goalAmbiguous: true, threshold: 3},
			wantAction:  session.ActionAskDetail,
			wantRule:    "missing_info",
			wantCounter: counterIncrement,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir, counter := evaluate(tc.in)
			if dir.Action != tc.wantAction {
				t.Fatalf("action = %s, want %s", dir.Action, tc.wantAction)
			}
			if dir.Rule != tc.wantRule {
				t.Fatalf("rule = %s, want %s", dir.Rule, tc.wantRule)
			}
			if counter != tc.wantCounter {
				t.Fatalf("counter = %d, want %d", counter, tc.wantCounter)
			}
		})
	}
}
