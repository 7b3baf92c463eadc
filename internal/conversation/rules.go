package conversation

import "github.com/aokimidori/kaiwa/internal/session"

// Directive tells the composer which action was chosen and why.
type Directive struct {
	Action session.NextAction
	Rule   string
}

type counterEffect int

const (
	counterReset counterEffect = iota
	counterIncrement
)

// ruleInput is everything a rule may look at. Derived fresh every turn.
type ruleInput struct {
	missingCount   int
	extractedCount int
	goalRequired   bool // the app configures goal categories
	goalKnown      bool // exactly one category matched
	goalAmbiguous  bool // more than one plausible category
	rejection      bool
	clarifyStreak  int
	threshold      int
}

type rule struct {
	name    string
	when    func(ruleInput) bool
	action  func(ruleInput) session.NextAction
	counter counterEffect
}

func fixed(a session.NextAction) func(ruleInput) session.NextAction {
	return func(ruleInput) session.NextAction { return a }
}

// ruleTable is evaluated top to bottom; the first matching rule wins. The
// order is part of the engine's contract: loop prevention outranks
// clarification, clarification outranks answering.
var ruleTable = []rule{
	{
		// Never stay in ask_detail/clarify_goal indefinitely: the turn that
		// would become the threshold-th consecutive clarification instead
		// answers with whatever is known.
		name: "loop_break",
		when: func(in ruleInput) bool {
			return (in.missingCount > 0 || in.goalAmbiguous) && in.clarifyStreak+1 >= in.threshold
		},
		action: func(in ruleInput) session.NextAction {
			if in.extractedCount > 0 {
				return session.ActionGenerateResult
			}
			return session.ActionOfferAlternative
		},
		counter: counterReset,
	},
	{
		name:    "missing_info",
		when:    func(in ruleInput) bool { return in.missingCount > 0 },
		action:  fixed(session.ActionAskDetail),
		counter: counterIncrement,
	},
	{
		name:    "ambiguous_goal",
		when:    func(in ruleInput) bool { return in.goalAmbiguous },
		action:  fixed(session.ActionClarifyGoal),
		counter: counterIncrement,
	},
	{
		name: "sufficient",
		when: func(in ruleInput) bool {
			return in.missingCount == 0 && (!in.goalRequired || in.goalKnown)
		},
		action:  fixed(session.ActionGenerateResult),
		counter: counterReset,
	},
	{
		name:    "rejected_proposal",
		when:    func(in ruleInput) bool { return in.rejection },
		action:  fixed(session.ActionOfferAlternative),
		counter: counterReset,
	},
	{
		name:    "default",
		when:    func(ruleInput) bool { return true },
		action:  fixed(session.ActionProposeSolution),
		counter: counterReset,
	},
}

// evaluate picks the next action for the turn. Deterministic: same input,
// same decision.
func evaluate(in ruleInput) (Directive, counterEffect) {
	for _, r := range ruleTable {
		if r.when(in) {
			return Directive{Action: r.action(in), Rule: r.name}, r.counter
		}
	}
	// Unreachable: the default rule always matches.
	return Directive{Action: session.ActionProposeSolution, Rule: "default"}, counterReset
}
