// Package conversation is the decision core: it extracts structured
// information from user input, tracks what is still missing, picks the next
// action from an ordered rule table, and composes the prompt answered by the
// completion service.
package conversation

import (
	"errors"

	"github.com/aokimidori/kaiwa/internal/logging"
	"github.com/aokimidori/kaiwa/internal/policy"
	"github.com/aokimidori/kaiwa/internal/registry"
	"github.com/aokimidori/kaiwa/internal/session"
)

// ErrInvalidState reports an operation against a session whose state no
// longer matches the request, e.g. a session owned by a different app.
var ErrInvalidState = errors.New("invalid session state")

// Machine advances session state one user turn at a time. Stateless itself;
// all state lives in the session record.
type Machine struct{}

func NewMachine() *Machine { return &Machine{} }

// Advance appends the user turn, runs extraction, recomputes missing fields
// and picks the next action. The caller must hold the session's store lock.
// Extraction or evaluation panics degrade to ask_detail instead of aborting
// the turn.
func (m *Machine) Advance(sess *session.Session, cfg *registry.AppConfig, input string) (dir Directive) {
	prior := sess.NextAction
	sess.AppendTurn(session.RoleUser, input)

	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("app_id", cfg.AppID).Str("session_id", sess.ID).
				Interface("panic", r).Msg("advance degraded to ask_detail")
			dir = Directive{Action: session.ActionAskDetail, Rule: "degraded"}
			sess.NextAction = dir.Action
			sess.ClarifyStreak++
			sess.Steps++
		}
	}()

	if sess.Extracted == nil {
		sess.Extracted = make(map[string]string)
	}
	extractFields(cfg, input, sess.Extracted)
	sess.Missing = missingFields(cfg, sess.Extracted)

	goal := detectGoal(cfg, input, sess)
	in := ruleInput{
		missingCount:   len(sess.Missing),
		extractedCount: len(sess.Extracted),
		goalRequired:   len(cfg.GoalCategories) > 0,
		goalKnown:      goal.category != "",
		goalAmbiguous:  goal.ambiguous,
		rejection:      isRejection(cfg, input, prior),
		clarifyStreak:  sess.ClarifyStreak,
		threshold:      cfg.ClarificationThreshold,
	}

	dir, counter := evaluate(in)
	switch counter {
	case counterIncrement:
		sess.ClarifyStreak++
	case counterReset:
		sess.ClarifyStreak = 0
	}
	sess.NextAction = dir.Action
	sess.Steps++

	logging.Debug().
		Str("app_id", cfg.AppID).
		Str("session_id", sess.ID).
		Str("input", policy.SafeText(input, 80)).
		Str("rule", dir.Rule).
		Str("next_action", string(dir.Action)).
		Int("missing", in.missingCount).
		Int("clarify_streak", sess.ClarifyStreak).
		Msg("session advanced")
	return dir
}
