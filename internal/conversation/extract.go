package conversation

import (
	"strings"

	"github.com/aokimidori/kaiwa/internal/registry"
	"github.com/aokimidori/kaiwa/internal/session"
)

// fillerWords are skipped between a matched keyword and its value token.
var fillerWords = map[string]bool{
	"is": true, "are": true, "be": true, "for": true, "of": true,
	"on": true, "at": true, "in": true, "the": true, "a": true, "an": true,
}

// extractFields merges field values recognized in input into extracted.
// Values overwrite by field name, so re-running on identical input is a
// no-op (idempotent extraction).
func extractFields(cfg *registry.AppConfig, input string, extracted map[string]string) {
	norm := normalize(input)

	for _, field := range cfg.RequiredFields {
		if v, ok := matchPatterns(field, input); ok {
			extracted[field.Name] = v
			continue
		}
		if v, ok := matchKeywords(field, norm); ok {
			extracted[field.Name] = v
		}
	}
}

func matchPatterns(field registry.FieldSpec, input string) (string, bool) {
	for _, re := range field.Patterns {
		m := re.FindStringSubmatch(input)
		if m == nil {
			continue
		}
		value := m[0]
		if len(m) > 1 && m[1] != "" {
			value = m[1]
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, true
		}
	}
	return "", false
}

// matchKeywords takes the token following a matched keyword (skipping filler
// words) as the field value, falling back to the keyword itself for
// self-valued keywords like "tonight".
func matchKeywords(field registry.FieldSpec, norm string) (string, bool) {
	tokens := strings.Fields(norm)
	for _, keyword := range field.Keywords {
		for _, term := range expandTerms(keyword, field.Synonyms) {
			if !containsTerm(norm, term) {
				continue
			}
			if v := tokenAfter(tokens, term); v != "" {
				return v, true
			}
			return term, true
		}
	}
	return "", false
}

func tokenAfter(tokens []string, term string) string {
	termTokens := strings.Fields(term)
	if len(termTokens) == 0 {
		return ""
	}
	for i := 0; i+len(termTokens) <= len(tokens); i++ {
		matched := true
		for j, tt := range termTokens {
			if tokens[i+j] != tt {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		for k := i + len(termTokens); k < len(tokens); k++ {
			if fillerWords[tokens[k]] {
				continue
			}
			return tokens[k]
		}
		return ""
	}
	return ""
}

// missingFields recomputes required-minus-extracted in declaration order.
func missingFields(cfg *registry.AppConfig, extracted map[string]string) []string {
	var missing []string
	for _, f := range cfg.RequiredFields {
		if _, ok := extracted[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// goalState classifies the user's goal across the configured categories.
type goalState struct {
	category  string
	ambiguous bool
}

// detectGoal matches the latest input first: a turn naming exactly one
// category settles the goal even if earlier turns were broader. Otherwise
// the accumulated user text decides; more than one plausible category is
// ambiguous.
func detectGoal(cfg *registry.AppConfig, lastInput string, sess *session.Session) goalState {
	if len(cfg.GoalCategories) == 0 {
		return goalState{}
	}

	if matched := matchCategories(cfg, normalize(lastInput)); len(matched) == 1 {
		return goalState{category: matched[0]}
	}

	var all strings.Builder
	for _, turn := range sess.Turns {
		if turn.Role == session.RoleUser {
			all.WriteString(turn.Content)
			all.WriteString(" ")
		}
	}
	matched := matchCategories(cfg, normalize(all.String()))
	switch len(matched) {
	case 0:
		return goalState{}
	case 1:
		return goalState{category: matched[0]}
	default:
		return goalState{ambiguous: true}
	}
}

func matchCategories(cfg *registry.AppConfig, norm string) []string {
	var matched []string
	for _, cat := range cfg.GoalCategories {
		if containsTerm(norm, normalize(cat.Name)) {
			matched = append(matched, cat.Name)
			continue
		}
		for _, kw := range cat.Keywords {
			if containsTerm(norm, kw) {
				matched = append(matched, cat.Name)
				break
			}
		}
	}
	return matched
}

// isRejection reports whether input rejects the prior proposal.
func isRejection(cfg *registry.AppConfig, input string, prior session.NextAction) bool {
	switch prior {
	case session.ActionProposeSolution, session.ActionOfferAlternative, session.ActionGenerateResult:
	default:
		return false
	}
	norm := normalize(input)
	for _, kw := range cfg.RejectKeywords {
		if containsTerm(norm, normalize(kw)) {
			return true
		}
	}
	return false
}
