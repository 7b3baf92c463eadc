package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aokimidori/kaiwa/internal/completion"
	"github.com/aokimidori/kaiwa/internal/knowledge"
	"github.com/aokimidori/kaiwa/internal/logging"
	"github.com/aokimidori/kaiwa/internal/observability"
	"github.com/aokimidori/kaiwa/internal/registry"
	"github.com/aokimidori/kaiwa/internal/session"
)

// directiveText maps the chosen action to the instruction appended to the
// prompt. Fixed wording keeps composition deterministic.
var directiveText = map[session.NextAction]string{
	session.ActionAskDetail:        "Ask the user one concise question for the missing information: %s.",
	session.ActionClarifyGoal:      "The user's goal is ambiguous. Ask which of the configured topics they mean.",
	session.ActionProposeSolution:  "Propose one concrete suggestion based on the context above.",
	session.ActionGenerateResult:   "Produce the final answer using the collected information and the context above.",
	session.ActionOfferAlternative: "The previous direction did not fit. Offer one clearly different alternative.",
}

// Composer assembles the single deterministic prompt for a turn and invokes
// the completion service once.
type Composer struct {
	engine    *knowledge.Engine
	completer completion.Completer
	metrics   *observability.Metrics
	stages    *observability.StageWindow
}

func NewComposer(engine *knowledge.Engine, completer completion.Completer) *Composer {
	return &Composer{engine: engine, completer: completer}
}

// Instrument attaches metrics sinks. Both may be nil.
func (c *Composer) Instrument(m *observability.Metrics, w *observability.StageWindow) {
	c.metrics = m
	c.stages = w
}

func needsKnowledge(action session.NextAction) bool {
	switch action {
	case session.ActionGenerateResult, session.ActionProposeSolution, session.ActionOfferAlternative:
		return true
	default:
		return false
	}
}

// Compose retrieves supporting chunks when the action calls for them, builds
// the prompt in fixed order and returns the completion reply. It never
// mutates the session beyond appending nothing: the caller appends the reply
// turn after a successful call.
func (c *Composer) Compose(ctx context.Context, sess *session.Session, cfg *registry.AppConfig, dir Directive, input string) (string, []knowledge.Result, error) {
	var results []knowledge.Result
	if needsKnowledge(dir.Action) && c.engine != nil {
		query := retrievalQuery(sess, input)
		started := time.Now()
		var err error
		results, err = c.engine.Query(ctx, cfg, query, cfg.TopK)
		if c.metrics != nil {
			c.metrics.ObserveRetrievalLatency(time.Since(started))
		}
		c.stages.Observe(observability.StageRetrieval, time.Since(started))
		if err != nil {
			// Degraded retrieval is a valid state, not a failure.
			logging.Warn().Err(err).Str("app_id", cfg.AppID).Str("session_id", sess.ID).
				Msg("retrieval degraded, composing without knowledge")
			c.stages.ObserveIndicator("degraded_retrieval")
			results = nil
		}
	}

	req := completion.Request{Messages: c.buildMessages(sess, cfg, dir, results, input)}
	started := time.Now()
	res, err := c.completer.Complete(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("completion: %w", err)
	}
	c.stages.Observe(observability.StageCompletion, time.Since(started))
	return res.Text, results, nil
}

// buildMessages assembles the prompt: system prompt, app instructions,
// ranked knowledge, bounded history oldest first, the action directive, then
// the current input.
func (c *Composer) buildMessages(sess *session.Session, cfg *registry.AppConfig, dir Directive, results []knowledge.Result, input string) []completion.Message {
	messages := []completion.Message{
		{Role: "system", Content: strings.TrimSpace(cfg.PromptTemplate)},
	}
	if inst := strings.TrimSpace(cfg.Instructions); inst != "" {
		messages = append(messages, completion.Message{Role: "system", Content: inst})
	}
	if len(results) > 0 {
		var b strings.Builder
		b.WriteString("Relevant knowledge, most relevant first:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "%d. %s\n", r.Rank, r.Chunk.Text)
		}
		messages = append(messages, completion.Message{Role: "system", Content: strings.TrimSpace(b.String())})
	}

	for _, turn := range historyWindow(sess, cfg.HistoryWindow) {
		role := "user"
		if turn.Role == session.RoleSystem {
			role = "assistant"
		}
		messages = append(messages, completion.Message{Role: role, Content: turn.Content})
	}

	messages = append(messages,
		completion.Message{Role: "system", Content: directiveFor(sess, dir)},
		completion.Message{Role: "user", Content: input},
	)
	return messages
}

// historyWindow returns the last n turns before the current user input,
// oldest first.
func historyWindow(sess *session.Session, n int) []session.Turn {
	turns := sess.Turns
	// The current input was already appended by Advance; exclude it.
	if len(turns) > 0 && turns[len(turns)-1].Role == session.RoleUser {
		turns = turns[:len(turns)-1]
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

func directiveFor(sess *session.Session, dir Directive) string {
	text := directiveText[dir.Action]
	if text == "" {
		text = directiveText[session.ActionProposeSolution]
	}
	if dir.Action == session.ActionAskDetail {
		missing := strings.Join(sess.Missing, ", ")
		if missing == "" {
			missing = "the remaining details"
		}
		return fmt.Sprintf("Next action: %s. "+text, dir.Action, missing)
	}
	return fmt.Sprintf("Next action: %s. %s", dir.Action, text)
}

// retrievalQuery derives the retrieval query from the collected information
// plus the latest input, with fields in sorted order for determinism.
func retrievalQuery(sess *session.Session, input string) string {
	var parts []string
	for _, field := range sortedKeys(sess.Extracted) {
		parts = append(parts, sess.Extracted[field])
	}
	parts = append(parts, input)
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
