package session

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// NextAction is the state machine's decision about what the system should do
// in response to the current turn. Closed set.
type NextAction string

const (
	ActionStart            NextAction = "start"
	ActionAskDetail        NextAction = "ask_detail"
	ActionClarifyGoal      NextAction = "clarify_goal"
	ActionProposeSolution  NextAction = "propose_solution"
	ActionGenerateResult   NextAction = "generate_result"
	ActionOfferAlternative NextAction = "offer_alternative"
)

// Turn is one message in a session's history. Immutable once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the accumulated state of one conversation. All mutation happens
// through Store.Update under the session's own lock.
type Session struct {
	ID             string            `json:"session_id"`
	AppID          string            `json:"app_id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Turns          []Turn            `json:"turns"`
	Extracted      map[string]string `json:"extracted_info"`
	Missing        []string          `json:"missing_info"`
	NextAction     NextAction        `json:"next_action"`
	ClarifyStreak  int               `json:"clarify_streak"`
	Steps          int               `json:"steps"`
}

// AppendTurn adds a turn to the history in arrival order.
func (s *Session) AppendTurn(role Role, content string) {
	s.Turns = append(s.Turns, Turn{Role: role, Content: content, Timestamp: time.Now().UTC()})
}

// LastUserTurn returns the most recent user turn content, or "".
func (s *Session) LastUserTurn() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleUser {
			return s.Turns[i].Content
		}
	}
	return ""
}

// Clone deep-copies the session so callers can read or mutate it without
// holding the store's per-session lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	c.Missing = append([]string(nil), s.Missing...)
	c.Extracted = make(map[string]string, len(s.Extracted))
	for k, v := range s.Extracted {
		c.Extracted[k] = v
	}
	return &c
}
