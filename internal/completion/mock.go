package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockCompleter returns deterministic local replies and records prompts so
// tests can assert on composition order.
type MockCompleter struct {
	mu       sync.Mutex
	Fail     error
	Reply    string
	Requests []Request
}

func NewMockCompleter() *MockCompleter { return &MockCompleter{} }

func (m *MockCompleter) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	fail := m.Fail
	reply := m.Reply
	m.mu.Unlock()

	if fail != nil {
		return Response{}, fail
	}
	if reply != "" {
		return Response{Text: reply}, nil
	}
	return Response{Text: buildMockReply(req)}, nil
}

func (m *MockCompleter) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fail
}

// LastRequest returns the most recent prompt, or a zero Request.
func (m *MockCompleter) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}
	}
	return m.Requests[len(m.Requests)-1]
}

func buildMockReply(req Request) string {
	last := req.Messages[len(req.Messages)-1]
	text := strings.TrimSpace(last.Content)
	if text == "" {
		return "I am listening."
	}
	return fmt.Sprintf("Understood: %s", text)
}
