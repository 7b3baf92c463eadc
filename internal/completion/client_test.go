package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aokimidori/kaiwa/internal/reliability"
)

func testPolicy() reliability.Policy {
	return reliability.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}
}

func TestCompleteParsesChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		var req struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  Tonight we have seats at 7pm.  "}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test", Retry: testPolicy()})
	res, err := c.Complete(context.Background(), Request{Messages: []Message{
		{Role: "system", Content: "You are a booking assistant."},
		{Role: "user", Content: "Any seats tonight?"},
	}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Text != "Tonight we have seats at 7pm." {
		t.Fatalf("Text = %q", res.Text)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retry: testPolicy()})
	res, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Text != "ok" || calls != 2 {
		t.Fatalf("Text = %q calls = %d", res.Text, calls)
	}
}

func TestCompleteQuotaFailureSurfacesImmediately(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retry: testPolicy()})
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, reliability.ErrNonRetryable) {
		t.Fatalf("error = %v, want ErrNonRetryable", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	c := NewClient(Config{Retry: testPolicy()})
	if _, err := c.Complete(context.Background(), Request{}); err == nil {
		t.Fatalf("Complete() should reject an empty prompt")
	}
}
