// Package completion calls the external language-model completion service
// over the OpenAI-compatible /chat/completions contract.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aokimidori/kaiwa/internal/reliability"
)

// Message is one prompt message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the fully composed prompt. The composer owns ordering; this
// package only moves bytes.
type Request struct {
	Messages []Message `json:"messages"`
}

// Response is the model's reply text.
type Response struct {
	Text string `json:"text"`
}

// Completer produces a reply for a composed prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Ping(ctx context.Context) error
}

// Config controls the HTTP completion client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Retry   reliability.Policy
}

// Client is the HTTP implementation of Completer.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("empty prompt")
	}

	var res Response
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		var err error
		res, err = c.completeOnce(ctx, req)
		return err
	})
	return res, err
}

func (c *Client) completeOnce(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    c.cfg.Model,
		"messages": req.Messages,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		if reliability.IsFatalHTTPStatus(res.StatusCode) {
			return Response{}, fmt.Errorf("completion status %d: %s: %w", res.StatusCode, strings.TrimSpace(string(snippet)), reliability.ErrNonRetryable)
		}
		return Response{}, fmt.Errorf("completion status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Response{}, errors.New("no completion choices returned")
	}

	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return Response{}, errors.New("empty completion text")
	}
	return Response{Text: text}, nil
}

// Ping issues a minimal one-message request for the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, err := c.completeOnce(ctx, Request{Messages: []Message{{Role: "user", Content: "ping"}}})
	return err
}
