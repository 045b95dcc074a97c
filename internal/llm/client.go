// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints. It returns token usage with every completion so callers can
// account cost; it does not retry, that is the caller's policy.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"quorum/internal/logging"
)

// Result is one completion with its token usage.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client is the completion contract consumed by the deliberation layer.
type Client interface {
	Complete(ctx context.Context, system, user string) (Result, error)
}

// ClientConfig configures an HTTP client.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MinInterval time.Duration // Min gap between requests; 0 disables throttling
}

// DefaultClientConfig returns sane defaults for an OpenAI-compatible
// endpoint; the base URL and key still have to come from configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Model:       "gemini-2.0-flash",
		Timeout:     90 * time.Second,
		Temperature: 0.7,
		MinInterval: 200 * time.Millisecond,
	}
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	cfg        ClientConfig
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewHTTPClient creates a client. The API key may be empty for endpoints
// that do not require one (local gateways).
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm client requires a base URL")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm client requires a model name")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion request. The system message may be
// empty.
func (c *HTTPClient) Complete(ctx context.Context, system, user string) (Result, error) {
	c.throttle(ctx)

	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	timer := logging.StartTimer(logging.CategoryLLM, "chat completion")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		timer.Stop()
		return Result{}, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	timer.Stop()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return Result{}, fmt.Errorf("completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("completion returned no choices")
	}

	logging.LLMDebug("completion: in=%d out=%d model=%s",
		parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, c.cfg.Model)

	return Result{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// throttle enforces the minimum request interval.
func (c *HTTPClient) throttle(ctx context.Context) {
	if c.cfg.MinInterval <= 0 {
		return
	}
	c.mu.Lock()
	wait := c.cfg.MinInterval - time.Since(c.lastRequest)
	c.lastRequest = time.Now().Add(wait)
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
