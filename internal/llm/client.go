package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	DefaultAnthropicModel = "claude-haiku-4-5-20251001"
)

// AnthropicConfig configures the Messages API client.
type AnthropicConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the Messages endpoint, mostly for tests.
	BaseURL      string
	MaxPerMinute int
	HTTPClient   *http.Client
}

// Anthropic wraps the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	model      string
	url        string
	httpClient *http.Client
	now        func() time.Time

	// Rate limiting: max calls per minute.
	mu        sync.Mutex
	callCount int
	resetAt   time.Time
	maxPerMin int
}

// NewAnthropic creates a client.
// Returns nil if the API key is empty (provider disabled).
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.APIKey == "" {
		return nil
	}
	c := &Anthropic{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		url:        cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		now:        time.Now,
		maxPerMin:  cfg.MaxPerMinute,
	}
	if c.model == "" {
		c.model = DefaultAnthropicModel
	}
	if c.url == "" {
		c.url = anthropicURL
	}
	if c.httpClient == nil {
		// Deadlines come from the caller's context.
		c.httpClient = &http.Client{}
	}
	if c.maxPerMin <= 0 {
		c.maxPerMin = 20 // Conservative rate limit
	}
	return c
}

// Enabled returns true if the client has a valid API key.
func (c *Anthropic) Enabled() bool {
	return c != nil && c.apiKey != ""
}

func (c *Anthropic) Name() string { return "anthropic" }

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends the prompt and returns the reply text.
func (c *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	if !c.Enabled() {
		return nil, &ProviderError{Provider: "anthropic", Kind: KindUnavailable, Err: errors.New("client not configured")}
	}
	if err := c.reserve(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []Message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(c.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(c.Name(), fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:   c.Name(),
			Kind:       KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("API error: %s", truncate(string(respBody), 200)),
		}
	}

	var apiResp messagesResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindMalformed, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindMalformed, Err: errors.New("empty response")}
	}

	slog.Debug("anthropic call",
		"model", c.model,
		"input_tokens", apiResp.Usage.InputTokens,
		"output_tokens", apiResp.Usage.OutputTokens,
	)

	return &Response{
		Provider: c.Name(),
		Model:    c.model,
		Text:     text.String(),
		Usage:    Usage{InputTokens: apiResp.Usage.InputTokens, OutputTokens: apiResp.Usage.OutputTokens},
	}, nil
}

// reserve takes one slot of the per-minute budget.
func (c *Anthropic) reserve() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.After(c.resetAt) {
		c.callCount = 0
		c.resetAt = now.Add(time.Minute)
	}
	if c.callCount >= c.maxPerMin {
		return &ProviderError{
			Provider: c.Name(),
			Kind:     KindRateLimited,
			Err:      fmt.Errorf("local budget of %d calls/min exhausted", c.maxPerMin),
		}
	}
	c.callCount++
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
