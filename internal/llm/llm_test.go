package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAnthropic_Complete(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"message\":\"The door creaks.\"}"}],"usage":{"input_tokens":12,"output_tokens":7}}`))
	}))
	defer srv.Close()

	c := NewAnthropic(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := c.Complete(context.Background(), Request{System: "sys", Prompt: "hello", MaxTokens: 50})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.System != "sys" || got.MaxTokens != 50 || len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Fatalf("unexpected request body: %+v", got)
	}
	want := &Response{
		Provider: "anthropic",
		Model:    DefaultAnthropicModel,
		Text:     `{"message":"The door creaks."}`,
		Usage:    Usage{InputTokens: 12, OutputTokens: 7},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestAnthropic_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, KindRateLimited},
		{"overloaded", 529, `{"error":"overloaded"}`, KindUnavailable},
		{"gateway timeout", http.StatusGatewayTimeout, ``, KindTimeout},
		{"garbage", http.StatusOK, `not json`, KindMalformed},
		{"no text", http.StatusOK, `{"content":[]}`, KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewAnthropic(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
			_, err := c.Complete(context.Background(), Request{Prompt: "x"})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %v", err)
			}
			if pe.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", pe.Kind, tt.want)
			}
		})
	}
}

func TestAnthropic_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewAnthropic(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, Request{Prompt: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindTimeout {
		t.Fatalf("expected timeout ProviderError, got %v", err)
	}
}

func TestAnthropic_LocalBudget(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropic(AnthropicConfig{APIKey: "k", BaseURL: srv.URL, MaxPerMinute: 2})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.Complete(ctx, Request{Prompt: "x"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := c.Complete(ctx, Request{Prompt: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("budget exhaustion must not reach the network, calls=%d", calls)
	}

	now = now.Add(61 * time.Second)
	if _, err := c.Complete(ctx, Request{Prompt: "x"}); err != nil {
		t.Fatalf("budget should reset after a minute: %v", err)
	}
}

func TestNewAnthropic_DisabledWithoutKey(t *testing.T) {
	if c := NewAnthropic(AnthropicConfig{}); c.Enabled() {
		t.Fatal("client without key should be disabled")
	}
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"message\":\"Rain falls.\"}"}}],
			"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	resp, err := p.Complete(context.Background(), Request{System: "s", Prompt: "p", MaxTokens: 10})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != `{"message":"Rain falls."}` || resp.Usage != (Usage{InputTokens: 5, OutputTokens: 3}) {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOpenAI_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	_, err := p.Complete(context.Background(), Request{Prompt: "p"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindRateLimited || pe.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected rate_limited ProviderError, got %v", err)
	}
}

func TestParseNarration(t *testing.T) {
	n, err := ParseNarration("p", "Sure! ```json\n{\"message\":\" A shadow moves. \",\"suggestions\":[\"introduce the thief\",\"\"],\"nextActions\":[\"a\",\"b\",\"c\",\"d\"]}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := &Narration{
		Message:     "A shadow moves.",
		Suggestions: []string{"introduce the thief"},
		NextActions: []string{"a", "b", "c"},
	}
	if diff := cmp.Diff(want, n); diff != "" {
		t.Fatalf("narration mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"no json here", `{"suggestions":["x"]}`, `{"message": 3}`} {
		_, err := ParseNarration("p", bad)
		var pe *ProviderError
		if !errors.As(err, &pe) || pe.Kind != KindMalformed {
			t.Fatalf("%q: expected malformed, got %v", bad, err)
		}
	}
}

func TestBuildNarrationPrompt(t *testing.T) {
	req := BuildNarrationPrompt(NarrationContext{
		TriggerType:   "player_action",
		PlayerMessage: "We search the cellar",
		Location:      "Old Mill",
		Mood:          "tense",
		Participants:  []string{"Aria", "Bram"},
		Tactics:       "strategic tactics, damage focus, favor teamwork",
		Entities: []EntityLine{
			{Type: "enemy", Name: "Cellar Rat King", Timing: "immediate", Detail: strings.Repeat("x", 500)},
		},
	})
	for _, want := range []string{"Location: Old Mill", "Aria, Bram", "[enemy] Cellar Rat King (immediate)", `"We search the cellar"`, "strategic tactics"} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, req.Prompt)
		}
	}
	if strings.Contains(req.Prompt, strings.Repeat("x", maxDetailLen+1)) {
		t.Error("entity detail should be truncated")
	}
	if req.System == "" || req.MaxTokens != DefaultNarrationTokens {
		t.Fatalf("unexpected request %+v", req)
	}
}
