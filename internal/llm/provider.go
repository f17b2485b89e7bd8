// Package llm talks to narration backends: language-model APIs that turn a
// prompt describing the game state into player-facing text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Request is one narration call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Response is the raw text a provider returned.
type Response struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Text     string `json:"text"`
	Usage    Usage  `json:"usage"`
}

// Provider is a narration backend. Implementations return *ProviderError
// for every failure so callers can retry and fall back uniformly.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
)

// ProviderError is a failed narration call.
type ProviderError struct {
	Provider   string    `json:"provider"`
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"statusCode,omitempty"`
	Err        error     `json:"-"`
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Reason is the short human-readable cause used in failure reports.
func (e *ProviderError) Reason() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

// KindForStatus maps an HTTP status from a backend to an error kind.
func KindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	}
	return KindUnavailable
}

// transportError wraps a failure that happened before any HTTP status came back.
func transportError(provider string, err error) *ProviderError {
	kind := KindUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}
