// Package resilience guards calls to flaky backends with per-backend circuit
// breakers, capped exponential backoff and ordered fallback.
package resilience

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is a breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig sets when a breaker trips and for how long.
type BreakerConfig struct {
	// Threshold consecutive failures within Window open the breaker.
	Threshold int
	Window    time.Duration
	// Cooldown is how long an open breaker rejects calls before letting a
	// single trial through.
	Cooldown time.Duration
}

// CircuitOpenError is returned when a call was skipped, not attempted.
type CircuitOpenError struct {
	Providers  []string      `json:"providers"`
	RetryAfter time.Duration `json:"-"`
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %s)", strings.Join(e.Providers, ", "), e.RetryAfter.Round(time.Millisecond))
}

// Breaker tracks consecutive failures for one backend.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	trial        bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, cfg: cfg, now: now}
}

// Allow reserves a call. It fails with *CircuitOpenError while the breaker is
// open, and while a half-open trial call is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return &CircuitOpenError{Providers: []string{b.name}, RetryAfter: b.cfg.Cooldown - elapsed}
		}
		b.state = StateHalfOpen
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return &CircuitOpenError{Providers: []string{b.name}}
		}
		b.trial = true
	}
	return nil
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trial = false
}

// Failure records a failed call. A failed trial reopens the breaker at once.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen {
		b.trip(now)
		return
	}
	if b.failures > 0 && b.cfg.Window > 0 && now.Sub(b.firstFailure) > b.cfg.Window {
		b.failures = 0
	}
	if b.failures == 0 {
		b.firstFailure = now
	}
	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.trip(now)
	}
}

// Release gives back a reservation whose call never reached the backend.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trial = false
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = 0
	b.trial = false
}

// State reports the current position without reserving anything.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}
