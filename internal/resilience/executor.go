package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/talgya/gm-forge/internal/llm"
)

// Policy configures retries and breakers.
type Policy struct {
	// MaxRetries is how many extra passes over the provider list follow the
	// first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the backoff randomization factor; 0 is deterministic.
	Jitter         float64
	AttemptTimeout time.Duration
	Breaker        BreakerConfig
}

// DefaultPolicy returns conservative defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     2,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
		AttemptTimeout: 15 * time.Second,
		Breaker:        BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: 30 * time.Second},
	}
}

// Attempt is one provider call or skip.
type Attempt struct {
	Provider string        `json:"provider"`
	Pass     int           `json:"pass"`
	Skipped  bool          `json:"skipped,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

// Outcome describes a successful run.
type Outcome struct {
	// Attempted lists providers that were called and failed, in first-call order.
	Attempted  []string  `json:"attemptedProviders"`
	Successful string    `json:"successfulProvider"`
	Attempts   []Attempt `json:"attempts"`
}

// Failure is one provider's last failure in an exhausted run.
type Failure struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
}

// ExhaustedError means every provider failed on every pass.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, f := range e.FailedProviders() {
		parts = append(parts, f.Provider+": "+f.Reason)
	}
	return "all narration providers failed: " + strings.Join(parts, "; ")
}

// FailedProviders returns the last failure of each provider, in provider order.
func (e *ExhaustedError) FailedProviders() []Failure {
	var order []string
	last := map[string]Failure{}
	for _, a := range e.Attempts {
		if !slices.Contains(order, a.Provider) {
			order = append(order, a.Provider)
		}
		if a.Skipped {
			if _, seen := last[a.Provider]; !seen {
				last[a.Provider] = Failure{Provider: a.Provider, Kind: "circuit_open", Reason: "circuit open"}
			}
			continue
		}
		last[a.Provider] = Failure{Provider: a.Provider, Kind: a.Kind, Reason: a.Error}
	}
	out := make([]Failure, 0, len(order))
	for _, p := range order {
		out = append(out, last[p])
	}
	return out
}

// KindCanceled marks an attempt abandoned because the caller went away.
const KindCanceled = "canceled"

// CallFunc performs one attempt against the named provider.
type CallFunc func(ctx context.Context, provider string) error

// Executor runs calls through the ordered provider list. One Executor is
// shared by all requests so breaker state accumulates across them.
type Executor struct {
	policy Policy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewExecutor creates an executor.
func NewExecutor(policy Policy) *Executor {
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}
	return &Executor{
		policy:   policy,
		now:      time.Now,
		sleep:    sleepCtx,
		breakers: make(map[string]*Breaker),
	}
}

// WithClock injects the breaker clock and replaces backoff sleeps.
func (x *Executor) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Executor {
	x.now = now
	if sleep != nil {
		x.sleep = sleep
	}
	return x
}

// Breaker returns the breaker for a provider, creating it on first use.
func (x *Executor) Breaker(provider string) *Breaker {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.breakers[provider]
	if !ok {
		b = NewBreaker(provider, x.policy.Breaker, func() time.Time { return x.now() })
		x.breakers[provider] = b
	}
	return b
}

// States reports every known breaker.
func (x *Executor) States() map[string]string {
	x.mu.Lock()
	names := make([]string, 0, len(x.breakers))
	for n := range x.breakers {
		names = append(names, n)
	}
	x.mu.Unlock()
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[n] = x.Breaker(n).State().String()
	}
	return out
}

// Run tries providers strictly in order, skipping those whose breaker is
// open, and makes up to MaxRetries further passes with backoff between them.
// It returns *CircuitOpenError if no provider could be attempted at all and
// *ExhaustedError if every attempt failed.
func (x *Executor) Run(ctx context.Context, providers []string, call CallFunc) (Outcome, error) {
	var out Outcome
	if len(providers) == 0 {
		return out, &ExhaustedError{}
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     x.policy.BaseDelay,
		RandomizationFactor: x.policy.Jitter,
		Multiplier:          x.policy.Multiplier,
		MaxInterval:         x.policy.MaxDelay,
	}
	bo.Reset()

	called := false
	var retryAfter time.Duration
	for pass := 0; pass <= x.policy.MaxRetries; pass++ {
		if pass > 0 {
			if err := x.sleep(ctx, bo.NextBackOff()); err != nil {
				return out, err
			}
		}

		calledThisPass := false
		for _, name := range providers {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			br := x.Breaker(name)
			if err := br.Allow(); err != nil {
				var open *CircuitOpenError
				if errors.As(err, &open) && (retryAfter == 0 || open.RetryAfter < retryAfter) {
					retryAfter = open.RetryAfter
				}
				out.Attempts = append(out.Attempts, Attempt{Provider: name, Pass: pass, Skipped: true})
				slog.Debug("provider skipped, circuit open", "provider", name)
				continue
			}

			called, calledThisPass = true, true
			start := x.now()
			err := x.attempt(ctx, name, call)
			a := Attempt{Provider: name, Pass: pass, Duration: x.now().Sub(start)}

			if err == nil {
				br.Success()
				out.Attempts = append(out.Attempts, a)
				out.Successful = name
				return out, nil
			}
			if ctx.Err() != nil {
				// The caller gave up; the breaker does not count it, but the
				// attempt is still reported.
				br.Release()
				a.Kind, a.Error = interrupted(ctx.Err())
				out.Attempts = append(out.Attempts, a)
				return out, ctx.Err()
			}

			br.Failure()
			a.Kind, a.Error = classify(err)
			out.Attempts = append(out.Attempts, a)
			if !slices.Contains(out.Attempted, name) {
				out.Attempted = append(out.Attempted, name)
			}
			slog.Warn("narration provider failed", "provider", name, "pass", pass, "kind", a.Kind, "error", a.Error)
		}
		if !calledThisPass {
			break
		}
	}

	if !called {
		return out, &CircuitOpenError{Providers: slices.Clone(providers), RetryAfter: retryAfter}
	}
	return out, &ExhaustedError{Attempts: out.Attempts}
}

func (x *Executor) attempt(ctx context.Context, name string, call CallFunc) error {
	if x.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.policy.AttemptTimeout)
		defer cancel()
	}
	err := call(ctx, name)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var pe *llm.ProviderError
		if !errors.As(err, &pe) {
			err = &llm.ProviderError{Provider: name, Kind: llm.KindTimeout, Err: err}
		}
	}
	return err
}

// interrupted describes an attempt cut short by the caller's context.
func interrupted(err error) (kind, reason string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return string(llm.KindTimeout), "narration deadline exceeded while waiting for a reply"
	}
	return KindCanceled, "request canceled while waiting for a reply"
}

func classify(err error) (kind, reason string) {
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return string(pe.Kind), pe.Reason()
	}
	return string(llm.KindUnavailable), err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
