// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/talgya/gm-forge/internal/recommend"
	"github.com/talgya/gm-forge/internal/resilience"
	"github.com/talgya/gm-forge/internal/timeouts"
)

// Config is every GMFORGE_* setting.
type Config struct {
	Port     int    `env:"GMFORGE_PORT" envDefault:"8080"`
	LogLevel string `env:"GMFORGE_LOG_LEVEL" envDefault:"info"`

	DBDriver string `env:"GMFORGE_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"GMFORGE_DB_DSN" envDefault:"data/gmforge.db"`

	AdminKey    string   `env:"GMFORGE_ADMIN_KEY"`
	CORSOrigins []string `env:"GMFORGE_CORS_ORIGINS" envSeparator:","`

	AnthropicAPIKey string   `env:"GMFORGE_ANTHROPIC_API_KEY"`
	AnthropicModel  string   `env:"GMFORGE_ANTHROPIC_MODEL"`
	OpenAIAPIKey    string   `env:"GMFORGE_OPENAI_API_KEY"`
	OpenAIModel     string   `env:"GMFORGE_OPENAI_MODEL"`
	ProviderOrder   []string `env:"GMFORGE_PROVIDER_ORDER" envSeparator:"," envDefault:"anthropic,openai"`

	NarrationTimeout time.Duration `env:"GMFORGE_NARRATION_TIMEOUT" envDefault:"45s"`
	MaxRetries       int           `env:"GMFORGE_MAX_RETRIES" envDefault:"2"`
	RetryBaseDelay   time.Duration `env:"GMFORGE_RETRY_BASE_DELAY" envDefault:"200ms"`
	RetryMaxDelay    time.Duration `env:"GMFORGE_RETRY_MAX_DELAY" envDefault:"2s"`
	BreakerThreshold int           `env:"GMFORGE_BREAKER_THRESHOLD" envDefault:"3"`
	BreakerWindow    time.Duration `env:"GMFORGE_BREAKER_WINDOW" envDefault:"1m"`
	BreakerCooldown  time.Duration `env:"GMFORGE_BREAKER_COOLDOWN" envDefault:"30s"`

	CacheTTL  time.Duration `env:"GMFORGE_CACHE_TTL" envDefault:"5m"`
	CacheSize int           `env:"GMFORGE_CACHE_SIZE" envDefault:"1024"`

	WeightContextFit   float64 `env:"GMFORGE_WEIGHT_CONTEXT_FIT" envDefault:"0.5"`
	WeightTiming       float64 `env:"GMFORGE_WEIGHT_TIMING" envDefault:"0.3"`
	WeightRecency      float64 `env:"GMFORGE_WEIGHT_RECENCY" envDefault:"0.2"`
	ImmediateThreshold float64 `env:"GMFORGE_IMMEDIATE_THRESHOLD" envDefault:"0.7"`
	UpcomingFloor      float64 `env:"GMFORGE_UPCOMING_FLOOR" envDefault:"0.3"`
	RecencyWindow      int     `env:"GMFORGE_RECENCY_WINDOW" envDefault:"5"`

	MaxContextEntities int `env:"GMFORGE_MAX_CONTEXT_ENTITIES" envDefault:"8"`
	TriggerRateLimit   int `env:"GMFORGE_TRIGGER_RATE_LIMIT" envDefault:"30"`

	OTelEndpoint string `env:"GMFORGE_OTEL_ENDPOINT"`
}

// Known narration provider names.
var Providers = []string{"anthropic", "openai"}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	order := make([]string, 0, len(c.ProviderOrder))
	for _, p := range c.ProviderOrder {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !slices.Contains(order, p) {
			order = append(order, p)
		}
	}
	c.ProviderOrder = order
	origins := c.CORSOrigins[:0]
	for _, o := range c.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSOrigins = origins
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("GMFORGE_PORT out of range: %d", c.Port))
	}
	switch c.DBDriver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("GMFORGE_DB_DRIVER must be sqlite, postgres or memory, got %q", c.DBDriver))
	}
	for _, p := range c.ProviderOrder {
		if !slices.Contains(Providers, p) {
			errs = append(errs, fmt.Errorf("GMFORGE_PROVIDER_ORDER: unknown provider %q", p))
		}
	}
	if c.NarrationTimeout <= 0 {
		errs = append(errs, errors.New("GMFORGE_NARRATION_TIMEOUT must be positive"))
	}
	if c.NarrationTimeout >= timeouts.Write {
		errs = append(errs, fmt.Errorf("GMFORGE_NARRATION_TIMEOUT must be below the %s response write timeout", timeouts.Write))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("GMFORGE_MAX_RETRIES must not be negative"))
	}
	if c.CacheTTL <= 0 || c.CacheSize <= 0 {
		errs = append(errs, errors.New("GMFORGE_CACHE_TTL and GMFORGE_CACHE_SIZE must be positive"))
	}
	if err := c.ScoringPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level; unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ScoringPolicy is the recommendation policy described by the weights and
// thresholds.
func (c Config) ScoringPolicy() recommend.Policy {
	return recommend.Policy{
		Weights: recommend.Weights{
			ContextFit:      c.WeightContextFit,
			NarrativeTiming: c.WeightTiming,
			Recency:         c.WeightRecency,
		},
		ImmediateThreshold: c.ImmediateThreshold,
		UpcomingFloor:      c.UpcomingFloor,
		RecencyWindow:      c.RecencyWindow,
	}
}

// ResiliencePolicy is the retry and breaker configuration for narration
// providers.
func (c Config) ResiliencePolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	p.MaxRetries = c.MaxRetries
	p.BaseDelay = c.RetryBaseDelay
	p.MaxDelay = c.RetryMaxDelay
	p.Breaker = resilience.BreakerConfig{
		Threshold: c.BreakerThreshold,
		Window:    c.BreakerWindow,
		Cooldown:  c.BreakerCooldown,
	}
	return p
}
