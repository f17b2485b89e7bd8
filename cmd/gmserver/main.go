// Command gmserver runs the moderator assistant: entity recommendations, the
// trigger chain and the settings and request log APIs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/talgya/gm-forge/internal/api"
	"github.com/talgya/gm-forge/internal/audit"
	"github.com/talgya/gm-forge/internal/config"
	"github.com/talgya/gm-forge/internal/gamectx"
	"github.com/talgya/gm-forge/internal/llm"
	"github.com/talgya/gm-forge/internal/orchestrator"
	"github.com/talgya/gm-forge/internal/persistence"
	"github.com/talgya/gm-forge/internal/pool"
	"github.com/talgya/gm-forge/internal/recommend"
	"github.com/talgya/gm-forge/internal/resilience"
	"github.com/talgya/gm-forge/internal/tactics"
	"github.com/talgya/gm-forge/internal/telemetry"
	"github.com/talgya/gm-forge/internal/timeouts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("gmserver stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "gm-forge", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	// ── Stores ────────────────────────────────────────────────────────
	var (
		poolStore pool.Store
		settings  tactics.Log
		logs      audit.Store
		ping      func(context.Context) error
	)
	if cfg.DBDriver == "memory" {
		poolStore = pool.NewMemoryStore()
		settings = tactics.NewMemoryLog()
		logs = audit.NewMemoryStore()
		slog.Warn("using in-memory stores; nothing survives a restart")
	} else {
		if cfg.DBDriver == persistence.DriverSQLite {
			if dir := filepath.Dir(cfg.DBDSN); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
		}
		db, err := persistence.Open(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, timeouts.StartupPing)
		err = db.Ping(pingCtx)
		cancel()
		if err != nil {
			return err
		}
		poolStore, settings, logs, ping = db, db, db, db.Ping
	}

	// ── Recommendation engine ─────────────────────────────────────────
	pools := pool.NewService(poolStore)
	state := gamectx.NewStateStore()
	engine, err := recommend.New(pools,
		recommend.WithPolicy(cfg.ScoringPolicy()),
		recommend.WithTTL(cfg.CacheTTL),
		recommend.WithCacheSize(cfg.CacheSize),
	)
	if err != nil {
		return err
	}
	// Pools are keyed by campaign, so a pool write and a campaign write
	// invalidate the same tag.
	pools.OnChange(func(poolID string) { engine.InvalidateCampaign(poolID) })
	state.OnCampaignChange(func(campaignID string) { engine.InvalidateCampaign(campaignID) })

	// ── Narration providers ───────────────────────────────────────────
	var providers []llm.Provider
	for _, name := range cfg.ProviderOrder {
		switch name {
		case "anthropic":
			if c := llm.NewAnthropic(llm.AnthropicConfig{APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel}); c != nil {
				providers = append(providers, c)
			}
		case "openai":
			if c := llm.NewOpenAI(llm.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel}); c != nil {
				providers = append(providers, c)
			}
		}
	}
	if len(providers) == 0 {
		slog.Warn("no narration provider has an API key; trigger chains will fail")
	}

	tacticsSvc := tactics.NewService(settings)
	chain, err := orchestrator.New(orchestrator.Deps{
		State:     state,
		Tactics:   tacticsSvc,
		Entities:  engine,
		Audit:     logs,
		Providers: providers,
		Executor:  resilience.NewExecutor(cfg.ResiliencePolicy()),
	}, orchestrator.Config{
		MaxContextEntities: cfg.MaxContextEntities,
		NarrationTimeout:   cfg.NarrationTimeout,
	})
	if err != nil {
		return err
	}

	slog.Info("gm-forge starting",
		"store", cfg.DBDriver,
		"providers", chain.ProviderNames(),
		"cache_ttl", cfg.CacheTTL,
		"cache_size", cfg.CacheSize,
	)

	srv := &api.Server{
		Chain:            chain,
		Engine:           engine,
		Pools:            pools,
		State:            state,
		Tactics:          tacticsSvc,
		Audit:            logs,
		Port:             cfg.Port,
		AdminKey:         cfg.AdminKey,
		CORSOrigins:      cfg.CORSOrigins,
		TriggerRateLimit: cfg.TriggerRateLimit,
		Store:            cfg.DBDriver,
		Ping:             ping,
	}
	return srv.ListenAndServe(ctx)
}
