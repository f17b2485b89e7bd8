// Command poolseed generates a deterministic demo entity pool for a campaign
// and writes it to the configured store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/gm-forge/internal/entity"
	"github.com/talgya/gm-forge/internal/persistence"
	"github.com/talgya/gm-forge/internal/seed"
	"github.com/talgya/gm-forge/internal/timeouts"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	def := seed.DefaultConfig()
	campaign := flag.String("campaign", def.CampaignID, "campaign id; also the pool id")
	seedVal := flag.Int64("seed", def.Seed, "generation seed (0 = random)")
	locations := flag.String("locations", strings.Join(def.Locations, ","), "comma-separated location ids")
	milestones := flag.String("milestones", strings.Join(def.Milestones, ","), "comma-separated milestone ids")
	wanderers := flag.Int("wanderers", def.Wanderers, "location-independent entities to add")
	driver := flag.String("driver", envOrDefault("GMFORGE_DB_DRIVER", persistence.DriverSQLite), "sqlite or postgres")
	dsn := flag.String("dsn", envOrDefault("GMFORGE_DB_DSN", "data/gmforge.db"), "database DSN or sqlite path")
	flag.Parse()

	cfg := seed.Config{
		CampaignID: strings.TrimSpace(*campaign),
		Seed:       *seedVal,
		Locations:  splitList(*locations),
		Milestones: splitList(*milestones),
		Wanderers:  *wanderers,
	}
	if cfg.CampaignID == "" || len(cfg.Locations) == 0 {
		slog.Error("campaign and at least one location are required")
		os.Exit(1)
	}

	if *driver == persistence.DriverSQLite {
		if dir := filepath.Dir(*dsn); dir != "." {
			os.MkdirAll(dir, 0o755)
		}
	}
	db, err := persistence.Open(*driver, *dsn)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	p := seed.Generate(cfg)
	p.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreCall)
	defer cancel()
	if err := db.SavePool(ctx, p); err != nil {
		slog.Error("failed to save pool", "error", err)
		os.Exit(1)
	}
	if err := db.SaveMeta(ctx, "seed:"+cfg.CampaignID, strconv.FormatInt(cfg.Seed, 10)); err != nil {
		slog.Warn("failed to record seed", "error", err)
	}

	counts := p.CountByType()
	args := []any{"campaign", cfg.CampaignID, "seed", cfg.Seed, "total", p.Len()}
	for _, t := range entity.AllTypes() {
		args = append(args, string(t), counts[t])
	}
	slog.Info("entity pool seeded", args...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
