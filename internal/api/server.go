// Package api provides the HTTP API for the moderator assistant.
// GET endpoints and the trigger chain are open to the moderator client.
// Content and session state writes require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/gm-forge/internal/audit"
	"github.com/talgya/gm-forge/internal/gamectx"
	"github.com/talgya/gm-forge/internal/orchestrator"
	"github.com/talgya/gm-forge/internal/pool"
	"github.com/talgya/gm-forge/internal/recommend"
	"github.com/talgya/gm-forge/internal/tactics"
	"github.com/talgya/gm-forge/internal/timeouts"
)

const maxBodyBytes = 1 << 20

// Server serves the orchestrator and its stores over HTTP.
type Server struct {
	Chain    *orchestrator.Orchestrator
	Engine   *recommend.Engine
	Pools    *pool.Service
	State    *gamectx.StateStore
	Tactics  *tactics.Service
	Audit    audit.Store
	Port     int
	AdminKey string // Bearer token for write endpoints. Empty = writes disabled.

	CORSOrigins      []string
	TriggerRateLimit int // Trigger-chain requests per minute per IP; 0 = unlimited.

	// Store names the persistence backend in status output.
	Store string
	// Ping checks the persistence backend; nil means always healthy.
	Ping func(ctx context.Context) error

	startedAt time.Time
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	triggerLimiter := NewRateLimiter(s.TriggerRateLimit, time.Minute)

	mux := http.NewServeMux()

	// Moderator endpoints.
	mux.HandleFunc("POST /api/v1/trigger-chain", RateLimitMiddleware(triggerLimiter, s.handleTriggerChain))
	mux.HandleFunc("GET /api/v1/gm-tactics", s.handleGetTactics)
	mux.HandleFunc("PUT /api/v1/gm-tactics", s.handlePutTactics)
	mux.HandleFunc("GET /api/v1/character-ai", s.handleListCharacters)
	mux.HandleFunc("PUT /api/v1/character-ai/{characterId}", s.handlePutCharacter)
	mux.HandleFunc("GET /api/v1/request-logs", s.handleRequestLogs)
	mux.HandleFunc("GET /api/v1/recommendations", s.handleRecommendations)
	mux.HandleFunc("GET /api/v1/pools/{poolId}", s.handlePoolSummary)
	mux.HandleFunc("GET /api/v1/pools/{poolId}/entities", s.handlePoolEntities)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	// Admin endpoints (require bearer token).
	mux.HandleFunc("POST /api/v1/pools/{poolId}/entities", s.adminOnly(s.handleUpsertEntities))
	mux.HandleFunc("PUT /api/v1/sessions/{sessionId}", s.adminOnly(s.handlePutSession))
	mux.HandleFunc("PUT /api/v1/campaigns/{campaignId}", s.adminOnly(s.handlePutCampaign))

	return corsMiddleware(s.CORSOrigins, mux)
}

// ListenAndServe serves until ctx is canceled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
		WriteTimeout:      timeouts.Write,
		IdleTimeout:       timeouts.Idle,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "admin_auth", s.AdminKey != "", "store", s.Store)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	slog.Info("HTTP API shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Localhost dev servers are always allowed.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowedOrigins[origin] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			writeError(w, http.StatusForbidden, "forbidden", "admin endpoints disabled (no GMFORGE_ADMIN_KEY set)")
			return
		}
		if !s.checkBearerToken(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if s.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), timeouts.StoreCall)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			storeStatus = "unavailable"
			slog.Warn("store ping failed", "error", err)
		}
	}

	status := map[string]any{
		"name":           "gm-forge",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"store":          s.Store,
		"store_status":   storeStatus,
		"providers":      s.Chain.ProviderNames(),
		"breakers":       s.Chain.Breakers(),
		"engine":         s.Engine.Stats(),
		"policy":         s.Engine.Policy(),
	}
	writeJSON(w, http.StatusOK, status)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// storeCtx bounds a storage call made on behalf of a request.
func storeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeouts.StoreCall)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return t, nil
}
