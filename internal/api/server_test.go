package api

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

	"github.com/talgya/gm-forge/internal/audit"
	"github.com/talgya/gm-forge/internal/entity"
	"github.com/talgya/gm-forge/internal/gamectx"
	"github.com/talgya/gm-forge/internal/llm"
	"github.com/talgya/gm-forge/internal/orchestrator"
	"github.com/talgya/gm-forge/internal/pool"
	"github.com/talgya/gm-forge/internal/recommend"
	"github.com/talgya/gm-forge/internal/resilience"
	"github.com/talgya/gm-forge/internal/tactics"
)

const testAdminKey = "secret"

type stubProvider struct {
	name  string
	reply string
	err   error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Complete(context.Context, llm.Request) (*llm.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Provider: p.name, Model: "stub", Text: p.reply}, nil
}

func healthy(name string) *stubProvider {
	return &stubProvider{name: name, reply: `{"message":"Torchlight flickers.","suggestions":["ambush"],"nextActions":["search the room"]}`}
}

func down(name string) *stubProvider {
	return &stubProvider{name: name, err: &llm.ProviderError{Provider: name, Kind: llm.KindUnavailable, Err: errors.New("down")}}
}

func newTestServer(t *testing.T, providers ...llm.Provider) *Server {
	t.Helper()
	ctx := context.Background()

	pools := pool.NewService(pool.NewMemoryStore())
	err := pools.UpsertEntities(ctx, "camp-1", []entity.Entity{
		{ID: "ogre", Type: entity.TypeEnemy, Name: "Ogre", Availability: true, RelevanceScore: 0.9, LocationID: "bridge"},
		{ID: "sage", Type: entity.TypeNPC, Name: "Sage", Availability: true, RelevanceScore: 0.5, LocationID: "bridge"},
	})
	if err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	engine, err := recommend.New(pools)
	if err != nil {
		t.Fatal(err)
	}

	state := gamectx.NewStateStore()
	if err := state.PutSession(gamectx.SessionState{SessionID: "sess-1", CampaignID: "camp-1", LocationID: "bridge"}); err != nil {
		t.Fatal(err)
	}
	if _, err := state.PutCampaign(gamectx.CampaignState{CampaignID: "camp-1"}); err != nil {
		t.Fatal(err)
	}

	policy := resilience.DefaultPolicy()
	policy.MaxRetries = 0
	executor := resilience.NewExecutor(policy).WithClock(time.Now, func(context.Context, time.Duration) error { return nil })

	settings := tactics.NewService(tactics.NewMemoryLog())
	logs := audit.NewMemoryStore()
	chain, err := orchestrator.New(orchestrator.Deps{
		State:     state,
		Tactics:   settings,
		Entities:  engine,
		Audit:     logs,
		Providers: providers,
		Executor:  executor,
	}, orchestrator.Config{})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	return &Server{
		Chain:    chain,
		Engine:   engine,
		Pools:    pools,
		State:    state,
		Tactics:  settings,
		Audit:    logs,
		AdminKey: testAdminKey,
		Store:    "memory",
	}
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const triggerBody = `{"sessionId":"sess-1","playerMessage":"We cross the bridge","participants":["aria"],"triggerType":"exploration"}`

func TestTriggerChain_Success(t *testing.T) {
	s := newTestServer(t, down("anthropic"), healthy("openai"))
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/trigger-chain", triggerBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	res := decode[orchestrator.ChainResult](t, rec)
	if res.GMResponse.Message != "Torchlight flickers." {
		t.Fatalf("message = %q", res.GMResponse.Message)
	}
	if diff := cmp.Diff([]string{"anthropic"}, res.Metadata.AttemptedProviders); diff != "" {
		t.Fatalf("attempted (-want +got):\n%s", diff)
	}
	if res.Metadata.SuccessfulProvider != "openai" {
		t.Fatalf("successful = %q", res.Metadata.SuccessfulProvider)
	}

	logs := do(t, h, http.MethodGet, "/api/v1/request-logs?sessionId=sess-1", "", nil)
	if logs.Code != http.StatusOK {
		t.Fatalf("logs status = %d", logs.Code)
	}
	page := decode[audit.Page](t, logs)
	if page.Total != 1 || page.Entries[0].Status != audit.StatusSuccess {
		t.Fatalf("logs = %+v", page)
	}
}

func TestTriggerChain_Validation(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))

	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/trigger-chain", `{"participants":["a"],"triggerType":"combat"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[chainErrorResponse](t, rec)
	if body.Code != string(orchestrator.KindValidation) {
		t.Fatalf("code = %q", body.Code)
	}
	var fields []string
	for _, f := range body.Fields {
		fields = append(fields, f.Field)
	}
	if diff := cmp.Diff([]string{"sessionId", "playerMessage"}, fields); diff != "" {
		t.Fatalf("fields (-want +got):\n%s", diff)
	}
}

func TestTriggerChain_MalformedBody(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/trigger-chain", `{"sessionId":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decode[errorResponse](t, rec); body.Code != "invalid_request" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestTriggerChain_AllProvidersFail(t *testing.T) {
	s := newTestServer(t, down("anthropic"), down("openai"))

	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/trigger-chain", triggerBody, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[chainErrorResponse](t, rec)
	if body.Code != string(orchestrator.KindProvider) {
		t.Fatalf("code = %q", body.Code)
	}
	var names []string
	for _, f := range body.FailedProviders {
		names = append(names, f.Provider)
	}
	if diff := cmp.Diff([]string{"anthropic", "openai"}, names); diff != "" {
		t.Fatalf("failed providers (-want +got):\n%s", diff)
	}
}

func TestTriggerChain_CircuitOpen(t *testing.T) {
	s := newTestServer(t, down("anthropic"))
	h := s.Handler()

	for i := 0; i < 3; i++ {
		if rec := do(t, h, http.MethodPost, "/api/v1/trigger-chain", triggerBody, nil); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("run %d status = %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodPost, "/api/v1/trigger-chain", triggerBody, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decode[chainErrorResponse](t, rec); body.Code != string(orchestrator.KindCircuitOpen) {
		t.Fatalf("code = %q", body.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestTriggerChain_RateLimited(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	s.TriggerRateLimit = 1
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/trigger-chain", triggerBody, nil); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/v1/trigger-chain", triggerBody, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestTactics_GetAndPut(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/gm-tactics?sessionId=sess-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decode[tacticsResponse](t, rec); got.Settings != tactics.DefaultSettings() {
		t.Fatalf("defaults = %+v", got.Settings)
	}

	rec = do(t, h, http.MethodPut, "/api/v1/gm-tactics?sessionId=sess-1", `{"tacticsLevel":"aggressive"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodPut, "/api/v1/gm-tactics?sessionId=sess-1", `{"teamwork":false}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body)
	}

	got := decode[tacticsResponse](t, do(t, h, http.MethodGet, "/api/v1/gm-tactics?sessionId=sess-1", "", nil))
	want := tactics.Settings{TacticsLevel: tactics.LevelAggressive, PrimaryFocus: tactics.FocusDamage, Teamwork: false}
	if diff := cmp.Diff(want, got.Settings); diff != "" {
		t.Fatalf("settings (-want +got):\n%s", diff)
	}
	if len(got.History) != 2 {
		t.Fatalf("history = %d records", len(got.History))
	}
}

func TestTactics_Errors(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		code   string
	}{
		{"missing session", http.MethodGet, "/api/v1/gm-tactics", "", "invalid_request"},
		{"bad level", http.MethodPut, "/api/v1/gm-tactics?sessionId=sess-1", `{"tacticsLevel":"berserk"}`, "invalid_settings"},
		{"empty patch", http.MethodPut, "/api/v1/gm-tactics?sessionId=sess-1", `{}`, "invalid_settings"},
		{"bad style", http.MethodPut, "/api/v1/character-ai/aria?sessionId=sess-1", `{"communicationStyle":"mime"}`, "invalid_settings"},
		{"bad json", http.MethodPut, "/api/v1/gm-tactics?sessionId=sess-1", `{`, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if got := decode[errorResponse](t, rec); got.Code != tt.code {
				t.Fatalf("code = %q, want %q", got.Code, tt.code)
			}
		})
	}
}

func TestCharacters_PutAndList(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	h := s.Handler()

	rec := do(t, h, http.MethodPut, "/api/v1/character-ai/aria?sessionId=sess-1", `{"actionPriority":"offense","personality":"reckless"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/character-ai?sessionId=sess-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	got := decode[struct {
		Characters []tactics.Character `json:"characters"`
	}](t, rec)
	want := []tactics.Character{{
		CharacterID: "aria",
		Settings: tactics.CharacterSettings{
			ActionPriority:     tactics.PriorityOffense,
			Personality:        "reckless",
			CommunicationStyle: tactics.StyleConcise,
		},
	}}
	if diff := cmp.Diff(want, got.Characters); diff != "" {
		t.Fatalf("characters (-want +got):\n%s", diff)
	}
}

func TestRequestLogs_InvalidFilter(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	h := s.Handler()

	for _, target := range []string{
		"/api/v1/request-logs?from=yesterday",
		"/api/v1/request-logs?page=two",
		"/api/v1/request-logs?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
	} {
		rec := do(t, h, http.MethodGet, target, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", target, rec.Code)
		}
		if got := decode[errorResponse](t, rec); got.Code != "invalid_filter" {
			t.Fatalf("%s: code = %q", target, got.Code)
		}
	}
}

func TestRecommendations(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/recommendations?sessionId=sess-1&type=enemy", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[struct {
		Result recommend.Result `json:"result"`
	}](t, rec)
	if len(got.Result.Recommendations) != 1 || got.Result.Recommendations[0].EntityID != "ogre" {
		t.Fatalf("recommendations = %+v", got.Result.Recommendations)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/recommendations?sessionId=sess-1&type=dragon", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid type status = %d", rec.Code)
	}
	if body := decode[errorResponse](t, rec); body.Code != "invalid_entity_type" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestAdminOnly(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	body := `{"id":"troll","type":"enemy","name":"Troll","availability":true}`

	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/pools/camp-1/entities", body, map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", rec.Code)
	}

	s.AdminKey = ""
	rec = do(t, s.Handler(), http.MethodPost, "/api/v1/pools/camp-1/entities", body, map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no key status = %d", rec.Code)
	}
}

func TestPools_UpsertAndSummary(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	h := s.Handler()
	auth := map[string]string{"Authorization": "Bearer " + testAdminKey}

	single := `{"id":"troll","type":"enemy","name":"Troll","availability":true}`
	if rec := do(t, h, http.MethodPost, "/api/v1/pools/camp-1/entities", single, auth); rec.Code != http.StatusOK {
		t.Fatalf("single upsert status = %d, body %s", rec.Code, rec.Body)
	}
	batch := `[{"id":"gem","type":"mystery_item","name":"Gem"},{"id":"lantern","type":"item","name":"Lantern","availability":true}]`
	if rec := do(t, h, http.MethodPost, "/api/v1/pools/camp-1/entities", batch, auth); rec.Code != http.StatusOK {
		t.Fatalf("batch upsert status = %d, body %s", rec.Code, rec.Body)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/pools/camp-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d", rec.Code)
	}
	got := decode[struct {
		Counts map[entity.Type]int `json:"counts"`
		Total  int                 `json:"total"`
	}](t, rec)
	if got.Total != 5 || got.Counts[entity.TypeEnemy] != 2 || got.Counts[entity.TypeMysteryItem] != 1 {
		t.Fatalf("summary = %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/pools/camp-1/entities?category=bonus", "", nil)
	list := decode[struct {
		Entities []entity.Entity `json:"entities"`
	}](t, rec)
	if len(list.Entities) != 1 || list.Entities[0].ID != "gem" {
		t.Fatalf("bonus entities = %+v", list.Entities)
	}

	bad := `{"id":"troll","type":"dragon","name":"Troll"}`
	rec = do(t, h, http.MethodPost, "/api/v1/pools/camp-1/entities", bad, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad type status = %d", rec.Code)
	}
}

func TestSessionAndCampaignState(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	h := s.Handler()
	auth := map[string]string{"Authorization": "Bearer " + testAdminKey}

	rec := do(t, h, http.MethodPut, "/api/v1/sessions/sess-2", `{"campaignId":"camp-1","locationId":"gate","mood":"grim"}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d, body %s", rec.Code, rec.Body)
	}
	st, ok := s.State.Session("sess-2")
	if !ok || st.LocationID != "gate" {
		t.Fatalf("session = %+v, %v", st, ok)
	}

	rec = do(t, h, http.MethodPut, "/api/v1/campaigns/camp-1", `{"activeMilestones":["m1"]}`, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("campaign status = %d, body %s", rec.Code, rec.Body)
	}
	cs := decode[gamectx.CampaignState](t, rec)
	if cs.CampaignID != "camp-1" || cs.Revision < 2 {
		t.Fatalf("campaign = %+v", cs)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"))
	s.CORSOrigins = []string{"https://table.example"}
	h := s.Handler()

	rec := do(t, h, http.MethodOptions, "/api/v1/trigger-chain", "", map[string]string{"Origin": "https://table.example"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://table.example" {
		t.Fatalf("allow origin = %q", got)
	}

	rec = do(t, h, http.MethodOptions, "/api/v1/trigger-chain", "", map[string]string{"Origin": "https://evil.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, healthy("anthropic"), healthy("openai"))
	s.Ping = func(context.Context) error { return errors.New("down") }

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["store_status"] != "unavailable" {
		t.Fatalf("store_status = %v", got["store_status"])
	}
	if diff := cmp.Diff([]any{"anthropic", "openai"}, got["providers"]); diff != "" {
		t.Fatalf("providers (-want +got):\n%s", diff)
	}
}
