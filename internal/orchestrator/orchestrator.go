// Package orchestrator runs the trigger chain: one pass per player or
// moderator action that loads tactics, looks up candidate entities, asks a
// narration backend what happens next and records the exchange.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/talgya/gm-forge/internal/audit"
	"github.com/talgya/gm-forge/internal/entity"
	"github.com/talgya/gm-forge/internal/gamectx"
	"github.com/talgya/gm-forge/internal/llm"
	"github.com/talgya/gm-forge/internal/recommend"
	"github.com/talgya/gm-forge/internal/resilience"
	"github.com/talgya/gm-forge/internal/tactics"
)

// AgentType is the audit agent type of trigger-chain rows.
const AgentType = "trigger_chain"

const (
	DefaultMaxContextEntities = 8
	DefaultNarrationTimeout   = 45 * time.Second
)

// TacticsSource reads moderator settings.
type TacticsSource interface {
	Current(ctx context.Context, sessionID string) (tactics.Settings, error)
	ListCharacters(ctx context.Context, sessionID string) ([]tactics.Character, error)
}

// EntitySource finds candidate entities for a scene.
type EntitySource interface {
	QueryEntities(ctx context.Context, f recommend.Filter, gc gamectx.GameContext, opts recommend.QueryOptions) ([]entity.Entity, error)
	Policy() recommend.Policy
}

// StateSource is the session layer's view of running sessions.
type StateSource interface {
	Snapshot(ctx context.Context, sessionID string) (*gamectx.SessionState, *gamectx.CampaignState, error)
	RecordAction(sessionID, summary string) error
	MarkSurfaced(sessionID string, ids ...string) error
}

// AuditSink receives one row per trigger.
type AuditSink interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Config bounds a chain.
type Config struct {
	MaxContextEntities int
	NarrationTimeout   time.Duration
}

// Orchestrator is safe for concurrent use; each Trigger call is independent.
type Orchestrator struct {
	state     StateSource
	tactics   TacticsSource
	entities  EntitySource
	audit     AuditSink
	providers []llm.Provider
	executor  *resilience.Executor
	cfg       Config
	now       func() time.Time
	tracer    trace.Tracer
}

// Deps are the collaborators of an Orchestrator. State, Tactics and Audit
// may be nil; Entities and Executor are required.
type Deps struct {
	State     StateSource
	Tactics   TacticsSource
	Entities  EntitySource
	Audit     AuditSink
	Providers []llm.Provider
	Executor  *resilience.Executor
	Now       func() time.Time
}

// New builds an orchestrator.
func New(d Deps, cfg Config) (*Orchestrator, error) {
	if d.Entities == nil || d.Executor == nil {
		return nil, errors.New("orchestrator: entities and executor are required")
	}
	if cfg.MaxContextEntities <= 0 {
		cfg.MaxContextEntities = DefaultMaxContextEntities
	}
	if cfg.NarrationTimeout <= 0 {
		cfg.NarrationTimeout = DefaultNarrationTimeout
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	var providers []llm.Provider
	for _, p := range d.Providers {
		if p != nil {
			providers = append(providers, p)
		}
	}
	return &Orchestrator{
		state:     d.State,
		tactics:   d.Tactics,
		entities:  d.Entities,
		audit:     d.Audit,
		providers: providers,
		executor:  d.Executor,
		cfg:       cfg,
		now:       now,
		tracer:    otel.Tracer("github.com/talgya/gm-forge/internal/orchestrator"),
	}, nil
}

// ProviderNames lists the configured fallback order.
func (o *Orchestrator) ProviderNames() []string {
	names := make([]string, len(o.providers))
	for i, p := range o.providers {
		names[i] = p.Name()
	}
	return names
}

// Breakers reports provider breaker states.
func (o *Orchestrator) Breakers() map[string]string { return o.executor.States() }

// chain is the mutable state of one pass.
type chain struct {
	id          string
	req         Request
	startedAt   time.Time
	gc          gamectx.GameContext
	knownSess   bool
	settings    tactics.Settings
	characters  []tactics.Character
	entities    []entity.Entity
	narration   *llm.Narration
	response    *llm.Response
	outcome     resilience.Outcome
	steps       []StepRecord
	degradation []string
}

func (c *chain) degrade(note string) { c.degradation = append(c.degradation, note) }

// Trigger runs one chain. It returns either a result or a *ChainError.
func (o *Orchestrator) Trigger(ctx context.Context, req Request) (*ChainResult, error) {
	c := &chain{id: uuid.NewString(), req: normalize(req), startedAt: o.now()}

	ctx, span := o.tracer.Start(ctx, "trigger_chain", trace.WithAttributes(
		attribute.String("chain.id", c.id),
		attribute.String("session.id", c.req.SessionID),
		attribute.String("trigger.type", string(c.req.TriggerType)),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation")
		return nil, &ChainError{ChainID: c.id, Kind: KindValidation, Step: StepStart, Err: err}
	}

	o.step(ctx, c, StepStart, func(ctx context.Context) (string, string) {
		c.gc, c.knownSess = o.buildContext(ctx, c.req)
		if c.gc.IsEmpty() {
			c.degrade("no campaign context for session; entity lookup skipped")
			return "degraded", "empty context"
		}
		return "ok", ""
	})
	o.step(ctx, c, StepLoadTactics, func(ctx context.Context) (string, string) { return o.loadTactics(ctx, c) })
	o.step(ctx, c, StepQueryEntities, func(ctx context.Context) (string, string) { return o.queryEntities(ctx, c) })

	var narrErr error
	o.step(ctx, c, StepNarration, func(ctx context.Context) (string, string) {
		narrErr = o.narrate(ctx, c)
		if narrErr != nil {
			return "failed", narrErr.Error()
		}
		return "ok", c.outcome.Successful
	})
	if narrErr != nil {
		cerr := o.chainError(c, narrErr)
		span.SetStatus(codes.Error, string(cerr.Kind))
		o.logFailure(ctx, c, cerr)
		slog.Warn("trigger chain failed", "chain_id", c.id, "session", c.req.SessionID, "kind", cerr.Kind, "error", cerr.Err)
		return nil, cerr
	}

	var result *ChainResult
	o.step(ctx, c, StepAssemble, func(context.Context) (string, string) {
		result = o.assemble(c)
		return "ok", ""
	})
	o.step(ctx, c, StepLog, func(ctx context.Context) (string, string) {
		o.sideEffects(c)
		if err := o.logSuccess(ctx, c, result); err != nil {
			slog.Warn("audit log write failed", "chain_id", c.id, "error", err)
			return "degraded", err.Error()
		}
		return "ok", ""
	})
	result.ExecutionInfo.Steps = append(slices.Clone(c.steps), StepRecord{Step: StepDone, Status: "ok"})
	result.ExecutionInfo.ProcessingTimeMs = o.now().Sub(c.startedAt).Milliseconds()

	slog.Info("trigger chain complete",
		"chain_id", c.id,
		"session", c.req.SessionID,
		"provider", c.outcome.Successful,
		"entities", len(c.entities),
		"ms", result.ExecutionInfo.ProcessingTimeMs,
	)
	return result, nil
}

// step runs fn under a child span and records how it went.
func (o *Orchestrator) step(ctx context.Context, c *chain, s Step, fn func(context.Context) (status, note string)) {
	ctx, span := o.tracer.Start(ctx, string(s))
	defer span.End()
	start := o.now()
	status, note := fn(ctx)
	span.SetAttributes(attribute.String("step.status", status))
	if status == "failed" {
		span.SetStatus(codes.Error, note)
	}
	c.steps = append(c.steps, StepRecord{Step: s, Status: status, DurationMs: o.now().Sub(start).Milliseconds(), Note: note})
}

func normalize(r Request) Request {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.PlayerMessage = strings.TrimSpace(r.PlayerMessage)
	r.CurrentLocationID = strings.TrimSpace(r.CurrentLocationID)
	return r
}

// buildContext overlays request fields on stored session state.
func (o *Orchestrator) buildContext(ctx context.Context, r Request) (gamectx.GameContext, bool) {
	var sess *gamectx.SessionState
	var camp *gamectx.CampaignState
	if o.state != nil {
		s, cs, err := o.state.Snapshot(ctx, r.SessionID)
		if err == nil {
			sess, camp = s, cs
		}
	}
	known := sess != nil
	if sess == nil {
		sess = &gamectx.SessionState{SessionID: r.SessionID, CampaignID: r.Context.CampaignID}
	}
	if r.Context.CampaignID != "" && sess.CampaignID == "" {
		sess.CampaignID = r.Context.CampaignID
	}
	if camp == nil && sess.CampaignID != "" {
		camp = &gamectx.CampaignState{CampaignID: sess.CampaignID}
	}

	if r.CurrentLocationID != "" {
		sess.LocationID = r.CurrentLocationID
	}
	if len(r.Participants) > 0 {
		sess.PartyMemberIDs = r.Participants
	}
	if r.Context.TimeOfDay != "" {
		sess.TimeOfDay = r.Context.TimeOfDay
	}
	if r.Context.Mood != "" {
		sess.Mood = r.Context.Mood
	}
	if len(r.Context.RecentActions) > 0 {
		sess.RecentActions = append(slices.Clone(sess.RecentActions), r.Context.RecentActions...)
	}
	return gamectx.Build(sess, camp), known
}

func (o *Orchestrator) loadTactics(ctx context.Context, c *chain) (string, string) {
	c.settings = tactics.DefaultSettings()
	if o.tactics == nil {
		return "ok", "defaults"
	}
	status, note := "ok", ""
	settings, err := o.tactics.Current(ctx, c.req.SessionID)
	if err != nil {
		slog.Warn("tactics unavailable, using defaults", "chain_id", c.id, "error", err)
		c.degrade("tactics unavailable, default tactics applied")
		status, note = "degraded", err.Error()
	} else {
		c.settings = settings
	}

	chars, err := o.tactics.ListCharacters(ctx, c.req.SessionID)
	if err != nil {
		slog.Warn("character settings unavailable", "chain_id", c.id, "error", err)
		c.degrade("character settings unavailable")
		return "degraded", err.Error()
	}
	party := c.gc.PartyMemberIDs()
	for _, ch := range chars {
		if len(party) == 0 || slices.Contains(party, ch.CharacterID) {
			c.characters = append(c.characters, ch)
		}
	}
	return status, note
}

func (o *Orchestrator) queryEntities(ctx context.Context, c *chain) (string, string) {
	if c.gc.IsEmpty() {
		return "skipped", "empty context"
	}
	list, err := o.entities.QueryEntities(ctx,
		recommend.Filter{LocationID: c.gc.LocationID()},
		c.gc,
		recommend.QueryOptions{MaxResults: o.cfg.MaxContextEntities},
	)
	if err != nil {
		slog.Warn("entity lookup failed, continuing without entities", "chain_id", c.id, "error", err)
		c.degrade("entity lookup failed: " + err.Error())
		return "degraded", err.Error()
	}
	c.entities = list
	return "ok", fmt.Sprintf("%d entities", len(list))
}

func (o *Orchestrator) narrate(ctx context.Context, c *chain) error {
	if len(o.providers) == 0 {
		return &resilience.ExhaustedError{}
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.NarrationTimeout)
	defer cancel()

	prompt := llm.BuildNarrationPrompt(o.narrationContext(c))
	byName := make(map[string]llm.Provider, len(o.providers))
	for _, p := range o.providers {
		byName[p.Name()] = p
	}

	outcome, err := o.executor.Run(ctx, o.ProviderNames(), func(ctx context.Context, name string) error {
		resp, err := byName[name].Complete(ctx, prompt)
		if err != nil {
			return err
		}
		n, err := llm.ParseNarration(name, resp.Text)
		if err != nil {
			return err
		}
		c.response, c.narration = resp, n
		return nil
	})
	c.outcome = outcome
	return err
}

func (o *Orchestrator) narrationContext(c *chain) llm.NarrationContext {
	policy := o.entities.Policy()
	nc := llm.NarrationContext{
		TriggerType:   string(c.req.TriggerType),
		PlayerMessage: c.req.PlayerMessage,
		Location:      c.gc.LocationID(),
		TimeOfDay:     c.gc.TimeOfDay(),
		Mood:          c.gc.Mood(),
		Participants:  c.gc.PartyMemberIDs(),
		RecentActions: c.gc.RecentActions(),
		Tactics:       c.settings.Summary(),
	}
	if nc.Location == "" {
		nc.Location = c.req.CurrentLocationID
	}
	for _, ch := range c.characters {
		nc.Characters = append(nc.Characters, fmt.Sprintf("%s: %s, prioritizes %s, speaks in a %s way",
			ch.CharacterID, ch.Settings.Personality, ch.Settings.ActionPriority, ch.Settings.CommunicationStyle))
	}
	for _, e := range c.entities {
		nc.Entities = append(nc.Entities, llm.EntityLine{
			Type:   string(e.Type),
			Name:   e.Name,
			Detail: e.Description,
			Timing: timing(policy, e),
		})
	}
	return nc
}

func timing(p recommend.Policy, e entity.Entity) string {
	if e.Availability && e.RelevanceScore >= p.ImmediateThreshold {
		return string(recommend.TimingImmediate)
	}
	return string(recommend.TimingUpcoming)
}

func (o *Orchestrator) chainError(c *chain, err error) *ChainError {
	cerr := &ChainError{ChainID: c.id, Step: StepNarration, Err: err}
	var open *resilience.CircuitOpenError
	var exhausted *resilience.ExhaustedError
	switch {
	case errors.Is(err, context.Canceled):
		cerr.Kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		cerr.Kind = KindTimeout
	case errors.As(err, &open):
		cerr.Kind = KindCircuitOpen
		for _, p := range open.Providers {
			cerr.FailedProviders = append(cerr.FailedProviders, resilience.Failure{Provider: p, Kind: string(KindCircuitOpen), Reason: "circuit open"})
		}
	case errors.As(err, &exhausted):
		cerr.Kind = KindProvider
		cerr.FailedProviders = exhausted.FailedProviders()
		if len(cerr.FailedProviders) == 0 {
			cerr.Err = errors.New("no narration providers configured")
		}
	default:
		cerr.Kind = KindProvider
	}
	if cerr.Kind == KindCanceled || cerr.Kind == KindTimeout {
		cerr.FailedProviders = (&resilience.ExhaustedError{Attempts: c.outcome.Attempts}).FailedProviders()
	}
	return cerr
}

func (o *Orchestrator) assemble(c *chain) *ChainResult {
	policy := o.entities.Policy()
	available := make([]AvailableEntity, 0, len(c.entities))
	for _, e := range c.entities {
		available = append(available, AvailableEntity{
			ID:             e.ID,
			Type:           e.Type,
			Name:           e.Name,
			RelevanceScore: e.RelevanceScore,
			Timing:         timing(policy, e),
		})
	}

	party := c.gc.PartyMemberIDs()
	if len(party) == 0 {
		party = slices.Clone(c.req.Participants)
	}
	if party == nil {
		party = []string{}
	}

	attempted := c.outcome.Attempted
	if attempted == nil {
		attempted = []string{}
	}
	now := o.now()
	return &ChainResult{
		ChainID: c.id,
		GMResponse: GMResponse{
			Message:        c.narration.Message,
			Suggestions:    c.narration.Suggestions,
			AppliedTactics: c.settings,
			Confidence:     confidence(len(c.outcome.Attempted), len(c.degradation)),
		},
		ContextAnalysis: ContextAnalysis{
			AvailableEntities: available,
			PartyStatus:       PartyStatus{Members: party, Size: len(party), Characters: c.characters},
			EnvironmentalFactors: EnvironmentalFactors{
				LocationID:       c.gc.LocationID(),
				TimeOfDay:        c.gc.TimeOfDay(),
				Mood:             c.gc.Mood(),
				ActiveMilestones: c.gc.ActiveMilestones(),
			},
			Degradations: slices.Clone(c.degradation),
		},
		ExecutionInfo: ExecutionInfo{
			TriggeredAt:       c.startedAt.UTC(),
			ProcessingTimeMs:  now.Sub(c.startedAt).Milliseconds(),
			EntitiesProcessed: len(c.entities),
			Steps:             slices.Clone(c.steps),
		},
		NextActions: c.narration.NextActions,
		Metadata: Metadata{
			AttemptedProviders: attempted,
			SuccessfulProvider: c.outcome.Successful,
			Model:              c.response.Model,
			Usage:              c.response.Usage,
		},
	}
}

// confidence starts at 1 and loses a tenth for every failed provider and
// every degraded soft dependency, never going below 0.1.
func confidence(failedProviders, degradations int) float64 {
	v := 1.0 - 0.1*float64(failedProviders+degradations)
	if v < 0.1 {
		return 0.1
	}
	return v
}

// sideEffects feeds the session layer: surfaced entities drive recency decay
// on later triggers.
func (o *Orchestrator) sideEffects(c *chain) {
	if o.state == nil || !c.knownSess {
		return
	}
	if err := o.state.RecordAction(c.req.SessionID, c.req.PlayerMessage); err != nil {
		slog.Debug("record action", "session", c.req.SessionID, "error", err)
	}
	ids := make([]string, 0, len(c.entities))
	for _, e := range c.entities {
		ids = append(ids, e.ID)
	}
	if err := o.state.MarkSurfaced(c.req.SessionID, ids...); err != nil {
		slog.Debug("mark surfaced", "session", c.req.SessionID, "error", err)
	}
}

func (o *Orchestrator) logSuccess(ctx context.Context, c *chain, result *ChainResult) error {
	if o.audit == nil {
		return nil
	}
	status := audit.StatusSuccess
	if len(c.degradation) > 0 {
		status = audit.StatusDegraded
	}
	return o.record(ctx, c, status, result, "")
}

func (o *Orchestrator) logFailure(ctx context.Context, c *chain, cerr *ChainError) {
	if o.audit == nil {
		return
	}
	if err := o.record(ctx, c, audit.StatusFailed, cerr, cerr.Error()); err != nil {
		slog.Warn("audit log write failed", "chain_id", c.id, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, c *chain, status audit.Status, response any, errText string) error {
	reqJSON, err := json.Marshal(c.req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	respJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	// A canceled caller must not lose the audit row.
	ctx = context.WithoutCancel(ctx)
	return o.audit.Record(ctx, audit.Entry{
		ID:           uuid.NewString(),
		ChainID:      c.id,
		SessionID:    c.req.SessionID,
		AgentType:    AgentType,
		TriggerType:  string(c.req.TriggerType),
		Request:      reqJSON,
		Response:     respJSON,
		Status:       status,
		Error:        errText,
		ProcessingMs: o.now().Sub(c.startedAt).Milliseconds(),
		CreatedAt:    o.now().UTC(),
	})
}
