package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/talgya/gm-forge/internal/cache"
	"github.com/talgya/gm-forge/internal/entity"
	"github.com/talgya/gm-forge/internal/gamectx"
)

// ErrInvalidEntityType is returned for unknown entity types.
var ErrInvalidEntityType = entity.ErrInvalidType

const (
	DefaultMaxRecommendations = 5
	MaxRecommendations        = 50
	DefaultMaxResults         = 20
)

// Timing says when a recommendation should be used.
type Timing string

const (
	TimingImmediate Timing = "immediate"
	TimingUpcoming  Timing = "upcoming"
)

// Impact estimates how much a recommendation will move the session.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// Recommendation is one suggested entity.
type Recommendation struct {
	EntityID        string      `json:"entityId"`
	EntityType      entity.Type `json:"entityType"`
	Name            string      `json:"name"`
	RelevanceScore  float64     `json:"relevanceScore"`
	Reasoning       string      `json:"reasoning"`
	SuggestedTiming Timing      `json:"suggestedTiming"`
	ExpectedImpact  Impact      `json:"expectedImpact"`
}

// Result is shared between callers and must be treated as read-only.
type Result struct {
	Recommendations []Recommendation `json:"recommendations"`
	Algorithm       string           `json:"algorithm"`
	Confidence      float64          `json:"confidence"`
	ContextHash     string           `json:"contextHash"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

// Immediate returns the recommendations to use right now.
func (r *Result) Immediate() []Recommendation { return r.byTiming(TimingImmediate) }

// Upcoming returns the recommendations that are plausible soon.
func (r *Result) Upcoming() []Recommendation { return r.byTiming(TimingUpcoming) }

func (r *Result) byTiming(t Timing) []Recommendation {
	var out []Recommendation
	for _, rec := range r.Recommendations {
		if rec.SuggestedTiming == t {
			out = append(out, rec)
		}
	}
	return out
}

// Filter narrows QueryEntities.
type Filter struct {
	// LocationID overrides the context location. Entities with no location
	// match every location.
	LocationID string
	// Types limits the entity types; empty means all.
	Types              []entity.Type
	IncludeUnavailable bool
}

// QueryOptions bound QueryEntities.
type QueryOptions struct {
	MaxResults int
}

// PoolReader is the slice of the pool service the engine needs.
type PoolReader interface {
	Pool(ctx context.Context, poolID string) (*entity.Pool, error)
}

// Stats are cumulative engine counters.
type Stats struct {
	Computations int64       `json:"computations"`
	Cache        cache.Stats `json:"cache"`
}

type queryResult struct {
	entities []entity.Entity
}

// Engine answers recommendation queries through the result cache.
type Engine struct {
	pools   PoolReader
	scorer  Scorer
	policy  Policy
	ttl     time.Duration
	size    int
	now     func() time.Time
	results *cache.Cache[*Result]
	queries *cache.Cache[*queryResult]

	computations atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets thresholds and, for the default scorer, weights.
func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

// WithScorer replaces the weighted scorer.
func WithScorer(s Scorer) Option { return func(e *Engine) { e.scorer = s } }

// WithTTL sets how long cached results live.
func WithTTL(ttl time.Duration) Option { return func(e *Engine) { e.ttl = ttl } }

// WithCacheSize bounds each result cache.
func WithCacheSize(n int) Option { return func(e *Engine) { e.size = n } }

// WithClock injects the time source used for GeneratedAt and cache expiry.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an engine.
func New(pools PoolReader, opts ...Option) (*Engine, error) {
	e := &Engine{
		pools:  pools,
		policy: DefaultPolicy(),
		ttl:    cache.DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	if e.scorer == nil {
		e.scorer = WeightedScorer{Policy: e.policy}
	}

	var err error
	e.results, err = cache.New[*Result](cache.Options{Size: e.size, TTL: e.ttl, Now: e.now})
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}
	e.queries, err = cache.New[*queryResult](cache.Options{Size: e.size, TTL: e.ttl, Now: e.now})
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	return e, nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// CampaignTag is the cache tag for everything derived from a campaign.
func CampaignTag(campaignID string) string { return "campaign:" + campaignID }

// InvalidateCampaign drops every cached result for a campaign. Wire it to
// campaign-state and pool mutations.
func (e *Engine) InvalidateCampaign(campaignID string) int {
	tag := CampaignTag(campaignID)
	n := e.results.InvalidateTag(tag) + e.queries.InvalidateTag(tag)
	slog.Debug("recommendation cache invalidated", "campaign", campaignID, "entries", n)
	return n
}

// Clear drops all cached results.
func (e *Engine) Clear() {
	e.results.Clear()
	e.queries.Clear()
}

// Stats reports engine counters.
func (e *Engine) Stats() Stats {
	rs, qs := e.results.Stats(), e.queries.Stats()
	return Stats{
		Computations: e.computations.Load(),
		Cache: cache.Stats{
			Hits:      rs.Hits + qs.Hits,
			Misses:    rs.Misses + qs.Misses,
			Computes:  rs.Computes + qs.Computes,
			Coalesced: rs.Coalesced + qs.Coalesced,
			Entries:   rs.Entries + qs.Entries,
		},
	}
}

// Recommend ranks the pool's entities of type t for the context. An empty
// context or pool gives an empty result with zero confidence.
func (e *Engine) Recommend(ctx context.Context, t entity.Type, gc gamectx.GameContext, maxRecommendations int) (*Result, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityType, t)
	}
	if maxRecommendations <= 0 {
		maxRecommendations = DefaultMaxRecommendations
	}
	if maxRecommendations > MaxRecommendations {
		maxRecommendations = MaxRecommendations
	}
	if gc.IsEmpty() {
		return e.emptyResult(gc), nil
	}

	key := cache.Key("recommend", e.scorer.Name(), string(t), strconv.Itoa(maxRecommendations), string(gc.Serialize()))
	tags := []string{CampaignTag(gc.CampaignID())}
	return e.results.GetOrCompute(ctx, key, e.ttl, tags, func(ctx context.Context) (*Result, error) {
		pool, err := e.pools.Pool(ctx, gc.CampaignID())
		if err != nil {
			return nil, err
		}
		return e.compute(pool.OfType(t), gc, maxRecommendations), nil
	})
}

type scored struct {
	entity entity.Entity
	score  Score
}

func (e *Engine) score(candidates []entity.Entity, gc gamectx.GameContext) []scored {
	e.computations.Add(1)
	out := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Status == entity.StatusConsumed {
			continue
		}
		out = append(out, scored{entity: c, score: e.scorer.Score(c, gc)})
	}
	// Stable: ties keep pool insertion order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].score.Value > out[j].score.Value
	})
	return out
}

func (e *Engine) compute(candidates []entity.Entity, gc gamectx.GameContext, limit int) *Result {
	ranked := e.score(candidates, gc)

	res := &Result{
		Recommendations: []Recommendation{},
		Algorithm:       e.scorer.Name(),
		ContextHash:     gc.Hash(),
		GeneratedAt:     e.now().UTC(),
	}
	sum := 0.0
	for _, s := range ranked {
		timing, ok := e.partition(s)
		if !ok {
			continue
		}
		res.Recommendations = append(res.Recommendations, Recommendation{
			EntityID:        s.entity.ID,
			EntityType:      s.entity.Type,
			Name:            s.entity.Name,
			RelevanceScore:  s.score.Value,
			Reasoning:       reasoning(s.score),
			SuggestedTiming: timing,
			ExpectedImpact:  impactOf(s.score.Value),
		})
		sum += s.score.Value
		if len(res.Recommendations) == limit {
			break
		}
	}
	if n := len(res.Recommendations); n > 0 {
		res.Confidence = clamp(sum / float64(n))
	}
	return res
}

// partition places a scored entity: available entities at or above the
// immediate threshold are for now, anything else at or above the floor is
// upcoming, the rest is dropped.
func (e *Engine) partition(s scored) (Timing, bool) {
	switch {
	case s.score.Value >= e.policy.ImmediateThreshold && s.entity.Availability:
		return TimingImmediate, true
	case s.score.Value >= e.policy.UpcomingFloor:
		return TimingUpcoming, true
	}
	return "", false
}

func impactOf(score float64) Impact {
	switch {
	case score >= 0.85:
		return ImpactHigh
	case score >= 0.6:
		return ImpactMedium
	}
	return ImpactLow
}

func (e *Engine) emptyResult(gc gamectx.GameContext) *Result {
	return &Result{
		Recommendations: []Recommendation{},
		Algorithm:       e.scorer.Name(),
		Confidence:      0,
		ContextHash:     gc.Hash(),
		GeneratedAt:     e.now().UTC(),
	}
}

// QueryEntities returns matching entities with RelevanceScore filled in,
// ordered by score then pool order. The returned slice is the caller's.
func (e *Engine) QueryEntities(ctx context.Context, f Filter, gc gamectx.GameContext, opts QueryOptions) ([]entity.Entity, error) {
	types := f.Types
	if len(types) == 0 {
		types = entity.AllTypes()
	}
	names := make([]string, len(types))
	for i, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEntityType, t)
		}
		names[i] = string(t)
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if gc.IsEmpty() {
		return []entity.Entity{}, nil
	}
	if f.LocationID != "" {
		gc = gc.WithLocation(f.LocationID)
	}

	key := cache.Key("query", e.scorer.Name(), strings.Join(names, ","), strconv.Itoa(opts.MaxResults),
		strconv.FormatBool(f.IncludeUnavailable), string(gc.Serialize()))
	tags := []string{CampaignTag(gc.CampaignID())}
	qr, err := e.queries.GetOrCompute(ctx, key, e.ttl, tags, func(ctx context.Context) (*queryResult, error) {
		pool, err := e.pools.Pool(ctx, gc.CampaignID())
		if err != nil {
			return nil, err
		}
		var candidates []entity.Entity
		for _, t := range types {
			for _, en := range pool.OfType(t) {
				if !f.IncludeUnavailable && !en.Availability {
					continue
				}
				if loc := gc.LocationID(); loc != "" && en.LocationID != "" && en.LocationID != loc {
					continue
				}
				candidates = append(candidates, en)
			}
		}
		ranked := e.score(candidates, gc)
		out := make([]entity.Entity, 0, min(len(ranked), opts.MaxResults))
		for _, s := range ranked {
			if len(out) == opts.MaxResults {
				break
			}
			en := s.entity
			en.RelevanceScore = s.score.Value
			out = append(out, en)
		}
		return &queryResult{entities: out}, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]entity.Entity, len(qr.entities))
	for i, en := range qr.entities {
		out[i] = en.Clone()
	}
	return out, nil
}
