// Package recommend scores pool entities against a game context and splits
// them into recommendations for right now and for soon.
package recommend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/talgya/gm-forge/internal/entity"
	"github.com/talgya/gm-forge/internal/gamectx"
)

// Weights balance the three scoring signals. They are normalized by their
// sum, so only their ratios matter.
type Weights struct {
	ContextFit      float64 `json:"contextFit"`
	NarrativeTiming float64 `json:"narrativeTiming"`
	Recency         float64 `json:"recency"`
}

// Policy is the tunable scoring and partition configuration.
type Policy struct {
	Weights Weights `json:"weights"`
	// Available entities scoring at or above this are recommended immediately.
	ImmediateThreshold float64 `json:"immediateThreshold"`
	// Entities scoring below this are not recommended at all.
	UpcomingFloor float64 `json:"upcomingFloor"`
	// How many recently surfaced entities carry a repetition penalty.
	RecencyWindow int `json:"recencyWindow"`
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		Weights:            Weights{ContextFit: 0.5, NarrativeTiming: 0.3, Recency: 0.2},
		ImmediateThreshold: 0.7,
		UpcomingFloor:      0.3,
		RecencyWindow:      5,
	}
}

var ErrInvalidPolicy = errors.New("invalid recommendation policy")

// Validate checks ranges.
func (p Policy) Validate() error {
	w := p.Weights
	if w.ContextFit < 0 || w.NarrativeTiming < 0 || w.Recency < 0 {
		return fmt.Errorf("%w: negative weight", ErrInvalidPolicy)
	}
	if w.ContextFit+w.NarrativeTiming+w.Recency == 0 {
		return fmt.Errorf("%w: all weights are zero", ErrInvalidPolicy)
	}
	if p.ImmediateThreshold < 0 || p.ImmediateThreshold > 1 || p.UpcomingFloor < 0 || p.UpcomingFloor > 1 {
		return fmt.Errorf("%w: thresholds must be within [0,1]", ErrInvalidPolicy)
	}
	if p.UpcomingFloor > p.ImmediateThreshold {
		return fmt.Errorf("%w: upcoming floor above immediate threshold", ErrInvalidPolicy)
	}
	if p.RecencyWindow < 0 {
		return fmt.Errorf("%w: negative recency window", ErrInvalidPolicy)
	}
	return nil
}

// Score is one entity's relevance with the reasoning behind it.
type Score struct {
	Value   float64
	Reasons []string
}

// Scorer rates an entity for a context. Implementations must be pure.
type Scorer interface {
	Name() string
	Score(e entity.Entity, c gamectx.GameContext) Score
}

// WeightedScorer combines contextual fit, narrative timing and recency decay.
type WeightedScorer struct {
	Policy Policy
}

func (s WeightedScorer) Name() string { return "weighted-context-v1" }

// Score implements Scorer.
func (s WeightedScorer) Score(e entity.Entity, c gamectx.GameContext) Score {
	if e.Status == entity.StatusConsumed {
		return Score{Value: 0, Reasons: []string{"already consumed"}}
	}
	var reasons []string

	// Contextual fit: location carries more weight than theme.
	loc := 0.5
	switch {
	case c.LocationID() == "":
	case e.LocationID == "":
		loc = 0.6
	case e.LocationID == c.LocationID():
		loc = 1.0
		reasons = append(reasons, "at "+e.LocationID)
	default:
		loc = 0.0
		reasons = append(reasons, "belongs to "+e.LocationID)
	}
	theme := 0.5
	switch {
	case c.Mood() == "" && c.TimeOfDay() == "":
	case len(e.Themes) == 0:
	case e.HasTheme(c.Mood()):
		theme = 1.0
		reasons = append(reasons, "fits the "+c.Mood()+" mood")
	case e.HasTheme(c.TimeOfDay()):
		theme = 0.9
		reasons = append(reasons, "suits "+c.TimeOfDay())
	default:
		theme = 0.2
	}
	fit := 0.6*loc + 0.4*theme

	// Narrative timing.
	timing := 0.7
	switch {
	case e.MilestoneID == "":
	case c.MilestoneActive(e.MilestoneID):
		timing = 1.0
		reasons = append(reasons, "tied to active milestone "+e.MilestoneID)
	case c.MilestoneCompleted(e.MilestoneID):
		timing = 0.4
		reasons = append(reasons, "milestone "+e.MilestoneID+" already done")
	default:
		timing = 0.2
		reasons = append(reasons, "waits on milestone "+e.MilestoneID)
	}

	// Recency decay: the most recently surfaced entity gets nothing.
	recency := 1.0
	if rank := c.SurfacedRank(e.ID); rank >= 0 && rank < s.Policy.RecencyWindow {
		recency = float64(rank) / float64(s.Policy.RecencyWindow)
		reasons = append(reasons, "surfaced recently")
	}

	w := s.Policy.Weights
	total := w.ContextFit + w.NarrativeTiming + w.Recency
	if total == 0 {
		return Score{Value: 0, Reasons: reasons}
	}
	v := (w.ContextFit*fit + w.NarrativeTiming*timing + w.Recency*recency) / total
	return Score{Value: clamp(v), Reasons: reasons}
}

// StaticScorer trusts the relevance score stored with each entity at
// generation time.
type StaticScorer struct{}

func (StaticScorer) Name() string { return "static" }

// Score implements Scorer.
func (StaticScorer) Score(e entity.Entity, _ gamectx.GameContext) Score {
	if e.Status == entity.StatusConsumed {
		return Score{Value: 0, Reasons: []string{"already consumed"}}
	}
	return Score{Value: clamp(e.RelevanceScore), Reasons: []string{"pre-scored"}}
}

func clamp(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func reasoning(s Score) string {
	if len(s.Reasons) == 0 {
		return "general fit"
	}
	return strings.Join(s.Reasons, "; ")
}
