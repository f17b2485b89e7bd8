// Package gamectx builds immutable snapshots of session state. A GameContext
// is both the input to relevance scoring and, through its canonical
// serialization, the basis of recommendation cache keys.
package gamectx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
)

const (
	// MaxRecentActions caps how many action summaries a context carries.
	MaxRecentActions = 10
	// MaxSurfaced caps the recently-surfaced entity window.
	MaxSurfaced = 20
)

// SessionState is what the session layer knows about a running session.
type SessionState struct {
	SessionID      string   `json:"sessionId"`
	CampaignID     string   `json:"campaignId"`
	LocationID     string   `json:"locationId"`
	TimeOfDay      string   `json:"timeOfDay"`
	Mood           string   `json:"mood"`
	PartyMemberIDs []string `json:"partyMemberIds"`
	// RecentActions are oldest first.
	RecentActions []string `json:"recentActions"`
	// Surfaced holds entity ids recently shown to the party, most recent last.
	Surfaced []string `json:"surfaced"`
}

// CampaignState is campaign-wide progress.
type CampaignState struct {
	CampaignID          string            `json:"campaignId"`
	ActiveMilestones    []string          `json:"activeMilestones"`
	CompletedMilestones []string          `json:"completedMilestones"`
	Settings            map[string]string `json:"settings,omitempty"`
	Revision            int64             `json:"revision"`
}

// GameContext is an immutable snapshot. Accessors return copies.
type GameContext struct {
	sessionID  string
	campaignID string
	locationID string
	timeOfDay  string
	mood       string
	party      []string
	actions    []string
	active     []string
	completed  []string
	surfaced   []string
}

// Empty returns the context used when no session or campaign is known.
func Empty() GameContext { return GameContext{} }

// Build assembles a context from session and campaign state. It is a pure
// function: equal inputs always give byte-identical Serialize output. Missing
// session or campaign state yields Empty.
func Build(session *SessionState, campaign *CampaignState) GameContext {
	if session == nil || campaign == nil {
		return Empty()
	}
	sessionID := strings.TrimSpace(session.SessionID)
	campaignID := strings.TrimSpace(campaign.CampaignID)
	if sessionID == "" || campaignID == "" {
		return Empty()
	}

	return GameContext{
		sessionID:  sessionID,
		campaignID: campaignID,
		locationID: strings.TrimSpace(session.LocationID),
		timeOfDay:  strings.ToLower(strings.TrimSpace(session.TimeOfDay)),
		mood:       strings.ToLower(strings.TrimSpace(session.Mood)),
		party:      idSet(session.PartyMemberIDs),
		actions:    tail(cleanSeq(session.RecentActions), MaxRecentActions),
		active:     idSet(campaign.ActiveMilestones),
		completed:  idSet(campaign.CompletedMilestones),
		surfaced:   tail(cleanSeq(session.Surfaced), MaxSurfaced),
	}
}

// WithLocation returns a copy scoped to another location.
func (c GameContext) WithLocation(locationID string) GameContext {
	c.locationID = strings.TrimSpace(locationID)
	return c
}

func (c GameContext) IsEmpty() bool     { return c.sessionID == "" || c.campaignID == "" }
func (c GameContext) SessionID() string  { return c.sessionID }
func (c GameContext) CampaignID() string { return c.campaignID }
func (c GameContext) LocationID() string { return c.locationID }
func (c GameContext) TimeOfDay() string  { return c.timeOfDay }
func (c GameContext) Mood() string       { return c.mood }

func (c GameContext) PartyMemberIDs() []string      { return slices.Clone(c.party) }
func (c GameContext) RecentActions() []string       { return slices.Clone(c.actions) }
func (c GameContext) ActiveMilestones() []string    { return slices.Clone(c.active) }
func (c GameContext) CompletedMilestones() []string { return slices.Clone(c.completed) }
func (c GameContext) Surfaced() []string            { return slices.Clone(c.surfaced) }

// MilestoneActive reports whether id is one of the campaign's active milestones.
func (c GameContext) MilestoneActive(id string) bool {
	_, ok := slices.BinarySearch(c.active, id)
	return ok
}

// MilestoneCompleted reports whether id has already been completed.
func (c GameContext) MilestoneCompleted(id string) bool {
	_, ok := slices.BinarySearch(c.completed, id)
	return ok
}

// SurfacedRank returns how many other entities were surfaced after id
// (0 = most recent), or -1 when id is not in the window.
func (c GameContext) SurfacedRank(id string) int {
	for i := len(c.surfaced) - 1; i >= 0; i-- {
		if c.surfaced[i] == id {
			return len(c.surfaced) - 1 - i
		}
	}
	return -1
}

type wireContext struct {
	SessionID           string   `json:"sessionId"`
	CampaignID          string   `json:"campaignId"`
	LocationID          string   `json:"locationId"`
	TimeOfDay           string   `json:"timeOfDay"`
	Mood                string   `json:"mood"`
	PartyMemberIDs      []string `json:"partyMemberIds"`
	RecentActions       []string `json:"recentActionSummaries"`
	ActiveMilestones    []string `json:"activeMilestones"`
	CompletedMilestones []string `json:"completedMilestones"`
	Surfaced            []string `json:"surfaced"`
}

func (c GameContext) wire() wireContext {
	return wireContext{
		SessionID:           c.sessionID,
		CampaignID:          c.campaignID,
		LocationID:          c.locationID,
		TimeOfDay:           c.timeOfDay,
		Mood:                c.mood,
		PartyMemberIDs:      nonNil(c.party),
		RecentActions:       nonNil(c.actions),
		ActiveMilestones:    nonNil(c.active),
		CompletedMilestones: nonNil(c.completed),
		Surfaced:            nonNil(c.surfaced),
	}
}

// Serialize returns the canonical JSON encoding.
func (c GameContext) Serialize() []byte {
	raw, _ := json.Marshal(c.wire())
	return raw
}

// MarshalJSON encodes the canonical form.
func (c GameContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.wire())
}

// Hash is the hex SHA-256 of Serialize.
func (c GameContext) Hash() string {
	sum := sha256.Sum256(c.Serialize())
	return hex.EncodeToString(sum[:])
}

func idSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func cleanSeq(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func tail(in []string, n int) []string {
	if len(in) > n {
		return slices.Clone(in[len(in)-n:])
	}
	return in
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
