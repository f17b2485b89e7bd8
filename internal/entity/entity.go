package entity

import (
	"fmt"
	"strings"
)

// Entity is one unit of pre-generated content. Common fields are shared by
// all types; exactly one of the detail pointers is normally set, matching Type.
type Entity struct {
	ID             string  `json:"id"`
	Type           Type    `json:"type"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Availability   bool    `json:"availability"`
	RelevanceScore float64 `json:"relevanceScore"`
	Status         Status  `json:"status,omitempty"`

	// Scoring hints. An empty LocationID means the entity fits anywhere.
	LocationID  string   `json:"locationId,omitempty"`
	Themes      []string `json:"themes,omitempty"`
	MilestoneID string   `json:"milestoneId,omitempty"`

	Enemy *EnemyStats   `json:"enemy,omitempty"`
	NPC   *NPCProfile   `json:"npc,omitempty"`
	Item  *ItemDetails  `json:"item,omitempty"`
	Quest *QuestDetails `json:"quest,omitempty"`
	Event *EventDetails `json:"event,omitempty"`
}

// EnemyStats are combat numbers for adversaries.
type EnemyStats struct {
	HealthPoints int    `json:"healthPoints"`
	AttackPower  int    `json:"attackPower"`
	Tier         string `json:"tier,omitempty"`
}

// NPCProfile describes a non-player character.
type NPCProfile struct {
	Role        string `json:"role"`
	Disposition string `json:"disposition,omitempty"`
}

// ItemDetails covers items and all bonus reward types.
type ItemDetails struct {
	Rarity string `json:"rarity,omitempty"`
	Value  int    `json:"value,omitempty"`
	Effect string `json:"effect,omitempty"`
}

// QuestDetails describes a quest hook.
type QuestDetails struct {
	Objective string   `json:"objective"`
	RewardIDs []string `json:"rewardIds,omitempty"`
}

// EventDetails describes a scripted or random event.
type EventDetails struct {
	Trigger  string `json:"trigger,omitempty"`
	Severity int    `json:"severity,omitempty"`
}

// Normalize trims identifiers and fills the default status.
func (e Entity) Normalize() (Entity, error) {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return Entity{}, ErrEmptyID
	}
	if !e.Type.Valid() {
		t, err := ParseType(string(e.Type))
		if err != nil {
			return Entity{}, err
		}
		e.Type = t
	}
	if e.Status == "" {
		e.Status = StatusUndiscovered
	}
	if e.Status.rank() < 0 {
		return Entity{}, fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}
	e.LocationID = strings.TrimSpace(e.LocationID)
	return e, nil
}

// HasTheme reports whether the entity declares the given theme or mood.
func (e Entity) HasTheme(theme string) bool {
	theme = strings.ToLower(strings.TrimSpace(theme))
	if theme == "" {
		return false
	}
	for _, t := range e.Themes {
		if strings.ToLower(t) == theme {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can never alias pool storage.
func (e Entity) Clone() Entity {
	if e.Themes != nil {
		e.Themes = append([]string(nil), e.Themes...)
	}
	if e.Enemy != nil {
		v := *e.Enemy
		e.Enemy = &v
	}
	if e.NPC != nil {
		v := *e.NPC
		e.NPC = &v
	}
	if e.Item != nil {
		v := *e.Item
		e.Item = &v
	}
	if e.Quest != nil {
		v := *e.Quest
		v.RewardIDs = append([]string(nil), v.RewardIDs...)
		e.Quest = &v
	}
	if e.Event != nil {
		v := *e.Event
		e.Event = &v
	}
	return e
}
