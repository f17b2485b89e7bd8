// Package entity defines pre-generated game content (items, quests, events,
// NPCs, enemies and bonus rewards) and the two-tier pools that own it.
package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Type identifies the kind of content an entity represents.
type Type string

const (
	TypeEnemy Type = "enemy"
	TypeEvent Type = "event"
	TypeNPC   Type = "npc"
	TypeItem  Type = "item"
	TypeQuest Type = "quest"

	TypePracticalReward Type = "practical_reward"
	TypeTrophyItem      Type = "trophy_item"
	TypeMysteryItem     Type = "mystery_item"
)

// Category is the pool layer an entity lives in.
type Category string

const (
	// CategoryCore holds gameplay-critical content, generated first.
	CategoryCore Category = "core"
	// CategoryBonus holds reward and flavor content unlocked after core milestones.
	CategoryBonus Category = "bonus"
)

// Status tracks how far the party has progressed with an entity.
type Status string

const (
	StatusUndiscovered Status = "undiscovered"
	StatusDiscovered   Status = "discovered"
	StatusConsumed     Status = "consumed"
)

var (
	ErrInvalidType       = errors.New("invalid entity type")
	ErrInvalidCategory   = errors.New("invalid entity category")
	ErrInvalidStatus     = errors.New("invalid entity status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLayerChange       = errors.New("entity cannot move between pool layers")
	ErrEmptyID           = errors.New("entity id is required")
	ErrDuplicateID       = errors.New("duplicate entity id")
)

// CoreTypes lists the core layer types in canonical order.
var CoreTypes = []Type{TypeEnemy, TypeEvent, TypeNPC, TypeItem, TypeQuest}

// BonusTypes lists the bonus layer types in canonical order.
var BonusTypes = []Type{TypePracticalReward, TypeTrophyItem, TypeMysteryItem}

// AllTypes returns every known type, core first.
func AllTypes() []Type {
	out := make([]Type, 0, len(CoreTypes)+len(BonusTypes))
	out = append(out, CoreTypes...)
	return append(out, BonusTypes...)
}

// ParseType normalizes a type name. Hyphenated and plural spellings used by
// older clients ("practical-rewards", "npcs") are accepted.
func ParseType(raw string) (Type, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "enemies":
		s = "enemy"
	case "events", "npcs", "items", "quests", "practical_rewards", "trophy_items", "mystery_items":
		s = strings.TrimSuffix(s, "s")
	}
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, raw)
	}
	return t, nil
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeEnemy, TypeEvent, TypeNPC, TypeItem, TypeQuest,
		TypePracticalReward, TypeTrophyItem, TypeMysteryItem:
		return true
	}
	return false
}

// Category returns the layer new entities of this type are created in.
func (t Type) Category() Category {
	switch t {
	case TypePracticalReward, TypeTrophyItem, TypeMysteryItem:
		return CategoryBonus
	}
	return CategoryCore
}

// ParseCategory normalizes a layer name.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if c != CategoryCore && c != CategoryBonus {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
	}
	return c, nil
}

func (s Status) rank() int {
	switch s {
	case StatusUndiscovered, "":
		return 0
	case StatusDiscovered:
		return 1
	case StatusConsumed:
		return 2
	}
	return -1
}

// CanTransition reports whether an entity may move from s to next.
// Status only moves forward; staying put is allowed.
func (s Status) CanTransition(next Status) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to >= from
}
