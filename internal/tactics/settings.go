// Package tactics stores moderator-tunable behavior settings as an
// append-only log of patches. The current value of a setting is the fold of
// its patches over the documented default; nothing is ever updated in place.
package tactics

import (
	"errors"
	"fmt"
	"strings"
)

// AgentType names the settings family a log record belongs to.
type AgentType string

const (
	AgentGMTactics   AgentType = "gm_tactics"
	AgentCharacterAI AgentType = "character_ai"
)

// Level is how the moderator agent plans encounters.
type Level string

const (
	LevelReactive   Level = "reactive"
	LevelStrategic  Level = "strategic"
	LevelAggressive Level = "aggressive"
	LevelDefensive  Level = "defensive"
	LevelAdaptive   Level = "adaptive"
)

// Focus is the primary objective the moderator agent optimizes for.
type Focus string

const (
	FocusDamage  Focus = "damage"
	FocusSupport Focus = "support"
	FocusBalance Focus = "balance"
)

var (
	ErrInvalidLevel    = errors.New("invalid tactics level")
	ErrInvalidFocus    = errors.New("invalid primary focus")
	ErrInvalidPriority = errors.New("invalid action priority")
	ErrInvalidStyle    = errors.New("invalid communication style")
	ErrInvalidPatch    = errors.New("invalid settings patch")
	ErrEmptySession    = errors.New("session id is required")
	ErrEmptyCharacter  = errors.New("character id is required")
)

func (l Level) Valid() bool {
	switch l {
	case LevelReactive, LevelStrategic, LevelAggressive, LevelDefensive, LevelAdaptive:
		return true
	}
	return false
}

func (f Focus) Valid() bool {
	switch f {
	case FocusDamage, FocusSupport, FocusBalance:
		return true
	}
	return false
}

// Settings are the moderator agent's tactics.
type Settings struct {
	TacticsLevel Level `json:"tacticsLevel"`
	PrimaryFocus Focus `json:"primaryFocus"`
	Teamwork     bool  `json:"teamwork"`
}

// DefaultSettings is returned until a session sets anything.
func DefaultSettings() Settings {
	return Settings{TacticsLevel: LevelStrategic, PrimaryFocus: FocusDamage, Teamwork: true}
}

// Patch is a partial update. Nil fields keep their current value.
type Patch struct {
	TacticsLevel *Level `json:"tacticsLevel,omitempty"`
	PrimaryFocus *Focus `json:"primaryFocus,omitempty"`
	Teamwork     *bool  `json:"teamwork,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.TacticsLevel == nil && p.PrimaryFocus == nil && p.Teamwork == nil
}

// Validate checks the fields that are set.
func (p Patch) Validate() error {
	if p.Empty() {
		return fmt.Errorf("%w: no fields set", ErrInvalidPatch)
	}
	if p.TacticsLevel != nil && !p.TacticsLevel.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, *p.TacticsLevel)
	}
	if p.PrimaryFocus != nil && !p.PrimaryFocus.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFocus, *p.PrimaryFocus)
	}
	return nil
}

// Apply returns s with p merged on top.
func (s Settings) Apply(p Patch) Settings {
	if p.TacticsLevel != nil {
		s.TacticsLevel = *p.TacticsLevel
	}
	if p.PrimaryFocus != nil {
		s.PrimaryFocus = *p.PrimaryFocus
	}
	if p.Teamwork != nil {
		s.Teamwork = *p.Teamwork
	}
	return s
}

// Summary renders the settings for a narration prompt.
func (s Settings) Summary() string {
	teamwork := "solo play"
	if s.Teamwork {
		teamwork = "teamwork"
	}
	return fmt.Sprintf("%s tactics, %s focus, favor %s", s.TacticsLevel, s.PrimaryFocus, teamwork)
}

// ActionPriority is what a character reaches for first.
type ActionPriority string

const (
	PriorityBalanced    ActionPriority = "balanced"
	PriorityOffense     ActionPriority = "offense"
	PriorityDefense     ActionPriority = "defense"
	PrioritySupport     ActionPriority = "support"
	PriorityExploration ActionPriority = "exploration"
)

func (a ActionPriority) Valid() bool {
	switch a {
	case PriorityBalanced, PriorityOffense, PriorityDefense, PrioritySupport, PriorityExploration:
		return true
	}
	return false
}

// CommunicationStyle is how a character talks.
type CommunicationStyle string

const (
	StyleConcise     CommunicationStyle = "concise"
	StyleDescriptive CommunicationStyle = "descriptive"
	StyleDramatic    CommunicationStyle = "dramatic"
	StyleHumorous    CommunicationStyle = "humorous"
)

func (c CommunicationStyle) Valid() bool {
	switch c {
	case StyleConcise, StyleDescriptive, StyleDramatic, StyleHumorous:
		return true
	}
	return false
}

// MaxPersonalityLen bounds the free-text personality field.
const MaxPersonalityLen = 200

// CharacterSettings drive an AI-controlled character.
type CharacterSettings struct {
	ActionPriority     ActionPriority     `json:"actionPriority"`
	Personality        string             `json:"personality"`
	CommunicationStyle CommunicationStyle `json:"communicationStyle"`
}

// DefaultCharacterSettings is returned for characters with no records.
func DefaultCharacterSettings() CharacterSettings {
	return CharacterSettings{ActionPriority: PriorityBalanced, Personality: "neutral", CommunicationStyle: StyleConcise}
}

// CharacterPatch is a partial character update.
type CharacterPatch struct {
	ActionPriority     *ActionPriority     `json:"actionPriority,omitempty"`
	Personality        *string             `json:"personality,omitempty"`
	CommunicationStyle *CommunicationStyle `json:"communicationStyle,omitempty"`
}

func (p CharacterPatch) Empty() bool {
	return p.ActionPriority == nil && p.Personality == nil && p.CommunicationStyle == nil
}

// Validate checks the fields that are set.
func (p CharacterPatch) Validate() error {
	if p.Empty() {
		return fmt.Errorf("%w: no fields set", ErrInvalidPatch)
	}
	if p.ActionPriority != nil && !p.ActionPriority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, *p.ActionPriority)
	}
	if p.CommunicationStyle != nil && !p.CommunicationStyle.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStyle, *p.CommunicationStyle)
	}
	if p.Personality != nil {
		v := strings.TrimSpace(*p.Personality)
		if v == "" || len(v) > MaxPersonalityLen {
			return fmt.Errorf("%w: personality must be 1-%d characters", ErrInvalidPatch, MaxPersonalityLen)
		}
	}
	return nil
}

// Apply returns s with p merged on top.
func (s CharacterSettings) Apply(p CharacterPatch) CharacterSettings {
	if p.ActionPriority != nil {
		s.ActionPriority = *p.ActionPriority
	}
	if p.Personality != nil {
		s.Personality = strings.TrimSpace(*p.Personality)
	}
	if p.CommunicationStyle != nil {
		s.CommunicationStyle = *p.CommunicationStyle
	}
	return s
}
