package tactics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/talgya/gm-forge/internal/cache"
)

// Character pairs a character id with its folded settings.
type Character struct {
	CharacterID string            `json:"characterId"`
	Settings    CharacterSettings `json:"settings"`
}

// memoTTL bounds how long a folded value is served from memory. Writes made
// through this Service drop the memo at once; writes by another instance
// sharing the same log become visible within this window.
const memoTTL = 5 * time.Second

// Service folds the settings log into current values. Folded values are
// memoized per subject and dropped whenever that subject gets a new record.
type Service struct {
	log Log
	now func() time.Time

	mu    sync.Mutex
	gm    *cache.Cache[Settings]
	chars *cache.Cache[CharacterSettings]
}

// NewService wraps a settings log.
func NewService(log Log) *Service {
	s := &Service{log: log, now: time.Now}
	clock := func() time.Time { return s.now() }
	s.gm, _ = cache.New[Settings](cache.Options{Size: 1024, TTL: memoTTL, Now: clock})
	s.chars, _ = cache.New[CharacterSettings](cache.Options{Size: 4096, TTL: memoTTL, Now: clock})
	return s
}

// WithClock sets the timestamp source for new records and memo expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func subjectTag(sessionID string, agent AgentType, subject string) string {
	return string(agent) + ":" + sessionID + ":" + subject
}

// Current returns the session's tactics, or DefaultSettings when none were set.
func (s *Service) Current(ctx context.Context, sessionID string) (Settings, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Settings{}, ErrEmptySession
	}
	tag := subjectTag(sessionID, AgentGMTactics, "")
	return s.gm.GetOrCompute(ctx, tag, 0, []string{tag}, func(ctx context.Context) (Settings, error) {
		cur, _, err := s.foldSettings(ctx, sessionID)
		return cur, err
	})
}

// foldSettings replays the tactics log and also reports the newest record
// time.
func (s *Service) foldSettings(ctx context.Context, sessionID string) (Settings, time.Time, error) {
	records, err := s.log.History(ctx, sessionID, AgentGMTactics, "")
	if err != nil {
		return Settings{}, time.Time{}, fmt.Errorf("load tactics history: %w", err)
	}
	cur := DefaultSettings()
	for _, r := range records {
		var p Patch
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			slog.Warn("skipping unreadable tactics record", "session", sessionID, "record", r.ID, "error", err)
			continue
		}
		cur = cur.Apply(p)
	}
	return cur, latest(records), nil
}

// Update merges p onto the current tactics and appends it to the log.
func (s *Service) Update(ctx context.Context, sessionID string, p Patch) (Settings, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Settings{}, ErrEmptySession
	}
	if err := p.Validate(); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, last, err := s.foldSettings(ctx, sessionID)
	if err != nil {
		return Settings{}, err
	}
	if err := s.append(ctx, sessionID, AgentGMTactics, "", p, last); err != nil {
		return Settings{}, err
	}
	s.gm.InvalidateTag(subjectTag(sessionID, AgentGMTactics, ""))

	next := cur.Apply(p)
	slog.Info("tactics updated", "session", sessionID, "level", next.TacticsLevel, "focus", next.PrimaryFocus, "teamwork", next.Teamwork)
	return next, nil
}

// Character returns one character's settings, or the defaults.
func (s *Service) Character(ctx context.Context, sessionID, characterID string) (CharacterSettings, error) {
	sessionID, characterID = strings.TrimSpace(sessionID), strings.TrimSpace(characterID)
	if sessionID == "" {
		return CharacterSettings{}, ErrEmptySession
	}
	if characterID == "" {
		return CharacterSettings{}, ErrEmptyCharacter
	}
	tag := subjectTag(sessionID, AgentCharacterAI, characterID)
	return s.chars.GetOrCompute(ctx, tag, 0, []string{tag}, func(ctx context.Context) (CharacterSettings, error) {
		cur, _, err := s.foldCharacter(ctx, sessionID, characterID)
		return cur, err
	})
}

func (s *Service) foldCharacter(ctx context.Context, sessionID, characterID string) (CharacterSettings, time.Time, error) {
	records, err := s.log.History(ctx, sessionID, AgentCharacterAI, characterID)
	if err != nil {
		return CharacterSettings{}, time.Time{}, fmt.Errorf("load character history: %w", err)
	}
	cur := DefaultCharacterSettings()
	for _, r := range records {
		var p CharacterPatch
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			slog.Warn("skipping unreadable character record", "session", sessionID, "character", characterID, "record", r.ID, "error", err)
			continue
		}
		cur = cur.Apply(p)
	}
	return cur, latest(records), nil
}

// UpdateCharacter merges p onto a character's settings and appends it.
func (s *Service) UpdateCharacter(ctx context.Context, sessionID, characterID string, p CharacterPatch) (CharacterSettings, error) {
	sessionID, characterID = strings.TrimSpace(sessionID), strings.TrimSpace(characterID)
	if sessionID == "" {
		return CharacterSettings{}, ErrEmptySession
	}
	if characterID == "" {
		return CharacterSettings{}, ErrEmptyCharacter
	}
	if err := p.Validate(); err != nil {
		return CharacterSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, last, err := s.foldCharacter(ctx, sessionID, characterID)
	if err != nil {
		return CharacterSettings{}, err
	}
	if err := s.append(ctx, sessionID, AgentCharacterAI, characterID, p, last); err != nil {
		return CharacterSettings{}, err
	}
	s.chars.InvalidateTag(subjectTag(sessionID, AgentCharacterAI, characterID))

	next := cur.Apply(p)
	slog.Info("character settings updated", "session", sessionID, "character", characterID)
	return next, nil
}

// ListCharacters returns every character with settings in the session,
// ordered by id.
func (s *Service) ListCharacters(ctx context.Context, sessionID string) ([]Character, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	ids, err := s.log.Subjects(ctx, sessionID, AgentCharacterAI)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	out := make([]Character, 0, len(ids))
	for _, id := range ids {
		cs, err := s.Character(ctx, sessionID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, Character{CharacterID: id, Settings: cs})
	}
	return out, nil
}

// History returns up to limit records for a subject, newest first.
func (s *Service) History(ctx context.Context, sessionID string, agent AgentType, subject string, limit int) ([]Record, error) {
	records, err := s.log.History(ctx, strings.TrimSpace(sessionID), agent, subject)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, records[i])
	}
	return out, nil
}

// append writes patch stamped strictly after the subject's newest record,
// so the new record always folds last even when the clock lags the log.
func (s *Service) append(ctx context.Context, sessionID string, agent AgentType, subject string, patch any, after time.Time) error {
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	stamp := s.now().UTC()
	if !after.IsZero() && !stamp.After(after) {
		stamp = after.Add(time.Nanosecond).UTC()
	}
	_, err = s.log.Append(ctx, Record{
		SessionID: sessionID,
		AgentType: agent,
		Subject:   subject,
		Payload:   payload,
		UpdatedAt: stamp,
	})
	if err != nil {
		return fmt.Errorf("append %s record: %w", agent, err)
	}
	return nil
}

// latest returns the newest UpdatedAt among records.
func latest(records []Record) time.Time {
	var t time.Time
	for _, r := range records {
		if r.UpdatedAt.After(t) {
			t = r.UpdatedAt
		}
	}
	return t
}
