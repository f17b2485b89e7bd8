package gamectx

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrEmptyID          = errors.New("id is required")
)

// StateStore is an in-process view of session and campaign state fed by the
// session layer. It is safe for concurrent use.
type StateStore struct {
	mu        sync.RWMutex
	sessions  map[string]SessionState
	campaigns map[string]CampaignState

	hookMu sync.RWMutex
	hooks  []func(campaignID string)
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{
		sessions:  make(map[string]SessionState),
		campaigns: make(map[string]CampaignState),
	}
}

// OnCampaignChange registers a hook fired after every campaign mutation.
func (s *StateStore) OnCampaignChange(fn func(campaignID string)) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// PutSession replaces a session's state.
func (s *StateStore) PutSession(st SessionState) error {
	st.SessionID = strings.TrimSpace(st.SessionID)
	if st.SessionID == "" {
		return ErrEmptyID
	}
	st = cloneSession(st)
	s.mu.Lock()
	s.sessions[st.SessionID] = st
	s.mu.Unlock()
	return nil
}

// Session returns a copy of a session's state.
func (s *StateStore) Session(id string) (SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return SessionState{}, false
	}
	return cloneSession(st), true
}

// PutCampaign replaces campaign state, bumps its revision and fires the
// change hooks.
func (s *StateStore) PutCampaign(st CampaignState) (CampaignState, error) {
	st.CampaignID = strings.TrimSpace(st.CampaignID)
	if st.CampaignID == "" {
		return CampaignState{}, ErrEmptyID
	}
	st = cloneCampaign(st)

	s.mu.Lock()
	prev := s.campaigns[st.CampaignID]
	st.Revision = prev.Revision + 1
	s.campaigns[st.CampaignID] = st
	s.mu.Unlock()

	s.fire(st.CampaignID)
	return cloneCampaign(st), nil
}

// Campaign returns a copy of a campaign's state.
func (s *StateStore) Campaign(id string) (CampaignState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.campaigns[id]
	if !ok {
		return CampaignState{}, false
	}
	return cloneCampaign(st), true
}

// RecordAction appends an action summary to a session, keeping the newest
// MaxRecentActions.
func (s *StateStore) RecordAction(sessionID, summary string) error {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	st.RecentActions = tail(append(slices.Clone(st.RecentActions), summary), MaxRecentActions)
	s.sessions[sessionID] = st
	return nil
}

// MarkSurfaced records entity ids as just shown to the party.
func (s *StateStore) MarkSurfaced(sessionID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	surfaced := slices.Clone(st.Surfaced)
	for _, id := range ids {
		surfaced = slices.DeleteFunc(surfaced, func(prev string) bool { return prev == id })
		surfaced = append(surfaced, id)
	}
	st.Surfaced = tail(surfaced, MaxSurfaced)
	s.sessions[sessionID] = st
	return nil
}

// Snapshot returns the session and its campaign. Either may be nil when the
// store does not know it; the error is set only for an unknown session.
func (s *StateStore) Snapshot(_ context.Context, sessionID string) (*SessionState, *CampaignState, error) {
	sess, ok := s.Session(sessionID)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	camp, ok := s.Campaign(sess.CampaignID)
	if !ok {
		return &sess, nil, nil
	}
	return &sess, &camp, nil
}

// Context builds the GameContext for a stored session.
func (s *StateStore) Context(ctx context.Context, sessionID string) GameContext {
	sess, camp, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return Empty()
	}
	return Build(sess, camp)
}

func (s *StateStore) fire(campaignID string) {
	s.hookMu.RLock()
	hooks := slices.Clone(s.hooks)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(campaignID)
	}
}

func cloneSession(st SessionState) SessionState {
	st.PartyMemberIDs = slices.Clone(st.PartyMemberIDs)
	st.RecentActions = slices.Clone(st.RecentActions)
	st.Surfaced = slices.Clone(st.Surfaced)
	return st
}

func cloneCampaign(st CampaignState) CampaignState {
	st.ActiveMilestones = slices.Clone(st.ActiveMilestones)
	st.CompletedMilestones = slices.Clone(st.CompletedMilestones)
	if st.Settings != nil {
		m := make(map[string]string, len(st.Settings))
		for k, v := range st.Settings {
			m[k] = v
		}
		st.Settings = m
	}
	return st
}
