package tactics

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"
)

// Record is one settings-changed event. Payload is the JSON patch as it was
// submitted; records are never updated or deleted.
type Record struct {
	ID        int64           `json:"id" db:"id"`
	SessionID string          `json:"sessionId" db:"session_id"`
	AgentType AgentType       `json:"agentType" db:"agent_type"`
	Subject   string          `json:"subject,omitempty" db:"subject"`
	Payload   json.RawMessage `json:"payload" db:"payload_json"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// Log is an append-only settings event log.
type Log interface {
	// Append stores r and returns it with its assigned ID.
	Append(ctx context.Context, r Record) (Record, error)
	// History returns the records for one subject ordered oldest first by
	// (UpdatedAt, ID).
	History(ctx context.Context, sessionID string, agent AgentType, subject string) ([]Record, error)
	// Subjects lists the distinct subjects with at least one record.
	Subjects(ctx context.Context, sessionID string, agent AgentType) ([]string, error)
}

// SortRecords orders records the way History must return them.
func SortRecords(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].UpdatedAt.Before(rs[j].UpdatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// MemoryLog keeps the log in process.
type MemoryLog struct {
	mu      sync.RWMutex
	nextID  int64
	records []Record
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (m *MemoryLog) Append(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	r.Payload = slices.Clone(r.Payload)
	m.records = append(m.records, r)
	return r, nil
}

func (m *MemoryLog) History(_ context.Context, sessionID string, agent AgentType, subject string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.SessionID == sessionID && r.AgentType == agent && r.Subject == subject {
			r.Payload = slices.Clone(r.Payload)
			out = append(out, r)
		}
	}
	SortRecords(out)
	return out, nil
}

func (m *MemoryLog) Subjects(_ context.Context, sessionID string, agent AgentType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, r := range m.records {
		if r.SessionID == sessionID && r.AgentType == agent {
			out = append(out, r.Subject)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
