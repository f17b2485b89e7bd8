// Package audit records one row per agent request so moderators can review
// what the narration chain was asked and what it answered.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status of a logged request.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var ErrInvalidFilter = errors.New("invalid request log filter")

// Entry is one request log row.
type Entry struct {
	ID           string          `json:"id" db:"id"`
	ChainID      string          `json:"chainId" db:"chain_id"`
	SessionID    string          `json:"sessionId" db:"session_id"`
	AgentType    string          `json:"agentType" db:"agent_type"`
	TriggerType  string          `json:"triggerType" db:"trigger_type"`
	Request      json.RawMessage `json:"request" db:"request_json"`
	Response     json.RawMessage `json:"response,omitempty" db:"response_json"`
	Status       Status          `json:"status" db:"status"`
	Error        string          `json:"error,omitempty" db:"error"`
	ProcessingMs int64           `json:"processingMs" db:"processing_ms"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	AgentType string
	SessionID string
	From, To  time.Time
	// Query is a case-insensitive substring match over the request,
	// response and error text.
	Query    string
	Page     int
	PageSize int
}

// Normalize applies paging defaults and checks the date range.
func (f Filter) Normalize() (Filter, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, ErrInvalidFilter
	}
	f.Query = strings.TrimSpace(f.Query)
	return f, nil
}

// Offset is the number of rows before the requested page.
func (f Filter) Offset() int { return (f.Page - 1) * f.PageSize }

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.AgentType != "" && e.AgentType != f.AgentType {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		hay := strings.ToLower(string(e.Request) + "\n" + string(e.Response) + "\n" + e.Error)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

// Page is one page of results, newest first.
type Page struct {
	Entries  []Entry `json:"entries"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
}

// Store persists request log rows.
type Store interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) (Page, error)
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Record appends an entry.
func (m *MemoryStore) Record(_ context.Context, e Entry) error {
	e.Request = slices.Clone(e.Request)
	e.Response = slices.Clone(e.Response)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// List returns the filtered page.
func (m *MemoryStore) List(_ context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}
	m.mu.RLock()
	var matched []Entry
	for _, e := range m.entries {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	SortNewestFirst(matched)
	page := Page{Entries: []Entry{}, Total: len(matched), Page: f.Page, PageSize: f.PageSize}
	if off := f.Offset(); off < len(matched) {
		end := min(off+f.PageSize, len(matched))
		page.Entries = append(page.Entries, matched[off:end]...)
	}
	return page, nil
}

// SortNewestFirst orders by CreatedAt desc, then ID desc.
func SortNewestFirst(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.After(es[j].CreatedAt)
		}
		return es[i].ID > es[j].ID
	})
}
