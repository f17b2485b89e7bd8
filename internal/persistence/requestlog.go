package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talgya/gm-forge/internal/audit"
)

type requestRow struct {
	ID           string `db:"id"`
	ChainID      string `db:"chain_id"`
	SessionID    string `db:"session_id"`
	AgentType    string `db:"agent_type"`
	TriggerType  string `db:"trigger_type"`
	Request      string `db:"request_json"`
	Response     string `db:"response_json"`
	Status       string `db:"status"`
	Error        string `db:"error"`
	ProcessingMs int64  `db:"processing_ms"`
	CreatedAt    int64  `db:"created_at"`
}

func (r requestRow) entry() audit.Entry {
	e := audit.Entry{
		ID:           r.ID,
		ChainID:      r.ChainID,
		SessionID:    r.SessionID,
		AgentType:    r.AgentType,
		TriggerType:  r.TriggerType,
		Request:      json.RawMessage(r.Request),
		Status:       audit.Status(r.Status),
		Error:        r.Error,
		ProcessingMs: r.ProcessingMs,
		CreatedAt:    fromNanos(r.CreatedAt),
	}
	if r.Response != "" {
		e.Response = json.RawMessage(r.Response)
	}
	return e
}

// Record inserts a request log row.
func (db *DB) Record(ctx context.Context, e audit.Entry) error {
	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		`INSERT INTO request_log
		(id, chain_id, session_id, agent_type, trigger_type, request_json, response_json,
		 status, error, processing_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.ChainID, e.SessionID, e.AgentType, e.TriggerType,
		string(e.Request), string(e.Response),
		string(e.Status), e.Error, e.ProcessingMs, toNanos(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert request log %s: %w", e.ID, err)
	}
	return nil
}

// List returns one page of matching rows, newest first.
func (db *DB) List(ctx context.Context, f audit.Filter) (audit.Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return audit.Page{}, err
	}

	where, args := requestWhere(f)
	var total int
	if err := db.conn.GetContext(ctx, &total, db.conn.Rebind("SELECT COUNT(*) FROM request_log"+where), args...); err != nil {
		return audit.Page{}, fmt.Errorf("count request log: %w", err)
	}

	var rows []requestRow
	query := `SELECT id, chain_id, session_id, agent_type, trigger_type, request_json, response_json,
		status, error, processing_ms, created_at
		FROM request_log` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	if err := db.conn.SelectContext(ctx, &rows, db.conn.Rebind(query), append(args, f.PageSize, f.Offset())...); err != nil {
		return audit.Page{}, fmt.Errorf("list request log: %w", err)
	}

	page := audit.Page{Entries: make([]audit.Entry, 0, len(rows)), Total: total, Page: f.Page, PageSize: f.PageSize}
	for _, r := range rows {
		page.Entries = append(page.Entries, r.entry())
	}
	return page, nil
}

func requestWhere(f audit.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.AgentType != "" {
		conds = append(conds, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, toNanos(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, toNanos(f.To))
	}
	if f.Query != "" {
		conds = append(conds, `LOWER(request_json || ' ' || response_json || ' ' || error) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(f.Query))+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
