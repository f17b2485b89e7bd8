package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/talgya/gm-forge/internal/tactics"
)

type settingsRow struct {
	ID        int64  `db:"id"`
	SessionID string `db:"session_id"`
	AgentType string `db:"agent_type"`
	Subject   string `db:"subject"`
	Payload   string `db:"payload_json"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r settingsRow) record() tactics.Record {
	return tactics.Record{
		ID:        r.ID,
		SessionID: r.SessionID,
		AgentType: tactics.AgentType(r.AgentType),
		Subject:   r.Subject,
		Payload:   json.RawMessage(r.Payload),
		UpdatedAt: fromNanos(r.UpdatedAt),
	}
}

// Append inserts a settings event. Rows are never updated.
func (db *DB) Append(ctx context.Context, r tactics.Record) (tactics.Record, error) {
	err := db.conn.QueryRowxContext(ctx, db.conn.Rebind(
		`INSERT INTO settings_log (session_id, agent_type, subject, payload_json, updated_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		r.SessionID, string(r.AgentType), r.Subject, string(r.Payload), toNanos(r.UpdatedAt),
	).Scan(&r.ID)
	if err != nil {
		return tactics.Record{}, fmt.Errorf("append settings: %w", err)
	}
	return r, nil
}

// History returns one subject's events oldest first.
func (db *DB) History(ctx context.Context, sessionID string, agent tactics.AgentType, subject string) ([]tactics.Record, error) {
	var rows []settingsRow
	err := db.conn.SelectContext(ctx, &rows, db.conn.Rebind(
		`SELECT id, session_id, agent_type, subject, payload_json, updated_at
		FROM settings_log
		WHERE session_id = ? AND agent_type = ? AND subject = ?
		ORDER BY updated_at, id`),
		sessionID, string(agent), subject,
	)
	if err != nil {
		return nil, fmt.Errorf("settings history: %w", err)
	}
	out := make([]tactics.Record, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// Subjects lists the distinct subjects with events for a session and agent.
func (db *DB) Subjects(ctx context.Context, sessionID string, agent tactics.AgentType) ([]string, error) {
	var subjects []string
	err := db.conn.SelectContext(ctx, &subjects, db.conn.Rebind(
		`SELECT DISTINCT subject FROM settings_log
		WHERE session_id = ? AND agent_type = ?
		ORDER BY subject`),
		sessionID, string(agent),
	)
	if err != nil {
		return nil, fmt.Errorf("settings subjects: %w", err)
	}
	return subjects, nil
}
