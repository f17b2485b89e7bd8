// Package persistence provides SQL storage for entity pools, the settings
// event log and the request log. SQLite is the default; Postgres is
// supported through the same queries rebound to its placeholder style.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps a SQL connection. It implements pool.Store, tactics.Log and
// audit.Store.
type DB struct {
	conn   *sqlx.DB
	driver string
}

// Open opens or creates a database. For sqlite, dsn is a file path.
func Open(driver, dsn string) (*DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("open db: empty dsn")
	}

	var conn *sqlx.DB
	var err error
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		conn, err = sqlx.Open(DriverSQLite, dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	case DriverPostgres:
		conn, err = sqlx.Open(DriverPostgres, dsn)
		if err == nil {
			conn.SetMaxOpenConns(20)
			conn.SetMaxIdleConns(10)
			conn.SetConnMaxLifetime(30 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("open db: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("database ready", "driver", driver)
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver names the SQL dialect in use.
func (db *DB) Driver() string { return db.driver }

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	schema := `
	CREATE TABLE IF NOT EXISTS entity_pools (
		pool_id TEXT PRIMARY KEY,
		payload_json TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings_log (
		id ` + serial + `,
		session_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS request_log (
		id TEXT PRIMARY KEY,
		chain_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		request_json TEXT NOT NULL,
		response_json TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL,
		processing_ms BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_settings_subject ON settings_log(session_id, agent_type, subject);
	CREATE INDEX IF NOT EXISTS idx_request_log_created ON request_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_request_log_session ON request_log(session_id);
	`
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value; missing keys yield "".
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, db.conn.Rebind("SELECT value FROM meta WHERE key = ?"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
