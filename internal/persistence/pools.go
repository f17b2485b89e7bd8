package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/talgya/gm-forge/internal/entity"
	"github.com/talgya/gm-forge/internal/pool"
)

type poolRow struct {
	PoolID    string `db:"pool_id"`
	Payload   string `db:"payload_json"`
	UpdatedAt int64  `db:"updated_at"`
}

// LoadPool reads a pool document. Rows written by older clients in the flat
// shape are decoded into the core layer.
func (db *DB) LoadPool(ctx context.Context, poolID string) (*entity.Pool, error) {
	var row poolRow
	err := db.conn.GetContext(ctx, &row, db.conn.Rebind(
		"SELECT pool_id, payload_json, updated_at FROM entity_pools WHERE pool_id = ?"), poolID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pool.ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	p, err := entity.DecodePool(row.PoolID, []byte(row.Payload))
	if err != nil {
		return nil, fmt.Errorf("decode pool %s: %w", poolID, err)
	}
	p.UpdatedAt = fromNanos(row.UpdatedAt)
	return p, nil
}

// SavePool writes the full pool in the two-tier shape.
func (db *DB) SavePool(ctx context.Context, p *entity.Pool) error {
	raw, err := entity.EncodePool(p)
	if err != nil {
		return fmt.Errorf("encode pool %s: %w", p.ID, err)
	}
	return db.SaveRawPool(ctx, p.ID, raw, toNanos(p.UpdatedAt))
}

// SaveRawPool stores a pool document as given, without validation.
func (db *DB) SaveRawPool(ctx context.Context, poolID string, raw []byte, updatedAt int64) error {
	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		`INSERT INTO entity_pools (pool_id, payload_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (pool_id) DO UPDATE SET payload_json = excluded.payload_json, updated_at = excluded.updated_at`),
		poolID, string(raw), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save pool %s: %w", poolID, err)
	}
	return nil
}

// PoolIDs lists stored pools.
func (db *DB) PoolIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := db.conn.SelectContext(ctx, &ids, "SELECT pool_id FROM entity_pools ORDER BY pool_id")
	return ids, err
}
