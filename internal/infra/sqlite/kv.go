package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/stepgate/stepgate/internal/domain"
)

// Compile-time interface check.
var _ domain.Store = (*DB)(nil)

// ─── Shared Store ───────────────────────────────────────────────────────────

// Get returns the value for key and whether it exists.
func (db *DB) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := db.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return v, true, nil
}

// Snapshot reads keys with a single statement, so the result is consistent.
// Missing keys are absent from the map.
func (db *DB) Snapshot(ctx context.Context, keys ...string) (map[string]string, error) {
	out, err := readKeys(ctx, db.db, keys)
	if err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// Update reads keys, applies fn's mutation and commits in a single
// IMMEDIATE transaction. Errors returned by fn abort without writing.
func (db *DB) Update(ctx context.Context, keys []string, fn func(cur map[string]string) (domain.Mutation, error)) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	cur, err := readKeys(ctx, tx, keys)
	if err != nil {
		return unavailable(err)
	}
	m, err := fn(cur)
	if err != nil {
		return err
	}
	if m.IsZero() {
		return nil
	}

	for _, k := range m.Delete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
			return unavailable(err)
		}
	}
	for k, v := range m.Set {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, datetime('now'))
			ON CONFLICT(key) DO UPDATE SET
				value      = excluded.value,
				updated_at = datetime('now')
		`, k, v)
		if err != nil {
			return unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readKeys(ctx context.Context, q querier, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	stmt := `SELECT key, value FROM kv WHERE key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
}
