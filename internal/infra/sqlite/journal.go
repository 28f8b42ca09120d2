package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/stepgate/stepgate/internal/domain"
)

var _ domain.Journal = (*DB)(nil)

// ─── Ledger Journal Operations ──────────────────────────────────────────────

// Append records a wallet change.
func (db *DB) Append(ctx context.Context, e domain.LedgerEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (ts_ms, type, amount, balance, session_id, description)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ts.UnixMilli(), string(e.Type), e.Amount, e.Balance, nullString(e.SessionID), nullString(e.Description))
	return err
}

// Recent returns the newest entries first.
func (db *DB) Recent(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, ts_ms, type, amount, balance, session_id, description
		FROM ledger_entries ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e         domain.LedgerEntry
			tsMs      int64
			typ       string
			sessionID sql.NullString
			desc      sql.NullString
		)
		if err := rows.Scan(&e.ID, &tsMs, &typ, &e.Amount, &e.Balance, &sessionID, &desc); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		e.Type = domain.TransactionType(typ)
		e.SessionID = sessionID.String
		e.Description = desc.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// JournalTotals sums the journal per transaction type.
func (db *DB) JournalTotals(ctx context.Context) (map[domain.TransactionType]int64, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT type, COALESCE(SUM(amount), 0) FROM ledger_entries GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.TransactionType]int64)
	for rows.Next() {
		var typ string
		var sum int64
		if err := rows.Scan(&typ, &sum); err != nil {
			return nil, err
		}
		out[domain.TransactionType(typ)] = sum
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
