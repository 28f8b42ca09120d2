// Package sqlite provides the SQLite-backed shared store, wallet journal and
// notification queue. The database file is the shared region read and written
// by both the daemon and the watchdog handler process.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go driver, registers "sqlite"
)

// FileName is the database file created inside the state directory.
const FileName = "stepgate.db"

// DB wraps the SQL handle. All methods are safe for concurrent use.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates dir if needed, opens the database inside it and applies migrations.
// Transactions start IMMEDIATE so concurrent writers from other processes
// queue on the busy timeout instead of failing mid-transaction.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// Close releases the database handle.
func (db *DB) Close() error { return db.db.Close() }

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Shared key/value region
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Wallet journal
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms       INTEGER NOT NULL,
			type        TEXT NOT NULL,
			amount      INTEGER NOT NULL,
			balance     INTEGER NOT NULL,
			session_id  TEXT,
			description TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_ts ON ledger_entries(ts_ms)`,

		// Local notification queue
		`CREATE TABLE IF NOT EXISTS notifications (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			kind            TEXT NOT NULL,
			title           TEXT NOT NULL,
			body            TEXT NOT NULL,
			due_at_ms       INTEGER NOT NULL,
			delivered_at_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(delivered_at_ms, due_at_ms)`,
	}
}

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
