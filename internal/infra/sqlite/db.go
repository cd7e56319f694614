// Package sqlite provides SQLite-based persistent storage for the vault:
// the hash-chained audit journal and the treasury, task and worker tables it
// writes through to. Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection also serializes journal appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// PingContext checks database connectivity with a deadline.
func (d *DB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Audit journal: append-only, each row hashes its predecessor.
		`CREATE TABLE IF NOT EXISTS journal (
			seq       INTEGER PRIMARY KEY,
			id        TEXT NOT NULL UNIQUE,
			kind      TEXT NOT NULL,
			time      INTEGER NOT NULL,
			actor     TEXT NOT NULL DEFAULT '',
			task_id   INTEGER,
			worker    TEXT,
			amount    INTEGER NOT NULL DEFAULT 0,
			payload   TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_task ON journal(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal(kind)`,

		// Current state, written through with each journal batch
		`CREATE TABLE IF NOT EXISTS ledger (
			id                 INTEGER PRIMARY KEY CHECK (id = 1),
			total_balance      INTEGER NOT NULL,
			total_reserved     INTEGER NOT NULL,
			daily_spent        INTEGER NOT NULL,
			last_reset         INTEGER NOT NULL,
			max_spend_per_task INTEGER NOT NULL,
			max_spend_per_day  INTEGER NOT NULL,
			min_task_value     INTEGER NOT NULL,
			rule_cooldown_ns   INTEGER NOT NULL,
			rules_changed_at   INTEGER,
			saved_at           INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			task_id     INTEGER PRIMARY KEY,
			amount      INTEGER NOT NULL CHECK (amount > 0),
			reserved_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payouts (
			recipient TEXT PRIMARY KEY,
			amount    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                INTEGER PRIMARY KEY,
			category          TEXT NOT NULL,
			status            TEXT NOT NULL,
			creator           TEXT NOT NULL,
			assigned_worker   TEXT,
			max_payment       INTEGER NOT NULL,
			actual_payment    INTEGER NOT NULL DEFAULT 0,
			deadline          INTEGER NOT NULL,
			created_at        INTEGER NOT NULL,
			completed_at      INTEGER,
			description_ref   TEXT NOT NULL DEFAULT '',
			result_ref        TEXT NOT NULL DEFAULT '',
			verification_rule TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id               TEXT PRIMARY KEY,
			active           BOOLEAN NOT NULL,
			suspended        BOOLEAN NOT NULL DEFAULT 0,
			registered_at    INTEGER NOT NULL,
			total_tasks      INTEGER NOT NULL DEFAULT 0,
			successful_tasks INTEGER NOT NULL DEFAULT 0,
			total_earnings   INTEGER NOT NULL DEFAULT 0,
			last_activity_at INTEGER,
			reliability      INTEGER NOT NULL,
			categories       TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetNodeInfo stores a key-value pair in node_info.
func (d *DB) SetNodeInfo(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetNodeInfo retrieves a value from node_info.
func (d *DB) GetNodeInfo(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM node_info WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Times are stored as Unix nanoseconds so snapshots round-trip exactly.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromUnix(n.Int64)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
