// Package store provides the durable per-project tables behind the review
// queue, the identity-change workflow, and the checklist. Everything lives
// in one sqlite file in the project data directory; state transitions are
// single guarded UPDATE statements so concurrent callers race safely.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kioku/internal/model"
)

// DB wraps the project's sqlite database.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_memories (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	item        TEXT NOT NULL,
	layer       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	locked_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_memories(status, confidence DESC, created_at DESC);

CREATE TABLE IF NOT EXISTS identity_changes (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL,
	change_type      TEXT NOT NULL,
	target_id        TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL,
	proposed_by      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	approvals        TEXT NOT NULL DEFAULT '[]',
	approvals_needed INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	applied_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_changes_status ON identity_changes(status, created_at DESC);

CREATE TABLE IF NOT EXISTS checklist_items (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL,
	content        TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'open',
	priority       INTEGER NOT NULL DEFAULT 3,
	scope          TEXT NOT NULL DEFAULT 'project',
	tags           TEXT NOT NULL DEFAULT '[]',
	source_session TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	done_at        TEXT
);
CREATE INDEX IF NOT EXISTS idx_checklist_status ON checklist_items(status, priority, created_at);
`

// Open creates (if needed) and opens the project database at path, applying
// WAL mode and the schema.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir %s: %w", dir, err)
		}
	}

	// Pragmas ride in the DSN so every pooled connection gets them, not
	// just the one a bare Exec happens to land on. _txlock=immediate makes
	// explicit transactions take the write lock up front, so concurrent
	// read-modify-write callers queue on busy_timeout instead of
	// deadlocking on lock upgrade.
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &DB{sql: db, logger: logger}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Healthy pings the database file.
func (d *DB) Healthy(ctx context.Context) error {
	if err := d.sql.PingContext(ctx); err != nil {
		return fmt.Errorf("store: unhealthy: %w", err)
	}
	return nil
}

// guardedUpdate runs an UPDATE that must change exactly one row. When no
// row changed, a follow-up existence probe disambiguates "wrong state"
// (ErrConflict) from "no such row" (ErrNotFound).
func (d *DB) guardedUpdate(ctx context.Context, table, id, query string, args ...any) error {
	res, err := d.sql.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = d.sql.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: %s %s: %w", table, id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: probe %s %s: %w", table, id, err)
	}
	return fmt.Errorf("store: %s %s is not in the required state: %w", table, id, model.ErrConflict)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
