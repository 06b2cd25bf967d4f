// Package store persists sessions and background tasks in a single SQLite
// file and provides the in-process per-session lock table. WAL journaling
// tolerates concurrent readers with a single writer; a 5-second busy timeout
// covers writer contention.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	// SQLite driver, CGO-free.
	_ "modernc.org/sqlite"
)

// timeLayout is the text format for every persisted timestamp.
const timeLayout = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	upstream_session_id TEXT NOT NULL,
	owner_fingerprint TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_accessed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_fingerprint);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('running','completed','failed')),
	owner_fingerprint TEXT NOT NULL,
	prompt TEXT NOT NULL,
	model TEXT,
	allowed_tools TEXT,
	working_directory TEXT,
	session_id TEXT,
	max_turns INTEGER,
	result TEXT,
	failure_reason TEXT,
	upstream_session_id TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_fingerprint);
CREATE INDEX IF NOT EXISTS idx_tasks_status_completed ON tasks(status, completed_at);
`

// DB wraps the shared SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the gateway database at path and
// bootstraps the schema. The pragma prefix follows the modernc.org/sqlite
// driver convention.
func Open(path string) (*DB, error) {
	sqliteDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// A single connection is optimal for SQLite with WAL; it also makes the
	// busy timeout the only writer-contention path.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)

	if _, err = sqliteDB.Exec(schema); err != nil {
		_ = sqliteDB.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{db: sqliteDB}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Fingerprint digests a raw credential for owner scoping. Raw credentials are
// never persisted.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
