// Package storage keeps the local call history in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// DB wraps the client's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates calls.db in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS calls (
			call_id      TEXT PRIMARY KEY,
			chat_id      TEXT NOT NULL DEFAULT '',
			kind         TEXT NOT NULL DEFAULT 'audio',
			is_group     INTEGER NOT NULL DEFAULT 0,
			direction    TEXT NOT NULL DEFAULT '',
			outcome      TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			participants TEXT NOT NULL DEFAULT '[]',
			started_at   INTEGER NOT NULL DEFAULT 0,
			connected_at INTEGER NOT NULL DEFAULT 0,
			ended_at     INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS calls_ended_at ON calls(ended_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if _, err := db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write meta: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the metadata table, or "" when unset.
func (d *DB) Meta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}
