// ABOUTME: SQLite-backed KV for durable session backups using modernc.org/sqlite.
// ABOUTME: Schema is created automatically; WAL mode for concurrent readers.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKV implements the KV interface on a SQLite database.
type SQLiteKV struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteKV opens (or creates) a SQLite database at the given path.
// Parent directories are created if needed.
func NewSQLiteKV(path string) (*SQLiteKV, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	kv := &SQLiteKV{db: db, logger: logger}
	if err := kv.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return kv, nil
}

func (kv *SQLiteKV) createSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`
	if _, err := kv.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Get returns the stored value. Read errors are treated as absence.
func (kv *SQLiteKV) Get(key string) (string, bool) {
	var value string
	err := kv.db.QueryRow("SELECT value FROM sessions WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		kv.logger.Warn("session read failed", "key", key, "error", err)
		return "", false
	}
	return value, true
}

// Set upserts the value.
func (kv *SQLiteKV) Set(key, value string) error {
	_, err := kv.db.Exec(`
		INSERT INTO sessions (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Remove deletes the key. Errors are logged and swallowed; removal is
// best-effort like everything else in this package.
func (kv *SQLiteKV) Remove(key string) {
	if _, err := kv.db.Exec("DELETE FROM sessions WHERE key = ?", key); err != nil {
		kv.logger.Warn("session delete failed", "key", key, "error", err)
	}
}

// Close closes the underlying database.
func (kv *SQLiteKV) Close() error {
	return kv.db.Close()
}
