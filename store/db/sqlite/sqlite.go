// Package sqlite opens and migrates the SQLite database backing the store.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"
)

// NewDB opens the SQLite database at dsn with the connection settings the
// store expects.
func NewDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}

	// Connect to the database with some sane settings:
	// - No foreign key constraints: disabled by default on SQLite, but be
	// explicit to prevent surprises on upgrades.
	// - Journal mode set to WAL: the recommended journal mode as it prevents
	// locking issues.
	//
	// With the `modernc.org/sqlite` driver each pragma must be prefixed with
	// `_pragma=`.
	db, err := sql.Open("sqlite", dsn+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}

	// SQLite with WAL works best with a single connection; the retry
	// controller above serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	return db, nil
}

// Migrate creates the schema if it does not exist. Timestamps on messages
// are unix nanoseconds so ordering comparisons stay integer comparisons.
func Migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			language_code TEXT NOT NULL DEFAULT '',
			utm_source TEXT,
			metadata TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			thread_id TEXT,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			text TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_user_timestamp ON messages (user_id, timestamp DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_user_metadata ON messages (user_id, metadata);

		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at INTEGER
		);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to migrate schema")
	}
	return nil
}
