// Package store is the durable source of truth for chat messages and users,
// backed by SQLite. Queries are built with squirrel and executed against a
// shared *sql.DB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrUserExists is returned when a username is already taken.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when no user has the requested username.
	ErrUserNotFound = errors.New("user not found")
)

// AUTOINCREMENT keeps SQLite from handing out the id of a deleted row again.
var schema = []string{
	`messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		created_by TEXT NOT NULL
	);`,
	`users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		hashed_password TEXT NOT NULL
	);`,
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, table := range schema {
		if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+table); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	log.Info("Store opened", "path", path)
	return &Store{db: db, log: log}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toUnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
