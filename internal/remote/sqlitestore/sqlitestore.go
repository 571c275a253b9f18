// Package sqlitestore provides an embedded SQLite remote.Store.
//
// It is the authoritative store behind `diario serve`: entries live in a
// single user_data table and every committed upsert is published on an
// in-process change feed.
//
// Architecture:
//   - Database file: ~/.local/share/diario/remote.db (configurable)
//   - WAL mode: concurrent readers during writes
//   - Schema: user_data(key, value, user_id, updated_at)
//   - Feed: remote.Hub, published after commit
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/autoescola/diario/internal/remote"
)

// Store wraps the SQLite connection and its change feed.
type Store struct {
	conn *sql.DB
	path string
	hub  *remote.Hub

	// writeMu orders commit and publish so the feed ends on the stored value.
	writeMu sync.Mutex
}

// Open creates a store at the specified path, creating the schema if needed.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := sqlitestore.Open("remote.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		hub:  remote.NewHub(),
	}

	// Enable WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the user_data table if it doesn't exist.
// This is idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_data (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		user_id TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_data_user ON user_data(user_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Get implements remote.Store.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM user_data WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", remote.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get entry %s: %w", key, err)
	}
	return value, nil
}

// Upsert implements remote.Store. Subscribers of e.Key are notified after
// the write commits.
func (s *Store) Upsert(ctx context.Context, e remote.Entry) error {
	query := `
	INSERT INTO user_data (key, value, user_id, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		user_id = excluded.user_id,
		updated_at = excluded.updated_at
	`
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.conn.ExecContext(ctx, query, e.Key, e.Value, e.UserID, now); err != nil {
		return fmt.Errorf("failed to upsert entry %s: %w", e.Key, err)
	}

	s.hub.Publish(remote.Change{Key: e.Key, Value: e.Value, UserID: e.UserID})
	return nil
}

// Subscribe implements remote.Store.
func (s *Store) Subscribe(ctx context.Context, key string, fn func(remote.Change)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(key, fn), nil
}

// List implements remote.Lister.
func (s *Store) List(ctx context.Context, userID string) ([]remote.Entry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT key, value, user_id, updated_at
		FROM user_data
		WHERE user_id = ?
		ORDER BY key
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []remote.Entry
	for rows.Next() {
		var e remote.Entry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Value, &e.UserID, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			e.UpdatedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_data").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}
