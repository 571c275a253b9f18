package localcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is a Cache persisted in an embedded SQLite database file.
//
// Every call is synchronous. The database runs in WAL mode so several
// diario processes on the same device can share one cache file.
type SQLite struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the cache database at path.
//
// The caller MUST call Close() when done.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &SQLite{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := c.initSchema(context.Background()); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS local_storage (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := c.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (c *SQLite) Path() string {
	return c.path
}

// Get implements Cache.
func (c *SQLite) Get(key string) (string, bool, error) {
	var value string
	err := c.conn.QueryRow(`SELECT value FROM local_storage WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Cache.
func (c *SQLite) Set(key, value string) error {
	query := `
	INSERT INTO local_storage (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := c.conn.Exec(query, key, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

// Keys returns every stored key in sorted order.
func (c *SQLite) Keys() ([]string, error) {
	rows, err := c.conn.Query(`SELECT key FROM local_storage ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache keys: %w", err)
	}
	return keys, nil
}

// Close checkpoints the WAL and closes the database.
func (c *SQLite) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	c.conn = nil
	return nil
}
