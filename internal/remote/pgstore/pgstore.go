// Package pgstore provides a Postgres remote.Store.
//
// Entries live in a user_data table. Every upsert also issues
// pg_notify on the user_data_changes channel with the entry key as payload,
// inside the same transaction, so notifications are only sent for committed
// writes. A dedicated listener connection re-reads notified keys that have
// local subscribers and fans them out through a remote.Hub. Writes from any
// process sharing the database therefore reach every subscriber.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autoescola/diario/internal/remote"
)

// Channel is the NOTIFY channel carrying changed keys.
const Channel = "user_data_changes"

// Store is a Postgres-backed remote.Store.
type Store struct {
	pool   *pgxpool.Pool
	hub    *remote.Hub
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listening chan struct{}
	once      sync.Once
}

// Open connects to dsn, creates the schema and starts the listener.
// If logger is nil, a default logger writing to stderr is used.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[pgstore] ", log.LstdFlags)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:      pool,
		hub:       remote.NewHub(),
		logger:    logger,
		ctx:       lctx,
		cancel:    cancel,
		listening: make(chan struct{}),
	}

	if err := s.InitSchemaContext(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.listen()

	return s, nil
}

// InitSchemaContext creates the user_data table if it doesn't exist.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_data (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		user_id TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_user_data_user ON user_data(user_id);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Listening is closed once the listener has issued its first LISTEN.
func (s *Store) Listening() <-chan struct{} {
	return s.listening
}

// Close stops the listener and closes the pool.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
}

// Get implements remote.Store.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	e, err := s.getEntry(ctx, key)
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

func (s *Store) getEntry(ctx context.Context, key string) (remote.Entry, error) {
	e := remote.Entry{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT value, user_id, updated_at FROM user_data WHERE key = $1`, key,
	).Scan(&e.Value, &e.UserID, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, remote.ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("failed to get entry %s: %w", key, err)
	}
	return e, nil
}

// Upsert implements remote.Store.
func (s *Store) Upsert(ctx context.Context, e remote.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
	INSERT INTO user_data (key, value, user_id, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (key) DO UPDATE SET
		value = excluded.value,
		user_id = excluded.user_id,
		updated_at = excluded.updated_at
	`
	if _, err := tx.Exec(ctx, query, e.Key, e.Value, e.UserID); err != nil {
		return fmt.Errorf("failed to upsert entry %s: %w", e.Key, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, e.Key); err != nil {
		return fmt.Errorf("failed to notify change for %s: %w", e.Key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert of %s: %w", e.Key, err)
	}
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
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, user_id, updated_at
		FROM user_data
		WHERE user_id = $1
		ORDER BY key
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []remote.Entry
	for rows.Next() {
		var e remote.Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.UserID, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// listen keeps a LISTEN connection open, reconnecting with exponential
// backoff until Close.
func (s *Store) listen() {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	for {
		err := s.listenOnce(s.ctx, b.Reset)
		if s.ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		s.logger.Printf("Listener lost: %v (reconnecting in %s)", err, wait.Round(time.Millisecond))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer func() {
		// A LISTENing connection must not go back into the pool.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}
	onListening()
	s.once.Do(func() { close(s.listening) })

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

// dispatch re-reads a notified key and publishes it if anyone is listening.
func (s *Store) dispatch(ctx context.Context, key string) {
	if s.hub.Subscribers(key) == 0 {
		return
	}
	e, err := s.getEntry(ctx, key)
	if err != nil {
		s.logger.Printf("Failed to read notified key %s: %v", key, err)
		return
	}
	s.hub.Publish(remote.Change{Key: e.Key, Value: e.Value, UserID: e.UserID})
}
