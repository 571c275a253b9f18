// Package remote defines the authoritative key/value store that diario
// synchronizes against, plus the in-process pieces shared by every backend:
// the Hub change-feed fan-out and the Memory store.
//
// Keys are composite ("<identity>:<logicalKey>", see package keyspace) and
// values are JSON text. Backends live in subpackages: sqlitestore (embedded,
// backs `diario serve`), pgstore (Postgres with LISTEN/NOTIFY) and httpstore
// (client for a remote `diario serve`).
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when no entry exists for the key.
var ErrNotFound = errors.New("entry not found")

// Entry is one stored value at a composite key.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UserID    string    `json:"user_id"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Change is a change-feed notification. It is delivered for every upsert
// of the subscribed key, including the subscriber's own writes.
type Change struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	UserID string `json:"user_id,omitempty"`
}

// Store is an upsert-capable key/value store with a per-key change feed.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Upsert creates or replaces the entry at e.Key.
	Upsert(ctx context.Context, e Entry) error

	// Subscribe registers fn for changes to key. The returned cancel
	// function releases the subscription and is safe to call more than once.
	Subscribe(ctx context.Context, key string, fn func(Change)) (cancel func(), err error)
}

// Lister is implemented by stores that can enumerate one identity's entries.
type Lister interface {
	List(ctx context.Context, userID string) ([]Entry, error)
}
