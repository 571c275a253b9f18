// Package migrate copies legacy device-local records into the signed-in
// identity's remote namespace, once per identity.
//
// Before accounts existed the app kept its lists under bare keys in the local
// cache ("students", "lessons", "classes"). The first time an identity becomes
// available each non-empty legacy list is upserted to "<id>:<key>" and a
// completion sentinel is recorded so later runs are no-ops.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/autoescola/diario/internal/identity"
	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/localcache"
	"github.com/autoescola/diario/internal/remote"
)

// DefaultKeys are the legacy logical keys copied by a migration.
var DefaultKeys = []string{"students", "lessons", "classes"}

// ErrNoIdentity is returned when RunOnce is called without a valid identity.
var ErrNoIdentity = errors.New("migration requires an authenticated identity")

// Options configures a Migrator.
type Options struct {
	Keys     []string      // Logical keys to copy (default: DefaultKeys)
	Sentinel SentinelStore // Completion marker (default: LocalSentinel over the local cache)
	Logger   *log.Logger   // Default: stderr with a [migrate] prefix
}

// Result contains statistics about one migration run.
type Result struct {
	Identity     string
	AlreadyDone  bool
	KeysMigrated []string
	KeysSkipped  []string
	Errors       []string
}

// Migrator runs the legacy migration. It is safe for concurrent use.
type Migrator struct {
	local    localcache.Cache
	remote   remote.Store
	keys     []string
	sentinel SentinelStore
	logger   *log.Logger

	group singleflight.Group
}

// New creates a Migrator reading legacy values from local and writing them
// to store.
func New(local localcache.Cache, store remote.Store, opts *Options) *Migrator {
	if opts == nil {
		opts = &Options{}
	}
	m := &Migrator{
		local:    local,
		remote:   store,
		keys:     opts.Keys,
		sentinel: opts.Sentinel,
		logger:   opts.Logger,
	}
	if len(m.keys) == 0 {
		m.keys = DefaultKeys
	}
	if m.sentinel == nil {
		m.sentinel = &LocalSentinel{Cache: local}
	}
	if m.logger == nil {
		m.logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return m
}

// RunOnce migrates the legacy keys to id unless the sentinel says it already
// happened. Concurrent calls for the same identity share one run.
//
// A failed upsert is recorded in Result.Errors and does not stop the run;
// the sentinel is written regardless, so a failed key is not retried later.
func (m *Migrator) RunOnce(ctx context.Context, id identity.Identity) (*Result, error) {
	if !id.Valid() {
		return nil, ErrNoIdentity
	}

	v, err, _ := m.group.Do(id.Subject, func() (interface{}, error) {
		return m.run(ctx, id.Subject)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (m *Migrator) run(ctx context.Context, subject string) (*Result, error) {
	result := &Result{Identity: subject}

	done, err := m.sentinel.Done(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to check migration sentinel: %w", err)
	}
	if done {
		result.AlreadyDone = true
		return result, nil
	}

	for _, key := range m.keys {
		value, ok, err := m.local.Get(key)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to read legacy %s: %v", key, err))
			continue
		}
		if !ok || value == "" {
			result.KeysSkipped = append(result.KeysSkipped, key)
			continue
		}

		entry := remote.Entry{
			Key:    keyspace.Compose(subject, key),
			Value:  value,
			UserID: subject,
		}
		if err := m.remote.Upsert(ctx, entry); err != nil {
			m.logger.Printf("ERROR: failed to migrate %s: %v", entry.Key, err)
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to migrate %s: %v", key, err))
			continue
		}
		result.KeysMigrated = append(result.KeysMigrated, key)
	}

	if err := m.sentinel.Mark(ctx, subject); err != nil {
		return result, fmt.Errorf("failed to record migration sentinel: %w", err)
	}

	m.logger.Printf("Migrated %d keys for %s (%d skipped, %d errors)",
		len(result.KeysMigrated), subject, len(result.KeysSkipped), len(result.Errors))
	return result, nil
}
