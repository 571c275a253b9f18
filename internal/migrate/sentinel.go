package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/localcache"
	"github.com/autoescola/diario/internal/remote"
)

const sentinelValue = "true"

// SentinelStore records which identities have been migrated.
type SentinelStore interface {
	Done(ctx context.Context, identityID string) (bool, error)
	Mark(ctx context.Context, identityID string) error
}

// LocalSentinel keeps "<id>:migration_completed" in the local cache. The
// marker stays on the device: another device signed in as the same identity
// migrates its own legacy data too.
type LocalSentinel struct {
	Cache localcache.Cache
}

// Done implements SentinelStore.
func (s *LocalSentinel) Done(_ context.Context, identityID string) (bool, error) {
	v, ok, err := s.Cache.Get(keyspace.Compose(identityID, keyspace.MigrationSentinel))
	if err != nil {
		return false, err
	}
	return ok && v == sentinelValue, nil
}

// Mark implements SentinelStore.
func (s *LocalSentinel) Mark(_ context.Context, identityID string) error {
	return s.Cache.Set(keyspace.Compose(identityID, keyspace.MigrationSentinel), sentinelValue)
}

// RemoteSentinel keeps the marker as a remote entry, so it follows the
// identity across devices.
type RemoteSentinel struct {
	Store remote.Store
}

// Done implements SentinelStore.
func (s *RemoteSentinel) Done(ctx context.Context, identityID string) (bool, error) {
	v, err := s.Store.Get(ctx, keyspace.Compose(identityID, keyspace.MigrationSentinel))
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == sentinelValue, nil
}

// Mark implements SentinelStore.
func (s *RemoteSentinel) Mark(ctx context.Context, identityID string) error {
	return s.Store.Upsert(ctx, remote.Entry{
		Key:    keyspace.Compose(identityID, keyspace.MigrationSentinel),
		Value:  sentinelValue,
		UserID: identityID,
	})
}

// ParseSentinel returns the sentinel store named by the migration.sentinel
// setting ("local" or "remote").
func ParseSentinel(name string, local localcache.Cache, store remote.Store) (SentinelStore, error) {
	switch name {
	case "", "local":
		return &LocalSentinel{Cache: local}, nil
	case "remote":
		return &RemoteSentinel{Store: store}, nil
	default:
		return nil, fmt.Errorf("unknown migration sentinel %q (want local or remote)", name)
	}
}
