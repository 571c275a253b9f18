// Package keyspace builds the storage keys shared by the local cache,
// the remote store and the migration process.
//
// Remote entries are addressed by a composite key "<identityId>:<logicalKey>".
// Local cache keys are produced by a Namespace so that callers decide
// whether local data is shared by every identity on the device (Bare, the
// historical layout) or scoped per identity (PerIdentity).
package keyspace

import (
	"fmt"
	"strings"
)

// Separator joins the identity and logical parts of a composite key.
const Separator = ":"

// MigrationSentinel is the logical key under which the one-time migration
// marks itself complete for an identity.
const MigrationSentinel = "migration_completed"

// Compose returns the composite key "<identityID>:<logicalKey>".
func Compose(identityID, logicalKey string) string {
	return identityID + Separator + logicalKey
}

// Split breaks a composite key into its identity and logical parts.
// The split happens at the last separator: logical keys never contain one,
// identity subjects sometimes do (e.g. "urn:user:42").
func Split(composite string) (identityID, logicalKey string, ok bool) {
	i := strings.LastIndex(composite, Separator)
	if i <= 0 || i == len(composite)-1 {
		return "", "", false
	}
	return composite[:i], composite[i+1:], true
}

// ValidLogicalKey reports whether key can be used as a logical key.
func ValidLogicalKey(key string) error {
	if key == "" {
		return fmt.Errorf("logical key is required")
	}
	if strings.Contains(key, Separator) {
		return fmt.Errorf("logical key %q must not contain %q", key, Separator)
	}
	return nil
}

// Namespace maps a logical key to the key used in the local durable cache.
type Namespace interface {
	LocalKey(identityID, logicalKey string) string
	Name() string
}

// Bare stores local values under the bare logical key, shared by every
// identity using the same device. This is the layout legacy data was written
// in and leaks the fallback value of one identity to the next.
type Bare struct{}

// LocalKey implements Namespace.
func (Bare) LocalKey(_, logicalKey string) string { return logicalKey }

// Name implements Namespace.
func (Bare) Name() string { return "bare" }

// PerIdentity stores local values under the composite key.
type PerIdentity struct{}

// LocalKey implements Namespace.
func (PerIdentity) LocalKey(identityID, logicalKey string) string {
	return Compose(identityID, logicalKey)
}

// Name implements Namespace.
func (PerIdentity) Name() string { return "identity" }

// ParseNamespace resolves a configured namespace name.
func ParseNamespace(name string) (Namespace, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bare":
		return Bare{}, nil
	case "identity", "per-identity":
		return PerIdentity{}, nil
	default:
		return nil, fmt.Errorf("unknown local namespace %q (want bare or identity)", name)
	}
}
