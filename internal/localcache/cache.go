// Package localcache provides the device-local durable key/value cache.
//
// The cache holds serialized values (JSON text) and is read synchronously
// before any network round-trip completes. It is shared by every identity
// on the device; callers pick key namespacing with keyspace.Namespace.
package localcache

import (
	"sort"
	"sync"
)

// Cache is synchronous string storage scoped to the whole application.
type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error
}

// Memory is an in-process Cache. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory returns an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get implements Cache.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Cache.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
