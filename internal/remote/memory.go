package remote

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. Besides serving as the `memory` driver it
// carries fault hooks so callers can exercise failure paths.
type Memory struct {
	hub *Hub

	// writeMu orders commit and publish so the feed ends on the stored value.
	writeMu sync.Mutex

	mu         sync.Mutex
	entries    map[string]Entry
	upserts    []Entry
	gets       int
	failGet    func(key string) error
	failUpsert func(e Entry) error
	feedDelay  time.Duration
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		hub:     NewHub(),
		entries: make(map[string]Entry),
	}
}

// FailGet makes Get return fn's error whenever fn returns non-nil.
// Pass nil to clear.
func (m *Memory) FailGet(fn func(key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = fn
}

// FailUpsert makes Upsert return fn's error whenever fn returns non-nil.
// A failed upsert stores nothing and publishes nothing. Pass nil to clear.
func (m *Memory) FailUpsert(fn func(e Entry) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpsert = fn
}

// DelayFeed delays change delivery by d after each upsert.
func (m *Memory) DelayFeed(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedDelay = d
}

// Seed stores an entry without recording an upsert or notifying the feed.
func (m *Memory) Seed(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet != nil {
		if err := m.failGet(key); err != nil {
			return "", err
		}
	}
	e, ok := m.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.Value, nil
}

// Upsert implements Store.
func (m *Memory) Upsert(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.failUpsert != nil {
		if err := m.failUpsert(e); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	e.UpdatedAt = time.Now().UTC()
	m.entries[e.Key] = e
	m.upserts = append(m.upserts, e)
	delay := m.feedDelay
	m.mu.Unlock()

	c := Change{Key: e.Key, Value: e.Value, UserID: e.UserID}
	if delay > 0 {
		time.AfterFunc(delay, func() { m.hub.Publish(c) })
		return nil
	}
	m.hub.Publish(c)
	return nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, key string, fn func(Change)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.hub.Subscribe(key, fn), nil
}

// List implements Lister.
func (m *Memory) List(ctx context.Context, userID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for k, e := range m.entries {
		if strings.HasPrefix(k, userID+":") {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upserts returns every successful upsert in call order.
func (m *Memory) Upserts() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.upserts...)
}

// UpsertsFor counts successful upserts of key.
func (m *Memory) UpsertsFor(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.upserts {
		if e.Key == key {
			n++
		}
	}
	return n
}

// Gets returns how many Get calls reached the store.
func (m *Memory) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// Subscribers returns the number of live feed subscriptions for key.
func (m *Memory) Subscribers(key string) int {
	return m.hub.Subscribers(key)
}
