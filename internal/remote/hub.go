package remote

import (
	"sort"
	"sync"
)

// Hub is a per-key subscriber registry. Publish delivers a Change to every
// subscriber of its key on the publishing goroutine, outside the registry
// lock, so subscribers may subscribe or cancel from inside a callback.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]func(Change)
	next uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]func(Change))}
}

// Subscribe registers fn for key and returns an idempotent cancel function.
func (h *Hub) Subscribe(key string, fn func(Change)) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	if h.subs[key] == nil {
		h.subs[key] = make(map[uint64]func(Change))
	}
	h.subs[key][id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[key], id)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
		})
	}
}

// Publish delivers c to the subscribers of c.Key and returns how many
// callbacks ran.
func (h *Hub) Publish(c Change) int {
	h.mu.RLock()
	fns := make([]func(Change), 0, len(h.subs[c.Key]))
	for _, fn := range h.subs[c.Key] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
	return len(fns)
}

// Subscribers returns the number of live subscriptions for key.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

// Keys returns every key with at least one subscriber, sorted.
func (h *Hub) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.subs))
	for k := range h.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
