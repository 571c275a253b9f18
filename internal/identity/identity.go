// Package identity exposes the authenticated subject on whose behalf keyed
// data is read and written.
//
// Authentication itself happens elsewhere (an identity provider login flow);
// this package only carries its outcome and notifies watchers when it changes.
package identity

import "sync"

// Identity is the outcome of authentication.
type Identity struct {
	Subject       string `json:"sub"`
	Authenticated bool   `json:"authenticated"`
}

// Anonymous is the zero identity.
var Anonymous = Identity{}

// Valid reports whether keyed operations can be performed for this identity.
func (id Identity) Valid() bool {
	return id.Authenticated && id.Subject != ""
}

// Source supplies the current identity and change notifications.
type Source interface {
	Current() Identity
	// Watch registers fn for every subsequent identity change.
	// The returned function unregisters it.
	Watch(fn func(Identity)) (cancel func())
}

// watchers is the watcher registry shared by the Source implementations.
type watchers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Identity)
}

func (w *watchers) add(fn func(Identity)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[int]func(Identity))
	}
	id := w.next
	w.next++
	w.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

func (w *watchers) notify(id Identity) {
	w.mu.Lock()
	fns := make([]func(Identity), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}

// Session is an in-memory Source driven by explicit sign-in and sign-out.
type Session struct {
	mu      sync.RWMutex
	current Identity
	w       watchers
}

// NewSession returns a Session starting from id.
func NewSession(id Identity) *Session {
	return &Session{current: id}
}

// Current implements Source.
func (s *Session) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch implements Source.
func (s *Session) Watch(fn func(Identity)) func() {
	return s.w.add(fn)
}

// SignIn authenticates subject and notifies watchers.
func (s *Session) SignIn(subject string) {
	s.Set(Identity{Subject: subject, Authenticated: subject != ""})
}

// SignOut clears the identity and notifies watchers.
func (s *Session) SignOut() {
	s.Set(Anonymous)
}

// Set replaces the identity. Watchers are only notified on an actual change.
func (s *Session) Set(id Identity) {
	s.mu.Lock()
	if s.current == id {
		s.mu.Unlock()
		return
	}
	s.current = id
	s.mu.Unlock()

	s.w.notify(id)
}
