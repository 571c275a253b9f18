package cloudstore

import (
	"context"
	"errors"
	"sync"

	"github.com/autoescola/diario/internal/identity"
	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/remote"
)

// Handle owns the synchronized value of one logical key. Several handles
// may be open for the same key; they converge through the change feed.
type Handle[T any] struct {
	e       *Engine
	key     string
	initial T
	regID   uint64

	mu       sync.Mutex
	state    State[T]
	id       identity.Identity
	epoch    uint64
	bound    bool
	gen      uint64 // bumped on every rebind and on Close
	closed   bool
	stopLoad context.CancelFunc
	stopFeed func()
	changed  chan struct{}

	observers map[uint64]func(State[T])
	nextObs   uint64
	pending   []State[T]
	draining  bool
}

// Open returns a handle for logicalKey bound to the engine's identity.
// The handle starts Loading with initial as its value and never blocks
// on I/O. Close it when done.
func Open[T any](e *Engine, logicalKey string, initial T) *Handle[T] {
	h := &Handle[T]{
		e:         e,
		key:       logicalKey,
		initial:   initial,
		state:     State[T]{Value: initial, Status: StatusLoading, Source: SourceNone},
		changed:   make(chan struct{}),
		observers: make(map[uint64]func(State[T])),
	}

	regID, id, epoch, ok := e.register(h)
	if !ok {
		h.closed = true
		return h
	}
	h.regID = regID
	h.bind(id, epoch)
	return h
}

// Key returns the logical key.
func (h *Handle[T]) Key() string {
	return h.key
}

// State returns the current snapshot.
func (h *Handle[T]) State() State[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Value returns the current value. It is never undefined: before a load
// completes it is the initial value.
func (h *Handle[T]) Value() T {
	return h.State().Value
}

// Status returns the current status.
func (h *Handle[T]) Status() Status {
	return h.State().Status
}

// Subscribe calls fn for every later transition, in version order.
// fn runs outside the handle's lock and may call the handle's methods.
func (h *Handle[T]) Subscribe(fn func(State[T])) (cancel func()) {
	h.mu.Lock()
	h.nextObs++
	id := h.nextObs
	h.observers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.observers, id)
			h.mu.Unlock()
		})
	}
}

// Wait blocks until cond holds for the current state or ctx is done.
func (h *Handle[T]) Wait(ctx context.Context, cond func(State[T]) bool) (State[T], error) {
	for {
		h.mu.Lock()
		s, changed := h.state, h.changed
		h.mu.Unlock()

		if cond(s) {
			return s, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Close releases the feed subscription and cancels an in-flight load.
// Later pushes and load results are discarded. It is safe to call twice.
func (h *Handle[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.gen++
	stopLoad, stopFeed := h.stopLoad, h.stopFeed
	h.stopLoad, h.stopFeed = nil, nil
	h.mu.Unlock()

	if stopLoad != nil {
		stopLoad()
	}
	if stopFeed != nil {
		stopFeed()
	}
	h.e.unregister(h.regID)
}

// bind switches the handle to id. Bindings from an older engine epoch
// than the current one are ignored.
func (h *Handle[T]) bind(id identity.Identity, epoch uint64) {
	h.mu.Lock()
	if h.closed || epoch < h.epoch || (h.bound && epoch == h.epoch) {
		h.mu.Unlock()
		return
	}
	h.epoch = epoch
	h.bound = true
	h.gen++
	gen := h.gen
	stopLoad, stopFeed := h.stopLoad, h.stopFeed
	h.stopLoad, h.stopFeed = nil, nil
	h.id = id
	if h.state.Version > 0 || h.state.Status != StatusLoading {
		h.transitionLocked(h.state.toLoading(h.initial))
	}

	var ctx context.Context
	if id.Valid() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(h.e.ctx)
		h.stopLoad = cancel
	}
	h.mu.Unlock()

	if stopLoad != nil {
		stopLoad()
	}
	if stopFeed != nil {
		stopFeed()
	}
	h.drain()

	if ctx != nil {
		h.e.goBackground(func() { h.load(ctx, gen, id) })
	}
}

// load subscribes to the change feed and reads the remote value for one
// binding generation.
func (h *Handle[T]) load(ctx context.Context, gen uint64, id identity.Identity) {
	key := keyspace.Compose(id.Subject, h.key)

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	startVersion := h.state.Version
	h.mu.Unlock()

	stopFeed, err := h.e.remote.Subscribe(ctx, key, func(c remote.Change) {
		h.applyPush(gen, c)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.e.logger.Printf("WARNING: failed to subscribe to %s: %v", key, err)
	} else if !h.attachFeed(gen, stopFeed) {
		return
	}

	raw, err := h.e.remote.Get(ctx, key)
	if ctx.Err() != nil {
		return
	}

	switch {
	case errors.Is(err, remote.ErrNotFound):
		h.materializeDefault(ctx, gen, startVersion, id, key)

	case err != nil:
		h.fallback(gen, startVersion, id, &RetrievalError{Key: key, Err: err})

	default:
		v, decErr := decodeValue[T](raw)
		if decErr != nil {
			// The store answered, so the local cache is not consulted.
			rerr := &RetrievalError{Key: key, Err: &SerializationError{Key: key, Origin: "remote", Err: decErr}}
			h.e.logger.Printf("WARNING: %v (serving %s value)", rerr, SourceDefault)
			h.commitLoad(gen, startVersion, func(s State[T]) State[T] {
				return s.toError(h.initial, SourceDefault, rerr)
			})
			return
		}
		h.commitLoad(gen, startVersion, func(s State[T]) State[T] {
			return s.toReady(v, SourceRemote)
		})
	}
}

// materializeDefault writes the initial value back once so later lookups
// find an entry, then publishes it. The write-back is skipped when a write
// or push landed while the load was in flight.
func (h *Handle[T]) materializeDefault(ctx context.Context, gen, startVersion uint64, id identity.Identity, key string) {
	data, err := encodeValue(h.initial)
	if err != nil {
		serr := &SerializationError{Key: key, Origin: "value", Err: err}
		h.commitLoad(gen, startVersion, func(s State[T]) State[T] {
			return s.toError(h.initial, SourceDefault, serr)
		})
		return
	}

	h.mu.Lock()
	stale := h.gen != gen || h.state.Version != startVersion
	h.mu.Unlock()
	if stale {
		return
	}

	entry := remote.Entry{Key: key, Value: data, UserID: id.Subject}
	if err := h.e.remote.Upsert(ctx, entry); err != nil {
		if ctx.Err() != nil {
			return
		}
		h.e.logger.Printf("WARNING: failed to write default value for %s: %v", key, err)
	}

	h.commitLoad(gen, startVersion, func(s State[T]) State[T] {
		return s.toReady(h.initial, SourceDefault)
	})
}

// fallback serves the local cache entry, or the initial value, after a
// failed remote read.
func (h *Handle[T]) fallback(gen, startVersion uint64, id identity.Identity, rerr *RetrievalError) {
	v, src := h.initial, SourceDefault

	localKey := h.e.config.Namespace.LocalKey(id.Subject, h.key)
	raw, ok, err := h.e.local.Get(localKey)
	switch {
	case err != nil:
		h.e.logger.Printf("WARNING: local cache read of %s failed: %v", localKey, err)
	case ok:
		if lv, decErr := decodeValue[T](raw); decErr != nil {
			h.e.logger.Printf("WARNING: ignoring malformed local entry %s: %v", localKey, decErr)
		} else {
			v, src = lv, SourceLocalFallback
		}
	}

	h.e.logger.Printf("WARNING: %v (serving %s value)", rerr, src)
	h.commitLoad(gen, startVersion, func(s State[T]) State[T] {
		return s.toError(v, src, rerr)
	})
}

// commitLoad applies a load result unless the binding changed or a write or
// push landed while the load was in flight.
func (h *Handle[T]) commitLoad(gen, startVersion uint64, next func(State[T]) State[T]) bool {
	h.mu.Lock()
	if h.gen != gen || h.state.Version != startVersion {
		h.mu.Unlock()
		return false
	}
	h.transitionLocked(next(h.state))
	h.mu.Unlock()
	h.drain()
	return true
}

func (h *Handle[T]) attachFeed(gen uint64, stop func()) bool {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		stop()
		return false
	}
	h.stopFeed = stop
	h.mu.Unlock()
	return true
}

// applyPush overwrites the value with a change-feed notification. Echoes of
// this handle's own writes are applied like any other push.
func (h *Handle[T]) applyPush(gen uint64, c remote.Change) {
	if c.Value == "" {
		return
	}
	v, err := decodeValue[T](c.Value)
	if err != nil {
		h.e.logger.Printf("WARNING: ignoring malformed push for %s: %v", c.Key, err)
		return
	}

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.transitionLocked(h.state.toReady(v, SourceRealtimePush))
	h.mu.Unlock()
	h.drain()
}

// transitionLocked installs next and queues it for observers.
// Must be called with h.mu held.
func (h *Handle[T]) transitionLocked(next State[T]) {
	h.state = next
	h.pending = append(h.pending, next)
	close(h.changed)
	h.changed = make(chan struct{})
}

// drain delivers queued states to observers. Only one goroutine drains at
// a time; transitions queued meanwhile are picked up by that goroutine.
func (h *Handle[T]) drain() {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	for len(h.pending) > 0 {
		batch := h.pending
		h.pending = nil
		observers := make([]func(State[T]), 0, len(h.observers))
		for _, fn := range h.observers {
			observers = append(observers, fn)
		}
		h.mu.Unlock()

		for _, s := range batch {
			for _, fn := range observers {
				fn(s)
			}
		}

		h.mu.Lock()
	}
	h.draining = false
	h.mu.Unlock()
}
