package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/autoescola/diario/internal/identity"
	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/localcache"
	"github.com/autoescola/diario/internal/remote"
)

// Config holds engine configuration.
type Config struct {
	// Namespace maps logical keys to local cache keys (default: keyspace.Bare).
	// Bare keys are shared by every identity on the device.
	Namespace keyspace.Namespace

	// WriteRetries is how many times a failed remote upsert is retried
	// with exponential backoff. Zero means failed writes are not retried.
	WriteRetries int

	// RetryInitialInterval is the first backoff interval (default: 250ms).
	RetryInitialInterval time.Duration

	// OnWriteError is called for every remote upsert that finally failed.
	OnWriteError func(key string, err error)

	// BeforeBind runs for each newly available identity before handles are
	// bound to it. Errors are logged and do not block binding.
	BeforeBind func(ctx context.Context, id identity.Identity) error

	// Logger for sync activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:            keyspace.Bare{},
		RetryInitialInterval: 250 * time.Millisecond,
	}
}

// binder is the type-erased view of a Handle the engine keeps.
type binder interface {
	bind(id identity.Identity, epoch uint64)
	Close()
}

// Engine binds handles to the current identity and owns their background
// work. Handles are created with Open.
type Engine struct {
	ids    identity.Source
	remote remote.Store
	local  localcache.Cache
	config Config
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writesMu sync.Mutex
	inflight int
	idle     chan struct{}

	mu      sync.Mutex
	current identity.Identity
	epoch   uint64
	handles map[uint64]binder
	nextID  uint64
	started bool
	closed  bool
	unwatch func()

	pendingMu sync.Mutex
	pending   *identity.Identity
	wake      chan struct{}
}

// New creates an engine with the default configuration.
func New(ids identity.Source, store remote.Store, local localcache.Cache) *Engine {
	return NewWithConfig(ids, store, local, nil)
}

// NewWithConfig creates an engine. Call Start to follow the identity source.
func NewWithConfig(ids identity.Source, store remote.Store, local localcache.Cache, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Namespace == nil {
		cfg.Namespace = keyspace.Bare{}
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ids:     ids,
		remote:  store,
		local:   local,
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		current: identity.Anonymous,
		handles: make(map[uint64]binder),
		wake:    make(chan struct{}, 1),
	}
}

// Start binds the current identity, running BeforeBind for it first, and
// then follows identity changes in the background.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine closed")
	}
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	unwatch := e.ids.Watch(e.queueIdentity)
	e.mu.Lock()
	e.unwatch = unwatch
	e.mu.Unlock()

	e.apply(e.ids.Current())

	e.wg.Add(1)
	go e.identityLoop()
	return nil
}

// Close closes every handle, cancels outstanding loads and writes, and
// waits for background goroutines. Call Flush first to let pending
// writes settle.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	handles := make([]binder, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	unwatch := e.unwatch
	e.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	for _, h := range handles {
		h.Close()
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

// Flush waits until no remote write is in flight.
func (e *Engine) Flush(ctx context.Context) error {
	e.writesMu.Lock()
	if e.inflight == 0 {
		e.writesMu.Unlock()
		return nil
	}
	idle := e.idle
	e.writesMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) writeStarted() {
	e.writesMu.Lock()
	defer e.writesMu.Unlock()
	if e.inflight == 0 {
		e.idle = make(chan struct{})
	}
	e.inflight++
}

func (e *Engine) writeSettled() {
	e.writesMu.Lock()
	defer e.writesMu.Unlock()
	e.inflight--
	if e.inflight == 0 {
		close(e.idle)
	}
}

// Identity returns the identity handles are currently bound to.
func (e *Engine) Identity() identity.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// queueIdentity records the latest identity for the identity loop.
// Intermediate identities may be skipped.
func (e *Engine) queueIdentity(id identity.Identity) {
	e.pendingMu.Lock()
	e.pending = &id
	e.pendingMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) identityLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
			e.pendingMu.Lock()
			id := e.pending
			e.pending = nil
			e.pendingMu.Unlock()
			if id != nil {
				e.apply(*id)
			}
		}
	}
}

// apply publishes id to every handle. It only runs on Start and on the
// identity loop, so identities are applied one at a time.
func (e *Engine) apply(id identity.Identity) {
	e.mu.Lock()
	same := e.current == id
	e.mu.Unlock()
	if same {
		return
	}

	if id.Valid() && e.config.BeforeBind != nil {
		if err := e.config.BeforeBind(e.ctx, id); err != nil {
			e.logger.Printf("WARNING: pre-bind step for %s failed: %v", id.Subject, err)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.current = id
	e.epoch++
	epoch := e.epoch
	handles := make([]binder, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	if id.Valid() {
		e.logger.Printf("Bound to identity %s (%d handles)", id.Subject, len(handles))
	} else {
		e.logger.Printf("Identity unavailable, %d handles loading", len(handles))
	}
	for _, h := range handles {
		h.bind(id, epoch)
	}
}

// register adds h and returns its id with the identity to bind first.
// ok is false once the engine is closed.
func (e *Engine) register(h binder) (regID uint64, id identity.Identity, epoch uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, identity.Anonymous, 0, false
	}
	e.nextID++
	e.handles[e.nextID] = h
	return e.nextID, e.current, e.epoch, true
}

func (e *Engine) unregister(regID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handles, regID)
}

// goBackground runs fn on a tracked goroutine unless the engine is closed.
func (e *Engine) goBackground(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}
