// Package server exposes any remote.Store as the hosted diario API.
//
// Routes:
//
//	GET  /health             liveness and client count
//	GET  /v1/entries         entries of the calling identity (stores implementing remote.Lister)
//	GET  /v1/entries/{key}   point lookup, 404 when absent
//	PUT  /v1/entries/{key}   upsert
//	GET  /v1/feed            websocket change feed (subscribe/unsubscribe frames)
//
// Every /v1 request carries the caller's subject in the X-Diario-Subject
// header. Keys whose identity prefix differs from the subject are rejected
// with 403.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/remote"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8787)
	Addr string

	// ClientBuffer is how many frames may queue for one feed client before
	// it is disconnected as too slow (default: 64)
	ClientBuffer int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:8787",
		ClientBuffer: 64,
	}
}

// Server serves a remote.Store over HTTP and a websocket change feed.
type Server struct {
	store    remote.Store
	addr     string
	listener net.Listener
	server   *http.Server
	router   chi.Router

	// WebSocket client management
	clients   map[*client]bool
	clientsMu sync.RWMutex

	clientBuffer int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wgMu    sync.Mutex
	stopped bool

	logger *log.Logger
}

// client is one connected feed websocket. Frames reach it through out,
// drained by its own writer goroutine.
type client struct {
	conn    *websocket.Conn
	subject string
	out     chan remote.Frame
	done    chan struct{}

	mu   sync.Mutex
	subs map[string]func()
}

// New creates a server over store.
// Call Start to listen on the configured address, or mount Handler
// elsewhere. Stop releases both.
func New(store remote.Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	buffer := config.ClientBuffer
	if buffer <= 0 {
		buffer = 64
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		store:        store,
		addr:         config.Addr,
		clients:      make(map[*client]bool),
		clientBuffer: buffer,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireSubject)
		r.Get("/entries", s.handleList)
		r.Get("/entries/{key}", s.handleGet)
		r.Put("/entries/{key}", s.handlePut)
		r.Get("/feed", s.handleFeed)
	})
	return r
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.track(func() {
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	})

	return nil
}

// Stop closes every feed connection, shuts down the HTTP server and waits
// for background goroutines.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		s.removeClient(c, websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}

	s.wgMu.Lock()
	s.stopped = true
	s.wgMu.Unlock()
	s.wg.Wait()
	s.logger.Println("Server stopped")
	return err
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected feed clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Subscribers returns how many connected clients are subscribed to key.
func (s *Server) Subscribers(key string) int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	n := 0
	for c := range s.clients {
		c.mu.Lock()
		if _, ok := c.subs[key]; ok {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// requireSubject rejects requests without an identity subject.
func requireSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(remote.SubjectHeader) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+remote.SubjectHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorizedKey extracts {key} and checks it belongs to the caller.
func authorizedKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key")
		return "", false
	}
	if !owns(r.Header.Get(remote.SubjectHeader), key) {
		writeError(w, http.StatusForbidden, "key does not belong to subject")
		return "", false
	}
	return key, true
}

func owns(subject, key string) bool {
	id, _, ok := keyspace.Split(key)
	return ok && id == subject
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.store.(remote.Lister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store cannot list entries")
		return
	}
	entries, err := lister.List(r.Context(), r.Header.Get(remote.SubjectHeader))
	if err != nil {
		s.logger.Printf("List failed: %v", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if entries == nil {
		entries = []remote.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := authorizedKey(w, r)
	if !ok {
		return
	}

	value, err := s.store.Get(r.Context(), key)
	if errors.Is(err, remote.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Printf("Get %s failed: %v", key, err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, remote.EntryBody{Key: key, Value: value})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, ok := authorizedKey(w, r)
	if !ok {
		return
	}

	var body remote.EntryBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	entry := remote.Entry{
		Key:    key,
		Value:  body.Value,
		UserID: r.Header.Get(remote.SubjectHeader),
	}
	if err := s.store.Upsert(r.Context(), entry); err != nil {
		s.logger.Printf("Upsert %s failed: %v", key, err)
		writeError(w, http.StatusInternalServerError, "upsert failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFeed upgrades to a websocket and serves subscribe/unsubscribe frames.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:    conn,
		subject: r.Header.Get(remote.SubjectHeader),
		out:     make(chan remote.Frame, s.clientBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]func()),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected: %s (total: %d)", c.subject, clientCount)

	started := s.track(func() { s.writeLoop(c) }) && s.track(func() { s.readLoop(c) })
	if !started {
		s.removeClient(c, websocket.StatusGoingAway, "server shutting down")
	}
}

// track runs fn on a goroutine Stop waits for. It returns false once Stop
// has begun waiting.
func (s *Server) track(fn func()) bool {
	s.wgMu.Lock()
	defer s.wgMu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// readLoop handles frames from one client until it disconnects.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c, websocket.StatusNormalClosure, "")

	for {
		var f remote.Frame
		if err := wsjson.Read(s.ctx, c.conn, &f); err != nil {
			return
		}

		switch f.Type {
		case remote.FrameSubscribe:
			if !owns(c.subject, f.Key) {
				s.send(c, remote.Frame{Type: remote.FrameError, Key: f.Key, Error: "forbidden"})
				continue
			}
			s.subscribe(c, f.Key)
		case remote.FrameUnsubscribe:
			c.mu.Lock()
			cancel := c.subs[f.Key]
			delete(c.subs, f.Key)
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		default:
			s.send(c, remote.Frame{Type: remote.FrameError, Key: f.Key, Error: "unknown frame type"})
		}
	}
}

func (s *Server) subscribe(c *client, key string) {
	c.mu.Lock()
	if _, ok := c.subs[key]; ok {
		c.mu.Unlock()
		return
	}

	cancel, err := s.store.Subscribe(s.ctx, key, func(ch remote.Change) {
		s.send(c, remote.Frame{Type: remote.FrameChange, Key: ch.Key, Value: ch.Value, UserID: ch.UserID})
	})
	if err != nil {
		c.mu.Unlock()
		s.logger.Printf("Subscribe %s failed: %v", key, err)
		s.send(c, remote.Frame{Type: remote.FrameError, Key: key, Error: "subscribe failed"})
		return
	}
	c.subs[key] = cancel
	c.mu.Unlock()
}

// send queues a frame for c without blocking. A client whose queue is full
// is disconnected; its feed client resynchronizes after reconnecting.
func (s *Server) send(c *client, f remote.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- f:
	default:
		s.logger.Printf("Client %s is not keeping up, disconnecting", c.subject)
		s.track(func() { s.removeClient(c, websocket.StatusPolicyViolation, "too slow") })
	}
}

// writeLoop writes queued frames to one client until it is removed.
func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case <-s.ctx.Done():
			return
		case f := <-c.out:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := wsjson.Write(ctx, c.conn, f)
			cancel()

			if err != nil {
				s.logger.Printf("Failed to send to client %s: %v", c.subject, err)
				s.removeClient(c, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// removeClient drops a client and its subscriptions.
func (s *Server) removeClient(c *client, code websocket.StatusCode, reason string) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	close(c.done)

	c.mu.Lock()
	for key, cancel := range c.subs {
		cancel()
		delete(c.subs, key)
	}
	c.mu.Unlock()

	_ = c.conn.Close(code, reason)
	s.logger.Printf("Client disconnected: %s (total: %d)", c.subject, clientCount)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
