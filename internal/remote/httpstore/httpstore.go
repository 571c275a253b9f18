// Package httpstore is a remote.Store client for the hosted diario API
// (see package server).
//
// Point reads and writes are plain HTTP. The change feed is one websocket
// per identity subject, dialed lazily on the first Subscribe for that
// subject and closed when its last subscription is released. Dropped feed
// connections are redialed with exponential backoff; after a reconnect every
// subscribed key is re-read and republished so subscribers converge on
// writes they missed while disconnected.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/remote"
)

// Config holds client configuration.
type Config struct {
	// BaseURL of the server, e.g. http://127.0.0.1:8787
	BaseURL string

	// HTTPClient for point requests (default: 10s timeout)
	HTTPClient *http.Client

	// MaxReconnectInterval caps the feed reconnect backoff (default: 30s)
	MaxReconnectInterval time.Duration

	// Logger for feed activity (default: stderr logger)
	Logger *log.Logger
}

// Client implements remote.Store and remote.Lister over HTTP.
type Client struct {
	base    string
	feedURL string
	http    *http.Client
	maxWait time.Duration
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	feeds map[string]*feed
}

// New creates a client. No connection is made until the first request.
func New(config Config) (*Client, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	wsURL := *u
	switch u.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	wsURL.Path = strings.TrimSuffix(u.Path, "/") + "/v1/feed"

	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[httpstore] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		base:    strings.TrimSuffix(u.String(), "/"),
		feedURL: wsURL.String(),
		http:    config.HTTPClient,
		maxWait: config.MaxReconnectInterval,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
		feeds:   make(map[string]*feed),
	}, nil
}

// Close drops every feed connection and waits for their goroutines.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) entryURL(key string) string {
	return c.base + "/v1/entries/" + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method, target, subject string, body interface{}) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(remote.SubjectHeader, subject)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, target, err)
	}
	return resp, nil
}

// statusError turns a non-success response into an error.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
}

func subjectOf(key string) (string, error) {
	id, _, ok := keyspace.Split(key)
	if !ok {
		return "", fmt.Errorf("key %q has no identity prefix", key)
	}
	return id, nil
}

// Get implements remote.Store.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	subject, err := subjectOf(key)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodGet, c.entryURL(key), subject, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", remote.ErrNotFound
	default:
		return "", statusError(resp)
	}

	var body remote.EntryBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode entry %s: %w", key, err)
	}
	return body.Value, nil
}

// Upsert implements remote.Store.
func (c *Client) Upsert(ctx context.Context, e remote.Entry) error {
	subject, err := subjectOf(e.Key)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPut, c.entryURL(e.Key), subject, remote.EntryBody{Key: e.Key, Value: e.Value})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// List implements remote.Lister.
func (c *Client) List(ctx context.Context, userID string) ([]remote.Entry, error) {
	resp, err := c.do(ctx, http.MethodGet, c.base+"/v1/entries", userID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var entries []remote.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	return entries, nil
}

// Subscribe implements remote.Store.
func (c *Client) Subscribe(ctx context.Context, key string, fn func(remote.Change)) (func(), error) {
	subject, err := subjectOf(key)
	if err != nil {
		return nil, err
	}
	if err := c.ctx.Err(); err != nil {
		return nil, errors.New("client closed")
	}

	c.mu.Lock()
	f := c.feeds[subject]
	if f == nil {
		f = c.startFeed(subject)
		c.feeds[subject] = f
	}
	f.mu.Lock()
	first := f.hub.Subscribers(key) == 0
	cancelSub := f.hub.Subscribe(key, fn)
	if first {
		f.sendLocked(ctx, remote.Frame{Type: remote.FrameSubscribe, Key: key})
	}
	f.mu.Unlock()
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			f.mu.Lock()
			cancelSub()
			last := f.hub.Subscribers(key) == 0
			if last {
				f.sendLocked(context.Background(), remote.Frame{Type: remote.FrameUnsubscribe, Key: key})
			}
			idle := len(f.hub.Keys()) == 0
			f.mu.Unlock()

			if idle && c.feeds[subject] == f {
				delete(c.feeds, subject)
				f.cancel()
			}
		})
	}, nil
}

// Connected reports whether the feed for subject currently has a live
// websocket.
func (c *Client) Connected(subject string) bool {
	c.mu.Lock()
	f := c.feeds[subject]
	c.mu.Unlock()
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// feed is the websocket change feed of one subject.
type feed struct {
	c       *Client
	subject string
	hub     *remote.Hub

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// startFeed must be called with c.mu held.
func (c *Client) startFeed(subject string) *feed {
	ctx, cancel := context.WithCancel(c.ctx)
	f := &feed{
		c:       c,
		subject: subject,
		hub:     remote.NewHub(),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.wg.Add(1)
	go f.run()
	return f
}

// sendLocked writes a frame if connected. The run loop resubscribes
// everything on connect, so frames sent while disconnected can be dropped.
// Must be called with f.mu held.
func (f *feed) sendLocked(ctx context.Context, fr remote.Frame) {
	if f.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, f.conn, fr); err != nil {
		f.c.logger.Printf("Failed to send %s for %s: %v", fr.Type, fr.Key, err)
	}
}

func (f *feed) run() {
	defer f.c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = f.c.maxWait
	b.MaxElapsedTime = 0

	connects := 0
	for {
		err := f.connectAndRead(func() {
			b.Reset()
			connects++
			if connects > 1 {
				f.resync()
			}
		})
		if f.ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		f.c.logger.Printf("Feed for %s lost: %v (reconnecting in %s)", f.subject, err, wait.Round(time.Millisecond))
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *feed) connectAndRead(onConnected func()) error {
	header := http.Header{}
	header.Set(remote.SubjectHeader, f.subject)

	conn, _, err := websocket.Dial(f.ctx, f.c.feedURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}
	defer conn.CloseNow()

	f.mu.Lock()
	f.conn = conn
	for _, key := range f.hub.Keys() {
		f.sendLocked(f.ctx, remote.Frame{Type: remote.FrameSubscribe, Key: key})
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	onConnected()

	for {
		var fr remote.Frame
		if err := wsjson.Read(f.ctx, conn, &fr); err != nil {
			return err
		}
		switch fr.Type {
		case remote.FrameChange:
			f.hub.Publish(remote.Change{Key: fr.Key, Value: fr.Value, UserID: fr.UserID})
		case remote.FrameError:
			f.c.logger.Printf("Server rejected %s: %s", fr.Key, fr.Error)
		}
	}
}

// resync republishes the current value of every subscribed key.
func (f *feed) resync() {
	for _, key := range f.hub.Keys() {
		value, err := f.c.Get(f.ctx, key)
		if err != nil {
			if !errors.Is(err, remote.ErrNotFound) {
				f.c.logger.Printf("Resync of %s failed: %v", key, err)
			}
			continue
		}
		f.hub.Publish(remote.Change{Key: key, Value: value, UserID: f.subject})
	}
}
