package httpstore

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/autoescola/diario/internal/remote"
	"github.com/autoescola/diario/internal/server"
)

func setupTestClient(t *testing.T) (*Client, *server.Server, *remote.Memory) {
	t.Helper()

	store := remote.NewMemory()
	srv := server.New(store, &server.Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(io.Discard, "", 0),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	client, err := New(Config{
		BaseURL: "http://" + srv.Addr(),
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Stop()
	})
	return client, srv, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRejectsBadScheme(t *testing.T) {
	if _, err := New(Config{BaseURL: "ftp://example.com"}); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestGetUpsertRoundTrip(t *testing.T) {
	client, _, store := setupTestClient(t)
	ctx := context.Background()

	if _, err := client.Get(ctx, "auth0|42:students"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}

	entry := remote.Entry{Key: "auth0|42:students", Value: `[{"id":"a","name":"Ana"}]`}
	if err := client.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	v, err := client.Get(ctx, "auth0|42:students")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if v != entry.Value {
		t.Errorf("Get() = %s, want %s", v, entry.Value)
	}

	upserts := store.Upserts()
	if len(upserts) != 1 || upserts[0].UserID != "auth0|42" {
		t.Errorf("server stored %+v", upserts)
	}

	list, err := client.List(ctx, "auth0|42")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List() = %+v", list)
	}
}

func TestKeyWithoutIdentity(t *testing.T) {
	client, _, _ := setupTestClient(t)

	if _, err := client.Get(context.Background(), "students"); err == nil {
		t.Error("expected error for key without identity prefix")
	}
}

func TestServerErrorsSurface(t *testing.T) {
	client, _, store := setupTestClient(t)
	store.FailGet(func(string) error { return errors.New("disk on fire") })

	_, err := client.Get(context.Background(), "u1:lessons")
	if err == nil || errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected server error, got %v", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestSubscribeReceivesOtherWriters(t *testing.T) {
	client, srv, store := setupTestClient(t)
	ctx := context.Background()

	changes := make(chan remote.Change, 4)
	cancel, err := client.Subscribe(ctx, "u1:classes", func(c remote.Change) { changes <- c })
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	waitFor(t, "server subscription", func() bool { return srv.Subscribers("u1:classes") == 1 })

	// A different writer updates the key directly on the server's store.
	if err := store.Upsert(ctx, remote.Entry{Key: "u1:classes", Value: "[1]", UserID: "u1"}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	select {
	case c := <-changes:
		if c.Value != "[1]" {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	// Our own writes come back through the feed too.
	if err := client.Upsert(ctx, remote.Entry{Key: "u1:classes", Value: "[2]"}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	select {
	case c := <-changes:
		if c.Value != "[2]" {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for self-originated change")
	}

	cancel()
	cancel()
	waitFor(t, "feed teardown", func() bool { return srv.Subscribers("u1:classes") == 0 })
	if client.Connected("u1") {
		t.Error("feed should close after its last subscription")
	}
}
