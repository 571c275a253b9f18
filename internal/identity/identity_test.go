package identity

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"
)

func TestIdentityValid(t *testing.T) {
	tests := []struct {
		id   Identity
		want bool
	}{
		{Identity{Subject: "u1", Authenticated: true}, true},
		{Identity{Subject: "u1"}, false},
		{Identity{Authenticated: true}, false},
		{Anonymous, false},
	}
	for _, tt := range tests {
		if got := tt.id.Valid(); got != tt.want {
			t.Errorf("%+v.Valid() = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestSessionNotifiesOnChange(t *testing.T) {
	s := NewSession(Anonymous)

	var seen []Identity
	cancel := s.Watch(func(id Identity) { seen = append(seen, id) })

	s.SignIn("u1")
	s.SignIn("u1") // no change, no notification
	s.SignOut()
	cancel()
	s.SignIn("u2")

	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %+v", len(seen), seen)
	}
	if seen[0].Subject != "u1" || !seen[0].Valid() {
		t.Errorf("first notification = %+v", seen[0])
	}
	if seen[1].Valid() {
		t.Errorf("second notification should be anonymous, got %+v", seen[1])
	}
	if s.Current().Subject != "u2" {
		t.Errorf("Current() = %+v, want u2", s.Current())
	}
}

func TestSessionFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	id, err := ReadSessionFile(path)
	if err != nil {
		t.Fatalf("ReadSessionFile() on missing file failed: %v", err)
	}
	if id.Valid() {
		t.Errorf("missing file should be anonymous, got %+v", id)
	}

	want := Identity{Subject: "auth0|123", Authenticated: true}
	if err := WriteSessionFile(path, want); err != nil {
		t.Fatalf("WriteSessionFile() failed: %v", err)
	}
	got, err := ReadSessionFile(path)
	if err != nil {
		t.Fatalf("ReadSessionFile() failed: %v", err)
	}
	if got != want {
		t.Errorf("ReadSessionFile() = %+v, want %+v", got, want)
	}

	if err := RemoveSessionFile(path); err != nil {
		t.Fatalf("RemoveSessionFile() failed: %v", err)
	}
	if err := RemoveSessionFile(path); err != nil {
		t.Errorf("RemoveSessionFile() should be idempotent: %v", err)
	}
}

func TestFileSessionFollowsLogin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	fs, err := NewFileSession(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewFileSession() failed: %v", err)
	}
	if err := fs.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fs.Stop()

	changes := make(chan Identity, 4)
	defer fs.Watch(func(id Identity) { changes <- id })()

	if err := WriteSessionFile(path, Identity{Subject: "u1", Authenticated: true}); err != nil {
		t.Fatalf("WriteSessionFile() failed: %v", err)
	}

	select {
	case id := <-changes:
		if id.Subject != "u1" {
			t.Errorf("expected u1, got %+v", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for sign-in notification")
	}

	if err := RemoveSessionFile(path); err != nil {
		t.Fatalf("RemoveSessionFile() failed: %v", err)
	}

	select {
	case id := <-changes:
		if id.Valid() {
			t.Errorf("expected sign-out, got %+v", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for sign-out notification")
	}
}

func TestFileSessionStartTwice(t *testing.T) {
	fs, err := NewFileSession(filepath.Join(t.TempDir(), "session.json"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewFileSession() failed: %v", err)
	}
	if err := fs.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer fs.Stop()

	if err := fs.Start(); err == nil {
		t.Error("expected error starting twice")
	}
}
