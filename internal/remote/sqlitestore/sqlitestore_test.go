package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/autoescola/diario/internal/remote"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := setupTestStore(t)

	// InitSchema is idempotent
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() second call failed: %v", err)
	}

	count, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty store, got %d entries", count)
	}
}

func TestGetNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Get(context.Background(), "u1:students")
	if !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Get() = %v, want ErrNotFound", err)
	}
}

func TestUpsertReplacesAndNotifies(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	var seen []remote.Change
	cancel, err := s.Subscribe(ctx, "u1:students", func(c remote.Change) { seen = append(seen, c) })
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer cancel()

	for _, v := range []string{`[]`, `[{"id":"s1","name":"Ana"}]`} {
		if err := s.Upsert(ctx, remote.Entry{Key: "u1:students", Value: v, UserID: "u1"}); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", v, err)
		}
	}

	got, err := s.Get(ctx, "u1:students")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != `[{"id":"s1","name":"Ana"}]` {
		t.Errorf("Get() = %s, want last upsert", got)
	}

	count, _ := s.Count(ctx)
	if count != 1 {
		t.Errorf("expected 1 row after upserting the same key twice, got %d", count)
	}
	if len(seen) != 2 || seen[1].Value != got {
		t.Errorf("feed saw %+v", seen)
	}
}

func TestListByUser(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	entries := []remote.Entry{
		{Key: "u1:students", Value: "[]", UserID: "u1"},
		{Key: "u1:classes", Value: "[]", UserID: "u1"},
		{Key: "u2:students", Value: "[]", UserID: "u2"},
	}
	for _, e := range entries {
		if err := s.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
	}

	list, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries for u1, got %d", len(list))
	}
	if list[0].Key != "u1:classes" || list[1].Key != "u1:students" {
		t.Errorf("List() not ordered by key: %+v", list)
	}
	if list[0].UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be populated")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "remote.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Upsert(ctx, remote.Entry{Key: "u1:lessons", Value: "[1]", UserID: "u1"}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	v, err := s.Get(ctx, "u1:lessons")
	if err != nil || v != "[1]" {
		t.Errorf("Get() after reopen = (%q, %v)", v, err)
	}
}

func TestConcurrentUpsertsPublishInCommitOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	last := ""
	cancel, err := s.Subscribe(ctx, "u1:classes", func(c remote.Change) {
		mu.Lock()
		last = c.Value
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer cancel()

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v := fmt.Sprintf(`[%d,%d]`, round, i)
				if err := s.Upsert(ctx, remote.Entry{Key: "u1:classes", Value: v, UserID: "u1"}); err != nil {
					t.Errorf("Upsert() failed: %v", err)
				}
			}(i)
		}
		wg.Wait()

		stored, err := s.Get(ctx, "u1:classes")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		mu.Lock()
		got := last
		mu.Unlock()
		if got != stored {
			t.Fatalf("round %d: feed ended on %s, store holds %s", round, got, stored)
		}
	}
}
