package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHubSubscribeAndCancel(t *testing.T) {
	h := NewHub()

	var a, b []string
	cancelA := h.Subscribe("u1:students", func(c Change) { a = append(a, c.Value) })
	cancelB := h.Subscribe("u1:students", func(c Change) { b = append(b, c.Value) })
	defer cancelB()

	if n := h.Publish(Change{Key: "u1:students", Value: "[1]"}); n != 2 {
		t.Errorf("Publish() delivered to %d subscribers, want 2", n)
	}
	if n := h.Publish(Change{Key: "u1:lessons", Value: "[]"}); n != 0 {
		t.Errorf("Publish() for other key delivered to %d, want 0", n)
	}

	cancelA()
	cancelA()
	h.Publish(Change{Key: "u1:students", Value: "[2]"})

	if len(a) != 1 || a[0] != "[1]" {
		t.Errorf("subscriber A saw %v, want [[1]]", a)
	}
	if len(b) != 2 {
		t.Errorf("subscriber B saw %v, want two changes", b)
	}
	if got := h.Keys(); len(got) != 1 || got[0] != "u1:students" {
		t.Errorf("Keys() = %v", got)
	}
}

func TestHubCancelInsideCallback(t *testing.T) {
	h := NewHub()
	var cancel func()
	calls := 0
	cancel = h.Subscribe("k", func(Change) {
		calls++
		cancel()
	})
	h.Publish(Change{Key: "k"})
	h.Publish(Change{Key: "k"})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if h.Subscribers("k") != 0 {
		t.Errorf("expected no subscribers left")
	}
}

func TestMemoryGetUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "u1:students"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty store = %v, want ErrNotFound", err)
	}

	changes := make(chan Change, 1)
	cancel, err := m.Subscribe(ctx, "u1:students", func(c Change) { changes <- c })
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer cancel()

	if err := m.Upsert(ctx, Entry{Key: "u1:students", Value: "[]", UserID: "u1"}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	v, err := m.Get(ctx, "u1:students")
	if err != nil || v != "[]" {
		t.Errorf("Get() = (%q, %v)", v, err)
	}

	select {
	case c := <-changes:
		if c.Value != "[]" || c.UserID != "u1" {
			t.Errorf("unexpected change %+v", c)
		}
	default:
		t.Error("self-originated upsert was not delivered to the feed")
	}

	if m.UpsertsFor("u1:students") != 1 {
		t.Errorf("UpsertsFor() = %d, want 1", m.UpsertsFor("u1:students"))
	}
}

func TestMemoryFaultHooks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("network down")

	m.FailGet(func(string) error { return boom })
	if _, err := m.Get(ctx, "u1:x"); !errors.Is(err, boom) {
		t.Errorf("Get() = %v, want injected error", err)
	}
	m.FailGet(nil)

	m.FailUpsert(func(e Entry) error {
		if e.Key == "u1:lessons" {
			return boom
		}
		return nil
	})
	if err := m.Upsert(ctx, Entry{Key: "u1:lessons", Value: "[]"}); !errors.Is(err, boom) {
		t.Errorf("Upsert() = %v, want injected error", err)
	}
	if err := m.Upsert(ctx, Entry{Key: "u1:classes", Value: "[]"}); err != nil {
		t.Errorf("Upsert() of other key failed: %v", err)
	}
	if len(m.Upserts()) != 1 {
		t.Errorf("failed upsert should not be recorded, got %v", m.Upserts())
	}
}

func TestMemoryDelayFeed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.DelayFeed(20 * time.Millisecond)

	changes := make(chan Change, 1)
	cancel, _ := m.Subscribe(ctx, "u1:k", func(c Change) { changes <- c })
	defer cancel()

	_ = m.Upsert(ctx, Entry{Key: "u1:k", Value: "1"})
	select {
	case <-changes:
		t.Fatal("change delivered before delay")
	default:
	}

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("delayed change never delivered")
	}
}

func TestMemoryList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Seed("u1:students", "[]")
	m.Seed("u1:lessons", "[]")
	m.Seed("u10:students", "[]")

	entries, err := m.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "u1:lessons" {
		t.Errorf("List() = %+v", entries)
	}
}

func TestMemoryFeedEndsOnStoredValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var mu sync.Mutex
	last := ""
	cancel, err := m.Subscribe(ctx, "u1:students", func(c Change) {
		mu.Lock()
		last = c.Value
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer cancel()

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v := fmt.Sprintf(`[%d,%d]`, round, i)
				if err := m.Upsert(ctx, Entry{Key: "u1:students", Value: v, UserID: "u1"}); err != nil {
					t.Errorf("Upsert() failed: %v", err)
				}
			}(i)
		}
		wg.Wait()

		stored, err := m.Get(ctx, "u1:students")
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
