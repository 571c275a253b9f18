package localcache

import (
	"path/filepath"
	"testing"
)

// testCaches returns every Cache implementation under test.
func testCaches(t *testing.T) map[string]interface {
	Cache
	Keys() ([]string, error)
} {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]interface {
		Cache
		Keys() ([]string, error)
	}{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestCacheGetMissing(t *testing.T) {
	for name, c := range testCaches(t) {
		t.Run(name, func(t *testing.T) {
			v, ok, err := c.Get("students")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if ok || v != "" {
				t.Errorf("Get() = (%q, %v), want absent", v, ok)
			}
		})
	}
}

func TestCacheSetOverwrites(t *testing.T) {
	for name, c := range testCaches(t) {
		t.Run(name, func(t *testing.T) {
			if err := c.Set("students", `[]`); err != nil {
				t.Fatalf("Set() failed: %v", err)
			}
			if err := c.Set("students", `[{"id":"a"}]`); err != nil {
				t.Fatalf("second Set() failed: %v", err)
			}

			v, ok, err := c.Get("students")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if !ok || v != `[{"id":"a"}]` {
				t.Errorf("Get() = (%q, %v), want last write", v, ok)
			}
		})
	}
}

func TestCacheKeys(t *testing.T) {
	for name, c := range testCaches(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"lessons", "classes", "u1:migration_completed"} {
				if err := c.Set(k, "x"); err != nil {
					t.Fatalf("Set(%s) failed: %v", k, err)
				}
			}
			keys, err := c.Keys()
			if err != nil {
				t.Fatalf("Keys() failed: %v", err)
			}
			want := []string{"classes", "lessons", "u1:migration_completed"}
			if len(keys) != len(want) {
				t.Fatalf("Keys() = %v, want %v", keys, want)
			}
			for i := range want {
				if keys[i] != want[i] {
					t.Errorf("Keys()[%d] = %s, want %s", i, keys[i], want[i])
				}
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")

	c, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	if err := c.Set("lessons", `[1,2]`); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c.Close()

	v, ok, err := c.Get("lessons")
	if err != nil || !ok || v != `[1,2]` {
		t.Errorf("Get() after reopen = (%q, %v, %v)", v, ok, err)
	}
}
