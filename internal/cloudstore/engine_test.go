package cloudstore

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/autoescola/diario/internal/identity"
	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/localcache"
	"github.com/autoescola/diario/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	session *identity.Session
	store   *remote.Memory
	local   *localcache.Memory
	engine  *Engine
}

func newFixture(t *testing.T, signedIn bool, opts ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		session: identity.NewSession(identity.Anonymous),
		store:   remote.NewMemory(),
		local:   localcache.NewMemory(),
	}
	if signedIn {
		f.session.SignIn("u1")
	}

	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	for _, opt := range opts {
		opt(cfg)
	}
	f.engine = NewWithConfig(f.session, f.store, f.local, cfg)
	require.NoError(t, f.engine.Start())
	t.Cleanup(func() { _ = f.engine.Close() })
	return f
}

func waitFor[T any](t *testing.T, h *Handle[T], what string, cond func(State[T]) bool) State[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := h.Wait(ctx, cond)
	require.NoError(t, err, "timed out waiting for %s (last state %+v)", what, s)
	return s
}

func waitStatus[T any](t *testing.T, h *Handle[T], st Status) State[T] {
	t.Helper()
	return waitFor(t, h, st.String(), func(s State[T]) bool { return s.Status == st })
}

func settle(t *testing.T, task *WriteTask) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, task.Wait(ctx))
}

// recorder collects every transition a handle reports.
type recorder[T any] struct {
	mu     sync.Mutex
	states []State[T]
}

func (r *recorder[T]) observe(s State[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder[T]) snapshot() []State[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State[T](nil), r.states...)
}

func TestLoadingWithoutIdentity(t *testing.T) {
	f := newFixture(t, false)

	h := Open(f.engine, "students", []string{"initial"})
	defer h.Close()

	time.Sleep(50 * time.Millisecond)

	s := h.State()
	assert.Equal(t, StatusLoading, s.Status)
	assert.Equal(t, []string{"initial"}, s.Value)
	assert.Zero(t, f.store.Gets(), "no remote lookup without identity")
	assert.Zero(t, f.store.Subscribers("u1:students"))

	keys, err := f.local.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys, "no local cache I/O without identity")
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	h := Open(f.engine, "students", []string{})
	waitStatus(t, h, StatusReady)

	task, err := h.Set(ctx, []string{"Ana", "Bruno"})
	require.NoError(t, err)
	settle(t, task)
	assert.Equal(t, "u1:students", task.Key())
	h.Close()

	fresh := Open(f.engine, "students", []string{})
	defer fresh.Close()
	s := waitStatus(t, fresh, StatusReady)
	assert.Equal(t, []string{"Ana", "Bruno"}, s.Value)
	assert.Equal(t, SourceRemote, s.Source)
}

func TestDefaultMaterialization(t *testing.T) {
	f := newFixture(t, true)

	h := Open(f.engine, "newKey", []string{})
	defer h.Close()

	s := waitStatus(t, h, StatusReady)
	assert.Equal(t, []string{}, s.Value)

	require.Eventually(t, func() bool {
		v, err := f.store.Get(context.Background(), "u1:newKey")
		return err == nil && v == "[]"
	}, 3*time.Second, 10*time.Millisecond, "initial value should be written back")
	assert.Equal(t, 1, f.store.UpsertsFor("u1:newKey"))
}

func TestFallbackToLocalCache(t *testing.T) {
	f := newFixture(t, true)
	boom := errors.New("connection refused")
	f.store.FailGet(func(string) error { return boom })
	require.NoError(t, f.local.Set("students", `["cached"]`))

	h := Open(f.engine, "students", []string{})
	defer h.Close()

	s := waitStatus(t, h, StatusError)
	assert.Equal(t, []string{"cached"}, s.Value)
	assert.Equal(t, SourceLocalFallback, s.Source)

	var rerr *RetrievalError
	require.ErrorAs(t, s.Err, &rerr)
	assert.Equal(t, "u1:students", rerr.Key)
	assert.ErrorIs(t, s.Err, boom)
}

func TestFallbackToInitialValue(t *testing.T) {
	f := newFixture(t, true)
	f.store.FailGet(func(string) error { return errors.New("timeout") })

	h := Open(f.engine, "lessons", []string{"default"})
	defer h.Close()

	s := waitStatus(t, h, StatusError)
	assert.Equal(t, []string{"default"}, s.Value)
	assert.Equal(t, SourceDefault, s.Source)
}

func TestFallbackPerIdentityNamespace(t *testing.T) {
	f := newFixture(t, true, func(c *Config) { c.Namespace = keyspace.PerIdentity{} })
	f.store.FailGet(func(string) error { return errors.New("offline") })
	require.NoError(t, f.local.Set("classes", `["someone else's"]`))
	require.NoError(t, f.local.Set("u1:classes", `["mine"]`))

	h := Open(f.engine, "classes", []string{})
	defer h.Close()

	s := waitStatus(t, h, StatusError)
	assert.Equal(t, []string{"mine"}, s.Value)
}

func TestMalformedRemotePayload(t *testing.T) {
	f := newFixture(t, true)
	f.store.Seed("u1:students", "{not json")

	h := Open(f.engine, "students", []string{"default"})
	defer h.Close()

	s := waitStatus(t, h, StatusError)
	assert.Equal(t, []string{"default"}, s.Value)

	var serr *SerializationError
	require.ErrorAs(t, s.Err, &serr)
	assert.Equal(t, "remote", serr.Origin)
	var rerr *RetrievalError
	assert.ErrorAs(t, s.Err, &rerr)
}

func TestMalformedRemotePayloadSkipsLocalCache(t *testing.T) {
	f := newFixture(t, true)
	f.store.Seed("u1:students", "{not json")
	require.NoError(t, f.local.Set("students", `["stale-local"]`))

	h := Open(f.engine, "students", []string{"initial"})
	defer h.Close()

	s := waitStatus(t, h, StatusError)
	assert.Equal(t, []string{"initial"}, s.Value)
	assert.Equal(t, SourceDefault, s.Source)
	var serr *SerializationError
	assert.ErrorAs(t, s.Err, &serr)
}

func TestMalformedLocalEntry(t *testing.T) {
	f := newFixture(t, true)
	f.store.FailGet(func(string) error { return errors.New("offline") })
	require.NoError(t, f.local.Set("students", "garbage"))

	h := Open(f.engine, "students", []string{"default"})
	defer h.Close()

	s := waitStatus(t, h, StatusError)
	assert.Equal(t, []string{"default"}, s.Value)
	assert.Equal(t, SourceDefault, s.Source)
}

func TestNotAuthenticatedRejectsWrite(t *testing.T) {
	f := newFixture(t, false)

	h := Open(f.engine, "students", []string{"initial"})
	defer h.Close()
	before := h.State()

	for _, write := range []func() (*WriteTask, error){
		func() (*WriteTask, error) { return h.Set(context.Background(), []string{"x"}) },
		func() (*WriteTask, error) {
			return h.Update(context.Background(), func(cur []string) []string { return append(cur, "x") })
		},
	} {
		task, err := write()
		assert.Nil(t, task)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotAuthenticated)
		var nerr *NotAuthenticatedError
		assert.ErrorAs(t, err, &nerr)
	}

	assert.Equal(t, before, h.State(), "state must not change")
	assert.Empty(t, f.store.Upserts(), "no remote write")
	keys, err := f.local.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys, "no local write")
}

func TestUnserializableValue(t *testing.T) {
	f := newFixture(t, true)

	h := Open[any](f.engine, "weird", "ok")
	defer h.Close()
	before := waitStatus(t, h, StatusReady)

	_, err := h.Set(context.Background(), make(chan int))
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "value", serr.Origin)
	assert.Equal(t, before.Value, h.Value())
}

func TestWriteOrderAndFailure(t *testing.T) {
	var hookKey string
	var hookErr error
	var hookMu sync.Mutex

	f := newFixture(t, true, func(c *Config) {
		c.OnWriteError = func(key string, err error) {
			hookMu.Lock()
			defer hookMu.Unlock()
			hookKey, hookErr = key, err
		}
	})
	f.store.Seed("u1:students", "[]")

	h := Open(f.engine, "students", []string{})
	defer h.Close()
	waitStatus(t, h, StatusReady)

	boom := errors.New("503 service unavailable")
	f.store.FailUpsert(func(remote.Entry) error { return boom })

	task, err := h.Set(context.Background(), []string{"Ana"})
	require.NoError(t, err)

	// Steps 1 and 2 are done before Set returns.
	s := h.State()
	assert.Equal(t, []string{"Ana"}, s.Value)
	assert.Equal(t, StatusReady, s.Status)
	assert.Equal(t, SourceOptimisticWrite, s.Source)
	local, ok, err := f.local.Get("students")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `["Ana"]`, local)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	werr := task.Wait(ctx)
	var writeErr *WriteError
	require.ErrorAs(t, werr, &writeErr)
	assert.ErrorIs(t, werr, boom)
	assert.Equal(t, werr, task.Err())

	hookMu.Lock()
	assert.Equal(t, "u1:students", hookKey)
	assert.ErrorIs(t, hookErr, boom)
	hookMu.Unlock()

	// Failed writes are not rolled back.
	assert.Equal(t, []string{"Ana"}, h.Value())
}

func TestWriteRetries(t *testing.T) {
	f := newFixture(t, true, func(c *Config) {
		c.WriteRetries = 3
		c.RetryInitialInterval = time.Millisecond
	})
	f.store.Seed("u1:lessons", "[]")

	h := Open(f.engine, "lessons", []string{})
	defer h.Close()
	waitStatus(t, h, StatusReady)

	var mu sync.Mutex
	attempts := 0
	f.store.FailUpsert(func(remote.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 2 {
			return errors.New("flaky")
		}
		return nil
	})

	task, err := h.Set(context.Background(), []string{"Baliza"})
	require.NoError(t, err)
	settle(t, task)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
	assert.Equal(t, 1, f.store.UpsertsFor("u1:lessons"))
}

func TestUpdateUsesInMemoryValue(t *testing.T) {
	f := newFixture(t, true)
	f.store.Seed("u1:students", `["Ana"]`)

	h := Open(f.engine, "students", []string{})
	defer h.Close()
	waitStatus(t, h, StatusReady)

	f.store.FailGet(func(string) error { return errors.New("must not re-fetch") })

	task, err := h.Update(context.Background(), func(cur []string) []string { return append(cur, "Bruno") })
	require.NoError(t, err)
	settle(t, task)

	assert.Equal(t, []string{"Ana", "Bruno"}, h.Value())
	assert.Equal(t, 1, f.store.Gets(), "only the initial load reads the remote store")

	f.store.FailGet(nil)
	v, err := f.store.Get(context.Background(), "u1:students")
	require.NoError(t, err)
	assert.Equal(t, `["Ana","Bruno"]`, v)
}

func TestRealtimePropagation(t *testing.T) {
	f := newFixture(t, true)

	a := Open(f.engine, "classes", []string{})
	defer a.Close()
	b := Open(f.engine, "classes", []string{})
	defer b.Close()
	waitStatus(t, a, StatusReady)
	waitStatus(t, b, StatusReady)

	task, err := a.Set(context.Background(), []string{"aula-1"})
	require.NoError(t, err)
	settle(t, task)

	s := waitFor(t, b, "push", func(s State[[]string]) bool {
		return len(s.Value) == 1 && s.Value[0] == "aula-1"
	})
	assert.Equal(t, SourceRealtimePush, s.Source)
	assert.Equal(t, StatusReady, s.Status)
}

func TestSelfPushClobbersOptimisticValue(t *testing.T) {
	f := newFixture(t, true)
	f.store.Seed("u1:students", `"v0"`)

	h := Open(f.engine, "students", "")
	defer h.Close()
	s := waitStatus(t, h, StatusReady)
	require.Equal(t, "v0", s.Value)

	rec := &recorder[string]{}
	defer h.Subscribe(rec.observe)()

	f.store.DelayFeed(100 * time.Millisecond)

	t1, err := h.Set(context.Background(), "v1")
	require.NoError(t, err)
	settle(t, t1)
	time.Sleep(20 * time.Millisecond)
	t2, err := h.Set(context.Background(), "v2")
	require.NoError(t, err)
	settle(t, t2)

	waitFor(t, h, "final echo", func(s State[string]) bool {
		return s.Source == SourceRealtimePush && s.Value == "v2"
	})

	type step struct {
		Value  string
		Source Source
	}
	var got []step
	for _, s := range rec.snapshot() {
		got = append(got, step{s.Value, s.Source})
	}
	want := []step{
		{"v1", SourceOptimisticWrite},
		{"v2", SourceOptimisticWrite},
		{"v1", SourceRealtimePush}, // the echo of our own first write clobbers v2
		{"v2", SourceRealtimePush},
	}
	assert.Equal(t, want, got)

	states := rec.snapshot()
	for i := 1; i < len(states); i++ {
		assert.Equal(t, states[i-1].Version+1, states[i].Version, "observers see every version in order")
	}
}

func TestEmptyAndMalformedPushesIgnored(t *testing.T) {
	f := newFixture(t, true)
	f.store.Seed("u1:students", `["Ana"]`)

	h := Open(f.engine, "students", []string{})
	defer h.Close()
	before := waitStatus(t, h, StatusReady)

	ctx := context.Background()
	require.NoError(t, f.store.Upsert(ctx, remote.Entry{Key: "u1:students", Value: ""}))
	require.NoError(t, f.store.Upsert(ctx, remote.Entry{Key: "u1:students", Value: "{broken"}))

	assert.Equal(t, before, h.State())
}

func TestIdentityChangeRebinds(t *testing.T) {
	f := newFixture(t, true)
	f.store.Seed("u1:students", `["da u1"]`)
	f.store.Seed("u2:students", `["da u2"]`)

	h := Open(f.engine, "students", []string{})
	defer h.Close()
	s := waitStatus(t, h, StatusReady)
	assert.Equal(t, []string{"da u1"}, s.Value)

	f.session.SignIn("u2")
	waitFor(t, h, "u2 value", func(s State[[]string]) bool {
		return s.Status == StatusReady && len(s.Value) == 1 && s.Value[0] == "da u2"
	})
	assert.Zero(t, f.store.Subscribers("u1:students"), "old subscription released")
	assert.Equal(t, 1, f.store.Subscribers("u2:students"))

	// Pushes for the previous identity no longer reach the handle.
	require.NoError(t, f.store.Upsert(context.Background(), remote.Entry{Key: "u1:students", Value: `["stale"]`}))
	assert.Equal(t, []string{"da u2"}, h.Value())

	f.session.SignOut()
	s = waitStatus(t, h, StatusLoading)
	assert.Equal(t, []string{}, s.Value, "signed-out handles fall back to the initial value")
	require.Eventually(t, func() bool { return f.store.Subscribers("u2:students") == 0 },
		3*time.Second, 10*time.Millisecond)

	_, err := h.Set(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestBeforeBindRunsBeforeLoads(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	store := remote.NewMemory()

	f := newFixture(t, false, func(c *Config) {
		c.BeforeBind = func(ctx context.Context, id identity.Identity) error {
			mu.Lock()
			calls = append(calls, id.Subject)
			mu.Unlock()
			return store.Upsert(ctx, remote.Entry{Key: id.Subject + ":students", Value: `["migrated"]`, UserID: id.Subject})
		}
	})

	h := Open(f.engine, "students", []string{})
	defer h.Close()

	f.session.SignIn("u1")
	s := waitStatus(t, h, StatusReady)
	assert.Equal(t, []string{"migrated"}, s.Value)
	assert.Equal(t, SourceRemote, s.Source)

	mu.Lock()
	assert.Equal(t, []string{"u1"}, calls)
	mu.Unlock()
}

func TestCloseReleasesHandle(t *testing.T) {
	f := newFixture(t, true)

	h := Open(f.engine, "students", []string{})
	waitStatus(t, h, StatusReady)
	require.Equal(t, 1, f.store.Subscribers("u1:students"))

	h.Close()
	h.Close()
	assert.Zero(t, f.store.Subscribers("u1:students"))

	_, err := h.Set(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFlushWaitsForWrites(t *testing.T) {
	f := newFixture(t, true)
	f.store.Seed("u1:students", "[]")

	h := Open(f.engine, "students", []string{})
	defer h.Close()
	waitStatus(t, h, StatusReady)

	for i := 0; i < 5; i++ {
		_, err := h.Set(context.Background(), []string{"v"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Flush(ctx))
	assert.Equal(t, 5, f.store.UpsertsFor("u1:students"))
}

func TestEngineCloseLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	session := identity.NewSession(identity.Identity{Subject: "u1", Authenticated: true})
	store := remote.NewMemory()
	engine := NewWithConfig(session, store, localcache.NewMemory(), &Config{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, engine.Start())

	handles := []*Handle[[]string]{
		Open(engine, "students", []string{}),
		Open(engine, "lessons", []string{}),
		Open(engine, "classes", []string{}),
	}
	for _, h := range handles {
		waitStatus(t, h, StatusReady)
		_, err := h.Set(context.Background(), []string{"x"})
		require.NoError(t, err)
	}

	require.NoError(t, engine.Close())
	for _, key := range []string{"u1:students", "u1:lessons", "u1:classes"} {
		assert.Zero(t, store.Subscribers(key))
	}

	late := Open(engine, "late", []string{})
	assert.Equal(t, StatusLoading, late.Status())
	_, err := late.Set(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrClosed)
}
