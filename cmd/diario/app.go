package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/autoescola/diario/internal/cloudstore"
	"github.com/autoescola/diario/internal/config"
	"github.com/autoescola/diario/internal/identity"
	"github.com/autoescola/diario/internal/localcache"
	"github.com/autoescola/diario/internal/logging"
	"github.com/autoescola/diario/internal/migrate"
	"github.com/autoescola/diario/internal/records"
	"github.com/autoescola/diario/internal/remote"
	"github.com/autoescola/diario/internal/remote/httpstore"
	"github.com/autoescola/diario/internal/remote/pgstore"
	"github.com/autoescola/diario/internal/remote/sqlitestore"
	"github.com/autoescola/diario/internal/ui"
)

// app is the wiring shared by the data commands: local cache, remote store,
// session, migrator and sync engine.
type app struct {
	cfg      *config.Config
	local    *localcache.SQLite
	store    remote.Store
	session  *identity.FileSession
	migrator *migrate.Migrator
	engine   *cloudstore.Engine

	closers []func()
}

// openRemote opens the remote store selected by remote.driver.
func openRemote(ctx context.Context, cfg *config.Config) (remote.Store, func(), error) {
	switch cfg.Remote.Driver {
	case config.DriverHTTP:
		c, err := httpstore.New(httpstore.Config{
			BaseURL: cfg.Remote.URL,
			Logger:  logging.NewBackground("httpstore"),
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil

	case config.DriverSQLite:
		s, err := sqlitestore.Open(cfg.Remote.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.Remote.DSN, logging.NewBackground("pgstore"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverMemory:
		return remote.NewMemory(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}
}

// openStores opens the local cache, remote store and session and builds the
// migrator. The engine is not started.
func openStores(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	local, err := localcache.OpenSQLite(cfg.Local.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	a.local = local
	a.closers = append(a.closers, func() { _ = local.Close() })

	store, closeStore, err := openRemote(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	session, err := identity.NewFileSession(cfg.Session.Path, logging.NewBackground("identity"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.session = session

	sentinel, err := migrate.ParseSentinel(cfg.Migration.Sentinel, local, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.migrator = migrate.New(local, store, &migrate.Options{
		Keys:     cfg.Migration.Keys,
		Sentinel: sentinel,
		Logger:   logging.NewBackground("migrate"),
	})
	return a, nil
}

// openApp wires everything and starts the engine. Handles opened on the
// returned engine bind once the migration for the signed-in identity ran.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	syncLogger := logging.NewBackground("sync")
	a.engine = cloudstore.NewWithConfig(a.session, a.store, a.local, &cloudstore.Config{
		Namespace:    cfg.Namespace(),
		WriteRetries: cfg.Sync.WriteRetries,
		BeforeBind: func(ctx context.Context, id identity.Identity) error {
			res, err := a.migrator.RunOnce(ctx, id)
			if err != nil {
				return err
			}
			logging.Debugf(syncLogger, "migration for %s: already done=%v migrated=%v",
				id.Subject, res.AlreadyDone, res.KeysMigrated)
			return nil
		},
		Logger: syncLogger,
	})
	if err := a.engine.Start(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// watchSession makes the engine follow login and logout from other
// processes. Only long-running commands need it.
func (a *app) watchSession() error {
	if err := a.session.Start(); err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = a.session.Stop() })
	return nil
}

// Close flushes pending writes for up to five seconds and releases
// everything in reverse order.
func (a *app) Close() {
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.engine.Flush(ctx); err != nil {
			fmt.Printf("Warning: some writes may not have reached the remote store: %v\n", err)
		}
		cancel()
		_ = a.engine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// mustApp opens the app or exits.
func mustApp(ctx context.Context) *app {
	a, err := openApp(ctx, appConfig)
	if err != nil {
		fatalf("%v", err)
	}
	return a
}

// waitLoaded blocks until h leaves Loading. A handle that never loads
// because nobody is signed in fails with a hint to log in.
func waitLoaded[T any](ctx context.Context, a *app, h *cloudstore.Handle[T]) cloudstore.State[T] {
	if !a.engine.Identity().Valid() {
		fatalf("not signed in (run 'diario login <subject>')")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	s, err := h.Wait(ctx, func(s cloudstore.State[T]) bool { return s.Status != cloudstore.StatusLoading })
	if err != nil {
		fatalf("timed out loading %s: %v", h.Key(), err)
	}
	return s
}

// waitWrite blocks until task reaches the remote store. A failed write is
// reported but not fatal: the value stays in the local cache.
func waitWrite(ctx context.Context, task *cloudstore.WriteTask) bool {
	if task == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := task.Wait(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s saved on this device only: %v\n", ui.RenderWarn("⚠"), task.Key(), err)
		return false
	}
	return true
}

// settle waits for every write in flight so the next write to the same key
// is not overtaken by the echo of the previous one.
func (a *app) settle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.engine.Flush(ctx); err != nil {
		fatalf("failed to flush writes: %v", err)
	}
}

// pick resolves query to exactly one record, by ID prefix or by the text
// returned by match.
func pick[R records.Record](c *records.Collection[R], kind, query string, match func(R) string) R {
	if r, ok := c.Find(query); ok {
		return r
	}
	found := c.Search(query, match)
	switch len(found) {
	case 0:
		fatalf("no %s matches %q", kind, query)
	case 1:
		return found[0]
	}
	fmt.Fprintf(os.Stderr, "%q matches %d %ss:\n", query, len(found), kind)
	for _, r := range found {
		fmt.Fprintf(os.Stderr, "   %s  %s\n", shortID(r.RecordID()), match(r))
	}
	fatalf("be more specific")
	var zero R
	return zero
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
