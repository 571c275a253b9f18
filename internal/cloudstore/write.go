package cloudstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/remote"
)

// WriteTask is the remote half of a write. The in-memory and local cache
// updates have already happened when it is returned.
type WriteTask struct {
	key  string
	done chan struct{}
	err  error
}

// Key returns the composite key being written.
func (t *WriteTask) Key() string {
	return t.key
}

// Done is closed when the remote upsert settles.
func (t *WriteTask) Done() <-chan struct{} {
	return t.done
}

// Err returns the *WriteError of a failed upsert, or nil while pending or
// after success.
func (t *WriteTask) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the upsert settles or ctx is done.
func (t *WriteTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WriteTask) finish(err error) {
	t.err = err
	close(t.done)
}

// Set replaces the value. See Update.
func (h *Handle[T]) Set(ctx context.Context, next T) (*WriteTask, error) {
	return h.write(ctx, func(T) T { return next })
}

// Update writes fn applied to the current in-memory value. There is no
// compare-and-swap against the remote store: the last write wins.
//
// The write is applied in memory (observers notified), then to the local
// cache, and then upserted remotely in the background. Without an identity
// it returns a *NotAuthenticatedError and changes nothing. fn runs with the
// handle locked and must not call back into the handle.
func (h *Handle[T]) Update(ctx context.Context, fn func(T) T) (*WriteTask, error) {
	return h.write(ctx, fn)
}

func (h *Handle[T]) write(ctx context.Context, fn func(T) T) (*WriteTask, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	id := h.id
	if !id.Valid() {
		h.mu.Unlock()
		return nil, &NotAuthenticatedError{Key: h.key}
	}
	next := fn(h.state.Value)
	data, err := encodeValue(next)
	if err != nil {
		h.mu.Unlock()
		return nil, &SerializationError{Key: h.key, Origin: "value", Err: err}
	}
	h.transitionLocked(h.state.toReady(next, SourceOptimisticWrite))
	h.mu.Unlock()
	h.drain()

	localKey := h.e.config.Namespace.LocalKey(id.Subject, h.key)
	if err := h.e.local.Set(localKey, data); err != nil {
		h.e.logger.Printf("WARNING: local cache write of %s failed: %v", localKey, err)
	}

	entry := remote.Entry{
		Key:    keyspace.Compose(id.Subject, h.key),
		Value:  data,
		UserID: id.Subject,
	}
	return h.e.startWrite(ctx, entry), nil
}

// startWrite upserts entry in the background. The upsert outlives ctx's
// cancellation but not the engine.
func (e *Engine) startWrite(ctx context.Context, entry remote.Entry) *WriteTask {
	task := &WriteTask{key: entry.Key, done: make(chan struct{})}

	e.writeStarted()
	started := e.goBackground(func() {
		defer e.writeSettled()

		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(e.ctx, cancel)
		defer stop()

		if err := e.upsert(wctx, entry); err != nil {
			werr := &WriteError{Key: entry.Key, Err: err}
			e.logger.Printf("ERROR: %v", werr)
			if e.config.OnWriteError != nil {
				e.config.OnWriteError(entry.Key, werr)
			}
			task.finish(werr)
			return
		}
		task.finish(nil)
	})
	if !started {
		e.writeSettled()
		task.finish(&WriteError{Key: entry.Key, Err: context.Canceled})
	}
	return task
}

// upsert writes entry, retrying with exponential backoff when
// Config.WriteRetries is set.
func (e *Engine) upsert(ctx context.Context, entry remote.Entry) error {
	if e.config.WriteRetries <= 0 {
		return e.remote.Upsert(ctx, entry)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.RetryInitialInterval

	op := func() error {
		err := e.remote.Upsert(ctx, entry)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Printf("Retrying write of %s in %s: %v", entry.Key, wait.Round(time.Millisecond), err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.WriteRetries)), ctx)
	return backoff.RetryNotify(op, policy, notify)
}
