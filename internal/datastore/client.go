package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"kvclient/internal/async"
	"kvclient/internal/metrics"
	"kvclient/internal/retry"
	"kvclient/internal/storage"
)

// Operation names used in logs, metrics and errors.
const (
	opOpen             = "open"
	opGet              = "get"
	opGetVersion       = "get_version"
	opGetVersionAtTime = "get_version_at_time"
	opListKeys         = "list_keys"
	opListVersions     = "list_versions"
	opRemoveVersion    = "remove_version"
	opSet              = "set"
	opIncrement        = "increment"
	opRemove           = "remove"
	opUpdate           = "update"
	opOnUpdate         = "on_update"
)

// Client is bound to one backend store. It keeps no mutable state of its
// own, so any number of operations may run concurrently.
type Client struct {
	handle  storage.Handle
	store   storage.Store
	exec    *retry.Executor
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

// New opens the store addressed by handle on backend.
//
// The backend's capability probe, if it has one, runs first; a failed probe
// is logged and does not stop construction. Opening the store is retried
// like any other operation. A backend that hands back something other than
// a storage.Store fails construction with a *ValidationError.
func New(ctx context.Context, backend storage.Backend, handle storage.Handle, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, &ValidationError{Op: opOpen, Reason: "nil backend"}
	}
	if handle.IsZero() {
		return nil, &ValidationError{Op: opOpen, Reason: "zero store handle"}
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		handle:  handle,
		logger:  o.logger.With("store", handle.String()),
		metrics: o.metrics,
		limiter: o.limiter,
	}
	c.exec = retry.New(retry.WithDelay(o.retryDelay), retry.WithAttemptHook(c.onAttemptFailed))

	c.probe(ctx, backend)

	opened, err := call(ctx, c, opOpen, func(ctx context.Context) (any, error) {
		return backend.OpenStore(ctx, handle)
	}).Wait()
	if err != nil {
		return nil, fmt.Errorf("datastore: open %s: %w", handle, err)
	}

	store, ok := opened.(storage.Store)
	if !ok {
		return nil, &ValidationError{
			Op:     opOpen,
			Reason: fmt.Sprintf("backend returned %T for %s, want a storage.Store", opened, handle),
		}
	}
	c.store = store

	c.logger.Debug("store opened")
	return c, nil
}

// Handle returns the handle the client was opened with.
func (c *Client) Handle() storage.Handle {
	return c.handle
}

// probe runs the backend capability check when the backend offers one.
func (c *Client) probe(ctx context.Context, backend storage.Backend) {
	p, ok := backend.(storage.Prober)
	if !ok {
		return
	}
	if err := p.Probe(ctx); err != nil {
		c.metrics.ObserveProbe(false)
		c.logger.Warn("backend capability check failed; continuing",
			"error", fmt.Errorf("%w: %w", ErrCapability, err))
		return
	}
	c.metrics.ObserveProbe(true)
}

func (c *Client) onAttemptFailed(op string, attempt int, err error) {
	c.metrics.ObserveAttemptFailure(c.handle.Name(), op)
	c.logger.Debug("attempt failed", "op", op, "attempt", attempt, "error", err)
}

// call wraps fn in the retry executor and delivers the outcome through a
// Result.
func call[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) *async.Result[T] {
	return async.Go(ctx, func(ctx context.Context) (T, error) {
		return run(ctx, c, op, fn)
	})
}

func run[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := retry.Do(ctx, c.exec, op, func(ctx context.Context) (T, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, retry.Permanent(err)
			}
		}
		v, err := fn(ctx)
		if err != nil && storage.IsPermanent(err) {
			return v, retry.Permanent(err)
		}
		return v, err
	})

	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, retry.ErrExhausted):
		outcome = metrics.OutcomeExhausted
		c.logger.Warn("retry budget exhausted", "op", op, "error", err)
	case err != nil:
		outcome = metrics.OutcomeError
	}
	c.metrics.ObserveOperation(c.handle.Name(), op, outcome, time.Since(start))
	return v, err
}

// Get reads the current value of key. It blocks until the read settles.
func (c *Client) Get(ctx context.Context, key string, opts storage.GetOptions) (storage.Entry, error) {
	return call(ctx, c, opGet, func(ctx context.Context) (storage.Entry, error) {
		return c.store.Get(ctx, key, opts)
	}).Wait()
}

// GetVersion reads key as of version. It blocks.
func (c *Client) GetVersion(ctx context.Context, key, version string) (storage.Entry, error) {
	return call(ctx, c, opGetVersion, func(ctx context.Context) (storage.Entry, error) {
		return c.store.GetVersion(ctx, key, version)
	}).Wait()
}

// GetVersionAtTime reads the value key held at t. It blocks.
func (c *Client) GetVersionAtTime(ctx context.Context, key string, t time.Time) (storage.Entry, error) {
	return call(ctx, c, opGetVersionAtTime, func(ctx context.Context) (storage.Entry, error) {
		return c.store.GetVersionAtTime(ctx, key, t)
	}).Wait()
}

// ListKeys fetches the first page of keys and returns a handle for the
// rest. It blocks.
func (c *Client) ListKeys(ctx context.Context, opts storage.ListKeysOptions) (*KeyPages, error) {
	p := &KeyPages{c: c, opts: opts}
	if err := p.fetch(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// ListVersions fetches the first page of the version history of key. It
// blocks.
func (c *Client) ListVersions(ctx context.Context, key string, opts storage.ListVersionsOptions) (*VersionPages, error) {
	p := &VersionPages{c: c, key: key, opts: opts}
	if err := p.fetch(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// RemoveVersion permanently deletes one version of key. It blocks; a nil
// error means the version is gone.
func (c *Client) RemoveVersion(ctx context.Context, key, version string) error {
	_, err := call(ctx, c, opRemoveVersion, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.store.RemoveVersion(ctx, key, version)
	}).Wait()
	return err
}

// Set writes value to key. The Result carries the new version.
func (c *Client) Set(ctx context.Context, key string, value any, userIDs []int64, opts storage.SetOptions) *async.Result[string] {
	return call(ctx, c, opSet, func(ctx context.Context) (string, error) {
		return c.store.Set(ctx, key, value, userIDs, opts)
	})
}

// Increment adds delta to the integer stored at key. delta must be a whole
// number; anything else is rejected without contacting the backend.
func (c *Client) Increment(ctx context.Context, key string, delta float64, userIDs []int64, opts storage.SetOptions) *async.Result[int64] {
	n, ok := storage.Int64(delta)
	if !ok {
		return async.Reject[int64](&ValidationError{
			Op:     opIncrement,
			Reason: fmt.Sprintf("delta %v is not an integer", delta),
		})
	}
	return call(ctx, c, opIncrement, func(ctx context.Context) (int64, error) {
		return c.store.Increment(ctx, key, n, userIDs, opts)
	})
}

// Remove deletes key. The Result carries the value it held; earlier
// versions stay readable according to the backend's retention.
func (c *Client) Remove(ctx context.Context, key string) *async.Result[storage.Entry] {
	return call(ctx, c, opRemove, func(ctx context.Context) (storage.Entry, error) {
		return c.store.Remove(ctx, key)
	})
}

// Update applies fn to key through the backend's atomic read-modify-write.
// The backend may invoke fn several times when writers race; the client
// retries the whole update only when the call itself fails. An aborted
// transform settles with an Entry whose Exists is false.
func (c *Client) Update(ctx context.Context, key string, fn storage.TransformFunc) *async.Result[storage.Entry] {
	if fn == nil {
		return async.Reject[storage.Entry](&ValidationError{Op: opUpdate, Reason: "nil transform function"})
	}
	return call(ctx, c, opUpdate, func(ctx context.Context) (storage.Entry, error) {
		return c.store.Update(ctx, key, fn)
	})
}

// OnUpdate would subscribe to changes of key. Push notifications are not
// offered; it always returns ErrUnsupported.
func (c *Client) OnUpdate(key string, fn func(storage.Entry)) error {
	return fmt.Errorf("%w: %s %q", ErrUnsupported, opOnUpdate, key)
}
