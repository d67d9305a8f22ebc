// Package retry runs an operation against a fixed attempt budget.
//
// An operation is attempted at most DefaultAttempts times. Between failed
// attempts the executor sleeps a fixed delay; there is no backoff growth and
// no jitter. When every attempt fails, Do returns an *ExhaustedError that
// carries the last failure and the stack of the goroutine that called Do,
// so a caller can tell budget exhaustion apart from a single backend fault:
//
//	v, err := retry.Do(ctx, exec, "get", func(ctx context.Context) (any, error) {
//	    return store.Get(ctx, key)
//	})
//	if errors.Is(err, retry.ErrExhausted) {
//	    ...
//	}
//
// Errors wrapped with Permanent stop the loop after the current attempt.
// Success is decided by the returned error alone; zero values are valid
// results.
package retry
