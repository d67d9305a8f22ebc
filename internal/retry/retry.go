package retry

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

const (
	// DefaultAttempts is the total number of attempts per operation.
	DefaultAttempts = 5
	// DefaultDelay is the pause between failed attempts.
	DefaultDelay = time.Second

	maxStackDepth = 32
)

// ErrExhausted matches every *ExhaustedError.
var ErrExhausted = errors.New("retry budget exhausted")

// ExhaustedError reports that every attempt of an operation failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
	// Stack is the call stack of the goroutine that entered Do.
	Stack string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: all %d attempts failed: %v", e.Op, e.Attempts, e.Last)
}

// Unwrap exposes both ErrExhausted and the last attempt's error.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// AttemptHook observes each failed attempt.
type AttemptHook func(op string, attempt int, err error)

// Executor holds the retry policy. It is immutable and safe for concurrent
// use; every Do call has its own attempt counter.
type Executor struct {
	attempts int
	delay    time.Duration
	hook     AttemptHook
}

// Option configures an Executor.
type Option func(*Executor)

// WithDelay sets the pause between attempts. Negative values are ignored.
func WithDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.delay = d
		}
	}
}

// WithAttemptHook registers fn to be called after every failed attempt.
func WithAttemptHook(fn AttemptHook) Option {
	return func(e *Executor) {
		e.hook = fn
	}
}

// New creates an Executor with DefaultAttempts and DefaultDelay.
func New(opts ...Option) *Executor {
	e := &Executor{
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempts returns the attempt budget.
func (e *Executor) Attempts() int { return e.attempts }

// Delay returns the pause between attempts.
func (e *Executor) Delay() time.Duration { return e.delay }

// WithDelay returns a copy of e that sleeps d between attempts.
func (e *Executor) WithDelay(d time.Duration) *Executor {
	cp := *e
	WithDelay(d)(&cp)
	return &cp
}

// Do runs fn until it succeeds, returns a Permanent error, or the attempt
// budget is spent. Attempts are strictly sequential. A nil executor uses
// the defaults.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	if e == nil {
		e = New()
	}

	pcs := make([]uintptr, maxStackDepth)
	pcs = pcs[:runtime.Callers(2, pcs)]

	var zero T
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) {
			return zero, unwrapPermanent(err)
		}
		lastErr = err
		if e.hook != nil {
			e.hook(op, attempt, err)
		}

		if attempt == e.attempts {
			break
		}
		if err := sleep(ctx, e.delay); err != nil {
			return zero, fmt.Errorf("%s: retry cancelled after attempt %d: %w", op, attempt, err)
		}
	}

	return zero, &ExhaustedError{
		Op:       op,
		Attempts: e.attempts,
		Last:     lastErr,
		Stack:    formatStack(pcs),
	}
}

// unwrapPermanent strips the outermost Permanent marker so callers see the
// error the operation produced.
func unwrapPermanent(err error) error {
	if pe, ok := err.(*permanentError); ok {
		return pe.err
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
