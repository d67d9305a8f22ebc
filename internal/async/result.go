package async

import (
	"context"
	"fmt"
	"sync"
)

// State is the lifecycle stage of a Result.
type State int

const (
	Pending State = iota
	Fulfilled
	Rejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is a single-assignment future. The zero value is not usable;
// create one with Go, New, Fulfill or Reject.
type Result[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// Settle resolves a Result. It reports whether this call settled it; only
// the first call does.
type Settle[T any] func(value T, err error) bool

// New returns a pending Result and the function that settles it.
func New[T any]() (*Result[T], Settle[T]) {
	r := &Result[T]{done: make(chan struct{})}
	return r, r.settle
}

// Go runs fn on a new goroutine and returns a Result that settles with its
// outcome. A panic in fn rejects the Result.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Result[T] {
	r, settle := New[T]()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				settle(zero, fmt.Errorf("async: panic: %v", p))
			}
		}()
		settle(fn(ctx))
	}()
	return r
}

// Fulfill returns a Result already fulfilled with v.
func Fulfill[T any](v T) *Result[T] {
	r, settle := New[T]()
	settle(v, nil)
	return r
}

// Reject returns a Result already rejected with err.
func Reject[T any](err error) *Result[T] {
	r, settle := New[T]()
	var zero T
	settle(zero, err)
	return r
}

func (r *Result[T]) settle(value T, err error) bool {
	settled := false
	r.once.Do(func() {
		r.value = value
		r.err = err
		settled = true
		close(r.done)
	})
	return settled
}

// Done returns a channel that is closed once the Result settles.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// State reports the current state without blocking.
func (r *Result[T]) State() State {
	select {
	case <-r.done:
		if r.err != nil {
			return Rejected
		}
		return Fulfilled
	default:
		return Pending
	}
}

// Wait blocks until the Result settles and unwraps it.
func (r *Result[T]) Wait() (T, error) {
	<-r.done
	return r.value, r.err
}

// Await is Wait bounded by ctx. When ctx ends first it returns ctx.Err();
// the underlying work keeps running and the Result still settles.
func (r *Result[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnSuccess calls fn with the value once the Result is fulfilled. It returns
// r so continuations can be chained.
func (r *Result[T]) OnSuccess(fn func(T)) *Result[T] {
	go func() {
		if v, err := r.Wait(); err == nil {
			fn(v)
		}
	}()
	return r
}

// OnFailure calls fn with the error once the Result is rejected.
func (r *Result[T]) OnFailure(fn func(error)) *Result[T] {
	go func() {
		if _, err := r.Wait(); err != nil {
			fn(err)
		}
	}()
	return r
}

// Then returns a Result fulfilled with fn applied to the value of r. A
// rejection of r passes through without calling fn.
func Then[T, R any](r *Result[T], fn func(T) (R, error)) *Result[R] {
	next, settle := New[R]()
	go func() {
		v, err := r.Wait()
		if err != nil {
			var zero R
			settle(zero, err)
			return
		}
		settle(fn(v))
	}()
	return next
}
