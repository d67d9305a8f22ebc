package datastore

import (
	"errors"
	"fmt"

	"kvclient/internal/retry"
)

var (
	// ErrUnsupported is returned by operations this client does not offer.
	ErrUnsupported = errors.New("datastore: operation not supported")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("datastore: validation failed")
	// ErrCapability wraps a failed capability probe. It is only logged.
	ErrCapability = errors.New("datastore: capability check failed")
	// ErrRetryExhausted matches operations that spent their retry budget.
	ErrRetryExhausted = retry.ErrExhausted
	// ErrNoMorePages is returned by Next on a finished listing.
	ErrNoMorePages = errors.New("datastore: no more pages")
)

// ValidationError reports input or backend output of the wrong shape. It is
// never retried.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("datastore: %s: %s", e.Op, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
