package storage

import "errors"

// Sentinel errors reported by backends. Backends wrap these with context;
// match them with errors.Is.
var (
	// Permanent failures: retrying the same call cannot succeed.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotInteger      = errors.New("value is not an integer")
	ErrVersionNotFound = errors.New("version not found")
	ErrUnsupported     = errors.New("operation not supported by backend")

	// Transient failures.
	ErrUnavailable = errors.New("backend unavailable")
	ErrThrottled   = errors.New("request throttled")
	ErrConflict    = errors.New("too many concurrent modifications")

	// ErrVersionMismatch is returned by a conditional write whose expected
	// version is no longer current.
	ErrVersionMismatch = errors.New("version mismatch")
)

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotInteger) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrUnsupported)
}
