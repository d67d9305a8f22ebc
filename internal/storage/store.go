package storage

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// MaxKeyLength is the longest key a backend accepts.
	MaxKeyLength = 50
	// DefaultPageSize is used when a listing does not set a page size.
	DefaultPageSize = 50
	// MaxPageSize caps a single listing page.
	MaxPageSize = 1000
	// MaxExactInt is the largest integer magnitude a stored number holds
	// exactly. Values are JSON numbers, so anything past 2^53 would round.
	MaxExactInt = 1 << 53
)

// KeyInfo describes the stored version of a key.
type KeyInfo struct {
	Version     string
	CreatedTime time.Time // when the key was first written after being absent
	UpdatedTime time.Time // when this version was written
	UserIDs     []int64
	Metadata    map[string]any
}

// Entry is the result of a read. Exists distinguishes an absent key from a
// stored zero value such as 0, false, "" or null.
type Entry struct {
	Key    string
	Value  any
	Exists bool
	Info   KeyInfo
}

// GetOptions tunes a read.
type GetOptions struct {
	// UseCache allows the backend to serve the read from a local cache.
	UseCache bool
}

// SetOptions tunes a write.
type SetOptions struct {
	Metadata map[string]any
}

// ListKeysOptions filters a key listing.
type ListKeysOptions struct {
	Prefix         string
	PageSize       int
	Cursor         string
	ExcludeDeleted bool
}

// KeyPage is one page of a key listing. An empty Cursor marks the last page.
type KeyPage struct {
	Keys   []string
	Cursor string
}

// SortDirection orders a version listing.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// String returns the direction name.
func (d SortDirection) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// ListVersionsOptions filters a version listing. Zero times leave the window
// open on that side.
type ListVersionsOptions struct {
	SortDirection SortDirection
	MinDate       time.Time
	MaxDate       time.Time
	PageSize      int
	Cursor        string
}

// VersionInfo describes one version of a key.
type VersionInfo struct {
	Version     string
	CreatedTime time.Time
	Deleted     bool
}

// VersionPage is one page of a version listing.
type VersionPage struct {
	Versions []VersionInfo
	Cursor   string
}

// TransformFunc computes the next value of a key from its current value.
// info is nil when the key is absent. Returning write == false aborts the
// write. Backends may call the function more than once when concurrent
// writers race on the same key, so it must not have side effects.
type TransformFunc func(current any, info *KeyInfo) (next any, write bool, err error)

// Store is one opened logical store.
type Store interface {
	// Get reads the current value of key.
	Get(ctx context.Context, key string, opts GetOptions) (Entry, error)
	// Set writes value and returns the new version.
	Set(ctx context.Context, key string, value any, userIDs []int64, opts SetOptions) (string, error)
	// Update atomically applies fn to the current value.
	Update(ctx context.Context, key string, fn TransformFunc) (Entry, error)
	// Increment adds delta to an integer value; an absent key counts as 0.
	Increment(ctx context.Context, key string, delta int64, userIDs []int64, opts SetOptions) (int64, error)
	// Remove deletes key and returns the value it held. Earlier versions
	// remain readable through GetVersion.
	Remove(ctx context.Context, key string) (Entry, error)
	// GetVersion reads key as of a specific version.
	GetVersion(ctx context.Context, key, version string) (Entry, error)
	// GetVersionAtTime reads the version of key that was current at t.
	GetVersionAtTime(ctx context.Context, key string, t time.Time) (Entry, error)
	// RemoveVersion permanently deletes one version of key.
	RemoveVersion(ctx context.Context, key, version string) error
	// ListKeys returns one page of keys.
	ListKeys(ctx context.Context, opts ListKeysOptions) (KeyPage, error)
	// ListVersions returns one page of the version history of key.
	ListVersions(ctx context.Context, key string, opts ListVersionsOptions) (VersionPage, error)
}

// Backend opens stores. The returned value is expected to implement Store;
// callers must check.
type Backend interface {
	OpenStore(ctx context.Context, h Handle) (any, error)
}

// Prober is implemented by backends that can check whether the environment
// can reach them.
type Prober interface {
	Probe(ctx context.Context) error
}

// ValidateKey checks key against backend limits.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidArgument)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key length %d exceeds %d", ErrInvalidArgument, len(key), MaxKeyLength)
	}
	return nil
}

// Normalize returns a deep copy of v in canonical JSON form: numbers become
// float64, maps become map[string]any and slices become []any. Values that
// have no JSON form are rejected with ErrInvalidArgument.
func Normalize(v any) (any, error) {
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return pv.AsInterface(), nil
}

// Int64 converts a numeric value to int64 when it is integral and fits.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return Int64(float64(n))
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		if n < -MaxExactInt || n > MaxExactInt {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// AddInt64 returns current+delta. Sums that overflow int64 or fall outside
// ±MaxExactInt are rejected with ErrInvalidArgument rather than wrapped or
// rounded.
func AddInt64(current, delta int64) (int64, error) {
	if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
		return 0, fmt.Errorf("%w: %d%+d overflows int64", ErrInvalidArgument, current, delta)
	}
	next := current + delta
	if next > MaxExactInt || next < -MaxExactInt {
		return 0, fmt.Errorf("%w: %d is beyond the exact integer range ±2^53", ErrInvalidArgument, next)
	}
	return next, nil
}

// CopyInfo returns a deep copy of info.
func CopyInfo(info KeyInfo) KeyInfo {
	out := info
	out.UserIDs = slices.Clone(info.UserIDs)
	if info.Metadata != nil {
		if md, err := Normalize(info.Metadata); err == nil {
			out.Metadata, _ = md.(map[string]any)
		}
	}
	return out
}

// PageSize resolves a requested page size against the defaults.
func PageSize(n int) (int, error) {
	switch {
	case n == 0:
		return DefaultPageSize, nil
	case n < 0 || n > MaxPageSize:
		return 0, fmt.Errorf("%w: page size %d outside 1..%d", ErrInvalidArgument, n, MaxPageSize)
	default:
		return n, nil
	}
}
