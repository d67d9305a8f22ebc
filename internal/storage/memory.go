package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kvclient/internal/clock"
)

// DefaultMaxConflicts bounds how many times Update re-invokes a transform
// when concurrent writers keep changing the key underneath it.
const DefaultMaxConflicts = 16

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock sets the time source used to stamp versions.
func WithClock(c clock.Clock) MemoryOption {
	return func(b *MemoryBackend) {
		b.clock = c
	}
}

// WithMaxConflicts sets how many races Update tolerates before failing with
// ErrConflict.
func WithMaxConflicts(n int) MemoryOption {
	return func(b *MemoryBackend) {
		if n > 0 {
			b.maxConflicts = n
		}
	}
}

// MemoryBackend is an in-process Backend. Stores are keyed by scope and
// name; opening the same store twice returns the same data.
type MemoryBackend struct {
	mu           sync.Mutex
	stores       map[string]*InMemoryStore
	clock        clock.Clock
	maxConflicts int
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		stores:       make(map[string]*InMemoryStore),
		clock:        clock.Real{},
		maxConflicts: DefaultMaxConflicts,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OpenStore returns the store addressed by h, creating it on first use.
func (b *MemoryBackend) OpenStore(ctx context.Context, h Handle) (any, error) {
	if h.IsZero() {
		return nil, fmt.Errorf("%w: zero store handle", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := h.String()
	s, exists := b.stores[id]
	if !exists {
		s = newInMemoryStore(h, b.clock, b.maxConflicts)
		b.stores[id] = s
	}
	return s, nil
}

// Probe always succeeds; the backend lives in process.
func (b *MemoryBackend) Probe(ctx context.Context) error {
	return ctx.Err()
}

// version is one entry of a key's history.
type version struct {
	id       string
	value    any
	userIDs  []int64
	metadata map[string]any
	created  time.Time // time this version was written
	keyBirth time.Time // time the key was created, carried across updates
	deleted  bool      // tombstone written by Remove
}

// record holds the full history of a key, oldest first.
type record struct {
	versions []*version
}

func (r *record) latest() *version {
	if len(r.versions) == 0 {
		return nil
	}
	return r.versions[len(r.versions)-1]
}

// live returns the current version, or nil when the key is absent.
func (r *record) live() *version {
	if v := r.latest(); v != nil && !v.deleted {
		return v
	}
	return nil
}

// InMemoryStore is an in-memory Store with full version history.
// It's thread-safe.
type InMemoryStore struct {
	mu           sync.RWMutex
	handle       Handle
	data         map[string]*record
	clock        clock.Clock
	maxConflicts int
}

func newInMemoryStore(h Handle, c clock.Clock, maxConflicts int) *InMemoryStore {
	return &InMemoryStore{
		handle:       h,
		data:         make(map[string]*record),
		clock:        c,
		maxConflicts: maxConflicts,
	}
}

// Handle returns the handle the store was opened with.
func (s *InMemoryStore) Handle() Handle {
	return s.handle
}

// Get retrieves the current value of key.
func (s *InMemoryStore) Get(ctx context.Context, key string, _ GetOptions) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[key]
	if !exists {
		return Entry{Key: key}, nil
	}
	return toEntry(key, r.live()), nil
}

// Set writes value as a new version of key.
func (s *InMemoryStore) Set(ctx context.Context, key string, value any, userIDs []int64, opts SetOptions) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	norm, err := Normalize(value)
	if err != nil {
		return "", err
	}
	md, err := normalizeMetadata(opts.Metadata)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.commit(key, norm, slices.Clone(userIDs), md)
	return v.id, nil
}

// Update applies fn optimistically: fn runs without holding the lock and
// its result is committed only if no other writer touched the key in the
// meantime. Otherwise fn is invoked again with the fresh value.
func (s *InMemoryStore) Update(ctx context.Context, key string, fn TransformFunc) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if fn == nil {
		return Entry{}, fmt.Errorf("%w: nil transform function", ErrInvalidArgument)
	}

	for attempt := 1; attempt <= s.maxConflicts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}

		s.mu.RLock()
		current := s.liveLocked(key)
		s.mu.RUnlock()

		snapshot := toEntry(key, current)
		var info *KeyInfo
		if snapshot.Exists {
			info = &snapshot.Info
		}

		next, write, err := fn(snapshot.Value, info)
		if err != nil {
			return Entry{}, err
		}
		if !write {
			return Entry{Key: key}, nil
		}
		norm, err := Normalize(next)
		if err != nil {
			return Entry{}, err
		}

		s.mu.Lock()
		if s.liveLocked(key) != current {
			s.mu.Unlock()
			continue
		}
		var userIDs []int64
		var md map[string]any
		if current != nil {
			userIDs = slices.Clone(current.userIDs)
			md = maps.Clone(current.metadata)
		}
		v := s.commit(key, norm, userIDs, md)
		s.mu.Unlock()
		return toEntry(key, v), nil
	}

	return Entry{}, fmt.Errorf("%w: update of %q lost %d races", ErrConflict, key, s.maxConflicts)
}

// Increment adds delta to the integer stored at key.
func (s *InMemoryStore) Increment(ctx context.Context, key string, delta int64, userIDs []int64, opts SetOptions) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	md, err := normalizeMetadata(opts.Metadata)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if v := s.liveLocked(key); v != nil {
		n, ok := Int64(v.value)
		if !ok {
			return 0, fmt.Errorf("%w: key %q holds %T", ErrNotInteger, key, v.value)
		}
		current = n
	}

	next, err := AddInt64(current, delta)
	if err != nil {
		return 0, fmt.Errorf("increment %q: %w", key, err)
	}
	s.commit(key, float64(next), slices.Clone(userIDs), md)
	return next, nil
}

// Remove writes a tombstone for key and returns the value it replaced.
// Removing an absent key is a no-op.
func (s *InMemoryStore) Remove(ctx context.Context, key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.liveLocked(key)
	if prior == nil {
		return Entry{Key: key}, nil
	}

	s.data[key].versions = append(s.data[key].versions, &version{
		id:      newVersionID(),
		created: s.clock.Now(),
		deleted: true,
	})
	return toEntry(key, prior), nil
}

// GetVersion reads one specific version of key.
func (s *InMemoryStore) GetVersion(ctx context.Context, key, versionID string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[key]
	if !exists {
		return Entry{}, fmt.Errorf("%w: key %q version %q", ErrVersionNotFound, key, versionID)
	}
	for _, v := range r.versions {
		if v.id == versionID {
			return toEntry(key, liveOrNil(v)), nil
		}
	}
	return Entry{}, fmt.Errorf("%w: key %q version %q", ErrVersionNotFound, key, versionID)
}

// GetVersionAtTime reads the version of key that was current at t.
func (s *InMemoryStore) GetVersionAtTime(ctx context.Context, key string, t time.Time) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[key]
	if !exists {
		return Entry{Key: key}, nil
	}
	var at *version
	for _, v := range r.versions {
		if v.created.After(t) {
			break
		}
		at = v
	}
	return toEntry(key, liveOrNil(at)), nil
}

// RemoveVersion drops one historical version of key. The newest version,
// live value or tombstone, cannot be removed this way; dropping it would
// change what Get returns.
func (s *InMemoryStore) RemoveVersion(ctx context.Context, key, versionID string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[key]
	if !exists {
		return fmt.Errorf("%w: key %q version %q", ErrVersionNotFound, key, versionID)
	}
	for i, v := range r.versions {
		if v.id != versionID {
			continue
		}
		if v == r.latest() {
			return fmt.Errorf("%w: version %q is the newest version of %q", ErrInvalidArgument, versionID, key)
		}
		r.versions = slices.Delete(r.versions, i, i+1)
		return nil
	}
	return fmt.Errorf("%w: key %q version %q", ErrVersionNotFound, key, versionID)
}

// ListKeys returns keys in lexical order. The cursor is the last key of the
// previous page.
func (s *InMemoryStore) ListKeys(ctx context.Context, opts ListKeysOptions) (KeyPage, error) {
	size, err := PageSize(opts.PageSize)
	if err != nil {
		return KeyPage{}, err
	}
	after, err := decodeCursor(opts.Cursor)
	if err != nil {
		return KeyPage{}, err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for key, r := range s.data {
		if !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.ExcludeDeleted && r.live() == nil {
			continue
		}
		if after != "" && key <= after {
			continue
		}
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	page := KeyPage{Keys: keys}
	if len(keys) > size {
		page.Keys = keys[:size]
		page.Cursor = encodeCursor(page.Keys[size-1])
	}
	return page, nil
}

// ListVersions returns the history of key within the requested window.
func (s *InMemoryStore) ListVersions(ctx context.Context, key string, opts ListVersionsOptions) (VersionPage, error) {
	if err := ValidateKey(key); err != nil {
		return VersionPage{}, err
	}
	size, err := PageSize(opts.PageSize)
	if err != nil {
		return VersionPage{}, err
	}
	after, err := decodeCursor(opts.Cursor)
	if err != nil {
		return VersionPage{}, err
	}

	s.mu.RLock()
	var all []VersionInfo
	if r, exists := s.data[key]; exists {
		all = make([]VersionInfo, 0, len(r.versions))
		for _, v := range r.versions {
			if !opts.MinDate.IsZero() && v.created.Before(opts.MinDate) {
				continue
			}
			if !opts.MaxDate.IsZero() && v.created.After(opts.MaxDate) {
				continue
			}
			all = append(all, VersionInfo{Version: v.id, CreatedTime: v.created, Deleted: v.deleted})
		}
	}
	s.mu.RUnlock()

	return paginateVersions(all, opts.SortDirection, after, size)
}

// paginateVersions orders versions (oldest first on input) and cuts the page
// that follows the version named by after. A cursor whose version is gone
// is rejected rather than restarting the listing.
func paginateVersions(all []VersionInfo, dir SortDirection, after string, size int) (VersionPage, error) {
	if dir == Descending {
		slices.Reverse(all)
	}
	if after != "" {
		idx := slices.IndexFunc(all, func(v VersionInfo) bool { return v.Version == after })
		if idx < 0 {
			return VersionPage{}, fmt.Errorf("%w: stale cursor, version %q no longer listed", ErrInvalidArgument, after)
		}
		all = all[idx+1:]
	}
	page := VersionPage{Versions: all}
	if len(all) > size {
		page.Versions = all[:size]
		page.Cursor = encodeCursor(page.Versions[size-1].Version)
	}
	return page, nil
}

// commit appends a live version to key. Caller must hold the write lock.
func (s *InMemoryStore) commit(key string, value any, userIDs []int64, metadata map[string]any) *version {
	r, exists := s.data[key]
	if !exists {
		r = &record{}
		s.data[key] = r
	}

	now := s.clock.Now()
	birth := now
	if prev := r.live(); prev != nil {
		birth = prev.keyBirth
	}

	v := &version{
		id:       newVersionID(),
		value:    value,
		userIDs:  userIDs,
		metadata: metadata,
		created:  now,
		keyBirth: birth,
	}
	r.versions = append(r.versions, v)
	return v
}

// liveLocked returns the current version of key. Caller must hold a lock.
func (s *InMemoryStore) liveLocked(key string) *version {
	r, exists := s.data[key]
	if !exists {
		return nil
	}
	return r.live()
}

func liveOrNil(v *version) *version {
	if v == nil || v.deleted {
		return nil
	}
	return v
}

// toEntry copies v into an Entry so callers cannot modify stored state.
func toEntry(key string, v *version) Entry {
	if v == nil {
		return Entry{Key: key}
	}
	value, _ := Normalize(v.value)
	return Entry{
		Key:    key,
		Value:  value,
		Exists: true,
		Info: CopyInfo(KeyInfo{
			Version:     v.id,
			CreatedTime: v.keyBirth,
			UpdatedTime: v.created,
			UserIDs:     v.userIDs,
			Metadata:    v.metadata,
		}),
	}
}

func normalizeMetadata(md map[string]any) (map[string]any, error) {
	if md == nil {
		return nil, nil
	}
	norm, err := Normalize(md)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	out, _ := norm.(map[string]any)
	return out, nil
}

// newVersionID returns a time-ordered identifier.
func newVersionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func encodeCursor(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("%w: malformed cursor", ErrInvalidArgument)
	}
	return string(b), nil
}
