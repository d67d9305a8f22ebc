package natsstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"kvclient/internal/storage"
)

const (
	// DefaultHistory is the number of revisions a bucket keeps per key.
	DefaultHistory = 64
	// DefaultMaxConflicts bounds compare-and-set retries in Update,
	// Increment and Remove.
	DefaultMaxConflicts = 16

	// OptionHistory overrides DefaultHistory for one store handle.
	OptionHistory = "history"

	bucketPrefix = "DS"
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMaxConflicts sets how many revision races a read-modify-write
// tolerates before failing with storage.ErrConflict.
func WithMaxConflicts(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.maxConflicts = n
		}
	}
}

// Backend opens stores as JetStream key-value buckets.
type Backend struct {
	nc           *nats.Conn
	js           jetstream.JetStream
	logger       *slog.Logger
	maxConflicts int

	mu     sync.Mutex
	stores map[string]*Store
}

// Connect dials url and returns a Backend that owns the connection.
func Connect(url string, opts ...Option) (*Backend, error) {
	nc, err := nats.Connect(url,
		nats.Name("kvclient"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("natsstore: connect %s: %w: %w", url, storage.ErrUnavailable, err)
	}
	b, err := New(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an established connection.
func New(nc *nats.Conn, opts ...Option) (*Backend, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("natsstore: jetstream: %w", err)
	}
	b := &Backend{
		nc:           nc,
		js:           js,
		logger:       slog.New(slog.DiscardHandler),
		maxConflicts: DefaultMaxConflicts,
		stores:       make(map[string]*Store),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close drains the connection.
func (b *Backend) Close() error {
	return b.nc.Drain()
}

// Probe checks that the connection is up and JetStream answers.
func (b *Backend) Probe(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("natsstore: %w: connection is %s", storage.ErrUnavailable, b.nc.Status())
	}
	if _, err := b.js.AccountInfo(ctx); err != nil {
		return classify("account info", err)
	}
	return nil
}

// OpenStore creates the bucket for h if needed and returns its Store.
func (b *Backend) OpenStore(ctx context.Context, h storage.Handle) (any, error) {
	if h.IsZero() {
		return nil, fmt.Errorf("%w: zero store handle", storage.ErrInvalidArgument)
	}
	history, err := historyOption(h)
	if err != nil {
		return nil, err
	}
	name := BucketName(h)

	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.stores[name]; ok {
		return s, nil
	}

	kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "data store " + h.String(),
		History:     history,
	})
	if err != nil {
		return nil, classify("open bucket "+name, err)
	}

	s := &Store{
		handle:       h,
		bucket:       name,
		js:           b.js,
		kv:           kv,
		logger:       b.logger.With("bucket", name),
		maxConflicts: b.maxConflicts,
	}
	b.stores[name] = s
	b.logger.Debug("bucket opened", "bucket", name, "history", history)
	return s, nil
}

func historyOption(h storage.Handle) (uint8, error) {
	raw, ok := h.Option(OptionHistory)
	if !ok {
		return DefaultHistory, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > jetstream.KeyValueMaxHistory {
		return 0, fmt.Errorf("%w: option %s=%q outside 1..%d",
			storage.ErrInvalidArgument, OptionHistory, raw, jetstream.KeyValueMaxHistory)
	}
	return uint8(n), nil
}

// BucketName derives the bucket for h. Characters JetStream does not allow
// in bucket names become underscores.
func BucketName(h storage.Handle) string {
	return bucketPrefix + "_" + sanitize(h.Scope()) + "_" + sanitize(h.Name())
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// Keys are base64url encoded so any string is a valid bucket key.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("natsstore: malformed bucket key %q: %w", s, err)
	}
	return string(b), nil
}

// envelope is the stored form of a value.
type envelope struct {
	Value    any            `json:"value"`
	UserIDs  []int64        `json:"user_ids,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Created  time.Time      `json:"created"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("natsstore: corrupt value: %w", err)
	}
	return env, nil
}

func formatRevision(rev uint64) string {
	return strconv.FormatUint(rev, 10)
}

func parseRevision(version string) (uint64, error) {
	rev, err := strconv.ParseUint(version, 10, 64)
	if err != nil || rev == 0 {
		return 0, fmt.Errorf("%w: version %q", storage.ErrVersionNotFound, version)
	}
	return rev, nil
}

// Store is a storage.Store on one JetStream bucket.
type Store struct {
	handle       storage.Handle
	bucket       string
	js           jetstream.JetStream
	kv           jetstream.KeyValue
	logger       *slog.Logger
	maxConflicts int
}

var _ storage.Store = (*Store)(nil)

// Handle returns the handle the store was opened with.
func (s *Store) Handle() storage.Handle {
	return s.handle
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// current reads the live entry of key. A missing or deleted key yields a
// nil entry and no error.
func (s *Store) current(ctx context.Context, key string) (jetstream.KeyValueEntry, envelope, error) {
	e, err := s.kv.Get(ctx, encodeKey(key))
	if isNotFound(err) {
		return nil, envelope{}, nil
	}
	if err != nil {
		return nil, envelope{}, classify("get "+key, err)
	}
	env, err := decodeEnvelope(e.Value())
	if err != nil {
		return nil, envelope{}, err
	}
	return e, env, nil
}

func toEntry(key string, e jetstream.KeyValueEntry, env envelope) storage.Entry {
	if e == nil || e.Operation() != jetstream.KeyValuePut {
		return storage.Entry{Key: key}
	}
	return storage.Entry{
		Key:    key,
		Value:  env.Value,
		Exists: true,
		Info: storage.KeyInfo{
			Version:     formatRevision(e.Revision()),
			CreatedTime: env.Created,
			UpdatedTime: e.Created(),
			UserIDs:     env.UserIDs,
			Metadata:    env.Metadata,
		},
	}
}

func (s *Store) Get(ctx context.Context, key string, _ storage.GetOptions) (storage.Entry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Entry{}, err
	}
	e, env, err := s.current(ctx, key)
	if err != nil {
		return storage.Entry{}, err
	}
	return toEntry(key, e, env), nil
}

// Set writes value unconditionally. The key's creation time is carried
// over from the version it replaces.
func (s *Store) Set(ctx context.Context, key string, value any, userIDs []int64, opts storage.SetOptions) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	norm, err := storage.Normalize(value)
	if err != nil {
		return "", err
	}
	prev, prevEnv, err := s.current(ctx, key)
	if err != nil {
		return "", err
	}

	env := envelope{Value: norm, UserIDs: slices.Clone(userIDs), Metadata: opts.Metadata, Created: time.Now().UTC()}
	if prev != nil {
		env.Created = prevEnv.Created
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}
	rev, err := s.kv.Put(ctx, encodeKey(key), data)
	if err != nil {
		return "", classify("put "+key, err)
	}
	return formatRevision(rev), nil
}

// write stores env as the successor of prev, failing with a conflict if
// the key moved.
func (s *Store) write(ctx context.Context, key string, prev jetstream.KeyValueEntry, env envelope) (uint64, error) {
	data, err := encodeEnvelope(env)
	if err != nil {
		return 0, err
	}
	if prev == nil {
		return s.kv.Create(ctx, encodeKey(key), data)
	}
	return s.kv.Update(ctx, encodeKey(key), data, prev.Revision())
}

// Update runs fn on the live value and writes the result only if the
// revision fn saw is still current; otherwise it reads again.
func (s *Store) Update(ctx context.Context, key string, fn storage.TransformFunc) (storage.Entry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Entry{}, err
	}
	if fn == nil {
		return storage.Entry{}, fmt.Errorf("%w: nil transform function", storage.ErrInvalidArgument)
	}

	for attempt := 1; attempt <= s.maxConflicts; attempt++ {
		prev, prevEnv, err := s.current(ctx, key)
		if err != nil {
			return storage.Entry{}, err
		}
		snapshot := toEntry(key, prev, prevEnv)
		var info *storage.KeyInfo
		if snapshot.Exists {
			info = &snapshot.Info
		}

		next, write, err := fn(snapshot.Value, info)
		if err != nil {
			return storage.Entry{}, err
		}
		if !write {
			return storage.Entry{Key: key}, nil
		}
		norm, err := storage.Normalize(next)
		if err != nil {
			return storage.Entry{}, err
		}

		env := envelope{Value: norm, Created: time.Now().UTC()}
		if prev != nil {
			env.UserIDs = prevEnv.UserIDs
			env.Metadata = prevEnv.Metadata
			env.Created = prevEnv.Created
		}
		rev, err := s.write(ctx, key, prev, env)
		if isConflict(err) {
			s.logger.Debug("update lost race", "key", key, "attempt", attempt)
			continue
		}
		if err != nil {
			return storage.Entry{}, classify("update "+key, err)
		}
		return s.GetVersion(ctx, key, formatRevision(rev))
	}

	return storage.Entry{}, fmt.Errorf("%w: update of %q lost %d races", storage.ErrConflict, key, s.maxConflicts)
}

func (s *Store) Increment(ctx context.Context, key string, delta int64, userIDs []int64, opts storage.SetOptions) (int64, error) {
	if err := storage.ValidateKey(key); err != nil {
		return 0, err
	}

	for attempt := 1; attempt <= s.maxConflicts; attempt++ {
		prev, prevEnv, err := s.current(ctx, key)
		if err != nil {
			return 0, err
		}

		var n int64
		created := time.Now().UTC()
		if prev != nil {
			cur, ok := storage.Int64(prevEnv.Value)
			if !ok {
				return 0, fmt.Errorf("%w: key %q holds %T", storage.ErrNotInteger, key, prevEnv.Value)
			}
			n = cur
			created = prevEnv.Created
		}
		n, err = storage.AddInt64(n, delta)
		if err != nil {
			return 0, fmt.Errorf("increment %q: %w", key, err)
		}

		env := envelope{Value: float64(n), UserIDs: slices.Clone(userIDs), Metadata: opts.Metadata, Created: created}
		_, err = s.write(ctx, key, prev, env)
		if isConflict(err) {
			continue
		}
		if err != nil {
			return 0, classify("increment "+key, err)
		}
		return n, nil
	}

	return 0, fmt.Errorf("%w: increment of %q lost %d races", storage.ErrConflict, key, s.maxConflicts)
}

// Remove writes a delete marker; earlier revisions stay in the bucket
// history.
func (s *Store) Remove(ctx context.Context, key string) (storage.Entry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Entry{}, err
	}

	for attempt := 1; attempt <= s.maxConflicts; attempt++ {
		prev, prevEnv, err := s.current(ctx, key)
		if err != nil {
			return storage.Entry{}, err
		}
		if prev == nil {
			return storage.Entry{Key: key}, nil
		}

		err = s.kv.Delete(ctx, encodeKey(key), jetstream.LastRevision(prev.Revision()))
		if isConflict(err) {
			continue
		}
		if err != nil {
			return storage.Entry{}, classify("delete "+key, err)
		}
		return toEntry(key, prev, prevEnv), nil
	}

	return storage.Entry{}, fmt.Errorf("%w: remove of %q lost %d races", storage.ErrConflict, key, s.maxConflicts)
}

// history returns every retained revision of key, oldest first.
func (s *Store) history(ctx context.Context, key string) ([]jetstream.KeyValueEntry, error) {
	entries, err := s.kv.History(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrNoKeysFound) || isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("history "+key, err)
	}
	return entries, nil
}

func (s *Store) entryOf(key string, e jetstream.KeyValueEntry) (storage.Entry, error) {
	if e.Operation() != jetstream.KeyValuePut {
		return storage.Entry{Key: key}, nil
	}
	env, err := decodeEnvelope(e.Value())
	if err != nil {
		return storage.Entry{}, err
	}
	return toEntry(key, e, env), nil
}

func (s *Store) GetVersion(ctx context.Context, key, version string) (storage.Entry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Entry{}, err
	}
	rev, err := parseRevision(version)
	if err != nil {
		return storage.Entry{}, err
	}
	entries, err := s.history(ctx, key)
	if err != nil {
		return storage.Entry{}, err
	}
	for _, e := range entries {
		if e.Revision() == rev {
			return s.entryOf(key, e)
		}
	}
	return storage.Entry{}, fmt.Errorf("%w: key %q version %q", storage.ErrVersionNotFound, key, version)
}

// GetVersionAtTime returns the revision that was current at t, found by
// binary search over the history.
func (s *Store) GetVersionAtTime(ctx context.Context, key string, t time.Time) (storage.Entry, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Entry{}, err
	}
	entries, err := s.history(ctx, key)
	if err != nil {
		return storage.Entry{}, err
	}

	// First entry written after t; the one before it was current at t.
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Created().After(t)
	})
	if i == 0 {
		return storage.Entry{Key: key}, nil
	}
	return s.entryOf(key, entries[i-1])
}

// RemoveVersion deletes one historical revision from the bucket's stream.
// The live revision cannot be removed this way.
func (s *Store) RemoveVersion(ctx context.Context, key, version string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	rev, err := parseRevision(version)
	if err != nil {
		return err
	}
	entries, err := s.history(ctx, key)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(entries, func(e jetstream.KeyValueEntry) bool { return e.Revision() == rev })
	if idx < 0 {
		return fmt.Errorf("%w: key %q version %q", storage.ErrVersionNotFound, key, version)
	}
	if idx == len(entries)-1 {
		return fmt.Errorf("%w: version %q is the newest version of %q", storage.ErrInvalidArgument, version, key)
	}

	stream, err := s.js.Stream(ctx, "KV_"+s.bucket)
	if err != nil {
		return classify("stream "+s.bucket, err)
	}
	if err := stream.DeleteMsg(ctx, rev); err != nil {
		return classify("delete revision "+version, err)
	}
	return nil
}

// ListKeys snapshots the bucket's keys with a watcher and pages through
// them in lexical order.
func (s *Store) ListKeys(ctx context.Context, opts storage.ListKeysOptions) (storage.KeyPage, error) {
	size, err := storage.PageSize(opts.PageSize)
	if err != nil {
		return storage.KeyPage{}, err
	}
	after, err := decodeCursor(opts.Cursor)
	if err != nil {
		return storage.KeyPage{}, err
	}

	watchOpts := []jetstream.WatchOpt{jetstream.MetaOnly()}
	if opts.ExcludeDeleted {
		watchOpts = append(watchOpts, jetstream.IgnoreDeletes())
	}
	w, err := s.kv.WatchAll(ctx, watchOpts...)
	if err != nil {
		return storage.KeyPage{}, classify("list keys", err)
	}
	defer func() { _ = w.Stop() }()

	var keys []string
	for {
		var e jetstream.KeyValueEntry
		select {
		case <-ctx.Done():
			return storage.KeyPage{}, ctx.Err()
		case e = <-w.Updates():
		}
		// A nil entry marks the end of the initial values.
		if e == nil {
			break
		}
		key, err := decodeKey(e.Key())
		if err != nil {
			s.logger.Warn("skipping foreign key", "key", e.Key(), "error", err)
			continue
		}
		if !strings.HasPrefix(key, opts.Prefix) || (after != "" && key <= after) {
			continue
		}
		keys = append(keys, key)
	}

	sort.Strings(keys)
	keys = slices.Compact(keys)
	page := storage.KeyPage{Keys: keys}
	if len(keys) > size {
		page.Keys = keys[:size]
		page.Cursor = encodeCursor(page.Keys[size-1])
	}
	return page, nil
}

func (s *Store) ListVersions(ctx context.Context, key string, opts storage.ListVersionsOptions) (storage.VersionPage, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.VersionPage{}, err
	}
	size, err := storage.PageSize(opts.PageSize)
	if err != nil {
		return storage.VersionPage{}, err
	}
	after, err := decodeCursor(opts.Cursor)
	if err != nil {
		return storage.VersionPage{}, err
	}
	entries, err := s.history(ctx, key)
	if err != nil {
		return storage.VersionPage{}, err
	}

	all := make([]storage.VersionInfo, 0, len(entries))
	for _, e := range entries {
		created := e.Created()
		if !opts.MinDate.IsZero() && created.Before(opts.MinDate) {
			continue
		}
		if !opts.MaxDate.IsZero() && created.After(opts.MaxDate) {
			continue
		}
		all = append(all, storage.VersionInfo{
			Version:     formatRevision(e.Revision()),
			CreatedTime: created,
			Deleted:     e.Operation() != jetstream.KeyValuePut,
		})
	}
	if opts.SortDirection == storage.Descending {
		slices.Reverse(all)
	}
	if after != "" {
		idx := slices.IndexFunc(all, func(v storage.VersionInfo) bool { return v.Version == after })
		if idx < 0 {
			return storage.VersionPage{}, fmt.Errorf("%w: stale cursor, revision %s no longer listed", storage.ErrInvalidArgument, after)
		}
		all = all[idx+1:]
	}

	page := storage.VersionPage{Versions: all}
	if len(all) > size {
		page.Versions = all[:size]
		page.Cursor = encodeCursor(page.Versions[size-1].Version)
	}
	return page, nil
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
		return "", fmt.Errorf("%w: malformed cursor", storage.ErrInvalidArgument)
	}
	return string(b), nil
}
