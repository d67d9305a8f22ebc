package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"kvclient/internal/storage"
)

// DefaultMaxConflicts bounds how many times Update re-reads a key after a
// concurrent writer moved it.
const DefaultMaxConflicts = 16

// ConnManager manages gRPC connections to data store servers.
type ConnManager struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewConnManager creates a connection manager. Connections use insecure
// transport credentials unless opts override them.
func NewConnManager(opts ...grpc.DialOption) *ConnManager {
	return &ConnManager{
		conns: make(map[string]*grpc.ClientConn),
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
	}
}

// Conn returns the connection for addr, creating it on first use.
func (cm *ConnManager) Conn(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	conn, exists := cm.conns[addr]
	cm.mu.RUnlock()

	if exists {
		return conn, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := cm.conns[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, cm.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	cm.conns[addr] = conn
	return conn, nil
}

// Backend returns a storage.Backend talking to the server at addr.
func (cm *ConnManager) Backend(addr string, opts ...BackendOption) (*Backend, error) {
	conn, err := cm.Conn(addr)
	if err != nil {
		return nil, err
	}
	return NewBackend(conn, opts...), nil
}

// Close closes every connection.
func (cm *ConnManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var errs []error
	for addr, conn := range cm.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	cm.conns = make(map[string]*grpc.ClientConn)
	return errors.Join(errs...)
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithBackendLogger sets the logger.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMaxConflicts sets how many version races Update tolerates.
func WithMaxConflicts(n int) BackendOption {
	return func(b *Backend) {
		if n > 0 {
			b.maxConflicts = n
		}
	}
}

// Backend is a storage.Backend served by a remote DataStore server.
type Backend struct {
	conn         grpc.ClientConnInterface
	health       healthpb.HealthClient
	logger       *slog.Logger
	maxConflicts int
}

// NewBackend wraps an established connection.
func NewBackend(conn grpc.ClientConnInterface, opts ...BackendOption) *Backend {
	b := &Backend{
		conn:         conn,
		health:       healthpb.NewHealthClient(conn),
		logger:       slog.New(slog.DiscardHandler),
		maxConflicts: DefaultMaxConflicts,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Probe asks the server's health service whether the DataStore service is
// serving.
func (b *Backend) Probe(ctx context.Context) error {
	resp, err := b.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fromStatus(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s is %s", storage.ErrUnavailable, ServiceName, resp.GetStatus())
	}
	return nil
}

// OpenStore opens the store on the server and returns a client for it.
func (b *Backend) OpenStore(ctx context.Context, h storage.Handle) (any, error) {
	s := &Store{backend: b, handle: h}
	if _, err := s.invoke(ctx, MethodOpen, message{}); err != nil {
		return nil, err
	}
	return s, nil
}

// Store is a storage.Store backed by a remote server.
type Store struct {
	backend *Backend
	handle  storage.Handle
}

var _ storage.Store = (*Store)(nil)

// Handle returns the handle the store was opened with.
func (s *Store) Handle() storage.Handle {
	return s.handle
}

func (s *Store) invoke(ctx context.Context, method string, req message) (message, error) {
	req[fieldStore] = handleToWire(s.handle)
	in, err := req.toStruct()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx = metadata.AppendToOutgoingContext(ctx, RequestIDHeader, id)

	out := new(structpb.Struct)
	if err := s.backend.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		err = fromStatus(err)
		s.backend.logger.Debug("remote call failed", "method", method, "request_id", id, "error", err)
		return nil, err
	}
	return newMessage(out), nil
}

func (s *Store) entry(ctx context.Context, method string, req message) (storage.Entry, error) {
	resp, err := s.invoke(ctx, method, req)
	if err != nil {
		return storage.Entry{}, err
	}
	return entryFromWire(resp)
}

func (s *Store) Get(ctx context.Context, key string, opts storage.GetOptions) (storage.Entry, error) {
	return s.entry(ctx, MethodGet, message{fieldKey: key, fieldUseCache: opts.UseCache})
}

func (s *Store) Set(ctx context.Context, key string, value any, userIDs []int64, opts storage.SetOptions) (string, error) {
	req := message{fieldKey: key, fieldValue: value, fieldUserIDs: userIDsToWire(userIDs)}
	if opts.Metadata != nil {
		req[fieldMetadata] = opts.Metadata
	}
	resp, err := s.invoke(ctx, MethodSet, req)
	if err != nil {
		return "", err
	}
	return resp.str(fieldVersion), nil
}

// Update runs fn against the current value and writes the result with a
// compare-and-set on the version fn saw. When another writer got there
// first, the key is re-read and fn runs again.
func (s *Store) Update(ctx context.Context, key string, fn storage.TransformFunc) (storage.Entry, error) {
	if fn == nil {
		return storage.Entry{}, fmt.Errorf("%w: nil transform function", storage.ErrInvalidArgument)
	}

	for attempt := 1; attempt <= s.backend.maxConflicts; attempt++ {
		current, err := s.Get(ctx, key, storage.GetOptions{})
		if err != nil {
			return storage.Entry{}, err
		}
		var info *storage.KeyInfo
		if current.Exists {
			info = &current.Info
		}

		next, write, err := fn(current.Value, info)
		if err != nil {
			return storage.Entry{}, err
		}
		if !write {
			return storage.Entry{Key: key}, nil
		}

		e, err := s.entry(ctx, MethodUpdate, message{
			fieldKey:             key,
			fieldValue:           next,
			fieldExpectExists:    current.Exists,
			fieldExpectedVersion: current.Info.Version,
		})
		if errors.Is(err, storage.ErrVersionMismatch) {
			s.backend.logger.Debug("update lost race", "key", key, "attempt", attempt)
			continue
		}
		return e, err
	}

	return storage.Entry{}, fmt.Errorf("%w: update of %q lost %d races", storage.ErrConflict, key, s.backend.maxConflicts)
}

func (s *Store) Increment(ctx context.Context, key string, delta int64, userIDs []int64, opts storage.SetOptions) (int64, error) {
	req := message{
		fieldKey:     key,
		fieldDelta:   strconv.FormatInt(delta, 10),
		fieldUserIDs: userIDsToWire(userIDs),
	}
	if opts.Metadata != nil {
		req[fieldMetadata] = opts.Metadata
	}
	resp, err := s.invoke(ctx, MethodIncrement, req)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(resp.str(fieldValue), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("remote: malformed increment result %q: %w", resp.str(fieldValue), err)
	}
	return n, nil
}

func (s *Store) Remove(ctx context.Context, key string) (storage.Entry, error) {
	return s.entry(ctx, MethodRemove, message{fieldKey: key})
}

func (s *Store) GetVersion(ctx context.Context, key, version string) (storage.Entry, error) {
	return s.entry(ctx, MethodGetVersion, message{fieldKey: key, fieldVersion: version})
}

func (s *Store) GetVersionAtTime(ctx context.Context, key string, t time.Time) (storage.Entry, error) {
	return s.entry(ctx, MethodGetVersionAtTime, message{fieldKey: key, fieldTime: formatTime(t)})
}

func (s *Store) RemoveVersion(ctx context.Context, key, version string) error {
	_, err := s.invoke(ctx, MethodRemoveVersion, message{fieldKey: key, fieldVersion: version})
	return err
}

func (s *Store) ListKeys(ctx context.Context, opts storage.ListKeysOptions) (storage.KeyPage, error) {
	resp, err := s.invoke(ctx, MethodListKeys, message{
		fieldPrefix:         opts.Prefix,
		fieldPageSize:       opts.PageSize,
		fieldCursor:         opts.Cursor,
		fieldExcludeDeleted: opts.ExcludeDeleted,
	})
	if err != nil {
		return storage.KeyPage{}, err
	}
	return storage.KeyPage{Keys: resp.strings(fieldKeys), Cursor: resp.str(fieldCursor)}, nil
}

func (s *Store) ListVersions(ctx context.Context, key string, opts storage.ListVersionsOptions) (storage.VersionPage, error) {
	resp, err := s.invoke(ctx, MethodListVersions, message{
		fieldKey:      key,
		fieldSort:     sortToWire(opts.SortDirection),
		fieldMinDate:  formatTime(opts.MinDate),
		fieldMaxDate:  formatTime(opts.MaxDate),
		fieldPageSize: opts.PageSize,
		fieldCursor:   opts.Cursor,
	})
	if err != nil {
		return storage.VersionPage{}, err
	}

	raw, _ := resp[fieldVersions].([]any)
	page := storage.VersionPage{
		Versions: make([]storage.VersionInfo, 0, len(raw)),
		Cursor:   resp.str(fieldCursor),
	}
	for _, r := range raw {
		m, _ := r.(map[string]any)
		v := message(m)
		created, err := v.time(fieldCreated)
		if err != nil {
			return storage.VersionPage{}, err
		}
		page.Versions = append(page.Versions, storage.VersionInfo{
			Version:     v.str(fieldVersion),
			CreatedTime: created,
			Deleted:     v.boolean(fieldDeleted),
		})
	}
	return page, nil
}
