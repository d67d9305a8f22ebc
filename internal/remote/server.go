package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"kvclient/internal/metrics"
	"kvclient/internal/storage"
)

// Server exposes a storage.Backend over the DataStore service. Stores are
// opened on first use and cached by handle.
type Server struct {
	backend storage.Backend
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	stores map[string]storage.Store
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the request logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerMetrics records handled requests on m.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a Server in front of backend.
func NewServer(backend storage.Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		logger:  slog.New(slog.DiscardHandler),
		stores:  make(map[string]storage.Store),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewGRPCServer builds a grpc.Server serving s, the health service and
// reflection. The returned health server reports SERVING until Shutdown is
// called on it.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.UnaryInterceptor))
	gs := grpc.NewServer(opts...)

	RegisterDataStoreServer(gs, s)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	// Reflection lists every service. The DataStore messages are
	// structpb.Struct with no .proto file behind them, so only health and
	// reflection itself can be described.
	reflection.Register(gs)
	return gs, hs
}

// UnaryInterceptor logs and counts every request.
func (s *Server) UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	s.metrics.ObserveServerRequest(info.FullMethod, code.String())
	level := slog.LevelDebug
	if code != codes.OK && code != codes.NotFound {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "request",
		"method", info.FullMethod,
		"request_id", requestID(ctx),
		"code", code.String(),
		"duration", time.Since(start),
	)
	return resp, err
}

func requestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if ids := md.Get(RequestIDHeader); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// store resolves the handle carried by req to an open store.
func (s *Server) store(ctx context.Context, req message) (storage.Store, error) {
	h, err := handleFromWire(req)
	if err != nil {
		return nil, err
	}
	id := h.Key()

	s.mu.RLock()
	st, ok := s.stores[id]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}

	// Opening may be a network call; other stores keep serving meanwhile.
	opened, err := s.backend.OpenStore(ctx, h)
	if err != nil {
		return nil, err
	}
	st, ok = opened.(storage.Store)
	if !ok {
		return nil, status.Errorf(codes.Internal, "backend returned %T for %s", opened, h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.stores[id]; ok {
		return cached, nil
	}
	s.stores[id] = st
	return st, nil
}

func reply(m message, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	st, err := m.toStruct()
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

// Open makes sure the store exists on the backend.
func (s *Server) Open(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	_, err := s.store(ctx, newMessage(in))
	return reply(message{}, err)
}

func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	e, err := st.Get(ctx, req.str(fieldKey), storage.GetOptions{UseCache: req.boolean(fieldUseCache)})
	return reply(entryToWire(e), err)
}

func (s *Server) Set(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	ids, err := userIDsFromWire(req)
	if err != nil {
		return reply(nil, err)
	}
	v, err := st.Set(ctx, req.str(fieldKey), req[fieldValue], ids, storage.SetOptions{Metadata: req.sub(fieldMetadata)})
	return reply(message{fieldVersion: v}, err)
}

// Update writes value only if the key is still at the expected version.
// A stale expectation fails with FailedPrecondition and the caller
// re-reads.
func (s *Server) Update(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	key := req.str(fieldKey)
	expectExists := req.boolean(fieldExpectExists)
	expected := req.str(fieldExpectedVersion)

	e, err := st.Update(ctx, key, func(_ any, info *storage.KeyInfo) (any, bool, error) {
		switch {
		case info == nil && expectExists:
			return nil, false, fmt.Errorf("%w: %q was removed", storage.ErrVersionMismatch, key)
		case info != nil && !expectExists:
			return nil, false, fmt.Errorf("%w: %q was created", storage.ErrVersionMismatch, key)
		case info != nil && info.Version != expected:
			return nil, false, fmt.Errorf("%w: %q is at %s, not %s", storage.ErrVersionMismatch, key, info.Version, expected)
		}
		return req[fieldValue], true, nil
	})
	return reply(entryToWire(e), err)
}

func (s *Server) Increment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	delta, err := strconv.ParseInt(req.str(fieldDelta), 10, 64)
	if err != nil {
		return reply(nil, fmt.Errorf("%w: delta %q", storage.ErrInvalidArgument, req.str(fieldDelta)))
	}
	ids, err := userIDsFromWire(req)
	if err != nil {
		return reply(nil, err)
	}
	n, err := st.Increment(ctx, req.str(fieldKey), delta, ids, storage.SetOptions{Metadata: req.sub(fieldMetadata)})
	return reply(message{fieldValue: strconv.FormatInt(n, 10)}, err)
}

func (s *Server) Remove(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	e, err := st.Remove(ctx, req.str(fieldKey))
	return reply(entryToWire(e), err)
}

func (s *Server) GetVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	e, err := st.GetVersion(ctx, req.str(fieldKey), req.str(fieldVersion))
	return reply(entryToWire(e), err)
}

func (s *Server) GetVersionAtTime(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	t, err := req.time(fieldTime)
	if err != nil {
		return reply(nil, err)
	}
	e, err := st.GetVersionAtTime(ctx, req.str(fieldKey), t)
	return reply(entryToWire(e), err)
}

func (s *Server) RemoveVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	err = st.RemoveVersion(ctx, req.str(fieldKey), req.str(fieldVersion))
	return reply(message{}, err)
}

func (s *Server) ListKeys(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	page, err := st.ListKeys(ctx, storage.ListKeysOptions{
		Prefix:         req.str(fieldPrefix),
		PageSize:       req.int(fieldPageSize),
		Cursor:         req.str(fieldCursor),
		ExcludeDeleted: req.boolean(fieldExcludeDeleted),
	})
	if err != nil {
		return reply(nil, err)
	}
	keys := make([]any, len(page.Keys))
	for i, k := range page.Keys {
		keys[i] = k
	}
	return reply(message{fieldKeys: keys, fieldCursor: page.Cursor}, nil)
}

func (s *Server) ListVersions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newMessage(in)
	st, err := s.store(ctx, req)
	if err != nil {
		return reply(nil, err)
	}
	dir, err := sortFromWire(req.str(fieldSort))
	if err != nil {
		return reply(nil, err)
	}
	minDate, err := req.time(fieldMinDate)
	if err != nil {
		return reply(nil, err)
	}
	maxDate, err := req.time(fieldMaxDate)
	if err != nil {
		return reply(nil, err)
	}
	page, err := st.ListVersions(ctx, req.str(fieldKey), storage.ListVersionsOptions{
		SortDirection: dir,
		MinDate:       minDate,
		MaxDate:       maxDate,
		PageSize:      req.int(fieldPageSize),
		Cursor:        req.str(fieldCursor),
	})
	if err != nil {
		return reply(nil, err)
	}
	versions := make([]any, len(page.Versions))
	for i, v := range page.Versions {
		versions[i] = map[string]any{
			fieldVersion: v.Version,
			fieldCreated: formatTime(v.CreatedTime),
			fieldDeleted: v.Deleted,
		}
	}
	return reply(message{fieldVersions: versions, fieldCursor: page.Cursor}, nil)
}
