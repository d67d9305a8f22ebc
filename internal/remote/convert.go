package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"kvclient/internal/storage"
)

// Request and response field names.
const (
	fieldStore           = "store"
	fieldName            = "name"
	fieldScope           = "scope"
	fieldOptions         = "options"
	fieldKey             = "key"
	fieldValue           = "value"
	fieldExists          = "exists"
	fieldInfo            = "info"
	fieldVersion         = "version"
	fieldCreated         = "created"
	fieldUpdated         = "updated"
	fieldUserIDs         = "user_ids"
	fieldMetadata        = "metadata"
	fieldDelta           = "delta"
	fieldTime            = "time"
	fieldExpectExists    = "expect_exists"
	fieldExpectedVersion = "expected_version"
	fieldPrefix          = "prefix"
	fieldPageSize        = "page_size"
	fieldCursor          = "cursor"
	fieldExcludeDeleted  = "exclude_deleted"
	fieldKeys            = "keys"
	fieldSort            = "sort"
	fieldMinDate         = "min_date"
	fieldMaxDate         = "max_date"
	fieldVersions        = "versions"
	fieldDeleted         = "deleted"
	fieldUseCache        = "use_cache"
)

// message is the decoded form of a structpb.Struct.
type message map[string]any

func newMessage(st *structpb.Struct) message {
	if st == nil {
		return message{}
	}
	return st.AsMap()
}

func (m message) toStruct() (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	return st, nil
}

func (m message) str(k string) string {
	s, _ := m[k].(string)
	return s
}

func (m message) boolean(k string) bool {
	b, _ := m[k].(bool)
	return b
}

func (m message) int(k string) int {
	f, _ := m[k].(float64)
	return int(f)
}

func (m message) sub(k string) message {
	sub, _ := m[k].(map[string]any)
	return sub
}

func (m message) strings(k string) []string {
	raw, _ := m[k].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (m message) time(k string) (time.Time, error) {
	s := m.str(k)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: field %s: %v", storage.ErrInvalidArgument, k, err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// User ids travel as decimal strings; a Struct number is a float64 and
// would lose precision above 2^53.
func userIDsToWire(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

func userIDsFromWire(m message) ([]int64, error) {
	raw := m.strings(fieldUserIDs)
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]int64, len(raw))
	for i, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: user id %q", storage.ErrInvalidArgument, s)
		}
		out[i] = id
	}
	return out, nil
}

// handleToWire returns a plain map; structpb only accepts map[string]any
// itself, not named map types.
func handleToWire(h storage.Handle) map[string]any {
	opts := make(map[string]any)
	for k, v := range h.Options() {
		opts[k] = v
	}
	return map[string]any{fieldName: h.Name(), fieldScope: h.Scope(), fieldOptions: opts}
}

func handleFromWire(m message) (storage.Handle, error) {
	sub := m.sub(fieldStore)
	if sub == nil {
		return storage.Handle{}, fmt.Errorf("%w: missing store handle", storage.ErrInvalidArgument)
	}
	var opts map[string]string
	if raw := sub.sub(fieldOptions); len(raw) > 0 {
		opts = make(map[string]string, len(raw))
		for k, v := range raw {
			s, ok := v.(string)
			if !ok {
				return storage.Handle{}, fmt.Errorf("%w: store option %q is %T", storage.ErrInvalidArgument, k, v)
			}
			opts[k] = s
		}
	}
	return storage.NewHandle(sub.str(fieldName), sub.str(fieldScope), opts)
}

func entryToWire(e storage.Entry) message {
	m := message{fieldKey: e.Key, fieldExists: e.Exists, fieldValue: e.Value}
	if e.Exists {
		m[fieldInfo] = infoToWire(e.Info)
	}
	return m
}

func infoToWire(info storage.KeyInfo) map[string]any {
	out := map[string]any{
		fieldVersion: info.Version,
		fieldCreated: formatTime(info.CreatedTime),
		fieldUpdated: formatTime(info.UpdatedTime),
		fieldUserIDs: userIDsToWire(info.UserIDs),
	}
	if info.Metadata != nil {
		out[fieldMetadata] = info.Metadata
	}
	return out
}

func entryFromWire(m message) (storage.Entry, error) {
	e := storage.Entry{Key: m.str(fieldKey), Exists: m.boolean(fieldExists)}
	if !e.Exists {
		return e, nil
	}
	e.Value = m[fieldValue]

	info := m.sub(fieldInfo)
	var err error
	e.Info.Version = info.str(fieldVersion)
	if e.Info.CreatedTime, err = info.time(fieldCreated); err != nil {
		return storage.Entry{}, err
	}
	if e.Info.UpdatedTime, err = info.time(fieldUpdated); err != nil {
		return storage.Entry{}, err
	}
	if e.Info.UserIDs, err = userIDsFromWire(info); err != nil {
		return storage.Entry{}, err
	}
	if md := info.sub(fieldMetadata); md != nil {
		e.Info.Metadata = md
	}
	return e, nil
}

func sortToWire(d storage.SortDirection) string {
	return d.String()
}

func sortFromWire(s string) (storage.SortDirection, error) {
	switch s {
	case "", storage.Ascending.String():
		return storage.Ascending, nil
	case storage.Descending.String():
		return storage.Descending, nil
	default:
		return 0, fmt.Errorf("%w: sort direction %q", storage.ErrInvalidArgument, s)
	}
}

// codeErrors maps storage sentinels to status codes. Order matters when an
// error wraps more than one sentinel.
var codeErrors = []struct {
	err  error
	code codes.Code
}{
	{storage.ErrInvalidArgument, codes.InvalidArgument},
	{storage.ErrNotInteger, codes.OutOfRange},
	{storage.ErrVersionNotFound, codes.NotFound},
	{storage.ErrVersionMismatch, codes.FailedPrecondition},
	{storage.ErrConflict, codes.Aborted},
	{storage.ErrThrottled, codes.ResourceExhausted},
	{storage.ErrUnavailable, codes.Unavailable},
	{storage.ErrUnsupported, codes.Unimplemented},
}

// toStatus converts a storage error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return status.Error(ce.code, err.Error())
		}
	}
	return status.Error(codes.Unknown, err.Error())
}

// fromStatus converts a gRPC status error back to a storage error so
// callers can classify it with errors.Is.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	}
	for _, ce := range codeErrors {
		if st.Code() == ce.code {
			return fmt.Errorf("%w: %s", ce.err, st.Message())
		}
	}
	return fmt.Errorf("remote: %s: %s", st.Code(), st.Message())
}
