package storage

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// DefaultScope is the scope used when a handle is created without one.
const DefaultScope = "global"

// Handle identifies one logical store: a name, a scope partitioning keys
// within that name, and opaque options passed through to the backend.
// A Handle is immutable once created.
type Handle struct {
	name    string
	scope   string
	options map[string]string
}

// NewHandle validates and builds a Handle. An empty scope selects
// DefaultScope. The options map is copied.
func NewHandle(name, scope string, options map[string]string) (Handle, error) {
	if strings.TrimSpace(name) == "" {
		return Handle{}, fmt.Errorf("%w: store name cannot be empty", ErrInvalidArgument)
	}
	if scope == "" {
		scope = DefaultScope
	}
	return Handle{
		name:    name,
		scope:   scope,
		options: maps.Clone(options),
	}, nil
}

// Name returns the store name.
func (h Handle) Name() string { return h.name }

// Scope returns the store scope.
func (h Handle) Scope() string { return h.scope }

// Options returns a copy of the pass-through options.
func (h Handle) Options() map[string]string { return maps.Clone(h.options) }

// Option returns a single option value.
func (h Handle) Option(key string) (string, bool) {
	v, ok := h.options[key]
	return v, ok
}

// IsZero reports whether h was not created by NewHandle.
func (h Handle) IsZero() bool { return h.name == "" }

// Key returns a canonical identity string. Handles with equal name, scope
// and options have equal keys.
// Every part is quoted so separators inside names or options cannot make
// two different handles collide.
func (h Handle) Key() string {
	var b strings.Builder
	b.WriteString(strconv.Quote(h.scope))
	b.WriteByte('/')
	b.WriteString(strconv.Quote(h.name))
	for _, k := range slices.Sorted(maps.Keys(h.options)) {
		b.WriteByte(';')
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(h.options[k]))
	}
	return b.String()
}

// Equal reports whether both handles address the same store.
func (h Handle) Equal(other Handle) bool {
	return h.Key() == other.Key()
}

// String returns "scope/name".
func (h Handle) String() string {
	return h.scope + "/" + h.name
}
