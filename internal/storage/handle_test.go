package storage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandle(t *testing.T) {
	tests := []struct {
		name      string
		storeName string
		scope     string
		wantScope string
		wantErr   bool
	}{
		{"default scope", "players", "", DefaultScope, false},
		{"explicit scope", "players", "eu", "eu", false},
		{"empty name", "", "eu", "", true},
		{"blank name", "   ", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHandle(tt.storeName, tt.scope, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.storeName, h.Name())
			assert.Equal(t, tt.wantScope, h.Scope())
		})
	}
}

func TestHandle_Immutable(t *testing.T) {
	opts := map[string]string{"tier": "gold"}
	h, err := NewHandle("players", "", opts)
	require.NoError(t, err)

	opts["tier"] = "silver"
	v, _ := h.Option("tier")
	assert.Equal(t, "gold", v, "handle must copy options on construction")

	got := h.Options()
	got["tier"] = "bronze"
	v, _ = h.Option("tier")
	assert.Equal(t, "gold", v, "Options must return a copy")
}

func TestHandle_Equal(t *testing.T) {
	a, _ := NewHandle("players", "eu", map[string]string{"a": "1", "b": "2"})
	b, _ := NewHandle("players", "eu", map[string]string{"b": "2", "a": "1"})
	c, _ := NewHandle("players", "eu", map[string]string{"a": "1"})
	d, _ := NewHandle("players", "", nil)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.Equal(t, "eu/players", a.String())
	assert.True(t, Handle{}.IsZero())
}

func TestHandle_KeyDoesNotCollide(t *testing.T) {
	type args struct {
		name, scope string
		opts        map[string]string
	}
	tests := []struct {
		name string
		a, b args
	}{
		{
			"separators in option value",
			args{"players", "eu", map[string]string{"a": "b;c=d"}},
			args{"players", "eu", map[string]string{"a": "b", "c": "d"}},
		},
		{
			"separator in option key",
			args{"players", "eu", map[string]string{"a=b": "c"}},
			args{"players", "eu", map[string]string{"a": "b=c"}},
		},
		{
			"slash in scope and name",
			args{"x", "b/a", nil},
			args{"a/x", "b", nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewHandle(tt.a.name, tt.a.scope, tt.a.opts)
			require.NoError(t, err)
			b, err := NewHandle(tt.b.name, tt.b.scope, tt.b.opts)
			require.NoError(t, err)
			assert.NotEqual(t, a.Key(), b.Key())
			assert.False(t, a.Equal(b))
		})
	}
}

func TestInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{float64(3), 3, true},
		{float64(-7), -7, true},
		{1.5, 0, false},
		{math.NaN(), 0, false},
		{math.Inf(1), 0, false},
		{float64(1 << 63), 0, false},
		{float64(MaxExactInt), MaxExactInt, true},
		{float64(-MaxExactInt), -MaxExactInt, true},
		{float64(MaxExactInt) * 2, 0, false},
		{int64(9), 9, true},
		{42, 42, true},
		{"1", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := Int64(tt.in)
		assert.Equal(t, tt.ok, ok, "Int64(%v)", tt.in)
		assert.Equal(t, tt.want, got, "Int64(%v)", tt.in)
	}
}

func TestAddInt64(t *testing.T) {
	tests := []struct {
		name           string
		current, delta int64
		want           int64
		ok             bool
	}{
		{"plain", 40, 2, 42, true},
		{"negative", -5, -6, -11, true},
		{"upper edge", MaxExactInt - 1, 1, MaxExactInt, true},
		{"lower edge", -MaxExactInt + 1, -1, -MaxExactInt, true},
		{"past 2^53", MaxExactInt, 1, 0, false},
		{"below -2^53", -MaxExactInt, -1, 0, false},
		{"MaxInt64+1", math.MaxInt64, 1, 0, false},
		{"MinInt64-1", math.MinInt64, -1, 0, false},
		{"large delta", 0, math.MaxInt64, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AddInt64(tt.current, tt.delta)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(ErrInvalidArgument))
	assert.True(t, IsPermanent(ErrNotInteger))
	assert.True(t, IsPermanent(ErrVersionNotFound))
	assert.True(t, IsPermanent(ErrUnsupported))
	assert.False(t, IsPermanent(ErrUnavailable))
	assert.False(t, IsPermanent(ErrConflict))
	assert.False(t, IsPermanent(nil))
}
