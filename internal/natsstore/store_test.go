package natsstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvclient/internal/storage"
)

func TestBucketName(t *testing.T) {
	tests := []struct {
		name, scope string
		want        string
	}{
		{"players", "", "DS_global_players"},
		{"high.scores", "eu-west", "DS_eu-west_high_scores"},
		{"a b/c", "team:1", "DS_team_1_a_b_c"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			h, err := storage.NewHandle(tt.name, tt.scope, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, BucketName(h))
		})
	}
}

func TestKeyEncoding(t *testing.T) {
	for _, key := range []string{"plain", "with space", "ümlaut", "a.b>c*", "/slash/"} {
		enc := encodeKey(key)
		assert.Regexp(t, `^[A-Za-z0-9_-]+$`, enc)
		dec, err := decodeKey(enc)
		require.NoError(t, err)
		assert.Equal(t, key, dec)
	}
	_, err := decodeKey("!!")
	assert.Error(t, err)
}

func TestEnvelope(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	data, err := encodeEnvelope(envelope{
		Value:    map[string]any{"n": 1.0},
		UserIDs:  []int64{1 << 62},
		Metadata: map[string]any{"src": "x"},
		Created:  created,
	})
	require.NoError(t, err)

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.0}, env.Value)
	assert.Equal(t, []int64{1 << 62}, env.UserIDs)
	assert.True(t, created.Equal(env.Created))

	_, err = decodeEnvelope([]byte("{"))
	assert.Error(t, err)
}

func TestHistoryOption(t *testing.T) {
	h, err := storage.NewHandle("n", "", map[string]string{OptionHistory: "10"})
	require.NoError(t, err)
	n, err := historyOption(h)
	require.NoError(t, err)
	assert.Equal(t, uint8(10), n)

	h, err = storage.NewHandle("n", "", nil)
	require.NoError(t, err)
	n, err = historyOption(h)
	require.NoError(t, err)
	assert.Equal(t, uint8(DefaultHistory), n)

	for _, bad := range []string{"0", "65", "x"} {
		h, err = storage.NewHandle("n", "", map[string]string{OptionHistory: bad})
		require.NoError(t, err)
		_, err = historyOption(h)
		assert.ErrorIs(t, err, storage.ErrInvalidArgument, bad)
	}
}

func TestParseRevision(t *testing.T) {
	rev, err := parseRevision("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), rev)

	for _, bad := range []string{"", "0", "-1", "abc"} {
		_, err := parseRevision(bad)
		assert.ErrorIs(t, err, storage.ErrVersionNotFound, bad)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{nats.ErrConnectionClosed, storage.ErrUnavailable},
		{nats.ErrNoResponders, storage.ErrUnavailable},
		{nats.ErrTimeout, storage.ErrUnavailable},
		{jetstream.ErrInvalidKey, storage.ErrInvalidArgument},
		{jetstream.ErrKeyExists, storage.ErrConflict},
		{errors.New("nats: wrong last sequence: 7"), storage.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.ErrorIs(t, classify("op", tt.err), tt.want)
		})
	}

	other := classify("op", errors.New("strange"))
	assert.False(t, storage.IsPermanent(other))
	assert.Nil(t, classify("op", nil))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, isConflict(fmt.Errorf("wrapped: %w", jetstream.ErrKeyExists)))
	assert.True(t, isConflict(&jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}))
	assert.False(t, isConflict(jetstream.ErrKeyNotFound))
	assert.False(t, isConflict(nil))
}

func TestCursor(t *testing.T) {
	got, err := decodeCursor(encodeCursor("key-9"))
	require.NoError(t, err)
	assert.Equal(t, "key-9", got)

	_, err = decodeCursor("%%")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}
