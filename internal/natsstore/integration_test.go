package natsstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"kvclient/internal/storage"
)

// openIntegrationStore needs a JetStream-enabled server at NATS_URL.
func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	b, err := Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	require.NoError(t, b.Probe(ctx))

	h, err := storage.NewHandle("it-"+uuid.NewString()[:8], "test", nil)
	require.NoError(t, err)
	opened, err := b.OpenStore(ctx, h)
	require.NoError(t, err)
	s := opened.(*Store)
	t.Cleanup(func() { _ = b.js.DeleteKeyValue(context.Background(), s.Bucket()) })
	return s
}

func TestIntegration_Lifecycle(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	v1, err := s.Set(ctx, "alice", map[string]any{"score": 1}, []int64{9}, storage.SetOptions{})
	require.NoError(t, err)

	e, err := s.Get(ctx, "alice", storage.GetOptions{})
	require.NoError(t, err)
	assert.True(t, e.Exists)
	assert.Equal(t, v1, e.Info.Version)
	assert.Equal(t, []int64{9}, e.Info.UserIDs)

	time.Sleep(10 * time.Millisecond)
	between := time.Now()
	time.Sleep(10 * time.Millisecond)

	_, err = s.Set(ctx, "alice", map[string]any{"score": 2}, nil, storage.SetOptions{})
	require.NoError(t, err)

	prior, err := s.Remove(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 2.0}, prior.Value)

	e, err = s.Get(ctx, "alice", storage.GetOptions{})
	require.NoError(t, err)
	assert.False(t, e.Exists)

	old, err := s.GetVersion(ctx, "alice", v1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 1.0}, old.Value)

	at, err := s.GetVersionAtTime(ctx, "alice", between)
	require.NoError(t, err)
	assert.Equal(t, v1, at.Info.Version)

	page, err := s.ListVersions(ctx, "alice", storage.ListVersionsOptions{})
	require.NoError(t, err)
	require.Len(t, page.Versions, 3)
	assert.True(t, page.Versions[2].Deleted)

	err = s.RemoveVersion(ctx, "alice", page.Versions[2].Version)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument, "the tombstone is the newest version")

	first, err := s.ListVersions(ctx, "alice", storage.ListVersionsOptions{PageSize: 1})
	require.NoError(t, err)
	require.NotEmpty(t, first.Cursor)

	require.NoError(t, s.RemoveVersion(ctx, "alice", v1))
	_, err = s.GetVersion(ctx, "alice", v1)
	assert.ErrorIs(t, err, storage.ErrVersionNotFound)

	_, err = s.ListVersions(ctx, "alice", storage.ListVersionsOptions{PageSize: 1, Cursor: first.Cursor})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument, "cursor names a removed version")
}

func TestIntegration_IncrementStaysExact(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	n, err := s.Increment(ctx, "big", storage.MaxExactInt, nil, storage.SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(storage.MaxExactInt), n)

	_, err = s.Increment(ctx, "big", 1, nil, storage.SetOptions{})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	n, err = s.Increment(ctx, "big", -1, nil, storage.SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(storage.MaxExactInt-1), n)
}

func TestIntegration_ListKeys(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Set(ctx, fmt.Sprintf("k%d", i), i, nil, storage.SetOptions{})
		require.NoError(t, err)
	}
	_, err := s.Remove(ctx, "k4")
	require.NoError(t, err)

	page, err := s.ListKeys(ctx, storage.ListKeysOptions{ExcludeDeleted: true, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"k0", "k1", "k2"}, page.Keys)

	page, err = s.ListKeys(ctx, storage.ListKeysOptions{ExcludeDeleted: true, Cursor: page.Cursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"k3"}, page.Keys)
	assert.Empty(t, page.Cursor)

	page, err = s.ListKeys(ctx, storage.ListKeysOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Keys, 5)
}

func TestIntegration_ConcurrentIncrement(t *testing.T) {
	s := openIntegrationStore(t)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := s.Increment(ctx, "hits", 1, nil, storage.SetOptions{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	e, err := s.Get(context.Background(), "hits", storage.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8.0, e.Value)
}
