package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapcache/internal/offline"
)

func newTestStore(t *testing.T, opts ...offline.Option) *Store {
	t.Helper()
	db, err := offline.Open(filepath.Join(t.TempDir(), "offline.db"), opts...)
	require.NoError(t, err)
	store := NewStore(db, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOfflineCacheRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, err := NewCache("offline", newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	key := TileKey{Source: "streets", Template: "https://tiles.example.com/{z}/{x}/{y}.pbf", PixelRatio: 1, Z: 3, X: 1, Y: 2}
	res := key.Resource("https://tiles.example.com/3/1/2.pbf")

	_, ok := c.Get(ctx, res)
	assert.False(t, ok)
	assert.False(t, c.Has(ctx, res))

	c.Set(ctx, res, offline.Response{Data: []byte("tile"), ETag: "v1"})
	assert.True(t, c.Has(ctx, res))
	resp, ok := c.Get(ctx, res)
	require.True(t, ok)
	assert.Equal(t, []byte("tile"), resp.Data)
	assert.Equal(t, "v1", resp.ETag)

	require.NoError(t, c.Clear(ctx))
	assert.False(t, c.Has(ctx, res))
}

func TestStorePostRunsOnSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	res := offline.NewResource(offline.KindStyle, "https://styles.example.com/streets.json")

	require.True(t, store.Post(func(db *offline.Database) error {
		_, _, err := db.Put(ctx, res, offline.Response{Data: []byte("{}")})
		return err
	}))

	var ok bool
	require.NoError(t, store.Do(ctx, func(db *offline.Database) error {
		var err error
		_, ok, err = db.Has(ctx, res)
		return err
	}))
	assert.True(t, ok)
}

func TestNewCache(t *testing.T) {
	t.Parallel()

	c, err := NewCache("disabled", nil, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &NoopCache{}, c)

	_, err = NewCache("offline", nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewCache("memory", nil, zap.NewNop())
	assert.Error(t, err)
}
