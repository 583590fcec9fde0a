package offline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	codecs := map[string]Codec{
		"none": nil,
		"zstd": ZstdCodec(),
		"zlib": ZlibCodec(),
	}
	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			db := newTestDatabase(t, WithCodec(codec))

			body := bytes.Repeat([]byte("vector tile payload "), 64)
			resp := Response{
				Data:           body,
				ETag:           `"abc"`,
				Modified:       time.Unix(1_600_000_000, 0).UTC(),
				Expires:        time.Unix(1_800_000_000, 0).UTC(),
				MustRevalidate: true,
			}
			for _, res := range []Resource{testTile(1), testResource("streets")} {
				inserted, size, err := db.Put(ctx, res, resp)
				require.NoError(t, err)
				assert.True(t, inserted)
				if codec == nil {
					assert.Equal(t, uint64(len(body)), size)
				} else {
					assert.Less(t, size, uint64(len(body)))
				}

				got, err := db.Get(ctx, res)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, body, got.Data)
				assert.Equal(t, resp.ETag, got.ETag)
				assert.Equal(t, resp.Modified, got.Modified)
				assert.Equal(t, resp.Expires, got.Expires)
				assert.True(t, got.MustRevalidate)
				assert.False(t, got.NoContent)
			}
			requireAmbientConsistent(t, db)
		})
	}
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	db := newTestDatabase(t)
	got, err := db.Get(context.Background(), testTile(1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutReportsUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)

	inserted, _, err := db.Put(ctx, testTile(1), payload(10))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, size, err := db.Put(ctx, testTile(1), payload(20))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, uint64(20), size)
	assert.Equal(t, uint64(20), requireAmbientConsistent(t, db))
}

func TestPutNoContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)

	_, size, err := db.Put(ctx, testTile(1), Response{NoContent: true})
	require.NoError(t, err)
	assert.Zero(t, size)

	got, err := db.Get(ctx, testTile(1))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.NoContent)
	assert.Nil(t, got.Data)
}

func TestPutIgnoresErrorResponses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)

	inserted, size, err := db.Put(ctx, testTile(1), Response{Error: &ResponseError{Reason: ReasonServer}})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Zero(t, size)
	requireHas(t, db, testTile(1), false)
}

func TestNotModifiedRefreshesFreshnessOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)

	_, _, err := db.Put(ctx, testResource("streets"), Response{Data: []byte("style"), ETag: "v1"})
	require.NoError(t, err)

	expires := time.Unix(1_900_000_000, 0).UTC()
	inserted, size, err := db.Put(ctx, testResource("streets"), Response{NotModified: true, Expires: expires})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Zero(t, size)

	got, err := db.Get(ctx, testResource("streets"))
	require.NoError(t, err)
	assert.Equal(t, []byte("style"), got.Data)
	assert.Equal(t, "v1", got.ETag)
	assert.Equal(t, expires, got.Expires)
	requireAmbientConsistent(t, db)
}

func TestHasReportsStoredSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)

	_, _, err := db.Put(ctx, testTile(3), payload(42))
	require.NoError(t, err)

	size, ok, err := db.Has(ctx, testTile(3))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), size)
}

func TestPutRejectsInvalidResources(t *testing.T) {
	t.Parallel()
	db := newTestDatabase(t)

	_, _, err := db.Put(context.Background(), Resource{Kind: KindTile}, payload(1))
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}

func TestCompressionKeepsSmallerForm(t *testing.T) {
	t.Parallel()
	db := newTestDatabase(t, WithCodec(ZstdCodec()))

	data, id := db.compress([]byte("x"))
	assert.Equal(t, codecNone, id)
	assert.Equal(t, []byte("x"), data)

	data, id = db.compress(bytes.Repeat([]byte("abc"), 1000))
	assert.Equal(t, codecZstd, id)
	assert.Less(t, len(data), 3000)
}

func TestZlibRecordsReadableWithZstdWriter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := t.TempDir() + "/offline.db"
	body := bytes.Repeat([]byte("glyph range "), 200)

	db := openTestDatabase(t, path, WithCodec(ZlibCodec()))
	_, _, err := db.Put(ctx, testResource("glyphs"), Response{Data: body})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened := openTestDatabase(t, path, WithCodec(ZstdCodec()))
	got, err := reopened.Get(ctx, testResource("glyphs"))
	require.NoError(t, err)
	assert.Equal(t, body, got.Data)
}

func TestCodecByName(t *testing.T) {
	t.Parallel()

	codec, err := CodecByName("zlib")
	require.NoError(t, err)
	assert.Equal(t, codecZlib, codec.ID())

	codec, err = CodecByName("none")
	require.NoError(t, err)
	assert.Nil(t, codec)

	_, err = CodecByName("brotli")
	assert.Error(t, err)
}

func TestUndecodableRecordKeepsStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	region := createRegion(t, db, "a")
	_, err := db.PutRegionResource(ctx, region.ID, testTile(1), payload(10))
	require.NoError(t, err)
	_, _, err = db.Put(ctx, testResource("streets"), payload(10))
	require.NoError(t, err)

	rawExec(t, db.Path(), "UPDATE resources SET compressed = 9")

	_, err = db.Get(ctx, testResource("streets"))
	require.Error(t, err)
	assert.Equal(t, CodeStorage, CodeOf(err))

	regions, err := db.ListRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, region.ID, regions[0].ID)
	resp, err := db.Get(ctx, testTile(1))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, payload(10).Data, resp.Data)
}
