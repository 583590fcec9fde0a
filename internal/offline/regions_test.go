package offline

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCreateAndListRegions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)

	first := createRegion(t, db, "first")
	second := createRegion(t, db, "second")
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.CreatedAt.IsZero())

	regions, err := db.ListRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, first.ID, regions[0].ID)
	assert.Equal(t, []byte("second"), regions[1].Metadata)
	assert.Equal(t, testDefinition(), regions[1].Definition)

	def, err := db.GetRegionDefinition(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, testDefinition(), def)
}

func TestCreateRegionValidatesDefinition(t *testing.T) {
	t.Parallel()
	db := newTestDatabase(t)

	def := testDefinition()
	def.Bounds = nil
	_, err := db.CreateRegion(context.Background(), def, nil)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}

func TestCreateRegionRejectsBadBounds(t *testing.T) {
	t.Parallel()
	db := newTestDatabase(t)

	tests := []struct {
		name   string
		bounds LatLngBounds
	}{
		{"south above north", LatLngBounds{South: 10, West: 0, North: -10, East: 10}},
		{"west past east", LatLngBounds{South: -10, West: 170, North: 10, East: -170}},
		{"latitude off globe", LatLngBounds{South: -95, West: 0, North: 10, East: 10}},
		{"longitude off globe", LatLngBounds{South: -10, West: 0, North: 10, East: 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := testDefinition()
			def.Bounds = &tt.bounds
			_, err := db.CreateRegion(context.Background(), def, nil)
			assert.Equal(t, CodeInvalidInput, CodeOf(err))
		})
	}

	regions, err := db.ListRegions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, regions)
}

func TestMissingRegionIsNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)

	_, err := db.GetRegionDefinition(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetRegion(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.UpdateMetadata(ctx, 42, []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteRegion(ctx, 42), ErrNotFound)
	_, err = db.GetRegionCompletedStatus(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	region := createRegion(t, db, "before")

	metadata, err := db.UpdateMetadata(ctx, region.ID, []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), metadata)

	regions, err := db.ListRegions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), regions[0].Metadata)

	got, err := db.GetRegion(ctx, region.ID)
	require.NoError(t, err)
	assert.Equal(t, region.ID, got.ID)
	assert.Equal(t, []byte("after"), got.Metadata)
	assert.Equal(t, region.Definition, got.Definition)
}

func TestMarkUsedIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	a := createRegion(t, db, "a")
	b := createRegion(t, db, "b")

	_, _, err := db.Put(ctx, testTile(1), payload(64))
	require.NoError(t, err)
	require.Equal(t, uint64(64), requireAmbientConsistent(t, db))

	var results []bool
	err = db.withTx(ctx, "test", func(tx *sql.Tx) error {
		for _, id := range []int64{a.ID, a.ID, b.ID} {
			first, err := db.markUsed(ctx, tx, id, testTile(1))
			if err != nil {
				return err
			}
			results = append(results, first)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false}, results)
	assert.Zero(t, requireAmbientConsistent(t, db))
}

func TestMarkUsedResourcesCountsTiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	region := createRegion(t, db, "a")

	_, _, err := db.Put(ctx, testTile(1), payload(10))
	require.NoError(t, err)
	_, _, err = db.Put(ctx, testResource("streets"), payload(10))
	require.NoError(t, err)
	count, err := db.OfflineTileCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, db.MarkUsedResources(ctx, region.ID, []Resource{testTile(1), testResource("streets"), testTile(2)}))

	count, err = db.OfflineTileCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
	status, err := db.GetRegionCompletedStatus(ctx, region.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.CompletedResourceCount)
	assert.Zero(t, requireAmbientConsistent(t, db))
}

func TestDeleteRegionRemovesOwnedRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	region := createRegion(t, db, "a")

	var status RegionStatus
	require.NoError(t, db.PutRegionResources(ctx, region.ID, []RegionResource{
		{Resource: testTile(1), Response: payload(100)},
		{Resource: testTile(2), Response: payload(100)},
	}, &status))
	assert.Equal(t, uint64(2), status.CompletedTileCount)

	require.NoError(t, db.DeleteRegion(ctx, region.ID))

	requireHas(t, db, testTile(1), false)
	requireHas(t, db, testTile(2), false)
	count, err := db.OfflineTileCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, requireAmbientConsistent(t, db))
}

func TestDeleteRegionKeepsSharedRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	a := createRegion(t, db, "a")
	b := createRegion(t, db, "b")

	_, err := db.PutRegionResource(ctx, a.ID, testTile(1), payload(100))
	require.NoError(t, err)
	_, err = db.PutRegionResource(ctx, a.ID, testTile(2), payload(100))
	require.NoError(t, err)
	_, err = db.PutRegionResource(ctx, b.ID, testTile(1), payload(100))
	require.NoError(t, err)

	require.NoError(t, db.DeleteRegion(ctx, a.ID))

	requireHas(t, db, testTile(1), true)
	requireHas(t, db, testTile(2), false)
	got, err := db.Get(ctx, testTile(1))
	require.NoError(t, err)
	assert.Len(t, got.Data, 100)
	assert.Zero(t, requireAmbientConsistent(t, db))
}

func TestDeleteRegionReturnsAmbientRecordsToCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	region := createRegion(t, db, "a")

	_, _, err := db.Put(ctx, testTile(1), payload(300))
	require.NoError(t, err)
	require.Equal(t, uint64(300), requireAmbientConsistent(t, db))

	_, err = db.PutRegionResource(ctx, region.ID, testTile(1), payload(300))
	require.NoError(t, err)
	require.Zero(t, requireAmbientConsistent(t, db))

	require.NoError(t, db.DeleteRegion(ctx, region.ID))
	requireHas(t, db, testTile(1), true)
	assert.Equal(t, uint64(300), requireAmbientConsistent(t, db))
}

func TestDeleteRegionEvictsReturnedRecordsOverBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t, WithMaximumAmbientCacheSize(400))
	region := createRegion(t, db, "a")

	for i := int32(0); i < 3; i++ {
		_, _, err := db.Put(ctx, testTile(i), payload(200))
		require.NoError(t, err)
		_, err = db.PutRegionResource(ctx, region.ID, testTile(i), payload(200))
		require.NoError(t, err)
	}
	require.Zero(t, requireAmbientConsistent(t, db))

	require.NoError(t, db.DeleteRegion(ctx, region.ID))
	assert.LessOrEqual(t, requireAmbientConsistent(t, db), uint64(400))
}

func TestRegionStatusCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	region := createRegion(t, db, "a")

	var status RegionStatus
	require.NoError(t, db.PutRegionResources(ctx, region.ID, []RegionResource{
		{Resource: testTile(1), Response: payload(100)},
		{Resource: testResource("streets"), Response: payload(50)},
		{Resource: testTile(2), Response: Response{Error: &ResponseError{Reason: ReasonNotFound}}},
	}, &status))
	assert.Equal(t, uint64(2), status.CompletedResourceCount)
	assert.Equal(t, uint64(150), status.CompletedResourceSize)
	assert.Equal(t, uint64(1), status.CompletedTileCount)

	stored, err := db.GetRegionCompletedStatus(ctx, region.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stored.CompletedResourceCount)
	assert.Equal(t, uint64(150), stored.CompletedResourceSize)
	assert.Equal(t, uint64(1), stored.CompletedTileCount)
	assert.Equal(t, uint64(100), stored.CompletedTileSize)
}

func TestInvalidateRegionMarksRecordsStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	region := createRegion(t, db, "a")

	_, err := db.PutRegionResource(ctx, region.ID, testTile(1), payload(10))
	require.NoError(t, err)
	require.NoError(t, db.InvalidateRegion(ctx, region.ID))

	got, err := db.Get(ctx, testTile(1))
	require.NoError(t, err)
	assert.True(t, got.MustRevalidate)
	assert.False(t, got.IsUsable(db.now()))
}

func TestAmbientControlsLeaveRegionsAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	region := createRegion(t, db, "a")

	_, err := db.PutRegionResource(ctx, region.ID, testTile(1), payload(10))
	require.NoError(t, err)
	_, _, err = db.Put(ctx, testTile(2), payload(10))
	require.NoError(t, err)

	require.NoError(t, db.InvalidateAmbientCache(ctx))
	pinned, err := db.Get(ctx, testTile(1))
	require.NoError(t, err)
	assert.False(t, pinned.MustRevalidate)
	ambient, err := db.Get(ctx, testTile(2))
	require.NoError(t, err)
	assert.True(t, ambient.MustRevalidate)

	require.NoError(t, db.ClearAmbientCache(ctx))
	requireHas(t, db, testTile(1), true)
	requireHas(t, db, testTile(2), false)
	assert.Zero(t, requireAmbientConsistent(t, db))
	require.NoError(t, db.Pack(ctx))
}

func TestDeleteRegionWithoutAutoPackLeavesFreePages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDatabase(t)
	db.RunPackAutomatically(false)
	region := createRegion(t, db, "a")

	for i := 0; i < 8; i++ {
		_, err := db.PutRegionResource(ctx, region.ID, testTile(int32(i)), payload(16*1024))
		require.NoError(t, err)
	}
	require.NoError(t, db.DeleteRegion(ctx, region.ID))
	assert.Positive(t, rawInt(t, db.Path(), "PRAGMA freelist_count"))

	require.NoError(t, db.Pack(ctx))
	assert.Zero(t, rawInt(t, db.Path(), "PRAGMA freelist_count"))
}

func TestPackFailureAfterCommittedChangeIsLogged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	db := newTestDatabase(t, WithLogger(zap.New(core)))
	region := createRegion(t, db, "a")
	require.NoError(t, db.DeleteRegion(ctx, region.ID))

	// A closed handle makes the vacuum fail.
	require.NoError(t, db.db.Close())
	db.compactAfter(ctx, "delete region")
	assert.Equal(t, 1, logs.FilterMessage("pack after change failed").Len())
}
