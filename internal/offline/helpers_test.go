package offline

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTemplate = "https://tiles.example.com/{z}/{x}/{y}.pbf"

// steppingClock advances one second per call so access order is deterministic.
func steppingClock() func() time.Time {
	current := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func newTestDatabase(t *testing.T, opts ...Option) *Database {
	t.Helper()
	return openTestDatabase(t, filepath.Join(t.TempDir(), "offline.db"), opts...)
}

func openTestDatabase(t *testing.T, path string, opts ...Option) *Database {
	t.Helper()
	base := []Option{WithCodec(nil), WithClock(steppingClock())}
	db, err := Open(path, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testTile(x int32) Resource {
	return NewTile(fmt.Sprintf("https://tiles.example.com/1/%d/0.pbf", x), TileData{
		URLTemplate: testTemplate,
		PixelRatio:  1,
		Z:           1,
		X:           x,
	})
}

func testResource(name string) Resource {
	return NewResource(KindStyle, "https://styles.example.com/"+name+".json")
}

func payload(n int) Response {
	return Response{Data: bytes.Repeat([]byte{'a'}, n)}
}

func testDefinition() RegionDefinition {
	return RegionDefinition{
		Kind:             RegionKindTiles,
		StyleURL:         "https://styles.example.com/streets.json",
		Bounds:           &LatLngBounds{South: 52.3, West: 13.0, North: 52.7, East: 13.7},
		MinZoom:          0,
		MaxZoom:          2,
		PixelRatio:       1,
		TileURLTemplates: []string{testTemplate},
	}
}

func createRegion(t *testing.T, db *Database, name string) Region {
	t.Helper()
	region, err := db.CreateRegion(context.Background(), testDefinition(), []byte(name))
	require.NoError(t, err)
	return region
}

// requireAmbientConsistent checks the incrementally maintained ambient total
// against a full recomputation.
func requireAmbientConsistent(t *testing.T, db *Database) uint64 {
	t.Helper()
	ctx := context.Background()
	cached, err := db.AmbientCacheSize(ctx)
	require.NoError(t, err)
	db.ambientCacheSize = nil
	fresh, err := db.AmbientCacheSize(ctx)
	require.NoError(t, err)
	require.Equal(t, fresh, cached, "ambient total drifted from catalog")
	return fresh
}

func requireHas(t *testing.T, db *Database, res Resource, want bool) {
	t.Helper()
	_, ok, err := db.Has(context.Background(), res)
	require.NoError(t, err)
	require.Equal(t, want, ok, "presence of %s", res)
}

func rawExec(t *testing.T, path string, statements ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range statements {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func rawInt(t *testing.T, path, query string) int64 {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()
	var v int64
	require.NoError(t, db.QueryRow(query).Scan(&v))
	return v
}
