package download

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapcache/internal/offline"
)

var world = offline.LatLngBounds{South: -85, West: -180, North: 85, East: 180}

func cover(b offline.LatLngBounds, z uint8) []TileID {
	var tiles []TileID
	Cover(b, z, func(id TileID) bool {
		tiles = append(tiles, id)
		return true
	})
	return tiles
}

func TestCoverCounts(t *testing.T) {
	t.Parallel()

	assert.Len(t, cover(world, 0), 1)
	assert.Len(t, cover(world, 1), 4)
	assert.Equal(t, uint64(16), CoverCount(world, 2))

	small := offline.LatLngBounds{South: 10, West: 10, North: 20, East: 20}
	tiles := cover(small, 2)
	require.Len(t, tiles, 1)
	assert.Equal(t, TileID{Z: 2, X: 2, Y: 1}, tiles[0])
}

func TestCoverInvertedBoundsIsEmpty(t *testing.T) {
	t.Parallel()

	inverted := offline.LatLngBounds{South: 10, West: 0, North: -10, East: 10}
	assert.Empty(t, cover(inverted, 6))
	assert.Zero(t, CoverCount(inverted, 6))

	swapped := offline.LatLngBounds{South: -10, West: 10, North: 10, East: -10}
	assert.Empty(t, cover(swapped, 6))
}

func TestCoverStopsEarly(t *testing.T) {
	t.Parallel()

	visited := 0
	complete := Cover(world, maxZoom, func(TileID) bool {
		visited++
		return visited < 3
	})
	assert.False(t, complete)
	assert.Equal(t, 3, visited)
}

func TestZoomRange(t *testing.T) {
	t.Parallel()

	minZ, maxZ := zoomRange(offline.RegionDefinition{MinZoom: 1.5, MaxZoom: 3.2})
	assert.Equal(t, uint8(1), minZ)
	assert.Equal(t, uint8(4), maxZ)

	_, maxZ = zoomRange(offline.RegionDefinition{MinZoom: 0, MaxZoom: 40})
	assert.Equal(t, uint8(maxZoom), maxZ)
}

func TestGeometryBounds(t *testing.T) {
	t.Parallel()

	def := offline.RegionDefinition{
		Kind:     offline.RegionKindGeometry,
		Geometry: json.RawMessage(`{"type":"Polygon","coordinates":[[[10,10],[20,10],[20,20],[10,20],[10,10]]]}`),
	}
	b, err := Bounds(def)
	require.NoError(t, err)
	assert.Equal(t, offline.LatLngBounds{South: 10, West: 10, North: 20, East: 20}, b)

	def.Geometry = json.RawMessage(`{"type":"Point","coordinates":[5,6]}`)
	b, err = Bounds(def)
	require.NoError(t, err)
	assert.Equal(t, offline.LatLngBounds{South: 6, West: 5, North: 6, East: 5}, b)

	def.Geometry = json.RawMessage(`{"type":"Polygon","coordinates":[]}`)
	_, err = Bounds(def)
	assert.Error(t, err)
}

func collect(t *testing.T, plan *Plan, size int) []offline.Resource {
	t.Helper()
	var out []offline.Resource
	require.NoError(t, plan.Each(size, func(chunk []offline.Resource) error {
		assert.LessOrEqual(t, len(chunk), size)
		out = append(out, chunk...)
		return nil
	}))
	return out
}

func TestPlanExpandsTemplates(t *testing.T) {
	t.Parallel()

	def := offline.RegionDefinition{
		Kind:             offline.RegionKindTiles,
		StyleURL:         "https://styles.example.com/streets.json",
		Bounds:           &world,
		MinZoom:          0,
		MaxZoom:          1,
		PixelRatio:       2,
		TileURLTemplates: []string{"https://a/{z}/{x}/{y}{ratio}.png", "https://b/{z}/{x}/{y}.pbf"},
	}
	plan, err := NewPlan(def)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+2*(1+4)), plan.ResourceCount())
	assert.Equal(t, uint64(2*(1+4)), plan.TileCount())

	resources := collect(t, plan, 3)
	require.Len(t, resources, 1+2*(1+4))
	assert.Equal(t, offline.KindStyle, resources[0].Kind)
	assert.Equal(t, "https://a/0/0/0@2x.png", resources[1].URL)
	assert.Equal(t, uint8(2), resources[1].Tile.PixelRatio)
	assert.Equal(t, "https://b/1/1/1.pbf", resources[len(resources)-1].URL)
}

func TestPlanOfWholeWorldAtMaxZoomIsLazy(t *testing.T) {
	t.Parallel()

	globe := offline.LatLngBounds{South: -90, West: -180, North: 90, East: 180}
	def := offline.RegionDefinition{
		Kind:             offline.RegionKindTiles,
		Bounds:           &globe,
		MinZoom:          0,
		MaxZoom:          maxZoom,
		TileURLTemplates: []string{"https://a/{z}/{x}/{y}.pbf"},
	}
	plan, err := NewPlan(def)
	require.NoError(t, err)

	var want uint64
	for z := 0; z <= maxZoom; z++ {
		want += uint64(1) << (2 * z)
	}
	assert.Equal(t, want, plan.TileCount())

	stop := errors.New("stop")
	chunks := 0
	err = plan.Each(64, func(chunk []offline.Resource) error {
		chunks++
		if chunks == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, chunks)
}

func TestPlanWithInvertedBoundsHasNoTiles(t *testing.T) {
	t.Parallel()

	inverted := offline.LatLngBounds{South: 10, West: -10, North: -10, East: 10}
	plan, err := NewPlan(offline.RegionDefinition{
		Kind:             offline.RegionKindTiles,
		Bounds:           &inverted,
		MaxZoom:          6,
		TileURLTemplates: []string{"https://a/{z}/{x}/{y}.pbf"},
	})
	require.NoError(t, err)
	assert.Zero(t, plan.TileCount())
	assert.Empty(t, collect(t, plan, 8))
}
