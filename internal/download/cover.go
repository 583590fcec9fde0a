package download

import (
	"encoding/json"
	"fmt"
	"math"

	"mapcache/internal/offline"
)

const (
	maxLatitude = 85.051128779806604
	maxZoom     = 22
	// TileSize is the tile size assumed for every template.
	TileSize = 512
)

// TileID is one tile of the web mercator pyramid.
type TileID struct {
	Z uint8
	X int32
	Y int32
}

// zoomRange converts the region's fractional zoom range into tile zooms for
// TileSize tiles.
func zoomRange(def offline.RegionDefinition) (uint8, uint8) {
	offset := math.Log2(512.0 / TileSize)
	minZ := math.Floor(def.MinZoom + offset)
	maxZ := math.Ceil(def.MaxZoom + offset)
	if math.IsInf(def.MaxZoom, 1) || maxZ > maxZoom {
		maxZ = maxZoom
	}
	if minZ < 0 {
		minZ = 0
	}
	if minZ > maxZ {
		minZ = maxZ
	}
	return uint8(minZ), uint8(maxZ)
}

// pixelRatio rounds the definition's pixel ratio to the tile densities
// upstream servers publish.
func pixelRatio(def offline.RegionDefinition) uint8 {
	if def.PixelRatio > 1 {
		return 2
	}
	return 1
}

// Bounds returns the area a definition covers: its bounds, or the bounding
// box of its GeoJSON geometry.
func Bounds(def offline.RegionDefinition) (offline.LatLngBounds, error) {
	if def.Kind == offline.RegionKindTiles {
		if def.Bounds == nil {
			return offline.LatLngBounds{}, fmt.Errorf("tile region without bounds")
		}
		return *def.Bounds, nil
	}
	var geometry struct {
		Coordinates json.RawMessage `json:"coordinates"`
		Geometries  []struct {
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometries"`
	}
	if err := json.Unmarshal(def.Geometry, &geometry); err != nil {
		return offline.LatLngBounds{}, fmt.Errorf("decode geometry: %w", err)
	}
	raws := []json.RawMessage{geometry.Coordinates}
	for _, g := range geometry.Geometries {
		raws = append(raws, g.Coordinates)
	}

	b := offline.LatLngBounds{South: math.Inf(1), West: math.Inf(1), North: math.Inf(-1), East: math.Inf(-1)}
	for _, raw := range raws {
		if len(raw) == 0 {
			continue
		}
		var coords any
		if err := json.Unmarshal(raw, &coords); err != nil {
			return offline.LatLngBounds{}, fmt.Errorf("decode coordinates: %w", err)
		}
		extend(&b, coords)
	}
	if math.IsInf(b.South, 1) {
		return offline.LatLngBounds{}, fmt.Errorf("geometry has no coordinates")
	}
	return b, nil
}

// extend walks nested coordinate arrays; a position is an array of numbers.
func extend(b *offline.LatLngBounds, v any) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return
	}
	if lng, ok := arr[0].(float64); ok {
		if len(arr) < 2 {
			return
		}
		lat, ok := arr[1].(float64)
		if !ok {
			return
		}
		b.West = math.Min(b.West, lng)
		b.East = math.Max(b.East, lng)
		b.South = math.Min(b.South, lat)
		b.North = math.Max(b.North, lat)
		return
	}
	for _, child := range arr {
		extend(b, child)
	}
}

// Cover calls fn for every tile intersecting bounds at zoom z, column by
// column, until fn returns false. It reports whether the walk completed.
func Cover(b offline.LatLngBounds, z uint8, fn func(TileID) bool) bool {
	minX, minY, maxX, maxY, ok := coverRange(b, z)
	if !ok {
		return true
	}
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			if !fn(TileID{Z: z, X: x, Y: y}) {
				return false
			}
		}
	}
	return true
}

// CoverCount returns the number of tiles Cover visits.
func CoverCount(b offline.LatLngBounds, z uint8) uint64 {
	minX, minY, maxX, maxY, ok := coverRange(b, z)
	if !ok {
		return 0
	}
	return uint64(maxX-minX+1) * uint64(maxY-minY+1)
}

// coverRange is the inclusive tile range of b at z. Inverted boxes are empty.
func coverRange(b offline.LatLngBounds, z uint8) (minX, minY, maxX, maxY int32, ok bool) {
	if b.South > b.North || b.West > b.East {
		return 0, 0, 0, 0, false
	}
	minX, minY = project(b.North, b.West, z)
	maxX, maxY = project(b.South, b.East, z)
	return minX, minY, maxX, maxY, true
}

// project maps a coordinate to the tile containing it at zoom z.
func project(lat, lng float64, z uint8) (int32, int32) {
	lat = math.Max(-maxLatitude, math.Min(maxLatitude, lat))
	lng = math.Max(-180, math.Min(180, lng))
	n := math.Exp2(float64(z))
	x := (lng + 180) / 360 * n
	rad := lat * math.Pi / 180
	y := (1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n
	last := int32(n) - 1
	return clamp(int32(math.Floor(x)), last), clamp(int32(math.Floor(y)), last)
}

func clamp(v, last int32) int32 {
	if v < 0 {
		return 0
	}
	if v > last {
		return last
	}
	return v
}
