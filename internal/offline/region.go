package offline

import (
	"encoding/json"
	"math"
	"time"
)

const (
	RegionKindTiles    = "tileregion"
	RegionKindGeometry = "geometry"
)

// LatLngBounds is a geographic bounding box in degrees.
type LatLngBounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// validate rejects inverted boxes and coordinates off the globe. Boxes
// crossing the antimeridian are not supported.
func (b LatLngBounds) validate() error {
	for _, v := range []float64{b.South, b.West, b.North, b.East} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return newError(CodeInvalidInput, "bounds must be finite")
		}
	}
	if b.South < -90 || b.North > 90 {
		return newError(CodeInvalidInput, "latitude must be within [-90, 90]")
	}
	if b.West < -180 || b.East > 180 {
		return newError(CodeInvalidInput, "longitude must be within [-180, 180]")
	}
	if b.South > b.North {
		return newError(CodeInvalidInput, "bounds south is above north")
	}
	if b.West > b.East {
		return newError(CodeInvalidInput, "bounds west is past east (antimeridian crossing is not supported)")
	}
	return nil
}

// RegionDefinition describes what a region covers. The store keeps it verbatim.
type RegionDefinition struct {
	Kind              string          `json:"type"`
	StyleURL          string          `json:"style_url"`
	Bounds            *LatLngBounds   `json:"bounds,omitempty"`
	Geometry          json.RawMessage `json:"geometry,omitempty"`
	MinZoom           float64         `json:"min_zoom"`
	MaxZoom           float64         `json:"max_zoom"`
	PixelRatio        float64         `json:"pixel_ratio"`
	IncludeIdeographs bool            `json:"include_ideographs"`
	TileURLTemplates  []string        `json:"tile_url_templates,omitempty"`
}

func (d RegionDefinition) validate() error {
	switch d.Kind {
	case RegionKindTiles:
		if d.Bounds == nil {
			return newError(CodeInvalidInput, "tile region requires bounds")
		}
		if err := d.Bounds.validate(); err != nil {
			return err
		}
	case RegionKindGeometry:
		if len(d.Geometry) == 0 {
			return newError(CodeInvalidInput, "geometry region requires geometry")
		}
	default:
		return newError(CodeInvalidInput, "unknown region type "+d.Kind)
	}
	if d.MinZoom < 0 || d.MaxZoom < d.MinZoom {
		return newError(CodeInvalidInput, "invalid zoom range")
	}
	if d.PixelRatio < 0 {
		return newError(CodeInvalidInput, "invalid pixel ratio")
	}
	return nil
}

func encodeDefinition(d RegionDefinition) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", wrapError(CodeInvalidInput, "can't encode region definition", err)
	}
	return string(b), nil
}

func decodeDefinition(s string) (RegionDefinition, error) {
	var d RegionDefinition
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return RegionDefinition{}, wrapError(CodeStorage, "can't decode region definition", err)
	}
	return d, nil
}

// Region is an explicitly downloaded, permanently retained set of resources.
type Region struct {
	ID         int64
	Definition RegionDefinition
	Metadata   []byte
	CreatedAt  time.Time
}

// DownloadState is the activity state reported alongside region progress.
type DownloadState int

const (
	DownloadInactive DownloadState = iota
	DownloadActive
)

// RegionStatus accumulates download progress for a region.
type RegionStatus struct {
	DownloadState                  DownloadState
	CompletedResourceCount         uint64
	CompletedResourceSize          uint64
	CompletedTileCount             uint64
	CompletedTileSize              uint64
	RequiredResourceCount          uint64
	RequiredTileCount              uint64
	RequiredResourceCountIsPrecise bool
}

// Complete reports whether every required resource has been stored.
func (s RegionStatus) Complete() bool {
	return s.CompletedResourceCount >= s.RequiredResourceCount
}

// RegionResource is one item of a bulk region write.
type RegionResource struct {
	Resource Resource
	Response Response
}
