package download

import (
	"mapcache/internal/offline"
	"mapcache/internal/upstream"
)

// Plan is the set of resources a region needs. Tiles are generated on
// demand so a plan costs the same whatever the region's size.
type Plan struct {
	style     []offline.Resource
	templates []string
	bounds    offline.LatLngBounds
	ratio     uint8
	minZ      uint8
	maxZ      uint8
}

// NewPlan expands a definition into the style and tile resources it needs.
func NewPlan(def offline.RegionDefinition) (*Plan, error) {
	p := &Plan{templates: def.TileURLTemplates, ratio: pixelRatio(def)}
	if def.StyleURL != "" {
		p.style = append(p.style, offline.NewResource(offline.KindStyle, def.StyleURL))
	}
	if len(p.templates) == 0 {
		return p, nil
	}
	bounds, err := Bounds(def)
	if err != nil {
		return nil, err
	}
	p.bounds = bounds
	p.minZ, p.maxZ = zoomRange(def)
	return p, nil
}

// TileCount is the number of tiles the plan visits.
func (p *Plan) TileCount() uint64 {
	if len(p.templates) == 0 {
		return 0
	}
	var perTemplate uint64
	for z := int(p.minZ); z <= int(p.maxZ); z++ {
		perTemplate += CoverCount(p.bounds, uint8(z))
	}
	return perTemplate * uint64(len(p.templates))
}

// ResourceCount is the number of resources, tiles included.
func (p *Plan) ResourceCount() uint64 {
	return uint64(len(p.style)) + p.TileCount()
}

// Each hands the plan's resources to fn in chunks of at most size, style
// first, then tiles template by template and zoom by zoom. The chunk is
// reused between calls. An error from fn stops the walk and is returned.
func (p *Plan) Each(size int, fn func(chunk []offline.Resource) error) error {
	if size <= 0 {
		size = 1
	}
	chunk := make([]offline.Resource, 0, size)
	var walkErr error
	emit := func(res offline.Resource) bool {
		chunk = append(chunk, res)
		if len(chunk) < size {
			return true
		}
		walkErr = fn(chunk)
		chunk = chunk[:0]
		return walkErr == nil
	}

	for _, res := range p.style {
		if !emit(res) {
			return walkErr
		}
	}
	for _, template := range p.templates {
		for z := int(p.minZ); z <= int(p.maxZ); z++ {
			complete := Cover(p.bounds, uint8(z), func(id TileID) bool {
				return emit(upstream.TileResource(template, offline.TileData{
					PixelRatio: p.ratio,
					Z:          id.Z,
					X:          id.X,
					Y:          id.Y,
				}))
			})
			if !complete {
				return walkErr
			}
		}
	}
	if len(chunk) > 0 {
		return fn(chunk)
	}
	return nil
}
