package cache

import (
	"context"
	"fmt"

	"mapcache/internal/offline"
)

// TileKey represents the parameters of a proxied tile request
type TileKey struct {
	Source     string
	Template   string
	PixelRatio int
	Z          int
	X          int
	Y          int
}

// Resource converts the key into a store key. url is the expanded upstream URL.
func (k TileKey) Resource(url string) offline.Resource {
	return offline.NewTile(url, offline.TileData{
		URLTemplate: k.Template,
		PixelRatio:  uint8(k.PixelRatio),
		Z:           uint8(k.Z),
		X:           int32(k.X),
		Y:           int32(k.Y),
	})
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d@%dx", k.Source, k.Z, k.X, k.Y, k.PixelRatio)
}

type Cache interface {
	Get(ctx context.Context, res offline.Resource) (*offline.Response, bool)
	Set(ctx context.Context, res offline.Resource, resp offline.Response)
	Has(ctx context.Context, res offline.Resource) bool // Check if resource exists without reading it (lightweight check)
	Clear(ctx context.Context) error
}
