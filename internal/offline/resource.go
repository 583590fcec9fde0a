package offline

import (
	"fmt"
	"time"
)

// Kind classifies a resource. Values are persisted in resources.kind.
type Kind int

const (
	KindUnknown Kind = iota
	KindStyle
	KindSource
	KindTile
	KindGlyphs
	KindSpriteImage
	KindSpriteJSON
	KindImage
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindStyle:       "style",
	KindSource:      "source",
	KindTile:        "tile",
	KindGlyphs:      "glyphs",
	KindSpriteImage: "sprite-image",
	KindSpriteJSON:  "sprite-json",
	KindImage:       "image",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// TileData is the composite key of a tile resource.
type TileData struct {
	URLTemplate string
	PixelRatio  uint8
	Z           uint8
	X           int32
	Y           int32
}

// Resource identifies one cacheable resource. Tile is set iff Kind is KindTile.
type Resource struct {
	Kind Kind
	URL  string
	Tile *TileData
}

// NewResource returns a generic resource keyed by url.
func NewResource(kind Kind, url string) Resource {
	return Resource{Kind: kind, URL: url}
}

// NewTile returns a tile resource. url is the expanded URL used for fetching.
func NewTile(url string, tile TileData) Resource {
	return Resource{Kind: KindTile, URL: url, Tile: &tile}
}

func (r Resource) isTile() bool {
	return r.Kind == KindTile && r.Tile != nil
}

func (r Resource) validate() error {
	if r.Kind == KindTile {
		if r.Tile == nil {
			return newError(CodeInvalidInput, "tile resource without tile data")
		}
		if r.Tile.URLTemplate == "" {
			return newError(CodeInvalidInput, "tile url template is required")
		}
		return nil
	}
	if r.URL == "" {
		return newError(CodeInvalidInput, "resource url is required")
	}
	return nil
}

func (r Resource) String() string {
	if r.isTile() {
		return fmt.Sprintf("%s z=%d x=%d y=%d ratio=%d", r.Tile.URLTemplate, r.Tile.Z, r.Tile.X, r.Tile.Y, r.Tile.PixelRatio)
	}
	return r.URL
}

// ErrorReason classifies a failed fetch carried in a Response.
type ErrorReason int

const (
	ReasonOther ErrorReason = iota
	ReasonNotFound
	ReasonServer
	ReasonConnection
	ReasonRateLimit
)

// ResponseError describes why a fetch failed. Responses carrying one are never stored.
type ResponseError struct {
	Reason     ErrorReason
	Message    string
	RetryAfter time.Time
}

// Response is a fetched payload plus its freshness metadata.
// Zero times and an empty ETag mean "absent".
type Response struct {
	Error          *ResponseError
	NoContent      bool
	NotModified    bool
	MustRevalidate bool
	Data           []byte
	Modified       time.Time
	Expires        time.Time
	ETag           string
}

// IsUsable reports whether the response can be served without revalidation at now.
func (r *Response) IsUsable(now time.Time) bool {
	if r == nil || r.Error != nil {
		return false
	}
	if r.Expires.IsZero() {
		return !r.MustRevalidate
	}
	return now.Before(r.Expires)
}
