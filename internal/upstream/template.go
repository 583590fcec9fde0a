package upstream

import (
	"strconv"
	"strings"

	"mapcache/internal/offline"
)

// ExpandTile fills a tile URL template. Supported tokens are {z}, {x}, {y},
// {ratio} ("@2x" for high density tiles), {prefix} and {quadkey}.
func ExpandTile(template string, tile offline.TileData) string {
	ratio := ""
	if tile.PixelRatio > 1 {
		ratio = "@" + strconv.Itoa(int(tile.PixelRatio)) + "x"
	}
	return strings.NewReplacer(
		"{z}", strconv.Itoa(int(tile.Z)),
		"{x}", strconv.Itoa(int(tile.X)),
		"{y}", strconv.Itoa(int(tile.Y)),
		"{ratio}", ratio,
		"{prefix}", prefix(tile.X, tile.Y),
		"{quadkey}", quadkey(tile.Z, tile.X, tile.Y),
	).Replace(template)
}

// TileResource builds the store key and fetch URL for one tile.
func TileResource(template string, tile offline.TileData) offline.Resource {
	tile.URLTemplate = template
	return offline.NewTile(ExpandTile(template, tile), tile)
}

func prefix(x, y int32) string {
	const hex = "0123456789abcdef"
	return string([]byte{hex[x%16], hex[y%16]})
}

func quadkey(z uint8, x, y int32) string {
	var b strings.Builder
	for i := int(z); i > 0; i-- {
		digit := byte('0')
		mask := int32(1) << (i - 1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		b.WriteByte(digit)
	}
	return b.String()
}
