package proj

import (
	"math"
	"strings"

	"github.com/MeKo-Tech/tileproxy/internal/bbox"
	"github.com/paulmach/orb"
)

// TileSize is the pixel size of a single map tile.
const TileSize = 256

// TileByCoords converts an EPSG:4326 point to fractional tile coordinates
// of the srs-projected tile pyramid at the given zoom. The integer parts
// are the tile indices, the fractional parts the sub-tile offsets.
func TileByCoords(p orb.Point, zoom int, srs EPSG) (x, y float64) {
	pb := BboxFrom4326(Bounds(srs), srs)
	pt := From4326(p, srs)
	nx := (pt[0] - pb.MinLon) / (pb.MaxLon - pb.MinLon)
	ny := (pt[1] - pb.MinLat) / (pb.MaxLat - pb.MinLat)
	n := math.Pow(2, float64(zoom))
	return nx * n, (1 - ny) * n
}

// CoordsByTile converts fractional tile coordinates to the EPSG:4326
// position of the tile's north-west corner.
func CoordsByTile(zoom int, x, y float64, srs EPSG) orb.Point {
	n := math.Pow(2, float64(zoom))
	nx := x / n
	ny := 1.0 - y/n
	pb := BboxFrom4326(Bounds(srs), srs)
	pt := orb.Point{
		nx*(pb.MaxLon-pb.MinLon) + pb.MinLon,
		ny*(pb.MaxLat-pb.MinLat) + pb.MinLat,
	}
	return To4326(pt, srs)
}

// TileByBbox converts an EPSG:4326 box to fractional tile coordinates,
// wrapping across the antimeridian: if the eastern tile column lands west
// of the western one, half a pyramid width is added.
// Returns (fromX, fromY, toX, toY); fromY >= toY since tile rows grow south.
func TileByBbox(b bbox.Bbox, zoom int, srs EPSG) (fromX, fromY, toX, toY float64) {
	fromX, fromY = TileByCoords(orb.Point{b.MinLon, b.MinLat}, zoom, srs)
	toX, toY = TileByCoords(orb.Point{b.MaxLon, b.MaxLat}, zoom, srs)
	if toX < fromX {
		toX += math.Pow(2, float64(zoom-1))
	}
	return fromX, fromY, toX, toY
}

// BboxByTile returns the EPSG:4326 bounding box of an srs-projected tile.
func BboxByTile(zoom, x, y int, srs EPSG) bbox.Bbox {
	nw := CoordsByTile(zoom, float64(x), float64(y), srs)
	se := CoordsByTile(zoom, float64(x+1), float64(y+1), srs)
	return bbox.Bbox{MinLon: nw.Lon(), MinLat: se.Lat(), MaxLon: se.Lon(), MaxLat: nw.Lat()}
}

// ZoomForBbox picks the smallest zoom in [minZoom, maxZoom) whose tile grid
// covering the box spans at least 90% of the requested pixel size, or half
// of the configured maximum output size. Falls back to maxZoom.
// size and maxSize are (height, width).
func ZoomForBbox(b bbox.Bbox, size [2]int, srs EPSG, minZoom, maxZoom int, maxSize [2]int) int {
	h, w := size[0], size[1]
	for z := minZoom; z < maxZoom; z++ {
		cx1, cy1, cx2, cy2 := TileByBbox(b, z, srs)
		if w != 0 && (cx2-cx1)*TileSize >= float64(w)*0.9 {
			return z
		}
		if h != 0 && (cy1-cy2)*TileSize >= float64(h)*0.9 {
			return z
		}
		if (cy1-cy2)*TileSize >= float64(maxSize[0])/2 {
			return z
		}
		if (cx2-cx1)*TileSize >= float64(maxSize[1])/2 {
			return z
		}
	}
	return maxZoom
}

// Quadkey encodes tile coordinates as a Bing quadkey: x and y bits are
// interleaved MSB-first into a base-4 string of length z.
func Quadkey(z, x, y int) string {
	var sb strings.Builder
	sb.Grow(z)
	for bit := z; bit > 0; bit-- {
		digit := byte('0')
		mask := 1 << (bit - 1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		sb.WriteByte(digit)
	}
	return sb.String()
}

// SlippyToTMS converts slippy-map tile coordinates to the OSGeo TMS scheme
// with the Y axis growing north ({-y} in URL templates).
func SlippyToTMS(z, x, y int) (int, int, int) {
	return z, x, (1 << z) - y - 1
}
