package geo

import (
	"fmt"
	"math"
)

const (
	tileSize = 256

	// MaxZoom is the deepest zoom the tile provider serves
	MaxZoom = 19
)

// mercator projects a point onto the unit Web Mercator square
func mercator(lat, lng float64) (x, y float64) {
	x = (lng + 180.0) / 360.0
	latRad := lat * math.Pi / 180.0
	y = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0
	return x, y
}

// TileID calculates tile ID for given coordinates at specified zoom level
// Uses Web Mercator (slippy map) tile scheme
func TileID(lat, lon float64, zoom int) string {
	x, y := tileXY(lat, lon, zoom)
	return fmt.Sprintf("%d/%d/%d", zoom, x, y)
}

func tileXY(lat, lon float64, zoom int) (int, int) {
	n := math.Pow(2, float64(zoom))
	mx, my := mercator(lat, lon)
	x := int(math.Floor(mx * n))
	y := int(math.Floor(my * n))

	maxTile := int(n) - 1
	x = clampInt(x, 0, maxTile)
	y = clampInt(y, 0, maxTile)
	return x, y
}

// ParseTileID extracts zoom, x, y from a tile ID string
func ParseTileID(tileID string) (zoom, x, y int, ok bool) {
	n, err := fmt.Sscanf(tileID, "%d/%d/%d", &zoom, &x, &y)
	if err != nil || n != 3 {
		return 0, 0, 0, false
	}
	return zoom, x, y, true
}

// TileCount returns how many tiles TilesInBBox would return
func TileCount(b Bounds, zoom int) int {
	if b.IsEmpty() {
		return 0
	}
	x1, y1 := tileXY(b.MaxLat, b.MinLon, zoom)
	x2, y2 := tileXY(b.MinLat, b.MaxLon, zoom)
	return (x2 - x1 + 1) * (y2 - y1 + 1)
}

// TilesInBBox returns all tile IDs that intersect the given bounding box
func TilesInBBox(b Bounds, zoom int) []string {
	if b.IsEmpty() {
		return nil
	}
	x1, y1 := tileXY(b.MaxLat, b.MinLon, zoom)
	x2, y2 := tileXY(b.MinLat, b.MaxLon, zoom)

	tiles := make([]string, 0, (x2-x1+1)*(y2-y1+1))
	for x := x1; x <= x2; x++ {
		for y := y1; y <= y2; y++ {
			tiles = append(tiles, fmt.Sprintf("%d/%d/%d", zoom, x, y))
		}
	}
	return tiles
}

// FitZoom returns the deepest zoom at which b fits in a viewport of
// width x height pixels with padding on every side. A degenerate box
// (single point) yields maxZoom.
func FitZoom(b Bounds, width, height, padding, maxZoom int) int {
	if b.IsEmpty() {
		return 0
	}
	availW := float64(width - 2*padding)
	availH := float64(height - 2*padding)
	if availW <= 0 || availH <= 0 {
		return 0
	}

	x1, y1 := mercator(b.MaxLat, b.MinLon)
	x2, y2 := mercator(b.MinLat, b.MaxLon)
	dx := math.Abs(x2 - x1)
	dy := math.Abs(y2 - y1)
	if dx == 0 && dy == 0 {
		return maxZoom
	}

	zoom := maxZoom
	for z := 0; z <= maxZoom; z++ {
		world := tileSize * math.Pow(2, float64(z))
		if dx*world > availW || dy*world > availH {
			zoom = z - 1
			break
		}
	}
	return clampInt(zoom, 0, maxZoom)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
