package geo

import "math"

// Bounds represents a geographic rectangle
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// EmptyBounds returns bounds that contain nothing until extended
func EmptyBounds() Bounds {
	return Bounds{
		MinLat: math.Inf(1), MaxLat: math.Inf(-1),
		MinLon: math.Inf(1), MaxLon: math.Inf(-1),
	}
}

// BoundsOf returns the smallest rectangle holding all points
func BoundsOf(points []Point) Bounds {
	b := EmptyBounds()
	for _, p := range points {
		b.Extend(p)
	}
	return b
}

// Extend grows the bounds to include p
func (b *Bounds) Extend(p Point) {
	b.MinLat = math.Min(b.MinLat, p.Lat)
	b.MaxLat = math.Max(b.MaxLat, p.Lat)
	b.MinLon = math.Min(b.MinLon, p.Lng)
	b.MaxLon = math.Max(b.MaxLon, p.Lng)
}

// IsEmpty reports whether no point was added
func (b Bounds) IsEmpty() bool {
	return b.MinLat > b.MaxLat || b.MinLon > b.MaxLon
}

// Contains checks if a point is within the bounding box
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat &&
		lon >= b.MinLon && lon <= b.MaxLon
}

// Center returns the midpoint of the rectangle
func (b Bounds) Center() Point {
	return Point{Lat: (b.MinLat + b.MaxLat) / 2, Lng: (b.MinLon + b.MaxLon) / 2}
}
