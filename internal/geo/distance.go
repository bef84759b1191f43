package geo

import "math"

const (
	earthRadiusKm = 6371.0

	// AverageSpeedKmh is the fixed urban speed used for ETA estimates
	AverageSpeedKmh = 30.0
)

// DistanceKm returns the haversine distance between two points in kilometers
func DistanceKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// ETAMinutes estimates travel time at AverageSpeedKmh, rounded to a minute
func ETAMinutes(distanceKm float64) int {
	return int(math.Round(distanceKm / AverageSpeedKmh * 60))
}
