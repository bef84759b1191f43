// Package geo holds the coordinate math shared by the ingestion, map view
// and tracking layers: validation, great-circle distance, bounds and
// slippy-map tile/zoom calculations.
package geo

import (
	"math"
	"strconv"
	"strings"

	"fleetmap/internal/domain"
)

// Point is a WGS 84 coordinate
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks that lat/lng are finite and inside the WGS 84 range
func Validate(lat, lng float64) error {
	switch {
	case math.IsNaN(lat) || math.IsNaN(lng):
		return &domain.InvalidCoordinateError{Latitude: lat, Longitude: lng, Reason: "NaN"}
	case math.IsInf(lat, 0) || math.IsInf(lng, 0):
		return &domain.InvalidCoordinateError{Latitude: lat, Longitude: lng, Reason: "infinite"}
	case lat < -90 || lat > 90:
		return &domain.InvalidCoordinateError{Latitude: lat, Longitude: lng, Reason: "latitude out of range"}
	case lng < -180 || lng > 180:
		return &domain.InvalidCoordinateError{Latitude: lat, Longitude: lng, Reason: "longitude out of range"}
	}
	return nil
}

// Valid is the boolean form of Validate
func Valid(lat, lng float64) bool {
	return Validate(lat, lng) == nil
}

// Parse converts transport strings into a validated Point
func Parse(latStr, lngStr string) (Point, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return Point{}, &domain.InvalidCoordinateError{Latitude: math.NaN(), Longitude: math.NaN(), Reason: "latitude is not a number"}
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return Point{}, &domain.InvalidCoordinateError{Latitude: lat, Longitude: math.NaN(), Reason: "longitude is not a number"}
	}
	if err := Validate(lat, lng); err != nil {
		return Point{}, err
	}
	return Point{Lat: lat, Lng: lng}, nil
}
