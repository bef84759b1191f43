package domain

import (
	"errors"
	"fmt"
)

// LibraryLoadError reports a failed step while loading the map library
type LibraryLoadError struct {
	Step string
	Err  error
}

func (e *LibraryLoadError) Error() string {
	return fmt.Sprintf("map library load failed at %s: %v", e.Step, e.Err)
}

func (e *LibraryLoadError) Unwrap() error { return e.Err }

// MapInitError reports a failed map initialization. Terminal is set once
// the retry budget is exhausted.
type MapInitError struct {
	Attempt  int
	Terminal bool
	Err      error
}

func (e *MapInitError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("map init failed after %d attempts: %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("map init attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *MapInitError) Unwrap() error { return e.Err }

// ErrLayoutNotReady is returned when the surface has no size yet
var ErrLayoutNotReady = errors.New("surface has no layout")

// IngestionError reports a failed poll cycle
type IngestionError struct {
	Stage string
	Err   error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion %s: %v", e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// GeolocationErrorKind classifies device geolocation failures
type GeolocationErrorKind string

const (
	GeoPermissionDenied    GeolocationErrorKind = "permission_denied"
	GeoPositionUnavailable GeolocationErrorKind = "position_unavailable"
	GeoTimeout             GeolocationErrorKind = "timeout"
	GeoUnknown             GeolocationErrorKind = "unknown"
)

// GeolocationError is the classified form of a device geolocation failure
type GeolocationError struct {
	Kind    GeolocationErrorKind
	Message string
	Err     error
}

func (e *GeolocationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("geolocation %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("geolocation %s", e.Kind)
}

func (e *GeolocationError) Unwrap() error { return e.Err }

// InvalidCoordinateError reports an unusable latitude/longitude pair
type InvalidCoordinateError struct {
	Latitude  float64
	Longitude float64
	Reason    string
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate (%v, %v): %s", e.Latitude, e.Longitude, e.Reason)
}
