// Package geowatch tracks the viewer's own device position with a throttled
// watch and classified errors.
package geowatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetmap/internal/domain"
)

// Options mirror the device geolocation options
type Options struct {
	EnableHighAccuracy bool          `json:"enableHighAccuracy"`
	Timeout            time.Duration `json:"timeout"`
	MaximumAge         time.Duration `json:"maximumAge"`
}

func DefaultOptions() Options {
	return Options{
		EnableHighAccuracy: true,
		Timeout:            10 * time.Second,
		MaximumAge:         30 * time.Second,
	}
}

// Position is one device fix
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Device error codes
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// PositionError is a raw device failure
type PositionError struct {
	Code    int
	Message string
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("position error %d: %s", e.Code, e.Message)
}

// Provider is the device geolocation API
type Provider interface {
	GetCurrentPosition(ctx context.Context, opts Options) (Position, error)
	WatchPosition(onPosition func(Position), onError func(error), opts Options) (int, error)
	ClearWatch(id int)
}

// Classify maps any provider failure onto the four geolocation error kinds
func Classify(err error) *domain.GeolocationError {
	if err == nil {
		return nil
	}

	var ge *domain.GeolocationError
	if errors.As(err, &ge) {
		return ge
	}

	var pe *PositionError
	if errors.As(err, &pe) {
		kind := domain.GeoUnknown
		switch pe.Code {
		case CodePermissionDenied:
			kind = domain.GeoPermissionDenied
		case CodePositionUnavailable:
			kind = domain.GeoPositionUnavailable
		case CodeTimeout:
			kind = domain.GeoTimeout
		}
		return &domain.GeolocationError{Kind: kind, Message: pe.Message, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.GeolocationError{Kind: domain.GeoTimeout, Message: "timed out waiting for position", Err: err}
	}
	return &domain.GeolocationError{Kind: domain.GeoUnknown, Message: err.Error(), Err: err}
}
