// Package maplib defines the map rendering library contract and the
// process-wide loader that brings a registered library up exactly once.
//
// Libraries register themselves by name from an init function, the same
// way database/sql drivers do:
//
//	import _ "fleetmap/internal/maplib/scene"
package maplib

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fleetmap/internal/geo"
)

// Surface is a display target a map can be bound to
type Surface interface {
	ID() string
	// Size reports the laid-out size in pixels; zero until layout settles.
	Size() (width, height int)
	// BoundMap returns the id of the map currently attached, if any.
	BoundMap() string
	BindMap(mapID string)
	// Reset scrubs bound identifiers and clears rendered content.
	Reset()
	Draw(cmd DrawCommand)
}

// TileLayer is an XYZ raster tile source
type TileLayer struct {
	URLTemplate string `json:"urlTemplate"`
	Attribution string `json:"attribution"`
	MaxZoom     int    `json:"maxZoom"`
}

// Icon describes a marker glyph
type Icon struct {
	IconURL       string `json:"iconUrl,omitempty"`
	IconRetinaURL string `json:"iconRetinaUrl,omitempty"`
	ShadowURL     string `json:"shadowUrl,omitempty"`
	Color         string `json:"color,omitempty"`
	Label         string `json:"label,omitempty"`
	Pulse         bool   `json:"pulse,omitempty"`
}

// Library creates maps on surfaces
type Library interface {
	Name() string
	NewMap(s Surface, center geo.Point, zoom int) (Map, error)
}

// Map is one live map instance
type Map interface {
	ID() string
	AddTileLayer(layer TileLayer) error
	AddMarker(key string, pos geo.Point, icon Icon, popup string) (Marker, error)
	SetView(center geo.Point, zoom int, animate bool)
	FitBounds(b geo.Bounds, padding int, animate bool)
	View() (geo.Point, int)
	On(event string, fn func())
	Off()
	Remove()
}

// Marker is a live marker handle
type Marker interface {
	Key() string
	Position() geo.Point
	SetPosition(p geo.Point)
	SetIcon(icon Icon)
	SetPopup(html string)
	Remove()
}

// Module is the importable form of a library
type Module interface {
	Open(ctx context.Context) (Library, error)
}

// ModuleFunc adapts a function to Module
type ModuleFunc func(ctx context.Context) (Library, error)

func (f ModuleFunc) Open(ctx context.Context) (Library, error) { return f(ctx) }

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]Module)
)

// Register makes a library available under name. It panics on duplicates.
func Register(name string, m Module) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	if m == nil {
		panic("maplib: Register module is nil")
	}
	if _, dup := modules[name]; dup {
		panic("maplib: Register called twice for module " + name)
	}
	modules[name] = m
}

// Modules lists registered library names
func Modules() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	return modulesLocked()
}

func lookup(name string) (Module, error) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	m, ok := modules[name]
	if !ok {
		return nil, fmt.Errorf("unknown map module %q (registered: %v)", name, modulesLocked())
	}
	return m, nil
}

func modulesLocked() []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
