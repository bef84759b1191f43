// Package scene is a headless map library. It keeps the map state on the
// server and turns every mutation into a maplib.DrawCommand on the bound
// surface, which forwards it to the browser that actually paints tiles.
package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"fleetmap/internal/geo"
	"fleetmap/internal/maplib"
)

const Name = "scene"

func init() {
	maplib.Register(Name, maplib.ModuleFunc(Open))
}

var ErrMapRemoved = errors.New("scene: map removed")

// Library creates scene maps
type Library struct {
	maxZoom int
}

// Open is the module entry point used by the loader
func Open(ctx context.Context) (maplib.Library, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(), nil
}

func New() *Library {
	return &Library{maxZoom: geo.MaxZoom}
}

func (l *Library) Name() string { return Name }

func (l *Library) NewMap(s maplib.Surface, center geo.Point, zoom int) (maplib.Map, error) {
	if s == nil {
		return nil, errors.New("scene: nil surface")
	}
	if bound := s.BoundMap(); bound != "" {
		return nil, fmt.Errorf("scene: surface %s already holds map %s", s.ID(), bound)
	}

	m := &Map{
		id:        uuid.NewString(),
		surface:   s,
		center:    center,
		zoom:      zoom,
		maxZoom:   l.maxZoom,
		markers:   make(map[string]*Marker),
		listeners: make(map[string][]func()),
	}
	s.BindMap(m.id)
	c := center
	s.Draw(maplib.DrawCommand{Op: maplib.OpMapInit, MapID: m.id, Center: &c, Zoom: zoom})
	return m, nil
}

// Map is a server-side map mirror
type Map struct {
	mu        sync.Mutex
	id        string
	surface   maplib.Surface
	center    geo.Point
	zoom      int
	maxZoom   int
	layers    []maplib.TileLayer
	markers   map[string]*Marker
	listeners map[string][]func()
	removed   bool
}

func (m *Map) ID() string { return m.id }

func (m *Map) AddTileLayer(layer maplib.TileLayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return ErrMapRemoved
	}
	if layer.URLTemplate == "" {
		return errors.New("scene: tile layer without URL template")
	}
	m.layers = append(m.layers, layer)
	l := layer
	m.surface.Draw(maplib.DrawCommand{Op: maplib.OpTileLayer, MapID: m.id, Layer: &l})
	return nil
}

func (m *Map) AddMarker(key string, pos geo.Point, icon maplib.Icon, popup string) (maplib.Marker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return nil, ErrMapRemoved
	}
	if _, dup := m.markers[key]; dup {
		return nil, fmt.Errorf("scene: marker %q already on map", key)
	}

	mk := &Marker{key: key, m: m, pos: pos, icon: icon, popup: popup}
	m.markers[key] = mk

	p, ic := pos, icon
	m.surface.Draw(maplib.DrawCommand{Op: maplib.OpMarkerAdd, MapID: m.id, Key: key, Position: &p, Icon: &ic, Popup: popup})
	return mk, nil
}

func (m *Map) SetView(center geo.Point, zoom int, animate bool) {
	m.mu.Lock()
	if m.removed {
		m.mu.Unlock()
		return
	}
	m.center, m.zoom = center, zoom
	c := center
	m.surface.Draw(maplib.DrawCommand{Op: maplib.OpViewport, MapID: m.id, Center: &c, Zoom: zoom, Animate: animate})
	fns := m.listenersFor("moveend")
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (m *Map) FitBounds(b geo.Bounds, padding int, animate bool) {
	m.mu.Lock()
	if m.removed || b.IsEmpty() {
		m.mu.Unlock()
		return
	}
	w, h := m.surface.Size()
	m.zoom = geo.FitZoom(b, w, h, padding, m.maxZoom)
	m.center = b.Center()
	c, bb := m.center, b
	m.surface.Draw(maplib.DrawCommand{Op: maplib.OpFitBounds, MapID: m.id, Center: &c, Zoom: m.zoom, Bounds: &bb, Padding: padding, Animate: animate})
	fns := m.listenersFor("moveend")
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (m *Map) View() (geo.Point, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.center, m.zoom
}

func (m *Map) On(event string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return
	}
	m.listeners[event] = append(m.listeners[event], fn)
}

func (m *Map) Off() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = make(map[string][]func())
}

// Remove releases the map. The surface keeps its bound id until the
// owner resets it.
func (m *Map) Remove() {
	m.mu.Lock()
	if m.removed {
		m.mu.Unlock()
		return
	}
	m.removed = true
	m.markers = make(map[string]*Marker)
	m.surface.Draw(maplib.DrawCommand{Op: maplib.OpMapDestroy, MapID: m.id})
	fns := m.listenersFor("remove")
	m.listeners = make(map[string][]func())
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// MarkerCount returns the number of markers on the map
func (m *Map) MarkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.markers)
}

func (m *Map) listenersFor(event string) []func() {
	fns := m.listeners[event]
	out := make([]func(), len(fns))
	copy(out, fns)
	return out
}

// Marker is a scene marker
type Marker struct {
	key     string
	m       *Map
	pos     geo.Point
	icon    maplib.Icon
	popup   string
	removed bool
}

func (mk *Marker) Key() string { return mk.key }

func (mk *Marker) Position() geo.Point {
	mk.m.mu.Lock()
	defer mk.m.mu.Unlock()
	return mk.pos
}

func (mk *Marker) SetPosition(p geo.Point) {
	mk.m.mu.Lock()
	defer mk.m.mu.Unlock()
	if mk.dead() || mk.pos == p {
		return
	}
	mk.pos = p
	mk.m.surface.Draw(maplib.DrawCommand{Op: maplib.OpMarkerUpdate, MapID: mk.m.id, Key: mk.key, Position: &p})
}

func (mk *Marker) SetIcon(icon maplib.Icon) {
	mk.m.mu.Lock()
	defer mk.m.mu.Unlock()
	if mk.dead() || mk.icon == icon {
		return
	}
	mk.icon = icon
	mk.m.surface.Draw(maplib.DrawCommand{Op: maplib.OpMarkerUpdate, MapID: mk.m.id, Key: mk.key, Icon: &icon})
}

func (mk *Marker) SetPopup(html string) {
	mk.m.mu.Lock()
	defer mk.m.mu.Unlock()
	if mk.dead() || mk.popup == html {
		return
	}
	mk.popup = html
	mk.m.surface.Draw(maplib.DrawCommand{Op: maplib.OpMarkerUpdate, MapID: mk.m.id, Key: mk.key, Popup: html})
}

func (mk *Marker) Remove() {
	mk.m.mu.Lock()
	defer mk.m.mu.Unlock()
	if mk.dead() {
		return
	}
	mk.removed = true
	delete(mk.m.markers, mk.key)
	mk.m.surface.Draw(maplib.DrawCommand{Op: maplib.OpMarkerRemove, MapID: mk.m.id, Key: mk.key})
}

func (mk *Marker) dead() bool {
	return mk.removed || mk.m.removed
}
