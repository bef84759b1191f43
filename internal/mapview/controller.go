// Package mapview owns one live map bound to a display surface and keeps its
// markers in sync with the latest agent snapshots.
package mapview

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/maplib"
	"fleetmap/internal/status"
)

// SelfKey is the marker key reserved for the viewer's own position
const SelfKey = "self"

var (
	ErrNotReady  = errors.New("map view is not ready")
	ErrDestroyed = errors.New("map view destroyed")
)

// State is the lifecycle state of a controller
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateError
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// LibraryLoader hands out the shared map library
type LibraryLoader interface {
	Acquire(ctx context.Context) (*maplib.Handle, error)
	Release()
}

// Scheduler runs f after d and returns a stop function
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Options struct {
	TileLayer     maplib.TileLayer
	RetryBase     time.Duration
	RetryCap      time.Duration
	MaxAttempts   int
	LayoutTick    time.Duration
	FitMaxMarkers int
	FitPadding    int
	SingleZoom    int
	Scheduler     Scheduler
}

// DefaultOptions returns the stock retry and viewport settings
func DefaultOptions() Options {
	return Options{
		TileLayer: maplib.TileLayer{
			URLTemplate: "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
			Attribution: "&copy; OpenStreetMap contributors",
			MaxZoom:     geo.MaxZoom,
		},
		RetryBase:     time.Second,
		RetryCap:      15 * time.Second,
		MaxAttempts:   4,
		LayoutTick:    16 * time.Millisecond,
		FitMaxMarkers: 50,
		FitPadding:    50,
		SingleZoom:    15,
	}
}

// ReconcileResult counts what a reconcile pass did to the markers
type ReconcileResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
}

// Controller is the state machine around one map instance
type Controller struct {
	loader LibraryLoader
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	gen        uint64
	surface    maplib.Surface
	center     geo.Point
	zoom       int
	m          maplib.Map
	handle     *maplib.Handle
	markers    map[string]maplib.Marker
	attempt    int
	stopRetry  func() bool
	err        error
	pending    []domain.AgentSnapshot
	hasPending bool
	self       *domain.SelfLocation
	onError    []func(error)
	onReady    []func()
}

func New(loader LibraryLoader, opts Options, logger *slog.Logger) *Controller {
	def := DefaultOptions()
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = def.RetryCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.FitMaxMarkers <= 0 {
		opts.FitMaxMarkers = def.FitMaxMarkers
	}
	if opts.SingleZoom <= 0 {
		opts.SingleZoom = def.SingleZoom
	}
	if opts.TileLayer.URLTemplate == "" {
		opts.TileLayer = def.TileLayer
	}
	if opts.Scheduler == nil {
		opts.Scheduler = afterFunc
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		loader:  loader,
		opts:    opts,
		logger:  logger.With("component", "map_view"),
		ctx:     ctx,
		cancel:  cancel,
		markers: make(map[string]maplib.Marker),
	}
}

// Backoff returns the delay before retry number attempt (1-based)
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// OnError registers a callback for terminal initialization errors
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnReady registers a callback invoked each time the map becomes ready
func (c *Controller) OnReady(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = append(c.onReady, fn)
}

// Initialize binds a fresh map to s. Any map previously bound to s, by this
// controller or another, is torn down first. A failed attempt moves to
// StateError and schedules a retry; the returned error is the first
// attempt's outcome.
func (c *Controller) Initialize(ctx context.Context, s maplib.Surface, center geo.Point, zoom int) error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.teardownLocked()
	if s.BoundMap() != "" {
		s.Reset()
	}
	c.surface = s
	c.center, c.zoom = center, zoom
	c.attempt = 0
	c.err = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	return c.tryInit(ctx, gen)
}

// Retry restarts initialization after a terminal error with a fresh budget
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDestroyed:
		c.mu.Unlock()
		return ErrDestroyed
	case StateReady, StateInitializing:
		c.mu.Unlock()
		return nil
	}
	if c.surface == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
	c.attempt = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	return c.tryInit(ctx, gen)
}

func (c *Controller) tryInit(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.gen != gen || c.state == StateDestroyed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateInitializing
	c.stopRetry = nil
	c.attempt++
	attempt := c.attempt
	s, center, zoom := c.surface, c.center, c.zoom
	c.mu.Unlock()

	h, m, err := c.build(ctx, s, center, zoom)

	c.mu.Lock()
	if c.gen != gen || c.state == StateDestroyed {
		c.mu.Unlock()
		if m != nil {
			m.Remove()
			if s.BoundMap() == m.ID() {
				s.Reset()
			}
		}
		if h != nil {
			c.loader.Release()
		}
		c.logger.Debug("discarded stale init", "surface", s.ID(), "attempt", attempt)
		return nil
	}

	if err != nil {
		terminal := attempt >= c.opts.MaxAttempts
		initErr := &domain.MapInitError{Attempt: attempt, Terminal: terminal, Err: err}
		c.state = StateError
		c.err = initErr

		var fns []func(error)
		if terminal {
			fns = append(fns, c.onError...)
			c.logger.Error("map init failed", "surface", s.ID(), "attempts", attempt, "error", err)
		} else {
			delay := Backoff(c.opts.RetryBase, c.opts.RetryCap, attempt)
			c.stopRetry = c.opts.Scheduler(delay, func() {
				_ = c.tryInit(c.ctx, gen)
			})
			c.logger.Warn("map init failed, retrying", "surface", s.ID(), "attempt", attempt, "retry_in", delay, "error", err)
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(initErr)
		}
		return initErr
	}

	c.m = m
	c.handle = h
	c.state = StateReady
	c.err = nil
	c.markers = make(map[string]maplib.Marker)

	if c.self != nil {
		c.applySelfLocked(c.self)
	}
	if c.hasPending {
		c.reconcileLocked(c.pending)
		c.pending, c.hasPending = nil, false
	}
	fns := append([]func(){}, c.onReady...)
	c.mu.Unlock()

	c.logger.Info("map ready", "surface", s.ID(), "map_id", m.ID(), "attempt", attempt)
	for _, fn := range fns {
		fn()
	}
	return nil
}

// build runs one init attempt without holding the controller lock
func (c *Controller) build(ctx context.Context, s maplib.Surface, center geo.Point, zoom int) (*maplib.Handle, maplib.Map, error) {
	if err := waitLayout(ctx, s, c.opts.LayoutTick); err != nil {
		return nil, nil, err
	}

	h, err := c.loader.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	m, err := h.Library.NewMap(s, center, zoom)
	if err != nil {
		c.loader.Release()
		return nil, nil, err
	}
	if err := m.AddTileLayer(c.opts.TileLayer); err != nil {
		m.Remove()
		s.Reset()
		c.loader.Release()
		return nil, nil, err
	}
	return h, m, nil
}

// waitLayout yields one tick and then requires a laid-out surface
func waitLayout(ctx context.Context, s maplib.Surface, tick time.Duration) error {
	if tick > 0 {
		t := time.NewTimer(tick)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if w, h := s.Size(); w <= 0 || h <= 0 {
		return domain.ErrLayoutNotReady
	}
	return nil
}

// Reconcile brings the markers in line with snapshots: existing markers are
// updated in place, new keys get markers, missing keys lose theirs. The self
// marker is left alone. Before the map is ready the set is kept and applied
// once it is.
func (c *Controller) Reconcile(snapshots []domain.AgentSnapshot) (ReconcileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDestroyed:
		return ReconcileResult{}, ErrDestroyed
	case StateReady:
		return c.reconcileLocked(snapshots), nil
	default:
		c.pending = append(c.pending[:0], snapshots...)
		c.hasPending = true
		return ReconcileResult{}, ErrNotReady
	}
}

func (c *Controller) reconcileLocked(snapshots []domain.AgentSnapshot) ReconcileResult {
	var res ReconcileResult
	seen := make(map[string]struct{}, len(snapshots))

	for _, snap := range snapshots {
		key := snap.Key()
		loc := snap.Location
		if key == "" || key == SelfKey || !geo.Valid(loc.Latitude, loc.Longitude) {
			res.Skipped++
			continue
		}
		if _, dup := seen[key]; dup {
			res.Skipped++
			continue
		}
		seen[key] = struct{}{}

		pos := geo.Point{Lat: loc.Latitude, Lng: loc.Longitude}
		st := status.StyleOf(snap.Status)
		icon := c.handle.Icons.WithStyle(st.Color, st.Label, st.Pulse)
		popup := renderPopup(snap)

		if mk, ok := c.markers[key]; ok {
			mk.SetPosition(pos)
			mk.SetIcon(icon)
			mk.SetPopup(popup)
			res.Updated++
			continue
		}

		mk, err := c.m.AddMarker(key, pos, icon, popup)
		if err != nil {
			c.logger.Warn("failed to add marker", "key", key, "error", err)
			res.Skipped++
			continue
		}
		c.markers[key] = mk
		res.Added++
	}

	for key, mk := range c.markers {
		if key == SelfKey {
			continue
		}
		if _, ok := seen[key]; !ok {
			mk.Remove()
			delete(c.markers, key)
			res.Removed++
		}
	}

	c.logger.Debug("reconciled markers",
		"added", res.Added,
		"updated", res.Updated,
		"removed", res.Removed,
		"skipped", res.Skipped,
	)
	return res
}

// SetSelf places, moves or (with nil) removes the viewer's own marker
func (c *Controller) SetSelf(loc *domain.SelfLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if loc != nil {
		cp := *loc
		loc = &cp
	}
	c.self = loc
	if c.state == StateReady {
		c.applySelfLocked(loc)
	}
}

func (c *Controller) applySelfLocked(loc *domain.SelfLocation) {
	mk, exists := c.markers[SelfKey]
	if loc == nil || !geo.Valid(loc.Latitude, loc.Longitude) {
		if exists {
			mk.Remove()
			delete(c.markers, SelfKey)
		}
		return
	}

	pos := geo.Point{Lat: loc.Latitude, Lng: loc.Longitude}
	icon := c.handle.Icons.WithStyle(selfColor, selfLabel, false)
	if exists {
		mk.SetPosition(pos)
		return
	}
	mk, err := c.m.AddMarker(SelfKey, pos, icon, selfPopup)
	if err != nil {
		c.logger.Warn("failed to add self marker", "error", err)
		return
	}
	c.markers[SelfKey] = mk
}

const (
	selfColor = "#0ea5e9"
	selfLabel = "You"
)

// FitToVisible moves the viewport onto the markers. A single marker is
// centered at a fixed zoom; up to FitMaxMarkers are framed; beyond that the
// viewport is left to the user. Reports whether the viewport moved.
func (c *Controller) FitToVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return false
	}
	n := len(c.markers)
	if n == 0 || n > c.opts.FitMaxMarkers {
		return false
	}

	if n == 1 {
		for _, mk := range c.markers {
			c.m.SetView(mk.Position(), c.opts.SingleZoom, true)
		}
		return true
	}

	b := geo.EmptyBounds()
	for _, mk := range c.markers {
		b.Extend(mk.Position())
	}
	c.m.FitBounds(b, c.opts.FitPadding, true)
	return true
}

// CenterOn moves the viewport to p at zoom
func (c *Controller) CenterOn(p geo.Point, zoom int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || !geo.Valid(p.Lat, p.Lng) {
		return false
	}
	if zoom <= 0 {
		zoom = c.opts.SingleZoom
	}
	c.m.SetView(p, zoom, true)
	return true
}

// Destroy releases the map and cancels pending retries. It is idempotent and
// leaves the surface ready for a new Initialize.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateDestroyed
	c.gen++
	c.cancel()
	c.teardownLocked()
	c.pending, c.hasPending = nil, false
	c.onError, c.onReady = nil, nil
	c.mu.Unlock()

	c.logger.Debug("map view destroyed")
}

// teardownLocked removes markers and the map and scrubs the surface
func (c *Controller) teardownLocked() {
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
	if c.m != nil {
		c.m.Off()
		for key, mk := range c.markers {
			mk.Remove()
			delete(c.markers, key)
		}
		c.m.Remove()
		c.m = nil
	}
	if c.surface != nil {
		c.surface.Reset()
	}
	if c.handle != nil {
		c.handle = nil
		c.loader.Release()
	}
	if c.state != StateDestroyed {
		c.state = StateUninitialized
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last initialization error, if any
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) MarkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.markers)
}

// MarkerKeys returns the keys of all live markers, sorted
func (c *Controller) MarkerKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.markers))
	for k := range c.markers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// View returns the current viewport
func (c *Controller) View() (geo.Point, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		return geo.Point{}, 0, false
	}
	center, zoom := c.m.View()
	return center, zoom, true
}
