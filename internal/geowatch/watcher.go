package geowatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
)

// DefaultThrottle is the minimum spacing of watch updates
const DefaultThrottle = 5 * time.Second

var ErrClosed = errors.New("geowatch: watcher closed")

// Watcher owns the viewer's self location. At most one watch subscription
// is active at a time.
type Watcher struct {
	provider Provider
	opts     Options
	throttle time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	token      uint64
	watchID    int
	watching   bool
	closed     bool
	current    *domain.SelfLocation
	lastEmit   time.Time
	onLocation []func(domain.SelfLocation)
	onError    []func(*domain.GeolocationError)
}

func NewWatcher(provider Provider, opts Options, logger *slog.Logger) *Watcher {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaximumAge < 0 {
		opts.MaximumAge = def.MaximumAge
	}
	return &Watcher{
		provider: provider,
		opts:     opts,
		throttle: DefaultThrottle,
		logger:   logger.With("component", "geowatch"),
		now:      time.Now,
	}
}

// SetThrottle changes the minimum spacing of watch updates. Zero disables
// throttling.
func (w *Watcher) SetThrottle(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d < 0 {
		d = 0
	}
	w.throttle = d
}

// OnLocation registers fn for accepted fixes
func (w *Watcher) OnLocation(fn func(domain.SelfLocation)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLocation = append(w.onLocation, fn)
}

// OnError registers fn for classified failures
func (w *Watcher) OnError(fn func(*domain.GeolocationError)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = append(w.onError, fn)
}

// GetOnce asks for a single fix. It is not throttled.
func (w *Watcher) GetOnce(ctx context.Context) (domain.SelfLocation, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return domain.SelfLocation{}, ErrClosed
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	pos, err := w.provider.GetCurrentPosition(ctx, w.opts)
	if err != nil {
		ge := w.fail(err)
		return domain.SelfLocation{}, ge
	}
	if err := geo.Validate(pos.Latitude, pos.Longitude); err != nil {
		ge := w.fail(&PositionError{Code: CodePositionUnavailable, Message: err.Error()})
		return domain.SelfLocation{}, ge
	}

	loc := toSelf(pos, w.now())
	w.mu.Lock()
	w.current = &loc
	fns := append([]func(domain.SelfLocation){}, w.onLocation...)
	w.mu.Unlock()

	for _, fn := range fns {
		fn(loc)
	}
	return loc, nil
}

// Watch starts continuous tracking, cancelling any previous subscription
// first.
func (w *Watcher) Watch() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.token++
	tok := w.token
	oldID, had := w.watchID, w.watching
	w.watching = false
	w.lastEmit = time.Time{}
	w.mu.Unlock()

	if had {
		w.provider.ClearWatch(oldID)
		w.logger.Debug("previous watch cleared", "watch_id", oldID)
	}

	id, err := w.provider.WatchPosition(
		func(p Position) { w.handlePosition(tok, p) },
		func(err error) { w.handleError(tok, err) },
		w.opts,
	)
	if err != nil {
		return w.fail(err)
	}

	w.mu.Lock()
	if w.token != tok || w.closed {
		w.mu.Unlock()
		w.provider.ClearWatch(id)
		return nil
	}
	w.watchID = id
	w.watching = true
	w.mu.Unlock()

	w.logger.Debug("watch started", "watch_id", id)
	return nil
}

// Cancel stops the active watch, if any
func (w *Watcher) Cancel() {
	w.mu.Lock()
	w.token++
	id, had := w.watchID, w.watching
	w.watching = false
	w.mu.Unlock()

	if had {
		w.provider.ClearWatch(id)
		w.logger.Debug("watch cancelled", "watch_id", id)
	}
}

// Close cancels the watch and rejects further use. Idempotent.
func (w *Watcher) Close() {
	w.Cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.onLocation = nil
	w.onError = nil
}

// Watching reports whether a watch subscription is active
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

// Current returns a copy of the latest accepted fix
func (w *Watcher) Current() *domain.SelfLocation {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	loc := *w.current
	return &loc
}

func (w *Watcher) handlePosition(tok uint64, p Position) {
	if !geo.Valid(p.Latitude, p.Longitude) {
		w.logger.Debug("ignoring invalid fix", "lat", p.Latitude, "lng", p.Longitude)
		return
	}

	now := w.now()
	w.mu.Lock()
	if tok != w.token || w.closed {
		w.mu.Unlock()
		return
	}
	if !w.lastEmit.IsZero() && now.Sub(w.lastEmit) < w.throttle {
		w.mu.Unlock()
		return
	}
	w.lastEmit = now
	loc := toSelf(p, now)
	w.current = &loc
	fns := append([]func(domain.SelfLocation){}, w.onLocation...)
	w.mu.Unlock()

	for _, fn := range fns {
		fn(loc)
	}
}

func (w *Watcher) handleError(tok uint64, err error) {
	w.mu.Lock()
	stale := tok != w.token || w.closed
	w.mu.Unlock()
	if stale {
		return
	}
	w.fail(err)
}

// fail classifies err, applies its side effects and notifies listeners
func (w *Watcher) fail(err error) *domain.GeolocationError {
	ge := Classify(err)

	w.mu.Lock()
	if ge.Kind == domain.GeoPermissionDenied {
		w.current = nil
	}
	fns := append([]func(*domain.GeolocationError){}, w.onError...)
	w.mu.Unlock()

	w.logger.Warn("geolocation failed", "kind", ge.Kind, "error", ge.Message)
	for _, fn := range fns {
		fn(ge)
	}
	return ge
}

func toSelf(p Position, now time.Time) domain.SelfLocation {
	captured := p.Timestamp
	if captured.IsZero() {
		captured = now
	}
	return domain.SelfLocation{
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Accuracy:   p.Accuracy,
		CapturedAt: captured,
	}
}
