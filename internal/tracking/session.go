// Package tracking composes the poller, the map view and the self location
// watcher into one screen session driven by a single event loop.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/geowatch"
	"fleetmap/internal/mapview"
	"fleetmap/internal/maplib"
)

// Mode selects which agents a screen shows
type Mode string

const (
	ModeDispatcher Mode = "dispatcher"
	ModeDriver     Mode = "driver"
	ModeCustomer   Mode = "customer"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDispatcher, ModeDriver, ModeCustomer:
		return m, nil
	case "":
		return ModeDispatcher, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

var (
	ErrAgentRequired = errors.New("mode requires an agent id")
	ErrClosed        = errors.New("session closed")
	ErrAlreadyOpen   = errors.New("session already open")
)

// Feed is the shared snapshot producer
type Feed interface {
	Subscribe(fn func([]domain.AgentSnapshot)) (unsubscribe func())
	OnError(fn func(error)) (unsubscribe func())
	RefreshNow(ctx context.Context) bool
	Last() []domain.AgentSnapshot
}

type Config struct {
	Mode    Mode
	AgentID string
	Center  geo.Point
	Zoom    int
}

// Session is one connected screen
type Session struct {
	id      string
	cfg     Config
	surface maplib.Surface
	view    *mapview.Controller
	feed    Feed
	watcher *geowatch.Watcher
	logger  *slog.Logger

	onSummary func(Summary)

	snaps chan []domain.AgentSnapshot
	self  chan *domain.SelfLocation
	cmds  chan command
	done  chan struct{}
	exit  chan struct{}

	openMu    sync.Mutex
	opened    bool
	closeOnce sync.Once
	unsubs    []func()
	stopInit  context.CancelFunc

	// loop-owned
	visible    []domain.AgentSnapshot
	selfLoc    *domain.SelfLocation
	fitted     bool
	lastUpdate time.Time
	ingestErr  string
	geoErr     *domain.GeolocationError
	mapErr     error

	sumMu   sync.RWMutex
	summary Summary
}

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdFit
	cmdRetry
	cmdLocate
	cmdMapReady
	cmdMapError
	cmdIngestError
	cmdGeoError
	cmdLocated
)

type command struct {
	kind commandKind
	err  error
}

// New builds a session. view and watcher are owned by the session from here
// on and released by Close.
func New(id string, cfg Config, surface maplib.Surface, view *mapview.Controller, feed Feed, watcher *geowatch.Watcher, onSummary func(Summary), logger *slog.Logger) (*Session, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDispatcher
	}
	if cfg.Mode != ModeDispatcher && cfg.AgentID == "" {
		return nil, ErrAgentRequired
	}
	if onSummary == nil {
		onSummary = func(Summary) {}
	}
	return &Session{
		id:        id,
		cfg:       cfg,
		surface:   surface,
		view:      view,
		feed:      feed,
		watcher:   watcher,
		onSummary: onSummary,
		logger:    logger.With("component", "session", "session_id", id, "mode", cfg.Mode),
		snaps:     make(chan []domain.AgentSnapshot, 1),
		self:      make(chan *domain.SelfLocation, 1),
		cmds:      make(chan command, 16),
		done:      make(chan struct{}),
		exit:      make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Mode() Mode { return s.cfg.Mode }

// Open starts the event loop, subscribes to the feed, starts map
// initialization in the background and, for driver and customer screens,
// starts watching the device position. It does not wait for the map: map and
// geolocation failures are reported through the summary, not returned.
func (s *Session) Open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if s.opened {
		return ErrAlreadyOpen
	}
	s.opened = true

	go s.loop()

	s.view.OnReady(func() { s.send(command{kind: cmdMapReady}) })
	s.view.OnError(func(err error) { s.send(command{kind: cmdMapError, err: err}) })

	if s.watcher != nil {
		s.watcher.OnLocation(func(loc domain.SelfLocation) { offer(s.self, &loc, s.done) })
		s.watcher.OnError(func(ge *domain.GeolocationError) { s.send(command{kind: cmdGeoError, err: ge}) })
	}

	s.unsubs = append(s.unsubs,
		s.feed.Subscribe(func(snaps []domain.AgentSnapshot) { offer(s.snaps, snaps, s.done) }),
		s.feed.OnError(func(err error) { s.send(command{kind: cmdIngestError, err: err}) }),
	)
	if last := s.feed.Last(); last != nil {
		offer(s.snaps, last, s.done)
	}

	zoom := s.cfg.Zoom
	if zoom <= 0 {
		zoom = 12
	}
	initCtx, cancel := context.WithCancel(ctx)
	s.stopInit = cancel
	go s.initMap(initCtx, cancel, zoom)

	if s.watcher != nil && s.cfg.Mode != ModeDispatcher {
		if err := s.watcher.Watch(); err != nil {
			s.logger.Warn("geolocation watch not started", "error", err)
		}
	}

	s.logger.Info("session opened", "agent_id", s.cfg.AgentID)
	return nil
}

// initMap runs the first map initialization. Retries are scheduled by the
// controller and reported through OnReady and OnError.
func (s *Session) initMap(ctx context.Context, cancel context.CancelFunc, zoom int) {
	defer cancel()
	err := s.view.Initialize(ctx, s.surface, s.cfg.Center, zoom)
	if err == nil || errors.Is(err, mapview.ErrDestroyed) {
		return
	}
	var initErr *domain.MapInitError
	if !errors.As(err, &initErr) {
		s.send(command{kind: cmdMapError, err: fmt.Errorf("initializing map: %w", err)})
	}
}

// Close tears the session down. Safe after a partial Open and idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.openMu.Lock()
		opened := s.opened
		unsubs := s.unsubs
		s.unsubs = nil
		close(s.done)
		if s.stopInit != nil {
			s.stopInit()
		}
		s.openMu.Unlock()

		for _, fn := range unsubs {
			fn()
		}
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.view.Destroy()
		if opened {
			<-s.exit
		}
		s.logger.Info("session closed")
	})
}

// Refresh asks the feed for an out-of-band cycle
func (s *Session) Refresh() { s.send(command{kind: cmdRefresh}) }

// Fit frames the visible markers
func (s *Session) Fit() { s.send(command{kind: cmdFit}) }

// Retry restarts map initialization after a terminal failure
func (s *Session) Retry() { s.send(command{kind: cmdRetry}) }

// Locate asks for a single device fix and centers on it
func (s *Session) Locate() { s.send(command{kind: cmdLocate}) }

// Summary returns the latest published summary
func (s *Session) Summary() Summary {
	s.sumMu.RLock()
	defer s.sumMu.RUnlock()
	return s.summary
}

func (s *Session) send(cmd command) {
	select {
	case <-s.done:
	case s.cmds <- cmd:
	default:
		s.logger.Warn("session command dropped", "kind", cmd.kind)
	}
}

// offer replaces any undelivered value in ch with v
func offer[T any](ch chan T, v T, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *Session) loop() {
	defer close(s.exit)

	for {
		select {
		case <-s.done:
			return
		case snaps := <-s.snaps:
			s.applySnapshots(snaps)
		case loc := <-s.self:
			s.applySelf(loc)
		case cmd := <-s.cmds:
			s.handle(cmd)
		}
	}
}

func (s *Session) handle(cmd command) {
	switch cmd.kind {
	case cmdRefresh:
		go func() {
			if !s.feed.RefreshNow(context.Background()) {
				s.logger.Debug("refresh skipped, cycle in flight")
			}
		}()
		return
	case cmdFit:
		s.view.FitToVisible()
		return
	case cmdRetry:
		go func() {
			if err := s.view.Retry(context.Background()); err != nil {
				s.logger.Debug("map retry failed", "error", err)
			}
		}()
	case cmdLocate:
		if s.watcher == nil {
			return
		}
		go func() {
			if _, err := s.watcher.GetOnce(context.Background()); err == nil {
				s.send(command{kind: cmdLocated})
			}
		}()
		return
	case cmdLocated:
		if loc := s.watcher.Current(); loc != nil {
			s.applySelf(loc)
			s.view.CenterOn(geo.Point{Lat: loc.Latitude, Lng: loc.Longitude}, 0)
		}
		return
	case cmdMapReady:
		s.mapErr = nil
		if !s.fitted && s.view.FitToVisible() {
			s.fitted = true
		}
	case cmdMapError:
		s.mapErr = cmd.err
	case cmdIngestError:
		s.ingestErr = cmd.err.Error()
	case cmdGeoError:
		var ge *domain.GeolocationError
		if errors.As(cmd.err, &ge) {
			s.geoErr = ge
			if ge.Kind == domain.GeoPermissionDenied {
				s.selfLoc = nil
				s.view.SetSelf(nil)
			}
		}
	}
	s.publish()
}

func (s *Session) applySnapshots(all []domain.AgentSnapshot) {
	s.visible = s.filter(all)
	s.lastUpdate = time.Now()
	s.ingestErr = ""

	if _, err := s.view.Reconcile(s.visible); err == nil && !s.fitted {
		if s.view.FitToVisible() {
			s.fitted = true
		}
	}
	s.publish()
}

func (s *Session) applySelf(loc *domain.SelfLocation) {
	s.selfLoc = loc
	if loc != nil {
		s.geoErr = nil
	}
	s.view.SetSelf(loc)
	s.publish()
}

func (s *Session) filter(all []domain.AgentSnapshot) []domain.AgentSnapshot {
	if s.cfg.Mode == ModeDispatcher {
		return all
	}
	for _, snap := range all {
		if snap.Key() == s.cfg.AgentID {
			return []domain.AgentSnapshot{snap}
		}
	}
	return []domain.AgentSnapshot{}
}

func (s *Session) publish() {
	sum := Build(s.cfg, s.visible, s.selfLoc)
	sum.MapState = s.view.State().String()
	sum.LastUpdate = s.lastUpdate
	sum.IngestionError = s.ingestErr
	if s.geoErr != nil {
		sum.GeoError = string(s.geoErr.Kind)
	}
	if s.mapErr != nil {
		sum.MapError = s.mapErr.Error()
		var initErr *domain.MapInitError
		sum.CanRetry = errors.As(s.mapErr, &initErr) && initErr.Terminal
	}

	s.sumMu.Lock()
	s.summary = sum
	s.sumMu.Unlock()

	s.onSummary(sum)
}
