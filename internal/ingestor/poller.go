package ingestor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetmap/internal/domain"
)

// Source is the read API of the remote data store
type Source interface {
	RecentLocations(ctx context.Context, since time.Time) ([]domain.AgentLocation, error)
	AgentsByIDs(ctx context.Context, ids []string) ([]domain.AgentProfile, error)
	ActiveAssignments(ctx context.Context, agentIDs []string) ([]domain.Assignment, error)
}

// Cycle stages, reported in IngestionError.Stage
const (
	StageLocations   = "locations"
	StageProfiles    = "profiles"
	StageAssignments = "assignments"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultWindow   = 2 * time.Hour
)

type Config struct {
	Interval time.Duration
	Window   time.Duration
}

// Status is a point-in-time view of the poller
type Status struct {
	Running    bool          `json:"running"`
	InFlight   bool          `json:"inFlight"`
	Interval   time.Duration `json:"interval"`
	LastUpdate time.Time     `json:"lastUpdate"`
	LastError  string        `json:"lastError,omitempty"`
	Agents     int           `json:"agents"`
	Cycles     int64         `json:"cycles"`
	Failures   int64         `json:"failures"`
}

// Poller periodically pulls fresh locations, enriches them and emits
// snapshot sets to subscribers. Cycles never overlap.
type Poller struct {
	source Source
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	inFlight atomic.Bool
	cycles   atomic.Int64
	failures atomic.Int64

	mu         sync.Mutex
	interval   time.Duration
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	subs       map[int]func([]domain.AgentSnapshot)
	errSubs    map[int]func(error)
	nextID     int
	last       []domain.AgentSnapshot
	lastUpdate time.Time
	lastErr    error
	ready      bool
}

func New(source Source, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Poller{
		source:   source,
		window:   cfg.Window,
		interval: cfg.Interval,
		logger:   logger.With("component", "poller"),
		now:      time.Now,
		subs:     make(map[int]func([]domain.AgentSnapshot)),
		errSubs:  make(map[int]func(error)),
	}
}

// Subscribe registers fn for every emitted snapshot set. Subscribers run on
// the polling goroutine, must not block, must not modify the slice and must
// not call Stop or Close.
func (p *Poller) Subscribe(fn func([]domain.AgentSnapshot)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// OnError registers fn for failed cycles
func (p *Poller) OnError(fn func(error)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.errSubs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.errSubs, id)
	}
}

// Start begins polling every interval, with an immediate first cycle. A
// non-positive interval keeps the current one. Start on a running poller is
// a no-op.
func (p *Poller) Start(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	if interval > 0 {
		p.interval = interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.run(ctx, p.done)

	p.logger.Info("poller started", "interval", p.interval, "window", p.window)
}

// Stop halts the schedule and waits for the loop to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("poller stopped")
}

// Close stops the poller and drops all subscribers. Safe to call without
// Start and more than once.
func (p *Poller) Close() {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = make(map[int]func([]domain.AgentSnapshot))
	p.errSubs = make(map[int]func(error))
}

// SetInterval changes the polling interval from the next scheduling decision
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = d
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// RefreshNow runs an out-of-band cycle in the caller's goroutine. It returns
// false without doing anything when a cycle is already in flight.
func (p *Poller) RefreshNow(ctx context.Context) bool {
	return p.tryCycle(ctx)
}

func (p *Poller) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		p.tryCycle(ctx)

		t := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (p *Poller) tryCycle(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("cycle skipped, previous still running")
		return false
	}
	defer p.inFlight.Store(false)

	start := time.Now()
	snaps, err := p.cycle(ctx)
	p.cycles.Add(1)

	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.failures.Add(1)
		p.mu.Lock()
		p.lastErr = err
		fns := make([]func(error), 0, len(p.errSubs))
		for _, fn := range p.errSubs {
			fns = append(fns, fn)
		}
		p.mu.Unlock()

		p.logger.Error("poll cycle failed", "error", err)
		for _, fn := range fns {
			fn(err)
		}
		return true
	}

	p.mu.Lock()
	p.last = snaps
	p.lastUpdate = p.now()
	p.lastErr = nil
	if !p.ready {
		p.ready = true
		p.logger.Info("poller ready", "agents", len(snaps))
	}
	fns := make([]func([]domain.AgentSnapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(snaps)
	}

	p.logger.Debug("poll completed",
		"agents", len(snaps),
		"subscribers", len(fns),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}

// cycle fetches locations, then profiles and assignments concurrently
func (p *Poller) cycle(ctx context.Context) ([]domain.AgentSnapshot, error) {
	since := p.now().Add(-p.window)

	rows, err := p.source.RecentLocations(ctx, since)
	if err != nil {
		return nil, &domain.IngestionError{Stage: StageLocations, Err: err}
	}

	latest := Latest(rows, since, p.logger)
	if len(latest) == 0 {
		return []domain.AgentSnapshot{}, nil
	}
	ids := agentIDs(latest)

	var wg sync.WaitGroup
	var profiles []domain.AgentProfile
	var assignments []domain.Assignment
	var profileErr, assignmentErr error

	wg.Add(2)

	go func() {
		defer wg.Done()
		profiles, profileErr = p.source.AgentsByIDs(ctx, ids)
	}()

	go func() {
		defer wg.Done()
		assignments, assignmentErr = p.source.ActiveAssignments(ctx, ids)
	}()

	wg.Wait()

	if profileErr != nil {
		return nil, &domain.IngestionError{Stage: StageProfiles, Err: profileErr}
	}
	if assignmentErr != nil {
		return nil, &domain.IngestionError{Stage: StageAssignments, Err: assignmentErr}
	}

	return Join(latest, profiles, assignments, p.logger), nil
}

// Seed installs a snapshot set recovered from elsewhere, such as a cache,
// so Last has something to offer before the first cycle completes. It is
// ignored once a cycle has succeeded and does not mark the poller ready.
func (p *Poller) Seed(snaps []domain.AgentSnapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return false
	}
	p.last = snaps
	return true
}

// Last returns the most recently emitted snapshot set
func (p *Poller) Last() []domain.AgentSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Poller) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Running:    p.running,
		InFlight:   p.inFlight.Load(),
		Interval:   p.interval,
		LastUpdate: p.lastUpdate,
		Agents:     len(p.last),
		Cycles:     p.cycles.Load(),
		Failures:   p.failures.Load(),
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}
