package geowatch

import (
	"context"
	"sync"
	"time"
)

// RequestKind tells the device what the provider needs
type RequestKind string

const (
	RequestOnce  RequestKind = "once"
	RequestWatch RequestKind = "watch"
	RequestClear RequestKind = "clear"
)

// RequestFunc forwards a position request to the device
type RequestFunc func(kind RequestKind, opts Options)

type pushWatch struct {
	onPosition func(Position)
	onError    func(error)
}

type pushResult struct {
	pos Position
	err error
}

// PushProvider is a Provider fed by positions the connected device pushes
// over the wire.
type PushProvider struct {
	request RequestFunc
	now     func() time.Time

	mu      sync.Mutex
	nextID  int
	watches map[int]pushWatch
	waiters []chan pushResult
	last    *Position
	lastAt  time.Time
}

func NewPushProvider(request RequestFunc) *PushProvider {
	if request == nil {
		request = func(RequestKind, Options) {}
	}
	return &PushProvider{
		request: request,
		now:     time.Now,
		watches: make(map[int]pushWatch),
	}
}

// Push delivers a fix from the device
func (p *PushProvider) Push(pos Position) {
	p.mu.Lock()
	cp := pos
	p.last = &cp
	p.lastAt = p.now()
	waiters := p.waiters
	p.waiters = nil
	watches := p.watchList()
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- pushResult{pos: pos}
	}
	for _, w := range watches {
		w.onPosition(pos)
	}
}

// PushError delivers a device failure
func (p *PushProvider) PushError(code int, message string) {
	err := &PositionError{Code: code, Message: message}

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	watches := p.watchList()
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- pushResult{err: err}
	}
	for _, w := range watches {
		w.onError(err)
	}
}

func (p *PushProvider) GetCurrentPosition(ctx context.Context, opts Options) (Position, error) {
	p.mu.Lock()
	if p.last != nil && opts.MaximumAge > 0 && p.now().Sub(p.lastAt) <= opts.MaximumAge {
		pos := *p.last
		p.mu.Unlock()
		return pos, nil
	}
	ch := make(chan pushResult, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	p.request(RequestOnce, opts)

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-ch:
		return res.pos, res.err
	case <-timeout:
		p.dropWaiter(ch)
		return Position{}, &PositionError{Code: CodeTimeout, Message: "timed out waiting for position"}
	case <-ctx.Done():
		p.dropWaiter(ch)
		return Position{}, ctx.Err()
	}
}

func (p *PushProvider) WatchPosition(onPosition func(Position), onError func(error), opts Options) (int, error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.watches[id] = pushWatch{onPosition: onPosition, onError: onError}
	p.mu.Unlock()

	p.request(RequestWatch, opts)
	return id, nil
}

func (p *PushProvider) ClearWatch(id int) {
	p.mu.Lock()
	_, ok := p.watches[id]
	delete(p.watches, id)
	remaining := len(p.watches)
	p.mu.Unlock()

	if ok && remaining == 0 {
		p.request(RequestClear, Options{})
	}
}

// ActiveWatches returns the number of registered watches
func (p *PushProvider) ActiveWatches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

func (p *PushProvider) watchList() []pushWatch {
	out := make([]pushWatch, 0, len(p.watches))
	for _, w := range p.watches {
		out = append(out, w)
	}
	return out
}

func (p *PushProvider) dropWaiter(ch chan pushResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
