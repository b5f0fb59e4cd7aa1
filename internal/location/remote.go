package location

import (
	"context"
	"sync"
	"time"

	"whereabouts/internal/util"
)

type reading struct {
	pos Position
	err error
}

type watcher struct {
	onPosition func(Position)
	onError    func(error)
}

// RemoteGeolocator is fed by readings a device pushes to the server. Push and
// Fail call watchers on the caller's goroutine.
type RemoteGeolocator struct {
	mu       sync.Mutex
	latest   util.Optional[Position]
	watchers map[int]watcher
	waiters  map[int]chan reading
	nextID   int
	now      func() time.Time
}

func NewRemoteGeolocator() *RemoteGeolocator {
	return &RemoteGeolocator{
		watchers: make(map[int]watcher),
		waiters:  make(map[int]chan reading),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Push records pos as the latest reading and delivers it. A zero CapturedAt is
// stamped with the time of arrival.
func (g *RemoteGeolocator) Push(pos Position) {
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = g.now()
	}

	g.mu.Lock()
	g.latest = util.Some(pos)
	watchers, waiters := g.drainLocked()
	g.mu.Unlock()

	for _, ch := range waiters {
		ch <- reading{pos: pos}
	}
	for _, w := range watchers {
		w.onPosition(pos)
	}
}

// Fail delivers a reading error to watchers and pending requests.
func (g *RemoteGeolocator) Fail(err error) {
	g.mu.Lock()
	watchers, waiters := g.drainLocked()
	g.mu.Unlock()

	for _, ch := range waiters {
		ch <- reading{err: err}
	}
	for _, w := range watchers {
		if w.onError != nil {
			w.onError(err)
		}
	}
}

func (g *RemoteGeolocator) drainLocked() ([]watcher, []chan reading) {
	watchers := make([]watcher, 0, len(g.watchers))
	for _, w := range g.watchers {
		watchers = append(watchers, w)
	}
	waiters := make([]chan reading, 0, len(g.waiters))
	for id, ch := range g.waiters {
		waiters = append(waiters, ch)
		delete(g.waiters, id)
	}
	return watchers, waiters
}

// CurrentPosition returns the latest reading when it is younger than
// opts.MaximumAge, otherwise it waits for the next one up to opts.Timeout.
func (g *RemoteGeolocator) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	g.mu.Lock()
	if g.latest.IsSet && opts.MaximumAge > 0 && g.now().Sub(g.latest.Val.CapturedAt) <= opts.MaximumAge {
		pos := g.latest.Val
		g.mu.Unlock()
		return pos, nil
	}
	id := g.nextID
	g.nextID++
	ch := make(chan reading, 1)
	g.waiters[id] = ch
	g.mu.Unlock()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-ch:
		return r.pos, r.err
	case <-timeout:
		g.forget(id)
		return Position{}, ErrTimeout
	case <-ctx.Done():
		g.forget(id)
		return Position{}, ctx.Err()
	}
}

func (g *RemoteGeolocator) forget(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waiters, id)
}

func (g *RemoteGeolocator) Watch(opts Options, onPosition func(Position), onError func(error)) (Watch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.watchers[id] = watcher{onPosition: onPosition, onError: onError}

	var once sync.Once
	return watchFunc(func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.watchers, id)
		})
	}), nil
}

// Latest returns the most recent pushed reading.
func (g *RemoteGeolocator) Latest() util.Optional[Position] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest
}
