package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"whereabouts/internal/monitoring"

	"github.com/google/uuid"
)

type registryEntry struct {
	publisher *Publisher
	geo       *RemoteGeolocator
	cancel    context.CancelFunc
}

// Registry holds one Publisher per member for the lifetime of the server.
// Devices feed their publisher through Deliver and Fail.
type Registry struct {
	logger      *slog.Logger
	store       Store
	telemetry   monitoring.Telemetry
	opts        Options
	heartbeat   time.Duration
	onPublished func(uuid.UUID, Position)

	mu      sync.Mutex
	entries map[uuid.UUID]*registryEntry
	// stopping holds the torn down publishers whose offline write is still
	// running, closed once it lands.
	stopping map[uuid.UUID]chan struct{}
}

// NewRegistry returns an empty registry. heartbeat is handed to every
// publisher, see PublisherConfig.
func NewRegistry(logger *slog.Logger, store Store, telemetry monitoring.Telemetry, opts Options, heartbeat time.Duration, onPublished func(uuid.UUID, Position)) *Registry {
	return &Registry{
		logger:      logger,
		store:       store,
		telemetry:   telemetry,
		opts:        opts,
		heartbeat:   heartbeat,
		onPublished: onPublished,
		entries:     make(map[uuid.UUID]*registryEntry),
		stopping:    make(map[uuid.UUID]chan struct{}),
	}
}

func (r *Registry) entry(memberID uuid.UUID) *registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[memberID]; ok {
		return e
	}
	geo := NewRemoteGeolocator()
	e := &registryEntry{
		geo: geo,
		publisher: NewPublisher(r.logger, r.store, geo, r.telemetry, PublisherConfig{
			MemberID:    memberID,
			Options:     r.opts,
			OnPublished: r.onPublished,
			Heartbeat:   r.heartbeat,
		}),
	}
	r.entries[memberID] = e
	return e
}

func (r *Registry) lookup(memberID uuid.UUID) (*registryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[memberID]
	return e, ok
}

// Start begins sharing for memberID. Sharing outlives the calling request and
// ends with Stop, Teardown or Close. A teardown still writing the member
// offline finishes first, so its write cannot land after the new sharing
// marked them online.
func (r *Registry) Start(ctx context.Context, memberID uuid.UUID) (Status, error) {
	r.mu.Lock()
	stopped, ok := r.stopping[memberID]
	r.mu.Unlock()
	if ok {
		select {
		case <-stopped:
		case <-ctx.Done():
			return Status{State: StateIdle}, ctx.Err()
		}
	}

	e := r.entry(memberID)

	r.mu.Lock()
	if e.publisher.Sharing() {
		r.mu.Unlock()
		return e.publisher.Status(), nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	sharingCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	err := e.publisher.Start(sharingCtx)
	r.mu.Unlock()

	return e.publisher.Status(), err
}

func (r *Registry) Stop(ctx context.Context, memberID uuid.UUID) Status {
	e, ok := r.lookup(memberID)
	if !ok {
		return Status{State: StateIdle}
	}
	e.publisher.Stop(ctx)
	return e.publisher.Status()
}

// Deliver hands a device reading to the member's publisher. Readings for a
// member that is not sharing are dropped.
func (r *Registry) Deliver(memberID uuid.UUID, pos Position) Status {
	e, ok := r.lookup(memberID)
	if !ok {
		return Status{State: StateIdle}
	}
	e.geo.Push(pos)
	return e.publisher.Status()
}

// Fail records a device reading error. Sharing continues.
func (r *Registry) Fail(memberID uuid.UUID, err error) Status {
	e, ok := r.lookup(memberID)
	if !ok {
		return Status{State: StateIdle}
	}
	e.geo.Fail(err)
	return e.publisher.Status()
}

func (r *Registry) Status(memberID uuid.UUID) Status {
	e, ok := r.lookup(memberID)
	if !ok {
		return Status{State: StateIdle}
	}
	return e.publisher.Status()
}

// Teardown ends the member's session: sharing stops in the background with a
// best-effort offline write and the publisher is forgotten.
func (r *Registry) Teardown(memberID uuid.UUID) {
	r.mu.Lock()
	e, ok := r.entries[memberID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, memberID)
	stopped := make(chan struct{})
	r.stopping[memberID] = stopped
	r.mu.Unlock()

	go func() {
		defer close(stopped)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		e.publisher.Stop(ctx)
		if e.cancel != nil {
			e.cancel()
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopping[memberID] == stopped {
			delete(r.stopping, memberID)
		}
	}()
}

// Close stops every publisher and waits for their offline writes, including
// those of earlier teardowns.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	entries := make([]registryEntry, 0, len(r.entries))
	for id, e := range r.entries {
		entries = append(entries, *e)
		delete(r.entries, id)
	}
	pending := make([]chan struct{}, 0, len(r.stopping))
	for _, stopped := range r.stopping {
		pending = append(pending, stopped)
	}
	r.mu.Unlock()

	for _, stopped := range pending {
		select {
		case <-stopped:
		case <-ctx.Done():
		}
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.publisher.Stop(ctx)
			if e.cancel != nil {
				e.cancel()
			}
		}()
	}
	wg.Wait()
}

// Len reports how many members have a publisher.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
