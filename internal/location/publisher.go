package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whereabouts/internal/database"
	"whereabouts/internal/monitoring"
	"whereabouts/internal/util"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle    State = "idle"
	StateSharing State = "sharing"
)

// writeTimeout bounds each store write made on behalf of a reading or teardown.
const writeTimeout = 5 * time.Second

type Store interface {
	UpsertLocation(ctx context.Context, params database.UpsertLocationParams) (bool, error)
	SetMemberOnline(ctx context.Context, id uuid.UUID, online bool) error
}

type Status struct {
	State           State                    `json:"state"`
	LastError       string                   `json:"last_error,omitempty"`
	LastPublishedAt util.Optional[time.Time] `json:"last_published_at"`
	LastPosition    util.Optional[Position]  `json:"last_position"`
}

type PublisherConfig struct {
	MemberID uuid.UUID
	Options  Options

	// OnPublished runs after a reading was stored and the member marked online.
	OnPublished func(memberID uuid.UUID, pos Position)

	// Heartbeat, when positive, is how often a sharing member that has gone
	// online is marked online again. It must stay below the presence TTL so a
	// stationary device that sends no new readings is not swept offline.
	Heartbeat time.Duration
}

// Publisher moves between Idle and Sharing. While sharing every reading from
// the geolocator is stored as the member's sample and marks them online.
type Publisher struct {
	logger    *slog.Logger
	store     Store
	geo       Geolocator
	telemetry monitoring.Telemetry
	cfg       PublisherConfig
	now       func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	watch      Watch
	cancel     context.CancelFunc
	stopAfter  func() bool
	online     bool
	lastErr    error
	lastAt     util.Optional[time.Time]
	lastPos    util.Optional[Position]

	// writeMu orders store writes so the offline write of Stop lands after any
	// publish already in flight.
	writeMu sync.Mutex
	// handled is the last reading taken for publishing. A pushed reading can
	// reach the publisher twice, once as the requested position and once
	// through the watch. Guarded by writeMu.
	handled    Position
	handledGen uint64
}

// NewPublisher returns an idle publisher. A nil geolocator makes Start fail
// with ErrUnsupported.
func NewPublisher(logger *slog.Logger, store Store, geo Geolocator, telemetry monitoring.Telemetry, cfg PublisherConfig) *Publisher {
	return &Publisher{
		logger:    logger.With("member_id", cfg.MemberID),
		store:     store,
		geo:       geo,
		telemetry: telemetry,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		state:     StateIdle,
	}
}

// Start enters Sharing: it asks for one reading and registers a watch. When
// ctx ends the publisher tears down as if Stop had been called. Starting an
// already sharing publisher does nothing.
func (p *Publisher) Start(ctx context.Context) error {
	if p.geo == nil {
		return ErrUnsupported
	}

	p.mu.Lock()
	if p.state == StateSharing {
		p.mu.Unlock()
		return nil
	}
	p.generation++
	gen := p.generation
	p.state = StateSharing
	p.online = false
	p.lastErr = nil
	sharingCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	watch, err := p.geo.Watch(p.cfg.Options,
		func(pos Position) { p.handleReading(sharingCtx, gen, pos) },
		func(err error) { p.handleReadingError(gen, err) },
	)

	p.mu.Lock()
	if gen != p.generation {
		// Stopped while the watch was being registered.
		p.mu.Unlock()
		if watch != nil {
			watch.Clear()
		}
		cancel()
		return nil
	}
	if err != nil {
		p.state = StateIdle
		p.lastErr = err
		p.generation++
		p.cancel = nil
		p.mu.Unlock()
		cancel()
		p.logger.WarnContext(ctx, "Failed to start location watch", "error", err)
		return fmt.Errorf("location: failed to start sharing: %w", err)
	}
	p.watch = watch
	p.stopAfter = context.AfterFunc(ctx, func() { p.teardown(gen) })
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Location sharing started")

	if p.cfg.Heartbeat > 0 {
		go p.heartbeat(sharingCtx, gen)
	}

	go func() {
		pos, err := p.geo.CurrentPosition(sharingCtx, p.cfg.Options)
		if err != nil {
			if sharingCtx.Err() == nil {
				p.handleReadingError(gen, err)
			}
			return
		}
		p.handleReading(sharingCtx, gen, pos)
	}()
	return nil
}

// Stop leaves Sharing and writes the member offline. The offline write is best
// effort: a failure is logged and neither retried nor returned.
func (p *Publisher) Stop(ctx context.Context) {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()
	p.stop(ctx, gen)
}

func (p *Publisher) teardown(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if p.stop(ctx, gen) {
		p.logger.Info("Location sharing torn down")
	}
}

// stop ends sharing generation gen and reports whether it was still current.
func (p *Publisher) stop(ctx context.Context, gen uint64) bool {
	p.mu.Lock()
	if p.state != StateSharing || p.generation != gen {
		p.mu.Unlock()
		return false
	}
	p.state = StateIdle
	p.online = false
	p.generation++
	watch, cancel, stopAfter := p.watch, p.cancel, p.stopAfter
	p.watch, p.cancel, p.stopAfter = nil, nil, nil
	p.mu.Unlock()

	if watch != nil {
		watch.Clear()
	}
	if cancel != nil {
		cancel()
	}
	if stopAfter != nil {
		stopAfter()
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancelWrite()
	if err := p.store.SetMemberOnline(writeCtx, p.cfg.MemberID, false); err != nil {
		p.logger.WarnContext(ctx, "Failed to mark member offline", "error", err)
	} else {
		p.logger.InfoContext(ctx, "Location sharing stopped")
	}
	return true
}

func (p *Publisher) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateSharing && p.generation == gen
}

func (p *Publisher) handleReading(ctx context.Context, gen uint64, pos Position) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	// A reading that arrives after Stop belongs to a finished generation.
	if !p.current(gen) {
		p.logger.Debug("Discarding late location reading")
		return
	}
	if p.handledGen == gen && sameReading(p.handled, pos) {
		return
	}
	p.handled, p.handledGen = pos, gen

	err := p.publish(context.WithoutCancel(ctx), pos)

	p.mu.Lock()
	if p.generation == gen {
		p.lastErr = err
		p.online = p.online || err == nil
	}
	p.mu.Unlock()
}

// sameReading reports whether a and b are one delivery of the same reading.
// Readings without a capture time are never considered the same.
func sameReading(a, b Position) bool {
	return !a.CapturedAt.IsZero() &&
		a.CapturedAt.Equal(b.CapturedAt) &&
		a.Latitude == b.Latitude &&
		a.Longitude == b.Longitude &&
		a.Accuracy == b.Accuracy
}

// heartbeat keeps the member's presence fresh for generation gen. Until the
// first reading marks the member online there is nothing to refresh.
func (p *Publisher) heartbeat(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx, gen)
		}
	}
}

func (p *Publisher) beat(ctx context.Context, gen uint64) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	live := p.state == StateSharing && p.generation == gen && p.online
	p.mu.Unlock()
	if !live {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := p.store.SetMemberOnline(writeCtx, p.cfg.MemberID, true); err != nil {
		p.logger.WarnContext(ctx, "Failed to refresh presence", "error", err)
	}
}

func (p *Publisher) handleReadingError(gen uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateSharing || p.generation != gen {
		return
	}
	p.lastErr = err
	p.logger.Warn("Location reading failed", "error", err)
}

// publish stores pos as the member's sample and marks them online.
func (p *Publisher) publish(ctx context.Context, pos Position) error {
	if err := pos.Validate(); err != nil {
		p.telemetry.RecordLocationPublish(ctx, monitoring.OutcomeInvalid)
		p.logger.WarnContext(ctx, "Rejected location reading", "error", err)
		return err
	}
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = p.now()
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	applied, err := p.store.UpsertLocation(ctx, database.UpsertLocationParams{
		MemberID:   p.cfg.MemberID,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Accuracy:   pos.Accuracy,
		CapturedAt: pos.CapturedAt,
	})
	if err != nil {
		p.telemetry.RecordLocationPublish(ctx, monitoring.OutcomeError)
		p.logger.ErrorContext(ctx, "Failed to publish location", "error", err)
		return fmt.Errorf("location: failed to publish: %w", err)
	}

	if err := p.store.SetMemberOnline(ctx, p.cfg.MemberID, true); err != nil {
		p.telemetry.RecordLocationPublish(ctx, monitoring.OutcomeError)
		p.logger.ErrorContext(ctx, "Failed to mark member online", "error", err)
		return fmt.Errorf("location: failed to mark online: %w", err)
	}

	if !applied {
		// An older reading than the stored one still proves the device is alive.
		p.telemetry.RecordLocationPublish(ctx, monitoring.OutcomeStale)
		p.logger.DebugContext(ctx, "Stale location reading ignored", "captured_at", pos.CapturedAt)
		return nil
	}

	p.telemetry.RecordLocationPublish(ctx, monitoring.OutcomeSuccess)

	p.mu.Lock()
	p.lastAt = util.Some(p.now())
	p.lastPos = util.Some(pos)
	p.mu.Unlock()

	if p.cfg.OnPublished != nil {
		p.cfg.OnPublished(p.cfg.MemberID, pos)
	}
	return nil
}

func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := Status{
		State:           p.state,
		LastPublishedAt: p.lastAt,
		LastPosition:    p.lastPos,
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}
	return status
}

// Sharing reports whether the publisher is in the Sharing state.
func (p *Publisher) Sharing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateSharing
}
