package location

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whereabouts/internal/config"
	"whereabouts/internal/database"
	"whereabouts/internal/fault"
	"whereabouts/internal/logger"
	"whereabouts/internal/monitoring"
	"whereabouts/internal/testutil"
	"whereabouts/internal/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGeolocator keeps callbacks after Clear so tests can deliver stray
// readings. CurrentPosition blocks until its context ends.
type fakeGeolocator struct {
	mu         sync.Mutex
	onPosition func(Position)
	onError    func(error)
	watches    int
	cleared    int
	watchErr   error
}

func (g *fakeGeolocator) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	<-ctx.Done()
	return Position{}, ctx.Err()
}

func (g *fakeGeolocator) Watch(opts Options, onPosition func(Position), onError func(error)) (Watch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.watchErr != nil {
		return nil, g.watchErr
	}
	g.watches++
	g.onPosition, g.onError = onPosition, onError
	return watchFunc(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.cleared++
	}), nil
}

func (g *fakeGeolocator) deliver(pos Position) {
	g.mu.Lock()
	fn := g.onPosition
	g.mu.Unlock()
	fn(pos)
}

func (g *fakeGeolocator) fail(err error) {
	g.mu.Lock()
	fn := g.onError
	g.mu.Unlock()
	fn(err)
}

func noTelemetry(t *testing.T) monitoring.Telemetry {
	t.Helper()
	tel, err := monitoring.NewOpenTelemetry(config.TelemetryConfig{})
	require.NoError(t, err)
	return tel
}

func newMember(t *testing.T, store *testutil.MemoryStore, name string) database.Member {
	t.Helper()
	m, err := store.CreateMemberInNewGroup(context.Background(), database.CreateMemberParams{
		ID:        uuid.New(),
		Name:      name,
		GroupCode: "G" + uuid.NewString()[:7],
	})
	require.NoError(t, err)
	return m
}

func newTestPublisher(t *testing.T, geo Geolocator) (*Publisher, *testutil.MemoryStore, database.Member) {
	t.Helper()
	store := testutil.NewMemoryStore(nil)
	ann := newMember(t, store, "Ann")
	p := NewPublisher(logger.Discard(), store, geo, noTelemetry(t), PublisherConfig{
		MemberID: ann.ID,
		Options:  DefaultOptions(),
	})
	return p, store, ann
}

func at(lat, lon float64, accuracy float64, when time.Time) Position {
	return Position{Latitude: lat, Longitude: lon, Accuracy: util.Some(accuracy), CapturedAt: when}
}

func TestPublisher_StartWithoutGeolocation(t *testing.T) {
	p, _, _ := newTestPublisher(t, nil)

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, fault.KindUnsupported, fault.KindOf(err))
	assert.Equal(t, StateIdle, p.Status().State)
}

func TestPublisher_ShareAndStop(t *testing.T) {
	geo := NewRemoteGeolocator()
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, StateSharing, p.Status().State)

	geo.Push(at(1, 2, 10, time.Now().UTC()))

	member, ok := store.Member(ann.ID)
	require.True(t, ok)
	assert.True(t, member.Online)

	loc, ok := store.Location(ann.ID)
	require.True(t, ok)
	assert.Equal(t, 1.0, loc.Latitude)
	assert.Equal(t, 2.0, loc.Longitude)
	assert.Equal(t, util.Some(10.0), loc.Accuracy)

	status := p.Status()
	assert.True(t, status.LastPublishedAt.IsSet)
	assert.Empty(t, status.LastError)

	p.Stop(ctx)
	assert.Equal(t, StateIdle, p.Status().State)

	member, _ = store.Member(ann.ID)
	assert.False(t, member.Online)
	after, ok := store.Location(ann.ID)
	require.True(t, ok, "stopping keeps the last known position")
	assert.Equal(t, loc.Latitude, after.Latitude)
	assert.Equal(t, loc.Longitude, after.Longitude)
}

func TestPublisher_StartTwiceIsNoop(t *testing.T) {
	geo := &fakeGeolocator{}
	p, _, _ := newTestPublisher(t, geo)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, 1, geo.watches)

	p.Stop(ctx)
	p.Stop(ctx)
	assert.Equal(t, 1, geo.cleared)
}

func TestPublisher_WatchFailure(t *testing.T) {
	geo := &fakeGeolocator{watchErr: ErrPermissionDenied}
	p, _, _ := newTestPublisher(t, geo)

	err := p.Start(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, fault.KindPermission, fault.KindOf(err))

	status := p.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.NotEmpty(t, status.LastError)
}

func TestPublisher_DiscardsLateReadings(t *testing.T) {
	geo := &fakeGeolocator{}
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	p.Stop(ctx)

	geo.deliver(at(5, 5, 1, time.Now().UTC()))

	_, ok := store.Location(ann.ID)
	assert.False(t, ok)
	member, _ := store.Member(ann.ID)
	assert.False(t, member.Online, "a stopped publisher never marks itself online")
}

func TestPublisher_ReadingErrorsKeepSharing(t *testing.T) {
	geo := &fakeGeolocator{}
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	geo.fail(ErrorFromCode(CodeTimeout, "no fix"))
	status := p.Status()
	assert.Equal(t, StateSharing, status.State)
	assert.Contains(t, status.LastError, "no fix")

	geo.deliver(at(3, 4, 0, time.Now().UTC()))
	status = p.Status()
	assert.Empty(t, status.LastError)
	_, ok := store.Location(ann.ID)
	assert.True(t, ok)
}

func TestPublisher_StoreFailureKeepsSharing(t *testing.T) {
	geo := &fakeGeolocator{}
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	store.Fail = func(op string) error {
		if op == "UpsertLocation" {
			return errors.Join(fault.ErrTransientStore, errors.New("connection reset"))
		}
		return nil
	}
	geo.deliver(at(3, 4, 1, time.Now().UTC()))

	status := p.Status()
	assert.Equal(t, StateSharing, status.State)
	assert.Contains(t, status.LastError, "connection reset")
	assert.False(t, status.LastPublishedAt.IsSet)

	store.Fail = nil
	geo.deliver(at(3, 4, 1, time.Now().UTC()))
	assert.Empty(t, p.Status().LastError)
	_, ok := store.Location(ann.ID)
	assert.True(t, ok)
}

func TestPublisher_RejectsInvalidReadings(t *testing.T) {
	geo := &fakeGeolocator{}
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	geo.deliver(at(91, 0, 1, time.Now().UTC()))

	assert.Contains(t, p.Status().LastError, "latitude")
	_, ok := store.Location(ann.ID)
	assert.False(t, ok)
}

func TestPublisher_OlderReadingDoesNotOverwrite(t *testing.T) {
	geo := &fakeGeolocator{}
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	now := time.Now().UTC()
	geo.deliver(at(10, 10, 1, now))
	geo.deliver(at(20, 20, 1, now.Add(-time.Minute)))

	loc, ok := store.Location(ann.ID)
	require.True(t, ok)
	assert.Equal(t, 10.0, loc.Latitude)
	assert.Empty(t, p.Status().LastError)
}

func TestPublisher_RepeatedPublishesKeepOneSample(t *testing.T) {
	geo := &fakeGeolocator{}
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	start := time.Now().UTC()
	for i := range 5 {
		geo.deliver(at(float64(i), float64(-i), 1, start.Add(time.Duration(i)*time.Second)))
	}

	locations, err := store.ListLatestLocations(ctx, []uuid.UUID{ann.ID})
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, 4.0, locations[0].Latitude)
	assert.Equal(t, -4.0, locations[0].Longitude)
}

func TestPublisher_PushedReadingIsWrittenOnce(t *testing.T) {
	geo := NewRemoteGeolocator()
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()

	var upserts atomic.Int32
	store.Fail = func(op string) error {
		if op == "UpsertLocation" {
			upserts.Add(1)
		}
		return nil
	}

	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)
	// Let the initial position request register so the reading reaches both
	// it and the watch.
	require.Eventually(t, func() bool {
		geo.mu.Lock()
		defer geo.mu.Unlock()
		return len(geo.waiters) == 1
	}, time.Second, time.Millisecond)

	geo.Push(at(1, 2, 10, time.Now().UTC()))
	require.Eventually(t, func() bool { return p.Status().LastPublishedAt.IsSet }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return upserts.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	geo.Push(at(1, 2, 10, time.Now().UTC().Add(time.Second)))
	require.Eventually(t, func() bool { return upserts.Load() == 2 }, time.Second, time.Millisecond)
	_, ok := store.Location(ann.ID)
	assert.True(t, ok)
}

func TestPublisher_HeartbeatWaitsForFirstReading(t *testing.T) {
	geo := &fakeGeolocator{}
	store := testutil.NewMemoryStore(nil)
	ann := newMember(t, store, "Ann")
	p := NewPublisher(logger.Discard(), store, geo, noTelemetry(t), PublisherConfig{
		MemberID:  ann.ID,
		Options:   DefaultOptions(),
		Heartbeat: 5 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	time.Sleep(30 * time.Millisecond)
	member, _ := store.Member(ann.ID)
	assert.False(t, member.Online, "no presence before a reading")

	geo.deliver(at(1, 1, 1, time.Now().UTC()))
	member, _ = store.Member(ann.ID)
	require.True(t, member.Online)
	seen := member.LastSeenAt.Val

	require.Eventually(t, func() bool {
		m, _ := store.Member(ann.ID)
		return m.LastSeenAt.Val.After(seen)
	}, time.Second, 5*time.Millisecond)
}

func TestPublisher_OfflineWriteFailureIsSwallowed(t *testing.T) {
	geo := &fakeGeolocator{}
	p, store, ann := newTestPublisher(t, geo)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	geo.deliver(at(1, 1, 1, time.Now().UTC()))

	store.Fail = func(op string) error {
		if op == "SetMemberOnline" {
			return fault.ErrTransientStore
		}
		return nil
	}
	p.Stop(ctx)

	assert.Equal(t, StateIdle, p.Status().State)
	member, _ := store.Member(ann.ID)
	assert.True(t, member.Online, "the failed offline write is not retried")
}

func TestPublisher_TeardownWhenContextEnds(t *testing.T) {
	geo := &fakeGeolocator{}
	p, store, ann := newTestPublisher(t, geo)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Start(ctx))
	geo.deliver(at(1, 1, 1, time.Now().UTC()))
	member, _ := store.Member(ann.ID)
	require.True(t, member.Online)

	cancel()

	require.Eventually(t, func() bool {
		m, _ := store.Member(ann.ID)
		return !m.Online && !p.Sharing()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, geo.cleared)
}

func TestPublisher_OnPublished(t *testing.T) {
	geo := &fakeGeolocator{}
	store := testutil.NewMemoryStore(nil)
	ann := newMember(t, store, "Ann")

	var got []Position
	p := NewPublisher(logger.Discard(), store, geo, noTelemetry(t), PublisherConfig{
		MemberID: ann.ID,
		Options:  DefaultOptions(),
		OnPublished: func(memberID uuid.UUID, pos Position) {
			assert.Equal(t, ann.ID, memberID)
			got = append(got, pos)
		},
	})
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	geo.deliver(Position{Latitude: 1, Longitude: 2})
	geo.deliver(Position{Latitude: 95, Longitude: 2})

	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Latitude)
	assert.False(t, got[0].CapturedAt.IsZero(), "missing capture time is stamped")
}

func TestPosition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		pos     Position
		wantErr bool
	}{
		{name: "origin", pos: Position{}},
		{name: "corners", pos: Position{Latitude: -90, Longitude: 180}},
		{name: "zero accuracy", pos: Position{Accuracy: util.Some(0.0)}},
		{name: "latitude too high", pos: Position{Latitude: 90.1}, wantErr: true},
		{name: "longitude too low", pos: Position{Longitude: -180.5}, wantErr: true},
		{name: "negative accuracy", pos: Position{Accuracy: util.Some(-1.0)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pos.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPosition)
				assert.ErrorIs(t, err, fault.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorFromCode(t *testing.T) {
	assert.ErrorIs(t, ErrorFromCode(CodePermissionDenied, "User denied Geolocation"), ErrPermissionDenied)
	assert.ErrorIs(t, ErrorFromCode(CodePositionUnavailable, ""), ErrPositionUnavailable)
	assert.ErrorIs(t, ErrorFromCode(CodeTimeout, "Timeout expired"), ErrTimeout)
	assert.ErrorIs(t, ErrorFromCode(42, ""), ErrPositionUnavailable)
	assert.Equal(t, ErrTimeout, ErrorFromCode(CodeTimeout, ""))
}
