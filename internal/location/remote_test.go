package location

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whereabouts/internal/logger"
	"whereabouts/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteGeolocator_CurrentPosition(t *testing.T) {
	opts := Options{Timeout: time.Second, MaximumAge: 30 * time.Second}

	t.Run("fresh reading is returned at once", func(t *testing.T) {
		geo := NewRemoteGeolocator()
		geo.Push(Position{Latitude: 1, Longitude: 2})

		pos, err := geo.CurrentPosition(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, 1.0, pos.Latitude)
		assert.False(t, pos.CapturedAt.IsZero())
	})

	t.Run("stale reading waits for the next push", func(t *testing.T) {
		geo := NewRemoteGeolocator()
		geo.Push(Position{Latitude: 1, CapturedAt: time.Now().Add(-time.Hour)})

		done := make(chan Position, 1)
		go func() {
			pos, err := geo.CurrentPosition(context.Background(), opts)
			assert.NoError(t, err)
			done <- pos
		}()

		require.Eventually(t, func() bool {
			geo.mu.Lock()
			defer geo.mu.Unlock()
			return len(geo.waiters) == 1
		}, time.Second, time.Millisecond)
		geo.Push(Position{Latitude: 7})

		select {
		case pos := <-done:
			assert.Equal(t, 7.0, pos.Latitude)
		case <-time.After(time.Second):
			t.Fatal("CurrentPosition did not return")
		}
	})

	t.Run("times out", func(t *testing.T) {
		geo := NewRemoteGeolocator()
		_, err := geo.CurrentPosition(context.Background(), Options{Timeout: 10 * time.Millisecond})
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Empty(t, geo.waiters)
	})

	t.Run("reading error is returned", func(t *testing.T) {
		geo := NewRemoteGeolocator()
		done := make(chan error, 1)
		go func() {
			_, err := geo.CurrentPosition(context.Background(), opts)
			done <- err
		}()
		require.Eventually(t, func() bool {
			geo.mu.Lock()
			defer geo.mu.Unlock()
			return len(geo.waiters) == 1
		}, time.Second, time.Millisecond)

		geo.Fail(ErrPermissionDenied)
		assert.ErrorIs(t, <-done, ErrPermissionDenied)
	})

	t.Run("context cancellation", func(t *testing.T) {
		geo := NewRemoteGeolocator()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := geo.CurrentPosition(ctx, opts)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRemoteGeolocator_Watch(t *testing.T) {
	geo := NewRemoteGeolocator()
	var positions []Position
	var errs []error

	w, err := geo.Watch(Options{}, func(p Position) { positions = append(positions, p) }, func(err error) { errs = append(errs, err) })
	require.NoError(t, err)

	geo.Push(Position{Latitude: 1})
	geo.Fail(ErrTimeout)
	w.Clear()
	w.Clear()
	geo.Push(Position{Latitude: 2})

	require.Len(t, positions, 1)
	assert.Equal(t, 1.0, positions[0].Latitude)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTimeout)
	assert.Equal(t, 2.0, geo.Latest().Val.Latitude)
}

func TestSimulatedGeolocator(t *testing.T) {
	geo := NewSimulatedGeolocator(40.7128, -74.0060, 5*time.Millisecond, 1)

	pos, err := geo.CurrentPosition(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.NoError(t, pos.Validate())
	assert.InDelta(t, 40.7128, pos.Latitude, 0.001)

	readings := make(chan Position, 16)
	w, err := geo.Watch(DefaultOptions(), func(p Position) {
		select {
		case readings <- p:
		default:
		}
	}, nil)
	require.NoError(t, err)

	for range 3 {
		select {
		case p := <-readings:
			assert.NoError(t, p.Validate())
			assert.True(t, p.Accuracy.IsSet)
		case <-time.After(time.Second):
			t.Fatal("no simulated reading")
		}
	}
	w.Clear()
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore(nil)
	ann := newMember(t, store, "Ann")

	var mu sync.Mutex
	var published []uuid.UUID
	reg := NewRegistry(logger.Discard(), store, noTelemetry(t), Options{Timeout: 50 * time.Millisecond}, 0, func(id uuid.UUID, _ Position) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, id)
	})

	t.Run("readings before start are dropped", func(t *testing.T) {
		status := reg.Deliver(ann.ID, Position{Latitude: 1, Longitude: 1})
		assert.Equal(t, StateIdle, status.State)
		_, ok := store.Location(ann.ID)
		assert.False(t, ok)
	})

	t.Run("start deliver stop", func(t *testing.T) {
		status, err := reg.Start(ctx, ann.ID)
		require.NoError(t, err)
		assert.Equal(t, StateSharing, status.State)

		status, err = reg.Start(ctx, ann.ID)
		require.NoError(t, err)
		assert.Equal(t, StateSharing, status.State)

		status = reg.Deliver(ann.ID, Position{Latitude: 1, Longitude: 2})
		assert.True(t, status.LastPosition.IsSet)
		assert.Equal(t, 2.0, status.LastPosition.Val.Longitude)
		mu.Lock()
		assert.Contains(t, published, ann.ID)
		mu.Unlock()

		status = reg.Fail(ann.ID, ErrorFromCode(CodePositionUnavailable, "indoors"))
		assert.Equal(t, StateSharing, status.State)
		assert.Contains(t, status.LastError, "indoors")

		status = reg.Stop(ctx, ann.ID)
		assert.Equal(t, StateIdle, status.State)
		member, _ := store.Member(ann.ID)
		assert.False(t, member.Online)
	})

	t.Run("restart after stop", func(t *testing.T) {
		_, err := reg.Start(ctx, ann.ID)
		require.NoError(t, err)
		reg.Deliver(ann.ID, Position{Latitude: 3, Longitude: 3})
		member, _ := store.Member(ann.ID)
		assert.True(t, member.Online)
	})

	t.Run("teardown", func(t *testing.T) {
		reg.Teardown(ann.ID)
		assert.Equal(t, 0, reg.Len())
		require.Eventually(t, func() bool {
			m, _ := store.Member(ann.ID)
			return !m.Online
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, StateIdle, reg.Status(ann.ID).State)
	})

	t.Run("close stops everyone", func(t *testing.T) {
		bo := newMember(t, store, "Bo")
		_, err := reg.Start(ctx, bo.ID)
		require.NoError(t, err)
		reg.Deliver(bo.ID, Position{Latitude: 1, Longitude: 1})

		reg.Close(ctx)
		assert.Equal(t, 0, reg.Len())
		member, _ := store.Member(bo.ID)
		assert.False(t, member.Online)
	})
}

func TestRegistry_StartAfterTeardownStaysOnline(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore(nil)
	ann := newMember(t, store, "Ann")
	reg := NewRegistry(logger.Discard(), store, noTelemetry(t), Options{Timeout: 50 * time.Millisecond}, 0, nil)
	defer reg.Close(ctx)

	_, err := reg.Start(ctx, ann.ID)
	require.NoError(t, err)
	reg.Deliver(ann.ID, Position{Latitude: 1, Longitude: 1})

	// Hold up the first presence write after this point: the offline write
	// of the teardown.
	var slowed atomic.Bool
	store.Fail = func(op string) error {
		if op == "SetMemberOnline" && slowed.CompareAndSwap(false, true) {
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	}
	reg.Teardown(ann.ID)

	status, err := reg.Start(ctx, ann.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSharing, status.State)
	reg.Deliver(ann.ID, Position{Latitude: 2, Longitude: 2})

	assert.Never(t, func() bool {
		m, _ := store.Member(ann.ID)
		return !m.Online
	}, 100*time.Millisecond, 5*time.Millisecond)
	loc, ok := store.Location(ann.ID)
	require.True(t, ok)
	assert.Equal(t, 2.0, loc.Latitude)
}
