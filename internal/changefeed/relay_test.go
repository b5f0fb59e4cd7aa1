package changefeed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	payloads chan string
	listens  atomic.Int32
	// drops is how many listens end with a connection error right after
	// becoming ready.
	drops atomic.Int32
}

func (l *fakeListener) Listen(ctx context.Context, channel string, ready func(), fn func(string)) error {
	l.listens.Add(1)
	ready()
	if l.drops.Add(-1) >= 0 {
		return errors.New("conn closed")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-l.payloads:
			fn(p)
		}
	}
}

type fakeLock struct {
	mu       sync.Mutex
	free     bool
	held     bool
	refresh  bool
	released int
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.free {
		return false, nil
	}
	l.free, l.held = false, true
	return true, nil
}

func (l *fakeLock) Refresh(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refresh, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

func (l *fakeLock) TTL() time.Duration { return 30 * time.Millisecond }

func (l *fakeLock) set(fn func(l *fakeLock)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelay_RepublishesNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker(8)
	sub, err := broker.Subscribe(ctx, Filter{Table: TableMembers, GroupCode: "AB12CD34"})
	require.NoError(t, err)

	source := &fakeListener{payloads: make(chan string)}
	relay := NewRelay(discard(), source, "row_changes", broker, nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	relay.now = func() time.Time { return fixed }

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	id := uuid.New()
	source.payloads <- "garbage"
	source.payloads <- `{"table":"members","op":"INSERT","member_id":"` + id.String() + `","group_code":"AB12CD34"}`

	event := receive(t, sub)
	assert.Equal(t, id, event.MemberID)
	assert.Equal(t, fixed, event.ReceivedAt)

	cancel()
	assert.NoError(t, <-done)
}

func TestRelay_OnlyLeaderListens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock := &fakeLock{free: false, refresh: true}
	source := &fakeListener{payloads: make(chan string)}
	relay := NewRelay(discard(), source, "row_changes", NewMemoryBroker(1), lock)

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, source.listens.Load(), "standby instance must not listen")

	lock.set(func(l *fakeLock) { l.free = true })
	require.Eventually(t, func() bool { return source.listens.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Losing the lease stops listening and releases.
	lock.set(func(l *fakeLock) { l.refresh = false })
	require.Eventually(t, func() bool {
		lock.mu.Lock()
		defer lock.mu.Unlock()
		return lock.released == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRelay_ResyncsOnEveryListen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker(8)
	sub, err := broker.Subscribe(ctx, Filter{Table: TableLocations})
	require.NoError(t, err)

	source := &fakeListener{payloads: make(chan string)}
	source.drops.Store(1)
	relay := NewRelay(discard(), source, "row_changes", broker, nil)

	// The first listen drops; the caller restarts the relay.
	require.EqualError(t, relay.Run(ctx), "conn closed")
	first := receive(t, sub)
	assert.Equal(t, OpResync, first.Op)
	assert.Equal(t, uuid.Nil, first.MemberID)

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	second := receive(t, sub)
	assert.Equal(t, OpResync, second.Op)

	id := uuid.New()
	source.payloads <- `{"table":"locations","op":"UPDATE","member_id":"` + id.String() + `","group_code":"AB12CD34"}`
	update := receive(t, sub)
	assert.Equal(t, OpUpdate, update.Op)
	assert.Equal(t, id, update.MemberID)
	assert.EqualValues(t, 2, source.listens.Load())

	cancel()
	assert.NoError(t, <-done)
}
