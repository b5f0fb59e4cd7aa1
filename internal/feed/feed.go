// Package feed keeps a live view of a group: every member with their online
// flag and latest known position.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"whereabouts/internal/changefeed"
	"whereabouts/internal/database"
	"whereabouts/internal/location"
	"whereabouts/internal/monitoring"
	"whereabouts/internal/util"

	"github.com/google/uuid"
)

var ErrGroupNotFound = database.ErrGroupNotFound

type Store interface {
	ListMembersByGroup(ctx context.Context, groupCode string) ([]database.Member, error)
	ListLatestLocations(ctx context.Context, memberIDs []uuid.UUID) ([]database.Location, error)
}

type Sample struct {
	Latitude   float64                `json:"latitude"`
	Longitude  float64                `json:"longitude"`
	Accuracy   util.Optional[float64] `json:"accuracy"`
	CapturedAt time.Time              `json:"captured_at"`

	// Local marks an optimistic sample the store has not confirmed yet.
	Local bool `json:"local,omitempty"`
}

type Entry struct {
	MemberID   uuid.UUID                `json:"member_id"`
	Name       string                   `json:"name"`
	Online     bool                     `json:"online"`
	LastSeenAt util.Optional[time.Time] `json:"last_seen_at"`
	JoinedAt   time.Time                `json:"joined_at"`
	Location   util.Optional[Sample]    `json:"location"`
}

type Snapshot struct {
	GroupCode string    `json:"group_code"`
	Entries   []Entry   `json:"entries"`
	LoadedAt  time.Time `json:"loaded_at"`
}

func (s Snapshot) Entry(memberID uuid.UUID) (Entry, bool) {
	i := s.index(memberID)
	if i < 0 {
		return Entry{}, false
	}
	return s.Entries[i], true
}

func (s Snapshot) index(memberID uuid.UUID) int {
	return slices.IndexFunc(s.Entries, func(e Entry) bool { return e.MemberID == memberID })
}

func (s Snapshot) clone() Snapshot {
	s.Entries = slices.Clone(s.Entries)
	return s
}

func sampleOf(l database.Location) Sample {
	return Sample{
		Latitude:   l.Latitude,
		Longitude:  l.Longitude,
		Accuracy:   l.Accuracy,
		CapturedAt: l.CapturedAt,
	}
}

// Update is one emission of a running feed: either a fresh snapshot or the
// error that prevented one. The previous snapshot stays valid after an error.
type Update struct {
	Snapshot Snapshot
	Err      error
}

type Feed struct {
	logger    *slog.Logger
	store     Store
	broker    changefeed.Broker
	telemetry monitoring.Telemetry
	groupCode string
	now       func() time.Time

	// debounce is how long Run keeps collecting events before refreshing.
	debounce time.Duration

	mu      sync.Mutex
	current util.Optional[Snapshot]
	local   chan struct{}
}

func New(logger *slog.Logger, store Store, broker changefeed.Broker, telemetry monitoring.Telemetry, groupCode string) *Feed {
	return &Feed{
		logger:    logger.With("group_code", groupCode),
		store:     store,
		broker:    broker,
		telemetry: telemetry,
		groupCode: groupCode,
		now:       func() time.Time { return time.Now().UTC() },
		debounce:  50 * time.Millisecond,
		local:     make(chan struct{}, 1),
	}
}

// Load reads the group and each member's latest sample from the store. A
// group without members does not exist.
func (f *Feed) Load(ctx context.Context) (Snapshot, error) {
	members, err := f.store.ListMembersByGroup(ctx, f.groupCode)
	if err != nil {
		return Snapshot{}, fmt.Errorf("feed: failed to load members: %w", err)
	}
	if len(members) == 0 {
		return Snapshot{}, ErrGroupNotFound
	}

	ids := make([]uuid.UUID, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	locations, err := f.store.ListLatestLocations(ctx, ids)
	if err != nil {
		return Snapshot{}, fmt.Errorf("feed: failed to load locations: %w", err)
	}
	byMember := make(map[uuid.UUID]database.Location, len(locations))
	for _, l := range locations {
		byMember[l.MemberID] = l
	}

	snapshot := Snapshot{
		GroupCode: f.groupCode,
		Entries:   make([]Entry, len(members)),
		LoadedAt:  f.now(),
	}
	for i, m := range members {
		entry := Entry{
			MemberID:   m.ID,
			Name:       m.Name,
			Online:     m.Online,
			LastSeenAt: m.LastSeenAt,
			JoinedAt:   m.CreatedAt,
		}
		if l, ok := byMember[m.ID]; ok {
			entry.Location = util.Some(sampleOf(l))
		}
		snapshot.Entries[i] = entry
	}
	return snapshot, nil
}

// Current returns the last snapshot Run produced.
func (f *Feed) Current() (Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.current.IsSet {
		return Snapshot{}, false
	}
	return f.current.Val.clone(), true
}

func (f *Feed) setCurrent(s Snapshot) Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = util.Some(s)
	return s.clone()
}

// ApplyLocal shows a position this session just published before the store
// confirms it. The next refresh of that member replaces it with the stored
// value. It reports whether the member is in the current snapshot.
func (f *Feed) ApplyLocal(memberID uuid.UUID, pos location.Position) bool {
	f.mu.Lock()
	if !f.current.IsSet {
		f.mu.Unlock()
		return false
	}
	snapshot := f.current.Val.clone()
	i := snapshot.index(memberID)
	if i < 0 {
		f.mu.Unlock()
		return false
	}
	entry := snapshot.Entries[i]
	if entry.Location.IsSet && entry.Location.Val.CapturedAt.After(pos.CapturedAt) {
		f.mu.Unlock()
		return true
	}
	entry.Location = util.Some(Sample{
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Accuracy:   pos.Accuracy,
		CapturedAt: pos.CapturedAt,
		Local:      true,
	})
	entry.Online = true
	snapshot.Entries[i] = entry
	f.current = util.Some(snapshot)
	f.mu.Unlock()

	select {
	case f.local <- struct{}{}:
	default:
	}
	return true
}

// pending collects the events seen since the last refresh.
type pending struct {
	full      bool
	locations map[uuid.UUID]struct{}
}

func (p *pending) add(event changefeed.Event) {
	if event.Op == changefeed.OpResync {
		p.full = true
		return
	}
	switch event.Table {
	case changefeed.TableMembers:
		p.full = true
	case changefeed.TableLocations:
		if p.locations == nil {
			p.locations = make(map[uuid.UUID]struct{})
		}
		p.locations[event.MemberID] = struct{}{}
	}
}

func (p *pending) empty() bool {
	return !p.full && len(p.locations) == 0
}

// Run subscribes to changes for the group, loads it and emits the snapshot,
// then emits again after every relevant change until ctx ends. Member changes
// and resync events reload the whole group. Location changes re-read only the affected members'
// samples. A failed initial load is returned; later failures are emitted and
// the next change triggers a full reload.
func (f *Feed) Run(ctx context.Context, emit func(Update)) error {
	sub, err := f.broker.Subscribe(ctx,
		changefeed.Filter{Table: changefeed.TableMembers, GroupCode: f.groupCode},
		changefeed.Filter{Table: changefeed.TableLocations},
	)
	if err != nil {
		return fmt.Errorf("feed: failed to subscribe: %w", err)
	}
	defer sub.Close()

	snapshot, err := f.Load(ctx)
	f.telemetry.RecordFeedReload(ctx, err == nil)
	if err != nil {
		return err
	}
	emit(Update{Snapshot: f.setCurrent(snapshot)})

	var p pending
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.local:
			if s, ok := f.Current(); ok {
				emit(Update{Snapshot: s})
			}
			continue
		case event, ok := <-sub.C():
			if !ok {
				return nil
			}
			p.add(event)
		}

		if !f.collect(ctx, sub, &p) {
			return nil
		}
		if sub.Overflowed() {
			p.full = true
		}

		update, changed := f.refresh(ctx, &p)
		if changed {
			emit(update)
		}
	}
}

// collect gathers events arriving within the debounce window. It returns
// false once the subscription or ctx has ended.
func (f *Feed) collect(ctx context.Context, sub *changefeed.Subscription, p *pending) bool {
	var window <-chan time.Time
	if f.debounce > 0 {
		timer := time.NewTimer(f.debounce)
		defer timer.Stop()
		window = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-sub.C():
			if !ok {
				return false
			}
			p.add(event)
			continue
		default:
		}
		if window == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-sub.C():
			if !ok {
				return false
			}
			p.add(event)
		case <-window:
			return true
		}
	}
}

// refresh applies the pending changes and reports whether anything should be
// emitted. p is reset unless the refresh failed.
func (f *Feed) refresh(ctx context.Context, p *pending) (Update, bool) {
	current, _ := f.Current()

	if !p.full {
		var ids []uuid.UUID
		for id := range p.locations {
			if current.index(id) >= 0 {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			*p = pending{}
			return Update{}, false
		}

		locations, err := f.store.ListLatestLocations(ctx, ids)
		f.telemetry.RecordFeedReload(ctx, err == nil)
		if err != nil {
			f.logger.WarnContext(ctx, "Failed to refresh locations", "error", err)
			p.full = true
			return Update{Err: fmt.Errorf("feed: failed to load locations: %w", err)}, true
		}

		found := make(map[uuid.UUID]database.Location, len(locations))
		for _, l := range locations {
			found[l.MemberID] = l
		}
		for _, id := range ids {
			i := current.index(id)
			if l, ok := found[id]; ok {
				current.Entries[i].Location = util.Some(sampleOf(l))
			} else {
				current.Entries[i].Location = util.None[Sample]()
			}
		}
		current.LoadedAt = f.now()
		*p = pending{}
		return Update{Snapshot: f.setCurrent(current)}, true
	}

	snapshot, err := f.Load(ctx)
	f.telemetry.RecordFeedReload(ctx, err == nil)
	if err != nil {
		if !errors.Is(err, ErrGroupNotFound) {
			f.logger.WarnContext(ctx, "Failed to reload group", "error", err)
		}
		return Update{Err: err}, true
	}
	*p = pending{}
	return Update{Snapshot: f.setCurrent(snapshot)}, true
}
