// Package testutil provides an in-memory stand-in for the Postgres store that
// emits the same change events as the row triggers.
package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"whereabouts/internal/changefeed"
	"whereabouts/internal/database"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu        sync.Mutex
	members   map[uuid.UUID]database.Member
	locations map[uuid.UUID]database.Location
	seq       int
	broker    changefeed.Broker
	now       func() time.Time

	// Fail, when set, is returned by every call whose name it accepts.
	Fail func(op string) error
}

// NewMemoryStore returns an empty store. A nil broker disables change events.
func NewMemoryStore(broker changefeed.Broker) *MemoryStore {
	return &MemoryStore{
		members:   make(map[uuid.UUID]database.Member),
		locations: make(map[uuid.UUID]database.Location),
		broker:    broker,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's notion of now.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

func (s *MemoryStore) emit(table changefeed.Table, op changefeed.Op, memberID uuid.UUID, groupCode string) {
	if s.broker == nil {
		return
	}
	_ = s.broker.Publish(context.Background(), changefeed.Event{
		Table:      table,
		Op:         op,
		MemberID:   memberID,
		GroupCode:  groupCode,
		ReceivedAt: time.Now().UTC(),
	})
}

func (s *MemoryStore) groupExistsLocked(code string) bool {
	for _, m := range s.members {
		if m.GroupCode == code {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateMemberInNewGroup(ctx context.Context, params database.CreateMemberParams) (database.Member, error) {
	return s.createMember(params, false)
}

func (s *MemoryStore) CreateMemberInExistingGroup(ctx context.Context, params database.CreateMemberParams) (database.Member, error) {
	return s.createMember(params, true)
}

func (s *MemoryStore) createMember(params database.CreateMemberParams, mustExist bool) (database.Member, error) {
	if err := s.fail("CreateMember"); err != nil {
		return database.Member{}, err
	}

	s.mu.Lock()
	exists := s.groupExistsLocked(params.GroupCode)
	switch {
	case mustExist && !exists:
		s.mu.Unlock()
		return database.Member{}, database.ErrGroupNotFound
	case !mustExist && exists:
		s.mu.Unlock()
		return database.Member{}, database.ErrGroupCodeTaken
	}

	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	// created_at is nudged forward so join order stays total within one tick.
	s.seq++
	now := s.now().Add(time.Duration(s.seq) * time.Microsecond)
	member := database.Member{
		ID:        id,
		Name:      params.Name,
		GroupCode: params.GroupCode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.members[id] = member
	s.mu.Unlock()

	s.emit(changefeed.TableMembers, changefeed.OpInsert, id, member.GroupCode)
	return member, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.fail("Ping")
}

func (s *MemoryStore) GetMemberByID(ctx context.Context, id uuid.UUID) (database.Member, error) {
	if err := s.fail("GetMemberByID"); err != nil {
		return database.Member{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return database.Member{}, database.ErrMemberNotFound
	}
	return m, nil
}

func (s *MemoryStore) DeleteMember(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := s.fail("DeleteMember"); err != nil {
		return false, err
	}

	s.mu.Lock()
	member, ok := s.members[id]
	_, hadLocation := s.locations[id]
	delete(s.members, id)
	delete(s.locations, id)
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	s.emit(changefeed.TableMembers, changefeed.OpDelete, id, member.GroupCode)
	if hadLocation {
		s.emit(changefeed.TableLocations, changefeed.OpDelete, id, "")
	}
	return true, nil
}

func (s *MemoryStore) SetMemberOnline(ctx context.Context, id uuid.UUID, online bool) error {
	if err := s.fail("SetMemberOnline"); err != nil {
		return err
	}

	s.mu.Lock()
	member, ok := s.members[id]
	if !ok {
		s.mu.Unlock()
		return database.ErrMemberNotFound
	}
	changed := member.Online != online
	now := s.now()
	member.Online = online
	if online {
		member.LastSeenAt.Val, member.LastSeenAt.IsSet = now, true
	}
	member.UpdatedAt = now
	s.members[id] = member
	s.mu.Unlock()

	if changed {
		s.emit(changefeed.TableMembers, changefeed.OpUpdate, id, member.GroupCode)
	}
	return nil
}

func (s *MemoryStore) ListMembersByGroup(ctx context.Context, code string) ([]database.Member, error) {
	if err := s.fail("ListMembersByGroup"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var members []database.Member
	for _, m := range s.members {
		if m.GroupCode == code {
			members = append(members, m)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(members, func(a, b database.Member) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return members, nil
}

func (s *MemoryStore) UpsertLocation(ctx context.Context, params database.UpsertLocationParams) (bool, error) {
	if err := s.fail("UpsertLocation"); err != nil {
		return false, err
	}

	s.mu.Lock()
	member, ok := s.members[params.MemberID]
	if !ok {
		s.mu.Unlock()
		return false, database.ErrMemberNotFound
	}
	existing, had := s.locations[params.MemberID]
	if had && existing.CapturedAt.After(params.CapturedAt) {
		s.mu.Unlock()
		return false, nil
	}
	s.locations[params.MemberID] = database.Location{
		MemberID:   params.MemberID,
		Latitude:   params.Latitude,
		Longitude:  params.Longitude,
		Accuracy:   params.Accuracy,
		CapturedAt: params.CapturedAt.UTC(),
		UpdatedAt:  s.now(),
	}
	s.mu.Unlock()

	op := changefeed.OpInsert
	if had {
		op = changefeed.OpUpdate
	}
	s.emit(changefeed.TableLocations, op, params.MemberID, member.GroupCode)
	return true, nil
}

func (s *MemoryStore) ListLatestLocations(ctx context.Context, memberIDs []uuid.UUID) ([]database.Location, error) {
	if err := s.fail("ListLatestLocations"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var locations []database.Location
	for _, id := range memberIDs {
		if loc, ok := s.locations[id]; ok {
			locations = append(locations, loc)
		}
	}
	return locations, nil
}

func (s *MemoryStore) MarkStaleMembersOffline(ctx context.Context, cutoff time.Time) ([]database.Member, error) {
	if err := s.fail("MarkStaleMembersOffline"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var swept []database.Member
	for id, m := range s.members {
		if m.Online && (!m.LastSeenAt.IsSet || m.LastSeenAt.Val.Before(cutoff)) {
			m.Online = false
			m.UpdatedAt = s.now()
			s.members[id] = m
			swept = append(swept, m)
		}
	}
	s.mu.Unlock()

	for _, m := range swept {
		s.emit(changefeed.TableMembers, changefeed.OpUpdate, m.ID, m.GroupCode)
	}
	return swept, nil
}

// Member returns a copy of the stored member, for assertions.
func (s *MemoryStore) Member(id uuid.UUID) (database.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	return m, ok
}

// Location returns a copy of the stored sample, for assertions.
func (s *MemoryStore) Location(id uuid.UUID) (database.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[id]
	return l, ok
}

// MemberCount counts members across all groups.
func (s *MemoryStore) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}
