// Package changefeed fans row change notifications out to interested feeds.
//
// Delivery is at-least-once and carries no row data: consumers reload what
// they need, so a duplicate or a coalesced event is harmless.
package changefeed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Table string

const (
	TableMembers   Table = "members"
	TableLocations Table = "locations"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"

	// OpResync says notifications may have been missed. It travels on the
	// locations table, which every feed subscribes to, and carries no member.
	OpResync Op = "RESYNC"
)

type Event struct {
	Table     Table     `json:"table"`
	Op        Op        `json:"op"`
	MemberID  uuid.UUID `json:"member_id"`
	GroupCode string    `json:"group_code,omitempty"`

	// ReceivedAt is stamped by the relay, not by the database.
	ReceivedAt time.Time `json:"received_at"`
}

// DecodeEvent parses a row trigger payload.
func DecodeEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, fmt.Errorf("changefeed: invalid payload: %w", err)
	}
	switch event.Table {
	case TableMembers, TableLocations:
	default:
		return Event{}, fmt.Errorf("changefeed: unknown table %q", event.Table)
	}
	return event, nil
}

// Filter selects events of one table. An empty GroupCode matches every group.
type Filter struct {
	Table     Table
	GroupCode string
}

func (f Filter) Match(event Event) bool {
	if f.Table != event.Table {
		return false
	}
	return f.GroupCode == "" || f.GroupCode == event.GroupCode
}

func matchAny(filters []Filter, event Event) bool {
	for _, f := range filters {
		if f.Match(event) {
			return true
		}
	}
	return false
}

type Broker interface {
	Publish(ctx context.Context, event Event) error

	// Subscribe is active when it returns: every event published afterwards
	// that matches one of filters is delivered. The subscription closes when
	// ctx ends or Close is called.
	Subscribe(ctx context.Context, filters ...Filter) (*Subscription, error)
}

// Subscription delivers matching events on C. When the buffer is full further
// events are dropped and Overflowed reports it, so the consumer knows to
// reload everything instead of what the queued events name.
type Subscription struct {
	events    chan Event
	filters   []Filter
	closeOnce sync.Once
	onClose   func()
	dropped   atomic.Bool
}

func newSubscription(buffer int, filters []Filter) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscription{
		events:  make(chan Event, buffer),
		filters: filters,
	}
}

// C is closed after the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Overflowed reports whether events were dropped since the last call.
func (s *Subscription) Overflowed() bool {
	return s.dropped.Swap(false)
}

// offer performs a non-blocking send and reports whether the event was queued.
func (s *Subscription) offer(event Event) bool {
	select {
	case s.events <- event:
		return true
	default:
		s.dropped.Store(true)
		return false
	}
}
