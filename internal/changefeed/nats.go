package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"whereabouts/internal/fault"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

const (
	subjectPrefix = "whereabouts.changes."

	// flushTimeout bounds the round trip that makes a new subscription live.
	flushTimeout = 5 * time.Second
)

// NATSBroker fans events out across server instances over core NATS subjects.
// It mirrors the Redis layout: one subject per group for member events and a
// single subject for location events.
type NATSBroker struct {
	conn   *nats.Conn
	logger *slog.Logger
	buffer int
}

func NewNATSBroker(logger *slog.Logger, conn *nats.Conn, buffer int) *NATSBroker {
	return &NATSBroker{
		conn:   conn,
		logger: logger,
		buffer: buffer,
	}
}

func subjectFor(table Table, groupCode string) string {
	if table == TableMembers {
		return subjectPrefix + string(table) + "." + groupCode
	}
	return subjectPrefix + string(table)
}

func (b *NATSBroker) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("changefeed: failed to encode event: %w", err)
	}
	if err := b.conn.Publish(subjectFor(event.Table, event.GroupCode), payload); err != nil {
		return fmt.Errorf("%w: changefeed: failed to publish: %w", fault.ErrTransientStore, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, filters ...Filter) (*Subscription, error) {
	var subjects []string
	for _, f := range filters {
		subject := subjectFor(f.Table, f.GroupCode)
		if f.Table == TableMembers && f.GroupCode == "" {
			subject = subjectFor(TableMembers, "*")
		}
		if !slices.Contains(subjects, subject) {
			subjects = append(subjects, subject)
		}
	}

	sub := newSubscription(b.buffer, filters)

	// Callbacks run on the client's dispatch goroutines and may still be in
	// flight after Unsubscribe, so closing the channel is guarded.
	var (
		mu     sync.Mutex
		closed bool
	)
	handle := func(msg *nats.Msg) {
		event, err := DecodeEvent(string(msg.Data))
		if err != nil {
			b.logger.Warn("Dropping undecodable change event", "subject", msg.Subject, "error", err)
			return
		}
		if !matchAny(sub.filters, event) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			sub.offer(event)
		}
	}

	subs := make([]*nats.Subscription, 0, len(subjects))
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, subject := range subjects {
		s, err := b.conn.Subscribe(subject, handle)
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("%w: changefeed: failed to subscribe: %w", fault.ErrTransientStore, err)
		}
		subs = append(subs, s)
	}

	// The server has registered the interest once the flush round trip returns.
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := b.conn.FlushWithContext(flushCtx); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("%w: changefeed: subscription not confirmed: %w", fault.ErrTransientStore, err)
	}

	sub.onClose = func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		closed = true
		close(sub.events)
	}
	context.AfterFunc(ctx, sub.Close)

	return sub, nil
}
