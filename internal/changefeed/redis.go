package changefeed

import (
	"context"
	"fmt"
	"log/slog"

	"whereabouts/internal/fault"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "whereabouts:changes:"

// RedisBroker fans events out across server instances with Redis pub/sub.
// Member events go to one channel per group, location events to a single
// shared channel.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
	buffer int
}

func NewRedisBroker(logger *slog.Logger, client *redis.Client, buffer int) *RedisBroker {
	return &RedisBroker{
		client: client,
		logger: logger,
		buffer: buffer,
	}
}

func channelFor(table Table, groupCode string) string {
	if table == TableMembers {
		return channelPrefix + string(table) + ":" + groupCode
	}
	return channelPrefix + string(table)
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("changefeed: failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(event.Table, event.GroupCode), payload).Err(); err != nil {
		return fmt.Errorf("%w: changefeed: failed to publish: %w", fault.ErrTransientStore, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, filters ...Filter) (*Subscription, error) {
	var channels, patterns []string
	for _, f := range filters {
		switch {
		case f.Table == TableMembers && f.GroupCode == "":
			patterns = append(patterns, channelFor(TableMembers, "*"))
		default:
			channels = append(channels, channelFor(f.Table, f.GroupCode))
		}
	}

	pubsub := b.client.Subscribe(ctx)
	if len(channels) > 0 {
		if err := pubsub.Subscribe(ctx, channels...); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("%w: changefeed: failed to subscribe: %w", fault.ErrTransientStore, err)
		}
	}
	if len(patterns) > 0 {
		if err := pubsub.PSubscribe(ctx, patterns...); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("%w: changefeed: failed to psubscribe: %w", fault.ErrTransientStore, err)
		}
	}

	// Wait for every confirmation so the subscription is live on return.
	for confirmed := 0; confirmed < len(channels)+len(patterns); {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("%w: changefeed: subscription not confirmed: %w", fault.ErrTransientStore, err)
		}
		if _, ok := msg.(*redis.Subscription); ok {
			confirmed++
		}
	}

	sub := newSubscription(b.buffer, filters)
	done := make(chan struct{})
	sub.onClose = func() {
		_ = pubsub.Close()
		<-done
	}

	go func() {
		defer close(done)
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			event, err := DecodeEvent(msg.Payload)
			if err != nil {
				b.logger.Warn("Dropping undecodable change event", "channel", msg.Channel, "error", err)
				continue
			}
			if matchAny(sub.filters, event) {
				sub.offer(event)
			}
		}
	}()
	context.AfterFunc(ctx, sub.Close)

	return sub, nil
}
