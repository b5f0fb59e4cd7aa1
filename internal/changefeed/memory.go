package changefeed

import (
	"context"
	"sync"
)

// MemoryBroker fans events out within one process.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

func NewMemoryBroker(buffer int) *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if matchAny(sub.filters, event) {
			sub.offer(event)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, filters ...Filter) (*Subscription, error) {
	sub := newSubscription(b.buffer, filters)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	sub.onClose = func() {
		b.mu.Lock()
		delete(b.subs, sub)
		close(sub.events)
		b.mu.Unlock()
	}
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// Subscribers reports the number of open subscriptions.
func (b *MemoryBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
