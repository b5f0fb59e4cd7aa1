package feed

import (
	"sync"

	"whereabouts/internal/location"

	"github.com/google/uuid"
)

// Hub tracks the running feeds each member is watching so a position they
// publish can be shown to them before the store round trip completes.
type Hub struct {
	mu    sync.Mutex
	feeds map[uuid.UUID]map[*Feed]struct{}
}

func NewHub() *Hub {
	return &Hub{feeds: make(map[uuid.UUID]map[*Feed]struct{})}
}

// Register adds f as a feed watched by viewer. The returned func removes it.
func (h *Hub) Register(viewer uuid.UUID, f *Feed) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.feeds[viewer] == nil {
		h.feeds[viewer] = make(map[*Feed]struct{})
	}
	h.feeds[viewer][f] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.feeds[viewer], f)
			if len(h.feeds[viewer]) == 0 {
				delete(h.feeds, viewer)
			}
		})
	}
}

// ApplyLocal forwards memberID's own reading to the feeds they are watching.
func (h *Hub) ApplyLocal(memberID uuid.UUID, pos location.Position) {
	h.mu.Lock()
	feeds := make([]*Feed, 0, len(h.feeds[memberID]))
	for f := range h.feeds[memberID] {
		feeds = append(feeds, f)
	}
	h.mu.Unlock()

	for _, f := range feeds {
		f.ApplyLocal(memberID, pos)
	}
}

// Watching counts the feeds registered for viewer.
func (h *Hub) Watching(viewer uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds[viewer])
}
