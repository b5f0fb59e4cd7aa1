package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"whereabouts/internal/feed"
	"whereabouts/internal/view"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Events streams the caller's map page as server-sent events. A page event
// goes out on every feed change and an error event when a refresh fails.
// Closing the last stream of a member ends their sharing.
func (h *Handler) Events(c *fiber.Ctx) error {
	identity := identityFrom(c)
	code, err := groupFor(c, identity)
	if err != nil {
		return h.Fail(c, err)
	}

	ctx, cancel := context.WithCancel(h.ctx)
	f := h.newFeed(code)
	updates := make(chan feed.Update, 8)
	done := make(chan error, 1)
	go func() {
		done <- f.Run(ctx, func(u feed.Update) {
			select {
			case updates <- u:
			case <-ctx.Done():
			}
		})
	}()

	// The initial load decides between a stream and a plain error response.
	var first feed.Update
	select {
	case first = <-updates:
	case err := <-done:
		cancel()
		if err == nil {
			err = fiber.ErrServiceUnavailable
		}
		return h.Fail(c, err)
	}

	unregister := h.Hub.Register(identity.MemberID, f)
	logger := h.Logger.With("member_id", identity.MemberID, "group_code", code)
	logger.InfoContext(c.UserContext(), "Event stream opened")

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	heartbeat := h.Heartbeat
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cancel()
			unregister()
			if h.Hub.Watching(identity.MemberID) == 0 {
				h.Sharing.Teardown(identity.MemberID)
			}
		}()

		s := stream{w: w, self: identity.MemberID, heartbeat: heartbeat}
		if err := s.run(ctx, first, updates, done); err != nil {
			logger.Info("Event stream closed", "reason", err)
			return
		}
		logger.Info("Event stream closed")
	})
	return nil
}

type stream struct {
	w         *bufio.Writer
	self      uuid.UUID
	heartbeat time.Duration
}

// run writes first and every later update until ctx ends, the feed stops or
// the group disappears. A write error means the client went away.
func (s stream) run(ctx context.Context, first feed.Update, updates <-chan feed.Update, done <-chan error) error {
	if err := s.send(first); err != nil {
		return err
	}

	var tick <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			if err := s.send(u); err != nil {
				return err
			}
			if errors.Is(u.Err, feed.ErrGroupNotFound) {
				return nil
			}
		case err := <-done:
			if err != nil {
				_ = s.send(feed.Update{Err: err})
			}
			return err
		case <-tick:
			if _, err := s.w.WriteString(": ping\n\n"); err != nil {
				return err
			}
			if err := s.w.Flush(); err != nil {
				return err
			}
		}
	}
}

func (s stream) send(u feed.Update) error {
	if u.Err != nil {
		code, status, message := describeError(u.Err)
		return s.event("error", fiber.Map{
			"error": fiber.Map{"code": code, "message": message, "status": status},
		})
	}
	return s.event("page", view.Render(u.Snapshot, s.self))
}

func (s stream) event(name string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, body); err != nil {
		return err
	}
	return s.w.Flush()
}
