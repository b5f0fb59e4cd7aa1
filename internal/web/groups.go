package web

import (
	"fmt"

	"whereabouts/internal/fault"
	"whereabouts/internal/feed"
	"whereabouts/internal/membership"
	"whereabouts/internal/view"

	"github.com/gofiber/fiber/v2"
)

type CreateGroupRequest struct {
	Name string `json:"name" validate:"notblank,max=64"`
}

type JoinGroupRequest struct {
	Name      string `json:"name" validate:"notblank,max=64"`
	GroupCode string `json:"group_code" validate:"required,group_code"`
}

// parse decodes the JSON body into req and validates it.
func (h *Handler) parse(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return fmt.Errorf("%w: malformed request body", fault.ErrValidation)
	}
	return h.Validator.Validate(req)
}

// CreateGroup starts a new group with the caller as its first member and
// stores the identity in the session.
func (h *Handler) CreateGroup(c *fiber.Ctx) error {
	var req CreateGroupRequest
	if err := h.parse(c, &req); err != nil {
		return h.Fail(c, err)
	}

	identity, err := h.Members.CreateGroup(c.UserContext(), req.Name)
	if err != nil {
		return h.Fail(c, err)
	}
	if err := h.Sessions.Save(c, identity); err != nil {
		return h.Fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(identity)
}

func (h *Handler) JoinGroup(c *fiber.Ctx) error {
	var req JoinGroupRequest
	if err := h.parse(c, &req); err != nil {
		return h.Fail(c, err)
	}

	identity, err := h.Members.JoinGroup(c.UserContext(), membership.JoinGroupParams{
		Name:      req.Name,
		GroupCode: req.GroupCode,
		ClientKey: c.IP(),
	})
	if err != nil {
		return h.Fail(c, err)
	}
	if err := h.Sessions.Save(c, identity); err != nil {
		return h.Fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(identity)
}

// LeaveGroup stops the caller's sharing, removes them from the group and
// clears the session.
func (h *Handler) LeaveGroup(c *fiber.Ctx) error {
	identity := identityFrom(c)
	ctx := c.UserContext()

	h.Sharing.Stop(ctx, identity.MemberID)
	h.Sharing.Teardown(identity.MemberID)

	if err := h.Members.LeaveGroup(ctx, identity.MemberID); err != nil {
		return h.Fail(c, err)
	}
	if err := h.Sessions.Clear(c); err != nil {
		return h.Fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Snapshot returns the group's members with their latest positions.
func (h *Handler) Snapshot(c *fiber.Ctx) error {
	identity := identityFrom(c)
	code, err := groupFor(c, identity)
	if err != nil {
		return h.Fail(c, err)
	}

	snapshot, err := h.newFeed(code).Load(c.UserContext())
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(snapshot)
}

// Map returns the group laid out for display to the caller.
func (h *Handler) Map(c *fiber.Ctx) error {
	identity := identityFrom(c)
	code, err := groupFor(c, identity)
	if err != nil {
		return h.Fail(c, err)
	}

	snapshot, err := h.newFeed(code).Load(c.UserContext())
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(view.Render(snapshot, identity.MemberID))
}

func (h *Handler) newFeed(code string) *feed.Feed {
	return feed.New(h.Logger, h.Store, h.Broker, h.Telemetry, code)
}
