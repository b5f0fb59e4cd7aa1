package web

import (
	"time"

	"whereabouts/internal/location"
	"whereabouts/internal/util"

	"github.com/gofiber/fiber/v2"
)

// LocationRequest is one reading reported by the caller's device.
type LocationRequest struct {
	Latitude   *float64   `json:"latitude" validate:"required,latitude"`
	Longitude  *float64   `json:"longitude" validate:"required,longitude"`
	Accuracy   *float64   `json:"accuracy" validate:"omitempty,gte=0"`
	CapturedAt *time.Time `json:"captured_at"`
}

func (r LocationRequest) position() location.Position {
	pos := location.Position{
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Accuracy:  util.FromPtr(r.Accuracy),
	}
	if r.CapturedAt != nil {
		pos.CapturedAt = r.CapturedAt.UTC()
	}
	return pos
}

// LocationErrorRequest reports a failed reading with the device's error code.
type LocationErrorRequest struct {
	Code    int    `json:"code" validate:"required,oneof=1 2 3"`
	Message string `json:"message" validate:"max=256"`
}

func (h *Handler) StartSharing(c *fiber.Ctx) error {
	identity := identityFrom(c)
	status, err := h.Sharing.Start(c.UserContext(), identity.MemberID)
	if err != nil {
		return h.Fail(c, err)
	}
	return c.JSON(status)
}

func (h *Handler) StopSharing(c *fiber.Ctx) error {
	identity := identityFrom(c)
	return c.JSON(h.Sharing.Stop(c.UserContext(), identity.MemberID))
}

func (h *Handler) SharingStatus(c *fiber.Ctx) error {
	identity := identityFrom(c)
	return c.JSON(h.Sharing.Status(identity.MemberID))
}

// PushLocation hands a device reading to the caller's publisher and returns
// the resulting sharing status. Readings sent while not sharing are dropped.
func (h *Handler) PushLocation(c *fiber.Ctx) error {
	var req LocationRequest
	if err := h.parse(c, &req); err != nil {
		return h.Fail(c, err)
	}
	identity := identityFrom(c)
	return c.JSON(h.Sharing.Deliver(identity.MemberID, req.position()))
}

// PushLocationError records a failed device reading. Sharing stays on.
func (h *Handler) PushLocationError(c *fiber.Ctx) error {
	var req LocationErrorRequest
	if err := h.parse(c, &req); err != nil {
		return h.Fail(c, err)
	}
	identity := identityFrom(c)
	return c.JSON(h.Sharing.Fail(identity.MemberID, location.ErrorFromCode(req.Code, req.Message)))
}
