package web

import (
	"errors"

	"whereabouts/internal/fault"
	"whereabouts/internal/membership"
	"whereabouts/internal/session"

	"github.com/gofiber/fiber/v2"
)

func ErrorResponse(c *fiber.Ctx, code int, status string, message string) error {
	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}

// Fail answers err in the API error shape. Server side failures are logged and
// their detail kept out of the response.
func (h *Handler) Fail(c *fiber.Ctx, err error) error {
	code, status, message := describeError(err)
	if code >= fiber.StatusInternalServerError {
		h.Logger.ErrorContext(c.UserContext(), "Request failed", "error", err, "path", c.Path())
	}
	return ErrorResponse(c, code, status, message)
}

func describeError(err error) (int, string, string) {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code, statusText(fe.Code), fe.Message
	case errors.Is(err, membership.ErrTooManyAttempts):
		return fiber.StatusTooManyRequests, "RATE_LIMITED", "Too many join attempts. Please try again later."
	case errors.Is(err, membership.ErrGroupNotFound):
		return fiber.StatusNotFound, "NOT_FOUND", "Group not found. Check the code and try again."
	case errors.Is(err, session.ErrNoIdentity):
		return fiber.StatusUnauthorized, "UNAUTHENTICATED", "Create or join a group first."
	}

	switch fault.KindOf(err) {
	case fault.KindValidation:
		return fiber.StatusBadRequest, "INVALID_ARGUMENT", err.Error()
	case fault.KindNotFound:
		return fiber.StatusNotFound, "NOT_FOUND", err.Error()
	case fault.KindPermission:
		return fiber.StatusForbidden, "PERMISSION_DENIED", err.Error()
	case fault.KindUnsupported:
		return fiber.StatusNotImplemented, "UNSUPPORTED", err.Error()
	case fault.KindTransientStore:
		return fiber.StatusServiceUnavailable, "UNAVAILABLE", "Service temporarily unavailable. Please retry."
	default:
		return fiber.StatusInternalServerError, "SERVER_ERROR", "Internal server error"
	}
}

func statusText(code int) string {
	switch {
	case code == fiber.StatusNotFound:
		return "NOT_FOUND"
	case code == fiber.StatusTooManyRequests:
		return "RATE_LIMITED"
	case code == fiber.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case code >= fiber.StatusInternalServerError:
		return "SERVER_ERROR"
	default:
		return "INVALID_ARGUMENT"
	}
}

// ErrorHandler renders errors that escape the handlers, such as unmatched
// routes or recovered panics.
func (h *Handler) ErrorHandler(c *fiber.Ctx, err error) error {
	return h.Fail(c, err)
}
