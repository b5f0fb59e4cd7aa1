package web

import (
	"errors"

	"whereabouts/internal/database"
	"whereabouts/internal/membership"
	"whereabouts/internal/session"

	"github.com/gofiber/fiber/v2"
)

const identityKey = "identity"

// RequireIdentity rejects requests without a member identity in their session
// and stores the identity for the handlers. A session whose member no longer
// exists, removed from another device, is cleared and rejected the same way.
func (h *Handler) RequireIdentity(c *fiber.Ctx) error {
	identity, err := h.Sessions.Get(c)
	if err != nil {
		return h.Fail(c, err)
	}

	member, err := h.Store.GetMemberByID(c.UserContext(), identity.MemberID)
	if errors.Is(err, database.ErrMemberNotFound) {
		if clearErr := h.Sessions.Clear(c); clearErr != nil {
			h.Logger.WarnContext(c.UserContext(), "Failed to clear stale session", "member_id", identity.MemberID, "error", clearErr)
		}
		return h.Fail(c, errors.Join(session.ErrNoIdentity, err))
	}
	if err != nil {
		return h.Fail(c, err)
	}
	identity.Name, identity.GroupCode = member.Name, member.GroupCode
	c.Locals(identityKey, identity)
	return c.Next()
}

func identityFrom(c *fiber.Ctx) session.Identity {
	identity, _ := c.Locals(identityKey).(session.Identity)
	return identity
}

// groupFor resolves the :code route parameter for identity. A member only
// sees their own group; any other code reads as not found.
func groupFor(c *fiber.Ctx, identity session.Identity) (string, error) {
	code := membership.NormalizeGroupCode(c.Params("code"))
	if code == "" || code != identity.GroupCode {
		return "", membership.ErrGroupNotFound
	}
	return code, nil
}
