package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"whereabouts/internal/fault"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(store *Store) *fiber.App {
	app := fiber.New()
	app.Post("/save", func(c *fiber.Ctx) error {
		id := Identity{MemberID: uuid.MustParse(c.Query("id")), Name: "Alice", GroupCode: "AB12CD34"}
		if err := store.Save(c, id); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/me", func(c *fiber.Ctx) error {
		id, err := store.Get(c)
		if err != nil {
			if fault.KindOf(err) == fault.KindNotFound {
				return c.SendStatus(fiber.StatusUnauthorized)
			}
			return err
		}
		return c.JSON(id)
	})
	app.Post("/clear", func(c *fiber.Ctx) error {
		if err := store.Clear(c); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == "whereabouts_session" {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestStore_SaveGetClear(t *testing.T) {
	app := newTestApp(New(Config{}))
	memberID := uuid.New()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/save?id="+memberID.String(), nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	cookie := sessionCookie(t, resp)
	assert.True(t, cookie.HttpOnly)
	assert.Zero(t, cookie.MaxAge, "cookie must live only for the browser session")

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(cookie)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/clear", nil)
	req.AddCookie(cookie)
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(cookie)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestErrNoIdentity_IsNotFound(t *testing.T) {
	assert.ErrorIs(t, ErrNoIdentity, fault.ErrNotFound)
}
