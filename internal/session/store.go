// Package session keeps the caller's Identity in a browser-session cookie.
package session

import (
	"errors"
	"fmt"
	"time"

	"whereabouts/internal/fault"

	"github.com/gofiber/fiber/v2"
	fibersession "github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/postgres/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	keyMemberID  = "member_id"
	keyName      = "name"
	keyGroupCode = "group_code"
)

// Identity is the session context of one participant. It is passed explicitly
// to every operation that acts on behalf of the caller.
type Identity struct {
	MemberID  uuid.UUID `json:"member_id"`
	Name      string    `json:"name"`
	GroupCode string    `json:"group_code"`
}

var ErrNoIdentity = fmt.Errorf("%w: no identity in session", fault.ErrNotFound)

type Config struct {
	CookieName   string
	CookieSecure bool

	// Expiration bounds how long an idle session survives server side. The
	// cookie itself is session-only and dies with the browser session.
	Expiration time.Duration

	// Storage defaults to fiber's in-memory storage.
	Storage fiber.Storage
}

type Store struct {
	sessions *fibersession.Store
}

func New(cfg Config) *Store {
	if cfg.CookieName == "" {
		cfg.CookieName = "whereabouts_session"
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = 24 * time.Hour
	}

	return &Store{
		sessions: fibersession.New(fibersession.Config{
			Storage:           cfg.Storage,
			Expiration:        cfg.Expiration,
			KeyLookup:         "cookie:" + cfg.CookieName,
			CookiePath:        "/",
			CookieSecure:      cfg.CookieSecure,
			CookieHTTPOnly:    true,
			CookieSameSite:    "Lax",
			CookieSessionOnly: true,
		}),
	}
}

// NewPostgresStorage keeps sessions in tbl_session on the service's own pool.
func NewPostgresStorage(pool *pgxpool.Pool) fiber.Storage {
	return postgres.New(postgres.Config{
		DB:         pool,
		Table:      "tbl_session",
		Reset:      false,
		GCInterval: 10 * time.Minute,
	})
}

func (s *Store) Get(c *fiber.Ctx) (Identity, error) {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return Identity{}, fmt.Errorf("session: failed to load: %w", err)
	}

	rawID, _ := sess.Get(keyMemberID).(string)
	if rawID == "" {
		return Identity{}, ErrNoIdentity
	}
	memberID, err := uuid.Parse(rawID)
	if err != nil {
		return Identity{}, errors.Join(ErrNoIdentity, err)
	}

	name, _ := sess.Get(keyName).(string)
	groupCode, _ := sess.Get(keyGroupCode).(string)
	return Identity{MemberID: memberID, Name: name, GroupCode: groupCode}, nil
}

// Save replaces the stored identity and rotates the session id.
func (s *Store) Save(c *fiber.Ctx, identity Identity) error {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return fmt.Errorf("session: failed to load: %w", err)
	}
	if err := sess.Regenerate(); err != nil {
		return fmt.Errorf("session: failed to regenerate: %w", err)
	}

	sess.Set(keyMemberID, identity.MemberID.String())
	sess.Set(keyName, identity.Name)
	sess.Set(keyGroupCode, identity.GroupCode)

	if err := sess.Save(); err != nil {
		return fmt.Errorf("session: failed to save: %w", err)
	}
	return nil
}

func (s *Store) Clear(c *fiber.Ctx) error {
	sess, err := s.sessions.Get(c)
	if err != nil {
		return fmt.Errorf("session: failed to load: %w", err)
	}
	if err := sess.Destroy(); err != nil {
		return fmt.Errorf("session: failed to destroy: %w", err)
	}
	return nil
}
