package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"whereabouts/internal/database"
	"whereabouts/internal/fault"
	"whereabouts/internal/monitoring"
	"whereabouts/internal/ratelimit"
	"whereabouts/internal/session"
	"whereabouts/internal/validator"

	"github.com/google/uuid"
)

const (
	CodeLength    = 8
	MaxNameLength = 64

	// maxCodeAttempts bounds the retry loop when a fresh code is already taken.
	maxCodeAttempts = 5
)

var (
	ErrNameRequired       = fmt.Errorf("%w: name is required", fault.ErrValidation)
	ErrNameTooLong        = fmt.Errorf("%w: name must be at most %d characters", fault.ErrValidation, MaxNameLength)
	ErrGroupCodeRequired  = fmt.Errorf("%w: group code is required", fault.ErrValidation)
	ErrGroupCodeInvalid   = fmt.Errorf("%w: group code must be 4 to 16 letters or digits", fault.ErrValidation)
	ErrGroupNotFound      = database.ErrGroupNotFound
	ErrTooManyAttempts    = ratelimit.ErrTooManyAttempts
	ErrCodeSpaceExhausted = errors.New("membership: could not allocate an unused group code")
)

type Store interface {
	CreateMemberInNewGroup(ctx context.Context, params database.CreateMemberParams) (database.Member, error)
	CreateMemberInExistingGroup(ctx context.Context, params database.CreateMemberParams) (database.Member, error)
	DeleteMember(ctx context.Context, id uuid.UUID) (bool, error)
	ListMembersByGroup(ctx context.Context, groupCode string) ([]database.Member, error)
}

type JoinLimiter interface {
	CheckJoin(ctx context.Context, key string) error
}

type Manager struct {
	logger    *slog.Logger
	store     Store
	telemetry monitoring.Telemetry
	limiter   JoinLimiter
	newCode   func() string
}

// NewManager returns a membership manager. A nil limiter admits every join.
func NewManager(logger *slog.Logger, store Store, telemetry monitoring.Telemetry, limiter JoinLimiter) Manager {
	return Manager{
		logger:    logger,
		store:     store,
		telemetry: telemetry,
		limiter:   limiter,
		newCode:   NewGroupCode,
	}
}

// NewGroupCode returns the first eight hex digits of a random UUID in upper case.
func NewGroupCode() string {
	return strings.ToUpper(uuid.NewString()[:CodeLength])
}

// NormalizeGroupCode trims and upper-cases a typed code.
func NormalizeGroupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrNameTooLong
	}
	return name, nil
}

func parseGroupCode(code string) (string, error) {
	code = NormalizeGroupCode(code)
	if code == "" {
		return "", ErrGroupCodeRequired
	}
	if !validator.ValidGroupCode(code) {
		return "", ErrGroupCodeInvalid
	}
	return code, nil
}

// CreateGroup registers the caller as the first member of a new group. The
// member starts offline.
func (m *Manager) CreateGroup(ctx context.Context, name string) (session.Identity, error) {
	name, err := normalizeName(name)
	if err != nil {
		return session.Identity{}, err
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code := m.newCode()
		member, err := m.store.CreateMemberInNewGroup(ctx, database.CreateMemberParams{
			ID:        uuid.New(),
			Name:      name,
			GroupCode: code,
		})
		if errors.Is(err, database.ErrGroupCodeTaken) {
			m.logger.WarnContext(ctx, "Group code collision, retrying", "group_code", code, "attempt", attempt)
			continue
		}
		if err != nil {
			m.telemetry.RecordGroupCreated(ctx, false)
			m.logger.ErrorContext(ctx, "Failed to create group", "error", err)
			return session.Identity{}, fmt.Errorf("membership: failed to create group: %w", err)
		}

		m.telemetry.RecordGroupCreated(ctx, true)
		m.logger.InfoContext(ctx, "Group created", "group_code", member.GroupCode, "member_id", member.ID)
		return session.Identity{MemberID: member.ID, Name: member.Name, GroupCode: member.GroupCode}, nil
	}

	m.telemetry.RecordGroupCreated(ctx, false)
	return session.Identity{}, ErrCodeSpaceExhausted
}

type JoinGroupParams struct {
	Name      string
	GroupCode string

	// ClientKey identifies the caller for rate limiting, usually its IP.
	ClientKey string
}

// JoinGroup adds the caller to an existing group. No member is created when
// the code matches no group.
func (m *Manager) JoinGroup(ctx context.Context, params JoinGroupParams) (session.Identity, error) {
	name, err := normalizeName(params.Name)
	if err != nil {
		m.telemetry.RecordJoin(ctx, monitoring.OutcomeInvalid)
		return session.Identity{}, err
	}
	code, err := parseGroupCode(params.GroupCode)
	if err != nil {
		m.telemetry.RecordJoin(ctx, monitoring.OutcomeInvalid)
		return session.Identity{}, err
	}

	if m.limiter != nil {
		if err := m.limiter.CheckJoin(ctx, params.ClientKey); err != nil {
			if errors.Is(err, ratelimit.ErrTooManyAttempts) {
				m.telemetry.RecordJoin(ctx, monitoring.OutcomeLimited)
				m.logger.WarnContext(ctx, "Join rate limit reached", "client", params.ClientKey)
				return session.Identity{}, err
			}
			// A limiter outage admits the join.
			m.logger.WarnContext(ctx, "Join rate limiter unavailable", "error", err)
		}
	}

	member, err := m.store.CreateMemberInExistingGroup(ctx, database.CreateMemberParams{
		ID:        uuid.New(),
		Name:      name,
		GroupCode: code,
	})
	if err != nil {
		if errors.Is(err, database.ErrGroupNotFound) {
			m.telemetry.RecordJoin(ctx, monitoring.OutcomeNotFound)
			m.logger.InfoContext(ctx, "Join rejected, group not found", "group_code", code)
			return session.Identity{}, err
		}
		m.telemetry.RecordJoin(ctx, monitoring.OutcomeError)
		m.logger.ErrorContext(ctx, "Failed to join group", "group_code", code, "error", err)
		return session.Identity{}, fmt.Errorf("membership: failed to join group: %w", err)
	}

	m.telemetry.RecordJoin(ctx, monitoring.OutcomeSuccess)
	m.logger.InfoContext(ctx, "Member joined group", "group_code", member.GroupCode, "member_id", member.ID)
	return session.Identity{MemberID: member.ID, Name: member.Name, GroupCode: member.GroupCode}, nil
}

// LeaveGroup removes the member and its location. Leaving twice is not an error.
func (m *Manager) LeaveGroup(ctx context.Context, memberID uuid.UUID) error {
	removed, err := m.store.DeleteMember(ctx, memberID)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to leave group", "member_id", memberID, "error", err)
		return fmt.Errorf("membership: failed to leave group: %w", err)
	}

	if removed {
		m.telemetry.RecordLeave(ctx)
		m.logger.InfoContext(ctx, "Member left group", "member_id", memberID)
	}
	return nil
}

// Members lists the group in join order. An unknown code yields an empty list.
func (m *Manager) Members(ctx context.Context, groupCode string) ([]database.Member, error) {
	code, err := parseGroupCode(groupCode)
	if err != nil {
		return nil, err
	}

	members, err := m.store.ListMembersByGroup(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("membership: failed to list members: %w", err)
	}
	return members, nil
}
