package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whereabouts/internal/fault"
	"whereabouts/internal/util"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeChannel is the NOTIFY channel the row triggers publish on.
const ChangeChannel = "row_changes"

const pgForeignKeyViolation = "23503"

type Database struct {
	Pool *pgxpool.Pool
}

func NewDatabase() Database {
	return Database{
		Pool: nil,
	}
}

func (db *Database) Connect(ctx context.Context, connString string) error {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return fmt.Errorf("unable to parse database configuration: %w", err)
	}

	db.Pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("unable to create database pool: %w", err)
	}

	if err := db.Pool.Ping(ctx); err != nil {
		db.Pool.Close()
		return fmt.Errorf("%w: unable to ping database: %w", fault.ErrTransientStore, err)
	}

	return nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) Ping(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

type Member struct {
	ID         uuid.UUID
	Name       string
	GroupCode  string
	Online     bool
	LastSeenAt util.Optional[time.Time]
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Location struct {
	MemberID   uuid.UUID
	Latitude   float64
	Longitude  float64
	Accuracy   util.Optional[float64]
	CapturedAt time.Time
	UpdatedAt  time.Time
}

var (
	ErrMemberNotFound = fmt.Errorf("%w: member", fault.ErrNotFound)
	ErrGroupNotFound  = fmt.Errorf("%w: group", fault.ErrNotFound)
	ErrGroupCodeTaken = errors.New("group code already in use")
)

func storeError(op string, err error) error {
	return fmt.Errorf("%w: database: failed to %s: %w", fault.ErrTransientStore, op, err)
}

type CreateMemberParams struct {
	ID        uuid.UUID
	Name      string
	GroupCode string
}

type groupCondition int

const (
	groupMustNotExist groupCondition = iota
	groupMustExist
)

// CreateMemberInNewGroup inserts the first member of a group. It fails with
// ErrGroupCodeTaken when any member already carries the code.
func (db *Database) CreateMemberInNewGroup(ctx context.Context, params CreateMemberParams) (Member, error) {
	return db.createMember(ctx, params, groupMustNotExist)
}

// CreateMemberInExistingGroup inserts a member into a group that must already
// have at least one member, otherwise ErrGroupNotFound.
func (db *Database) CreateMemberInExistingGroup(ctx context.Context, params CreateMemberParams) (Member, error) {
	return db.createMember(ctx, params, groupMustExist)
}

// createMember serializes inserts per group code with a transaction scoped
// advisory lock, so the existence check and the insert cannot interleave with a
// concurrent create or join of the same code.
func (db *Database) createMember(ctx context.Context, params CreateMemberParams, cond groupCondition) (Member, error) {
	now := time.Now().UTC()
	member := Member{
		ID:         params.ID,
		Name:       params.Name,
		GroupCode:  params.GroupCode,
		Online:     false,
		LastSeenAt: util.None[time.Time](),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if member.ID == uuid.Nil {
		member.ID = uuid.New()
	}

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return member, storeError("begin member transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, member.GroupCode); err != nil {
		return member, storeError("lock group code", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tbl_member WHERE group_code = $1)`, member.GroupCode).Scan(&exists); err != nil {
		return member, storeError("check group", err)
	}
	switch {
	case cond == groupMustNotExist && exists:
		return member, ErrGroupCodeTaken
	case cond == groupMustExist && !exists:
		return member, ErrGroupNotFound
	}

	if _, err := tx.Exec(ctx, `INSERT INTO tbl_member (id, name, group_code, online, last_seen_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		member.ID, member.Name, member.GroupCode, member.Online, member.LastSeenAt, member.CreatedAt, member.UpdatedAt); err != nil {
		return member, storeError(fmt.Sprintf("insert member (group_code=%s)", member.GroupCode), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return member, storeError("commit member", err)
	}
	return member, nil
}

func (db *Database) GetMemberByID(ctx context.Context, id uuid.UUID) (Member, error) {
	var member Member
	err := db.Pool.QueryRow(ctx, `SELECT id, name, group_code, online, last_seen_at, created_at, updated_at FROM tbl_member WHERE id = $1`, id).Scan(
		&member.ID, &member.Name, &member.GroupCode, &member.Online, &member.LastSeenAt, &member.CreatedAt, &member.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return member, ErrMemberNotFound
		}
		return member, storeError("scan member", err)
	}
	return member, nil
}

// DeleteMember removes the member and, through the foreign key cascade, its
// location. Deleting an unknown id is not an error; the bool reports whether a
// row was removed.
func (db *Database) DeleteMember(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM tbl_member WHERE id = $1`, id)
	if err != nil {
		return false, storeError(fmt.Sprintf("delete member (id=%s)", id), err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetMemberOnline updates the liveness flag. Going online also refreshes
// last_seen_at, which the presence sweep uses as the heartbeat.
func (db *Database) SetMemberOnline(ctx context.Context, id uuid.UUID, online bool) error {
	now := time.Now().UTC()
	tag, err := db.Pool.Exec(ctx, `UPDATE tbl_member SET online = $2, last_seen_at = CASE WHEN $2 THEN $3 ELSE last_seen_at END, updated_at = $3 WHERE id = $1`,
		id, online, now)
	if err != nil {
		return storeError(fmt.Sprintf("update member online (id=%s)", id), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (db *Database) ListMembersByGroup(ctx context.Context, groupCode string) ([]Member, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id, name, group_code, online, last_seen_at, created_at, updated_at FROM tbl_member WHERE group_code = $1 ORDER BY created_at ASC, id ASC`, groupCode)
	if err != nil {
		return nil, storeError("list members", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var member Member
		if err := rows.Scan(&member.ID, &member.Name, &member.GroupCode, &member.Online, &member.LastSeenAt, &member.CreatedAt, &member.UpdatedAt); err != nil {
			return nil, storeError("scan member", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate members", err)
	}

	return members, nil
}

type UpsertLocationParams struct {
	MemberID   uuid.UUID
	Latitude   float64
	Longitude  float64
	Accuracy   util.Optional[float64]
	CapturedAt time.Time
}

// UpsertLocation stores the member's single current sample. A sample captured
// before the stored one is ignored and reported with false, so a delayed write
// can never move a member backwards in time.
func (db *Database) UpsertLocation(ctx context.Context, params UpsertLocationParams) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO tbl_location (member_id, latitude, longitude, accuracy, captured_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (member_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			accuracy = EXCLUDED.accuracy,
			captured_at = EXCLUDED.captured_at,
			updated_at = EXCLUDED.updated_at
		WHERE tbl_location.captured_at <= EXCLUDED.captured_at`,
		params.MemberID, params.Latitude, params.Longitude, params.Accuracy, params.CapturedAt.UTC(), time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return false, ErrMemberNotFound
		}
		return false, storeError(fmt.Sprintf("upsert location (member_id=%s)", params.MemberID), err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *Database) ListLatestLocations(ctx context.Context, memberIDs []uuid.UUID) ([]Location, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}

	rows, err := db.Pool.Query(ctx, `SELECT member_id, latitude, longitude, accuracy, captured_at, updated_at FROM tbl_location WHERE member_id = ANY($1) ORDER BY captured_at DESC`, memberIDs)
	if err != nil {
		return nil, storeError("list locations", err)
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var location Location
		if err := rows.Scan(&location.MemberID, &location.Latitude, &location.Longitude, &location.Accuracy, &location.CapturedAt, &location.UpdatedAt); err != nil {
			return nil, storeError("scan location", err)
		}
		locations = append(locations, location)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate locations", err)
	}

	return locations, nil
}

// MarkStaleMembersOffline flips members whose heartbeat is older than cutoff to
// offline and returns them.
func (db *Database) MarkStaleMembersOffline(ctx context.Context, cutoff time.Time) ([]Member, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE tbl_member SET online = false, updated_at = $2
		WHERE online AND (last_seen_at IS NULL OR last_seen_at < $1)
		RETURNING id, name, group_code, online, last_seen_at, created_at, updated_at`,
		cutoff.UTC(), time.Now().UTC())
	if err != nil {
		return nil, storeError("mark stale members offline", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var member Member
		if err := rows.Scan(&member.ID, &member.Name, &member.GroupCode, &member.Online, &member.LastSeenAt, &member.CreatedAt, &member.UpdatedAt); err != nil {
			return nil, storeError("scan member", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate stale members", err)
	}
	return members, nil
}

// Listen blocks on a dedicated connection and hands every notification payload
// on channel to fn until ctx ends or the connection fails. ready, when set, runs
// once the LISTEN is in effect.
func (db *Database) Listen(ctx context.Context, channel string, ready func(), fn func(payload string)) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return storeError("acquire listen connection", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return storeError("listen on "+channel, err)
	}
	defer func() {
		// A fresh context: ctx is usually already cancelled here.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize())
	}()
	if ready != nil {
		ready()
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return storeError("wait for notification", err)
		}
		fn(notification.Payload)
	}
}
