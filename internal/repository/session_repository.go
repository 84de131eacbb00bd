package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/calcmei/internal/database"
	"github.com/iliyamo/calcmei/internal/model"
)

// SessionRepo persists server-side sessions, one row per live refresh
// token. Only the SHA-256 hash of the refresh token is stored.
type SessionRepo struct{ DB *database.DB }

func NewSessionRepo(db *database.DB) *SessionRepo { return &SessionRepo{DB: db} }

const sessionColumns = "id,principal_id,refresh_token_hash,user_agent,ip,created_at,expires_at,rotated_at"

// Create inserts a session row, assigning an id when s.ID is empty.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.DB.Conn.ExecContext(ctx,
		"INSERT INTO sessions ("+sessionColumns+") VALUES (?,?,?,?,?,?,?,?)",
		s.ID, s.PrincipalID, s.RefreshTokenHash, truncate(s.UserAgent, 512), truncate(s.IP, 64),
		s.CreatedAt.UTC().Truncate(time.Second), s.ExpiresAt.UTC().Truncate(time.Second), nullTime(s.RotatedAt))
	if err != nil {
		if r.DB.IsDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetByID returns a session by id, expired or not.
func (r *SessionRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	row := r.DB.Conn.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id=? LIMIT 1", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetByTokenHash returns the session bound to a refresh token hash,
// expired or not.
func (r *SessionRepo) GetByTokenHash(ctx context.Context, hash string) (*model.Session, error) {
	row := r.DB.Conn.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE refresh_token_hash=? LIMIT 1", hash)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Rotate swaps the refresh token of a live session in a single conditional
// UPDATE. Exactly one of any number of concurrent callers presenting the
// same oldHash can match the row; the others get ErrNotFound, as does a
// caller whose session has expired or been revoked.
func (r *SessionRepo) Rotate(ctx context.Context, oldHash, newHash string, newExpiry, now time.Time) (*model.Session, error) {
	now = now.UTC().Truncate(time.Second)
	res, err := r.DB.Conn.ExecContext(ctx,
		"UPDATE sessions SET refresh_token_hash=?, expires_at=?, rotated_at=? WHERE refresh_token_hash=? AND expires_at > ?",
		newHash, newExpiry.UTC().Truncate(time.Second), now, oldHash, now)
	if err != nil {
		return nil, err
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}
	return r.GetByTokenHash(ctx, newHash)
}

// DeleteByTokenHash removes the session of one refresh token. Deleting a
// missing row is not an error.
func (r *SessionRepo) DeleteByTokenHash(ctx context.Context, hash string) (int64, error) {
	return r.exec(ctx, "DELETE FROM sessions WHERE refresh_token_hash=?", hash)
}

// DeleteByPrincipal removes every session of a principal.
func (r *SessionRepo) DeleteByPrincipal(ctx context.Context, principalID string) (int64, error) {
	return r.exec(ctx, "DELETE FROM sessions WHERE principal_id=?", principalID)
}

// DeleteByID removes one session, scoped to its owner so a principal can
// never revoke someone else's session.
func (r *SessionRepo) DeleteByID(ctx context.Context, principalID, id string) (int64, error) {
	return r.exec(ctx, "DELETE FROM sessions WHERE id=? AND principal_id=?", id, principalID)
}

// DeleteOthers removes every session of a principal except keepID.
func (r *SessionRepo) DeleteOthers(ctx context.Context, principalID, keepID string) (int64, error) {
	return r.exec(ctx, "DELETE FROM sessions WHERE principal_id=? AND id<>?", principalID, keepID)
}

// DeleteExpired removes sessions whose expiry has passed.
func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.exec(ctx, "DELETE FROM sessions WHERE expires_at <= ?", now.UTC().Truncate(time.Second))
}

// ListActive returns the unexpired sessions of a principal, newest first.
func (r *SessionRepo) ListActive(ctx context.Context, principalID string, now time.Time) ([]model.Session, error) {
	rows, err := r.DB.Conn.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE principal_id=? AND expires_at > ? ORDER BY created_at DESC, id",
		principalID, now.UTC().Truncate(time.Second))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *SessionRepo) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.DB.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		s       model.Session
		rotated sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.PrincipalID, &s.RefreshTokenHash, &s.UserAgent, &s.IP,
		&s.CreatedAt, &s.ExpiresAt, &rotated); err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	if rotated.Valid {
		t := rotated.Time.UTC()
		s.RotatedAt = &t
	}
	return &s, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
