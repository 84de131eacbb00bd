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

// ResetTokenRepo stores password reset tokens by hash.
type ResetTokenRepo struct{ DB *database.DB }

func NewResetTokenRepo(db *database.DB) *ResetTokenRepo { return &ResetTokenRepo{DB: db} }

// Create inserts a reset token row.
func (r *ResetTokenRepo) Create(ctx context.Context, t *model.PasswordResetToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := r.DB.Conn.ExecContext(ctx,
		"INSERT INTO password_reset_tokens (id,principal_id,token_hash,expires_at,created_at) VALUES (?,?,?,?,?)",
		t.ID, t.PrincipalID, t.TokenHash,
		t.ExpiresAt.UTC().Truncate(time.Second), t.CreatedAt.UTC().Truncate(time.Second))
	return err
}

// Consume deletes the live token with the given hash and returns its
// principal. The delete must affect exactly one row, so a token can be
// redeemed once even under concurrent requests.
func (r *ResetTokenRepo) Consume(ctx context.Context, hash string, now time.Time) (string, error) {
	now = now.UTC().Truncate(time.Second)
	var id, principalID string
	err := r.DB.Conn.QueryRowContext(ctx,
		"SELECT id, principal_id FROM password_reset_tokens WHERE token_hash=? AND expires_at > ? LIMIT 1",
		hash, now).Scan(&id, &principalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	res, err := r.DB.Conn.ExecContext(ctx, "DELETE FROM password_reset_tokens WHERE id=?", id)
	if err != nil {
		return "", err
	}
	if err := expectOne(res); err != nil {
		return "", err
	}
	return principalID, nil
}

// DeleteByPrincipal removes every outstanding reset token of a principal.
func (r *ResetTokenRepo) DeleteByPrincipal(ctx context.Context, principalID string) (int64, error) {
	res, err := r.DB.Conn.ExecContext(ctx, "DELETE FROM password_reset_tokens WHERE principal_id=?", principalID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes reset tokens past their expiry.
func (r *ResetTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.Conn.ExecContext(ctx,
		"DELETE FROM password_reset_tokens WHERE expires_at <= ?", now.UTC().Truncate(time.Second))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
