package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/calcmei/internal/credential"
	"github.com/iliyamo/calcmei/internal/events"
	"github.com/iliyamo/calcmei/internal/model"
	"github.com/iliyamo/calcmei/internal/repository"
	"github.com/iliyamo/calcmei/internal/token"
)

// ResetTokenStore persists password reset tokens by hash.
type ResetTokenStore interface {
	Create(ctx context.Context, t *model.PasswordResetToken) error
	Consume(ctx context.Context, hash string, now time.Time) (principalID string, err error)
	DeleteByPrincipal(ctx context.Context, principalID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

var _ ResetTokenStore = (*repository.ResetTokenRepo)(nil)

// RateLimitError is returned when a caller must wait before retrying. It
// matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ForgotPassword mails a single-use reset link when email belongs to a
// local account. The result does not reveal whether the account exists;
// only the per-address cooldown is reported.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	email = repository.NormalizeEmail(email)
	if email == "" {
		return invalid("email", "email is required")
	}
	d, err := s.cooldown.Take(ctx, "pwreset:"+email, 1, s.opts.ResetCooldown)
	if err != nil {
		return fmt.Errorf("reset cooldown: %w", err)
	}
	if !d.Allowed {
		return &RateLimitError{RetryAfter: d.RetryAfter}
	}

	p, err := s.principals.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if !p.HasPassword() {
		return nil
	}

	raw, err := token.RandomHex(32)
	if err != nil {
		return fmt.Errorf("reset token: %w", err)
	}
	now := s.now()
	rt := &model.PasswordResetToken{
		PrincipalID: p.ID,
		TokenHash:   token.Hash(raw),
		ExpiresAt:   now.Add(s.opts.ResetTTL),
		CreatedAt:   now,
	}
	if err := s.resets.Create(ctx, rt); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	if err := s.mailer.SendPasswordReset(ctx, p.Email, raw); err != nil {
		s.logger.Error("password reset mail failed", "principal_id", p.ID, "err", err)
	}
	return nil
}

// ResetPassword redeems a reset token, sets the new password and signs the
// principal out everywhere.
func (s *AuthService) ResetPassword(ctx context.Context, rawToken, password string) error {
	if rawToken == "" {
		return invalid("token", "reset token is required")
	}
	if res := credential.ValidateStrength(password); !res.Valid {
		return invalid("password", res.Errors...)
	}
	principalID, err := s.resets.Consume(ctx, token.Hash(rawToken), s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return invalid("token", "reset link is invalid or has expired")
		}
		return fmt.Errorf("consume reset token: %w", err)
	}
	hash, err := s.creds.Hash(ctx, password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.principals.UpdatePassword(ctx, principalID, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return invalid("token", "reset link is invalid or has expired")
		}
		return err
	}
	if _, err := s.resets.DeleteByPrincipal(ctx, principalID); err != nil {
		return fmt.Errorf("delete reset tokens: %w", err)
	}
	if _, err := s.revokeAll(ctx, principalID, "password_reset"); err != nil {
		return err
	}
	s.emit(ctx, events.Event{Type: events.PasswordReset, PrincipalID: principalID})
	return nil
}
