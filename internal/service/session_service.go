package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/calcmei/internal/events"
	"github.com/iliyamo/calcmei/internal/model"
	"github.com/iliyamo/calcmei/internal/repository"
)

// ListSessions returns the live sessions of a principal, newest first. The
// caller's own session is flagged.
func (s *AuthService) ListSessions(ctx context.Context, principalID, currentSessionID string) ([]model.SessionView, error) {
	rows, err := s.sessions.ListActive(ctx, principalID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]model.SessionView, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.SessionView{
			ID:        r.ID,
			UserAgent: r.UserAgent,
			IP:        r.IP,
			CreatedAt: r.CreatedAt,
			ExpiresAt: r.ExpiresAt,
			RotatedAt: r.RotatedAt,
			Current:   currentSessionID != "" && r.ID == currentSessionID,
		})
	}
	return out, nil
}

// RevokeOne deletes one session of a principal by id. The caller's own
// session is ended through Logout instead.
func (s *AuthService) RevokeOne(ctx context.Context, principalID, sessionID, currentSessionID string) error {
	if currentSessionID == "" {
		return ErrSessionExpired
	}
	if sessionID == currentSessionID {
		return invalid("session_id", "use logout to end the current session")
	}
	n, err := s.sessions.DeleteByID(ctx, principalID, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.emit(ctx, events.Event{Type: events.SessionsRevoked, PrincipalID: principalID, SessionID: sessionID, Count: n, Reason: "revoked"})
	return nil
}

// RevokeOthers keeps the caller's session and deletes the rest. It returns
// how many were removed.
func (s *AuthService) RevokeOthers(ctx context.Context, principalID, currentSessionID string) (int64, error) {
	if currentSessionID == "" {
		return 0, ErrSessionExpired
	}
	cur, err := s.sessions.GetByID(ctx, currentSessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrSessionExpired
		}
		return 0, err
	}
	if cur.PrincipalID != principalID || !cur.ExpiresAt.After(s.now()) {
		return 0, ErrSessionExpired
	}
	n, err := s.sessions.DeleteOthers(ctx, principalID, currentSessionID)
	if err != nil {
		return 0, fmt.Errorf("delete other sessions: %w", err)
	}
	s.emit(ctx, events.Event{Type: events.SessionsRevoked, PrincipalID: principalID, SessionID: currentSessionID, Count: n, Reason: "revoke_others"})
	return n, nil
}
