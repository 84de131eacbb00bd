package model

import "time"

// Session models a row in the `sessions` table. One row exists per live
// refresh token; the raw token is never stored, only its SHA-256 hex digest.
// UserAgent and IP are advisory and never used for authorization.
type Session struct {
	ID               string     // sessions.id
	PrincipalID      string     // sessions.principal_id
	RefreshTokenHash string     // sessions.refresh_token_hash
	UserAgent        string     // sessions.user_agent
	IP               string     // sessions.ip
	CreatedAt        time.Time  // sessions.created_at
	ExpiresAt        time.Time  // sessions.expires_at
	RotatedAt        *time.Time // sessions.rotated_at (nullable)
}

// DeviceMeta describes the client that started a session.
type DeviceMeta struct {
	UserAgent string
	IP        string
}

// SessionView is the listing shape returned to the owner of the sessions.
type SessionView struct {
	ID        string     `json:"id"`
	UserAgent string     `json:"user_agent"`
	IP        string     `json:"ip"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	Current   bool       `json:"current"`
}
