// Package events defines the auth and usage events exchanged over the
// message broker, together with their publisher and consumer.
package events

import "time"

// Type names an event kind; it doubles as the AMQP message type.
type Type string

const (
	SessionStarted  Type = "session.started"
	SessionRotated  Type = "session.rotated"
	SessionsRevoked Type = "sessions.revoked"
	PasswordReset   Type = "password.reset"
	AccountDeleted  Type = "account.deleted"
	QuotaExhausted  Type = "quota.exhausted"
)

// Event is the single payload shape for every event type. Fields that do
// not apply to a type are left empty. No token material is ever included.
type Event struct {
	Type        Type      `json:"type"`
	PrincipalID string    `json:"principal_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	VisitorID   string    `json:"visitor_id,omitempty"`
	Surface     string    `json:"surface,omitempty"`
	Count       int64     `json:"count,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	IP          string    `json:"ip,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
