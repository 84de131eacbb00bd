package model

import "time"

// Plan is the billing plan recorded on a principal. It is written by the
// billing collaborator and only read here.
type Plan string

const (
	PlanFree    Plan = "FREE"
	PlanPremium Plan = "PREMIUM"
)

// ProviderLocal marks principals that sign in with an email and password.
// Any other provider value names a federated identity provider.
const ProviderLocal = "local"

// Principal represents an account as stored in the `principals` table.
// The json tags are omitted because handlers render their own views.
//
// Fields:
//
//	ID             – uuid primary key.
//	Email          – unique, stored lower-cased.
//	PasswordHash   – bcrypt hash; nil for federated principals.
//	Provider       – "local" or the federated provider name.
//	ProviderID     – subject id at the federated provider (nil for local).
//	Plan           – FREE or PREMIUM.
//	TrialEndsAt    – end of a granted trial, nil when none was granted.
//	TrialUsed      – whether the one-off trial has already been consumed.
type Principal struct {
	ID             string     // principals.id
	Email          string     // principals.email
	PasswordHash   *string    // principals.password_hash (nullable)
	Provider       string     // principals.provider
	ProviderID     *string    // principals.provider_id (nullable)
	Plan           Plan       // principals.plan
	TrialStartedAt *time.Time // principals.trial_started_at (nullable)
	TrialEndsAt    *time.Time // principals.trial_ends_at (nullable)
	TrialUsed      bool       // principals.trial_used
	CreatedAt      time.Time  // principals.created_at
	UpdatedAt      time.Time  // principals.updated_at
}

// HasPassword reports whether the principal can sign in with a password.
func (p *Principal) HasPassword() bool {
	return p.PasswordHash != nil && *p.PasswordHash != ""
}

// IsFederated reports whether the principal was created through an identity provider.
func (p *Principal) IsFederated() bool {
	return p.Provider != "" && p.Provider != ProviderLocal
}

// TrialActive reports whether a granted trial is still running at now.
func (p *Principal) TrialActive(now time.Time) bool {
	if p.TrialEndsAt == nil {
		return false
	}
	if p.TrialStartedAt != nil && now.Before(*p.TrialStartedAt) {
		return false
	}
	return now.Before(*p.TrialEndsAt)
}

// PasswordResetToken models a row in `password_reset_tokens`. Only the
// SHA-256 digest of the emailed token is stored.
type PasswordResetToken struct {
	ID          string    // password_reset_tokens.id
	PrincipalID string    // password_reset_tokens.principal_id
	TokenHash   string    // password_reset_tokens.token_hash
	ExpiresAt   time.Time // password_reset_tokens.expires_at
	CreatedAt   time.Time // password_reset_tokens.created_at
}
