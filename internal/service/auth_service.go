package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/calcmei/internal/credential"
	"github.com/iliyamo/calcmei/internal/events"
	"github.com/iliyamo/calcmei/internal/mail"
	"github.com/iliyamo/calcmei/internal/model"
	"github.com/iliyamo/calcmei/internal/ratelimit"
	"github.com/iliyamo/calcmei/internal/repository"
	"github.com/iliyamo/calcmei/internal/token"
)

// PrincipalStore is the account persistence the orchestrator needs.
type PrincipalStore interface {
	Create(ctx context.Context, p *model.Principal) error
	GetByID(ctx context.Context, id string) (*model.Principal, error)
	GetByEmail(ctx context.Context, email string) (*model.Principal, error)
	GetByProvider(ctx context.Context, provider, providerID string) (*model.Principal, error)
	UpdatePassword(ctx context.Context, id, hash string) error
	Delete(ctx context.Context, id string) error
}

// SessionStore is the server-side session persistence. Rotate must be a
// single conditional update that succeeds for at most one caller per token.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	Rotate(ctx context.Context, oldHash, newHash string, newExpiry, now time.Time) (*model.Session, error)
	DeleteByTokenHash(ctx context.Context, hash string) (int64, error)
	DeleteByPrincipal(ctx context.Context, principalID string) (int64, error)
	DeleteByID(ctx context.Context, principalID, id string) (int64, error)
	DeleteOthers(ctx context.Context, principalID, keepID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ListActive(ctx context.Context, principalID string, now time.Time) ([]model.Session, error)
}

var (
	_ PrincipalStore = (*repository.PrincipalRepo)(nil)
	_ SessionStore   = (*repository.SessionRepo)(nil)
)

// TokenPair is what a successful login, registration or refresh hands to
// the HTTP layer for cookie binding.
type TokenPair struct {
	PrincipalID      string
	Email            string
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AuthOptions holds the lifetimes the orchestrator works with.
type AuthOptions struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ResetTTL      time.Duration
	ResetCooldown time.Duration
	Now           func() time.Time
}

// AuthService is the session orchestrator: it turns credentials or a
// refresh token into a fresh token pair and keeps the sessions table in
// step. It never touches cookies.
type AuthService struct {
	principals PrincipalStore
	sessions   SessionStore
	resets     ResetTokenStore
	codec      *token.Codec
	creds      *credential.Verifier
	cooldown   ratelimit.Limiter
	events     events.Publisher
	mailer     mail.Sender
	logger     *slog.Logger
	opts       AuthOptions
}

// AuthDeps lists the collaborators of NewAuthService. Events may be nil;
// Cooldown and Mailer default to an in-process limiter and a log sender.
type AuthDeps struct {
	Principals  PrincipalStore
	Sessions    SessionStore
	Resets      ResetTokenStore
	Codec       *token.Codec
	Credentials *credential.Verifier
	Cooldown    ratelimit.Limiter
	Events      events.Publisher
	Mailer      mail.Sender
	Logger      *slog.Logger
}

func NewAuthService(deps AuthDeps, opts AuthOptions) *AuthService {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.ResetTTL <= 0 {
		opts.ResetTTL = 30 * time.Minute
	}
	if opts.ResetCooldown <= 0 {
		opts.ResetCooldown = 90 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Cooldown == nil {
		deps.Cooldown = ratelimit.NewMemory(0)
	}
	if deps.Mailer == nil {
		deps.Mailer = mail.LogSender{Logger: deps.Logger}
	}
	return &AuthService{
		principals: deps.Principals,
		sessions:   deps.Sessions,
		resets:     deps.Resets,
		codec:      deps.Codec,
		creds:      deps.Credentials,
		cooldown:   deps.Cooldown,
		events:     deps.Events,
		mailer:     deps.Mailer,
		logger:     deps.Logger,
		opts:       opts,
	}
}

// Register creates a local principal and starts its first session.
func (s *AuthService) Register(ctx context.Context, email, password string, dev model.DeviceMeta) (*TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if res := credential.ValidateStrength(password); !res.Valid {
		return nil, invalid("password", res.Errors...)
	}
	hash, err := s.creds.Hash(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	p := &model.Principal{Email: email, PasswordHash: &hash, Provider: model.ProviderLocal, Plan: model.PlanFree}
	if err := s.principals.Create(ctx, p); err != nil {
		return nil, err
	}
	return s.StartSession(ctx, p.ID, p.Email, dev)
}

// Login verifies credentials and starts a session. Unknown emails,
// passwordless federated accounts and wrong passwords all yield
// ErrInvalidCredentials after one bcrypt comparison.
func (s *AuthService) Login(ctx context.Context, email, password string, dev model.DeviceMeta) (*TokenPair, error) {
	email = repository.NormalizeEmail(email)
	var hash string
	p, err := s.principals.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if p.HasPassword() {
			hash = *p.PasswordHash
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, err
	}
	if ok := s.creds.Verify(ctx, password, hash); !ok || hash == "" {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, ErrInvalidCredentials
	}
	return s.StartSession(ctx, p.ID, p.Email, dev)
}

// StartSession issues a token pair and inserts the session row that binds
// the refresh token. Both tokens carry the new session's id.
func (s *AuthService) StartSession(ctx context.Context, principalID, email string, dev model.DeviceMeta) (*TokenPair, error) {
	sessionID := uuid.NewString()
	pair, err := s.issuePair(principalID, email, sessionID)
	if err != nil {
		return nil, err
	}
	sess := &model.Session{
		ID:               sessionID,
		PrincipalID:      principalID,
		RefreshTokenHash: token.Hash(pair.RefreshToken),
		UserAgent:        dev.UserAgent,
		IP:               dev.IP,
		CreatedAt:        s.now(),
		ExpiresAt:        pair.RefreshExpiresAt,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	pair.SessionID = sess.ID
	s.emit(ctx, events.Event{Type: events.SessionStarted, PrincipalID: principalID, SessionID: sess.ID, IP: dev.IP})
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair and rotates the session
// row in place. The presented token stops working the moment rotation
// commits; every failure is ErrSessionExpired.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, ok := s.codec.VerifyType(refreshToken, token.Refresh)
	if !ok {
		return nil, ErrSessionExpired
	}
	p, err := s.principals.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	pair, err := s.issuePair(p.ID, p.Email, claims.SessionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Rotate(ctx, token.Hash(refreshToken), token.Hash(pair.RefreshToken), pair.RefreshExpiresAt, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	if sess.PrincipalID != p.ID || sess.ID != claims.SessionID {
		return nil, ErrSessionExpired
	}
	pair.SessionID = sess.ID
	s.emit(ctx, events.Event{Type: events.SessionRotated, PrincipalID: p.ID, SessionID: sess.ID})
	return pair, nil
}

// Logout deletes the session bound to refreshToken. It is idempotent and
// does not care whether the token still verifies.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	n, err := s.sessions.DeleteByTokenHash(ctx, token.Hash(refreshToken))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n > 0 {
		ev := events.Event{Type: events.SessionsRevoked, Count: n, Reason: "logout"}
		if claims, ok := s.codec.Verify(refreshToken); ok {
			ev.PrincipalID = claims.Subject
		}
		s.emit(ctx, ev)
	}
	return nil
}

// LogoutAll deletes every session of a principal and returns once the
// deletion is durable.
func (s *AuthService) LogoutAll(ctx context.Context, principalID string) (int64, error) {
	return s.revokeAll(ctx, principalID, "logout_all")
}

func (s *AuthService) revokeAll(ctx context.Context, principalID, reason string) (int64, error) {
	n, err := s.sessions.DeleteByPrincipal(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	s.emit(ctx, events.Event{Type: events.SessionsRevoked, PrincipalID: principalID, Count: n, Reason: reason})
	return n, nil
}

// Authenticate validates an access token.
func (s *AuthService) Authenticate(accessToken string) (*token.Claims, error) {
	claims, ok := s.codec.VerifyType(accessToken, token.Access)
	if !ok {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// Me returns the principal behind an authenticated request.
func (s *AuthService) Me(ctx context.Context, principalID string) (*model.Principal, error) {
	p, err := s.principals.GetByID(ctx, principalID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	return p, err
}

// FederatedIdentity is what a trusted identity provider callback asserts.
type FederatedIdentity struct {
	Provider   string
	ProviderID string
	Email      string
}

// CompleteFederated signs in a federated identity, creating the principal
// on first use. An email already owned by a different sign-in method is a
// conflict; accounts are never linked implicitly.
func (s *AuthService) CompleteFederated(ctx context.Context, id FederatedIdentity, dev model.DeviceMeta) (*TokenPair, error) {
	if id.Provider == "" || id.Provider == model.ProviderLocal {
		return nil, invalid("provider", "unsupported identity provider")
	}
	if id.ProviderID == "" {
		return nil, invalid("provider_id", "provider subject is required")
	}
	email, err := normalizeEmail(id.Email)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		p, err := s.principals.GetByProvider(ctx, id.Provider, id.ProviderID)
		if err == nil {
			return s.StartSession(ctx, p.ID, p.Email, dev)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if _, err := s.principals.GetByEmail(ctx, email); err == nil {
			return nil, ErrConflict
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		providerID := id.ProviderID
		p = &model.Principal{Email: email, Provider: id.Provider, ProviderID: &providerID, Plan: model.PlanFree}
		err = s.principals.Create(ctx, p)
		if err == nil {
			return s.StartSession(ctx, p.ID, p.Email, dev)
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		// lost a race with a concurrent first sign-in; look it up again
	}
	return nil, ErrConflict
}

// ChangePassword replaces the password of a local principal after checking
// the current one, and revokes every session except currentSessionID.
func (s *AuthService) ChangePassword(ctx context.Context, principalID, current, next, currentSessionID string) error {
	p, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if !p.HasPassword() {
		return invalid("password", "account signs in through "+p.Provider)
	}
	if !s.creds.Verify(ctx, current, *p.PasswordHash) {
		return ErrInvalidCredentials
	}
	if res := credential.ValidateStrength(next); !res.Valid {
		return invalid("new_password", res.Errors...)
	}
	hash, err := s.creds.Hash(ctx, next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.principals.UpdatePassword(ctx, p.ID, hash); err != nil {
		return err
	}
	if currentSessionID == "" {
		_, err = s.revokeAll(ctx, p.ID, "password_changed")
		return err
	}
	n, err := s.sessions.DeleteOthers(ctx, p.ID, currentSessionID)
	if err != nil {
		return fmt.Errorf("delete other sessions: %w", err)
	}
	s.emit(ctx, events.Event{Type: events.SessionsRevoked, PrincipalID: p.ID, Count: n, Reason: "password_changed"})
	return nil
}

// DeleteAccount removes a principal after re-checking its password (local
// accounts only). Sessions are revoked before the row goes away.
func (s *AuthService) DeleteAccount(ctx context.Context, principalID, password string) error {
	p, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if p.HasPassword() && !s.creds.Verify(ctx, password, *p.PasswordHash) {
		return ErrInvalidCredentials
	}
	if _, err := s.revokeAll(ctx, p.ID, "account_deleted"); err != nil {
		return err
	}
	if err := s.principals.Delete(ctx, p.ID); err != nil {
		return err
	}
	s.emit(ctx, events.Event{Type: events.AccountDeleted, PrincipalID: p.ID})
	return nil
}

// SweepExpired deletes expired sessions and reset tokens.
func (s *AuthService) SweepExpired(ctx context.Context) (sessions, resets int64, err error) {
	now := s.now()
	if sessions, err = s.sessions.DeleteExpired(ctx, now); err != nil {
		return 0, 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if s.resets != nil {
		if resets, err = s.resets.DeleteExpired(ctx, now); err != nil {
			return sessions, 0, fmt.Errorf("sweep reset tokens: %w", err)
		}
	}
	return sessions, resets, nil
}

func (s *AuthService) issuePair(principalID, email, sessionID string) (*TokenPair, error) {
	now := s.now()
	access, err := s.codec.Issue(principalID, email, sessionID, token.Access, s.opts.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.codec.Issue(principalID, email, sessionID, token.Refresh, s.opts.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &TokenPair{
		PrincipalID:      principalID,
		Email:            email,
		SessionID:        sessionID,
		AccessToken:      access,
		AccessExpiresAt:  now.Add(s.opts.AccessTTL),
		RefreshToken:     refresh,
		RefreshExpiresAt: now.Add(s.opts.RefreshTTL),
	}, nil
}

// emit publishes ev on a short detached deadline. Failures are logged and
// never reach the caller.
func (s *AuthService) emit(ctx context.Context, ev events.Event) {
	publish(ctx, s.events, s.logger, ev, s.now())
}

func publish(ctx context.Context, pub events.Publisher, logger *slog.Logger, ev events.Event, now time.Time) {
	ev.OccurredAt = now
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, ev); err != nil {
		logger.Warn("event publish failed", "event", ev.Type, "principal_id", ev.PrincipalID, "err", err)
	}
}

func (s *AuthService) now() time.Time { return s.opts.Now().UTC() }

func normalizeEmail(raw string) (string, error) {
	email := repository.NormalizeEmail(raw)
	if email == "" {
		return "", invalid("email", "email is required")
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email || len(email) > 255 {
		return "", invalid("email", "email is not a valid address")
	}
	return email, nil
}
