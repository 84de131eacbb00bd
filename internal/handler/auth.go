package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/config"
	"github.com/iliyamo/calcmei/internal/cookie"
	"github.com/iliyamo/calcmei/internal/middleware"
	"github.com/iliyamo/calcmei/internal/model"
	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/ratelimit"
	"github.com/iliyamo/calcmei/internal/service"
)

// FederationHeader carries the shared secret of the trusted identity
// provider bridge.
const FederationHeader = "X-Federation-Secret"

const requestTimeout = 5 * time.Second

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Svc              *service.AuthService
	Cookies          *cookie.Manager
	Limiter          ratelimit.Limiter
	RateLimit        config.RateLimitConfig
	FederationSecret string
	Logger           *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, cookies *cookie.Manager, lim ratelimit.Limiter, rl config.RateLimitConfig, federationSecret string, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{Svc: svc, Cookies: cookies, Limiter: lim, RateLimit: rl, FederationSecret: federationSecret, Logger: logger}
}

// ----- DTOs -----

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type federatedReq struct {
	Provider   string `json:"provider"`
	ProviderID string `json:"provider_id"`
	Email      string `json:"email"`
}
type forgotReq struct {
	Email string `json:"email"`
}
type resetReq struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}
type changePasswordReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}
type deleteAccountReq struct {
	Password string `json:"password"`
}

type principalPart struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
type sessionResp struct {
	Principal        principalPart `json:"principal"`
	SessionID        string        `json:"session_id"`
	AccessExpiresAt  time.Time     `json:"access_expires_at"`
	RefreshExpiresAt time.Time     `json:"refresh_expires_at"`
}
type meResp struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	Provider    string      `json:"provider"`
	Federated   bool        `json:"federated"`
	Plan        model.Plan  `json:"plan"`
	Class       quota.Class `json:"class"`
	TrialEndsAt *time.Time  `json:"trial_ends_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Register creates a local account and signs it in.
func (h *AuthHandler) Register(c echo.Context) error {
	var req credentialsReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	pair, err := h.Svc.Register(ctx, req.Email, req.Password, device(c))
	if err != nil {
		return writeError(c, h.Logger, "register", err)
	}
	return h.signedIn(c, http.StatusCreated, pair)
}

// Login verifies credentials. Attempts are limited per client address
// before any password is checked; a successful login resets the budget.
func (h *AuthHandler) Login(c echo.Context) error {
	var req credentialsReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	key := middleware.LoginKey(c)
	if h.RateLimit.Enabled && h.Limiter != nil {
		d, err := h.Limiter.Take(ctx, key, h.RateLimit.LoginLimit, h.RateLimit.LoginWindow)
		if err != nil {
			h.Logger.Warn("login limiter unavailable", "err", err)
		} else if !d.Allowed {
			return writeError(c, h.Logger, "login", &service.RateLimitError{RetryAfter: d.RetryAfter})
		}
	}

	pair, err := h.Svc.Login(ctx, req.Email, req.Password, device(c))
	if err != nil {
		return writeError(c, h.Logger, "login", err)
	}
	if h.RateLimit.Enabled && h.Limiter != nil {
		if err := h.Limiter.Reset(ctx, key); err != nil {
			h.Logger.Warn("login limiter reset failed", "err", err)
		}
	}
	return h.signedIn(c, http.StatusOK, pair)
}

// Refresh rotates the session bound to the refresh cookie.
func (h *AuthHandler) Refresh(c echo.Context) error {
	raw := h.Cookies.RefreshToken(c)
	if raw == "" {
		return writeError(c, h.Logger, "refresh", service.ErrSessionExpired)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	pair, err := h.Svc.Refresh(ctx, raw)
	if err != nil {
		if errors.Is(err, service.ErrSessionExpired) {
			h.Cookies.Clear(c)
		}
		return writeError(c, h.Logger, "refresh", err)
	}
	return h.signedIn(c, http.StatusOK, pair)
}

// Logout ends the current session. It always clears the cookies.
func (h *AuthHandler) Logout(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	err := h.Svc.Logout(ctx, h.Cookies.RefreshToken(c))
	h.Cookies.Clear(c)
	if err != nil {
		return writeError(c, h.Logger, "logout", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// LogoutAll ends every session of the caller, this one included.
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	n, err := h.Svc.LogoutAll(ctx, middleware.PrincipalID(c))
	if err != nil {
		return writeError(c, h.Logger, "logout_all", err)
	}
	h.Cookies.Clear(c)
	return c.JSON(http.StatusOK, echo.Map{"revoked": n})
}

// Me returns the signed-in principal.
func (h *AuthHandler) Me(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	p, err := h.Svc.Me(ctx, middleware.PrincipalID(c))
	if err != nil {
		if errors.Is(err, service.ErrUnauthorized) {
			h.Cookies.Clear(c)
		}
		return writeError(c, h.Logger, "me", err)
	}
	return c.JSON(http.StatusOK, meResp{
		ID:          p.ID,
		Email:       p.Email,
		Provider:    p.Provider,
		Federated:   p.IsFederated(),
		Plan:        p.Plan,
		Class:       quota.ClassFor(p, time.Now()),
		TrialEndsAt: p.TrialEndsAt,
		CreatedAt:   p.CreatedAt,
	})
}

// OAuthCallback completes a federated sign-in asserted by the identity
// provider bridge. The endpoint is disabled without a configured secret.
func (h *AuthHandler) OAuthCallback(c echo.Context) error {
	if h.FederationSecret == "" {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found", "message": "federated sign-in is disabled"})
	}
	got := c.Request().Header.Get(FederationHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.FederationSecret)) != 1 {
		return writeError(c, h.Logger, "oauth_callback", service.ErrUnauthorized)
	}
	var req federatedReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	pair, err := h.Svc.CompleteFederated(ctx, service.FederatedIdentity{
		Provider:   req.Provider,
		ProviderID: req.ProviderID,
		Email:      req.Email,
	}, device(c))
	if err != nil {
		return writeError(c, h.Logger, "oauth_callback", err)
	}
	return h.signedIn(c, http.StatusOK, pair)
}

// ForgotPassword always answers 202 unless the input is malformed or the
// address is cooling down.
func (h *AuthHandler) ForgotPassword(c echo.Context) error {
	var req forgotReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.Svc.ForgotPassword(ctx, req.Email); err != nil {
		return writeError(c, h.Logger, "forgot_password", err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"message": "if the address belongs to an account, a reset link is on its way"})
}

// ResetPassword redeems a reset token.
func (h *AuthHandler) ResetPassword(c echo.Context) error {
	var req resetReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.Svc.ResetPassword(ctx, req.Token, req.Password); err != nil {
		return writeError(c, h.Logger, "reset_password", err)
	}
	h.Cookies.Clear(c)
	return c.NoContent(http.StatusNoContent)
}

// ChangePassword keeps the current session and ends the others.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	var req changePasswordReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	err := h.Svc.ChangePassword(ctx, middleware.PrincipalID(c), req.CurrentPassword, req.NewPassword,
		middleware.SessionID(c))
	if err != nil {
		return writeError(c, h.Logger, "change_password", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteAccount removes the caller's account.
func (h *AuthHandler) DeleteAccount(c echo.Context) error {
	var req deleteAccountReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.Svc.DeleteAccount(ctx, middleware.PrincipalID(c), req.Password); err != nil {
		return writeError(c, h.Logger, "delete_account", err)
	}
	h.Cookies.Clear(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) signedIn(c echo.Context, status int, pair *service.TokenPair) error {
	h.Cookies.SetTokens(c, pair.AccessToken, pair.AccessExpiresAt, pair.RefreshToken, pair.RefreshExpiresAt)
	return c.JSON(status, sessionResp{
		Principal:        principalPart{ID: pair.PrincipalID, Email: pair.Email},
		SessionID:        pair.SessionID,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func device(c echo.Context) model.DeviceMeta {
	return model.DeviceMeta{UserAgent: c.Request().UserAgent(), IP: c.RealIP()}
}
