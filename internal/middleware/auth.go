package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/cookie"
	"github.com/iliyamo/calcmei/internal/service"
	"github.com/iliyamo/calcmei/internal/token"
)

// Authenticator is the part of the session orchestrator the auth middleware
// needs.
type Authenticator interface {
	Authenticate(accessToken string) (*token.Claims, error)
	Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error)
}

// Auth requires a valid access token, taken from the Authorization header
// or the access cookie. When the access token is missing or expired and a
// refresh cookie is present, the session is rotated transparently and new
// cookies are written. A failed rotation clears both cookies.
func Auth(a Authenticator, cookies *cookie.Manager, logger *slog.Logger) echo.MiddlewareFunc {
	return authenticate(a, cookies, logger, true)
}

// OptionalAuth resolves the principal when the request carries valid
// credentials and lets anonymous requests through untouched.
func OptionalAuth(a Authenticator, cookies *cookie.Manager, logger *slog.Logger) echo.MiddlewareFunc {
	return authenticate(a, cookies, logger, false)
}

func authenticate(a Authenticator, cookies *cookie.Manager, logger *slog.Logger, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			access := cookies.AccessToken(c)
			if access != "" {
				if claims, err := a.Authenticate(access); err == nil {
					setPrincipal(c, claims.Subject, claims.SessionID)
					return next(c)
				}
			}

			refresh := cookies.RefreshToken(c)
			if refresh == "" {
				if access != "" {
					cookies.Clear(c)
				}
				if required {
					return unauthorized(c, "unauthorized", "authentication required")
				}
				return next(c)
			}

			pair, err := a.Refresh(c.Request().Context(), refresh)
			switch {
			case err == nil:
				cookies.SetTokens(c, pair.AccessToken, pair.AccessExpiresAt, pair.RefreshToken, pair.RefreshExpiresAt)
				setPrincipal(c, pair.PrincipalID, pair.SessionID)
				return next(c)
			case errors.Is(err, service.ErrSessionExpired):
				cookies.Clear(c)
				if required {
					return unauthorized(c, "session_expired", "session expired, sign in again")
				}
				return next(c)
			default:
				logger.Error("transparent refresh failed", "path", c.Path(), "err", err)
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "internal error"})
			}
		}
	}
}

func unauthorized(c echo.Context, code, msg string) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": code, "message": msg})
}
