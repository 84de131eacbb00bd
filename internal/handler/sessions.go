package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/middleware"
	"github.com/iliyamo/calcmei/internal/service"
)

// SessionHandler serves the self-service session list.
type SessionHandler struct {
	Svc    *service.AuthService
	Logger *slog.Logger
}

func NewSessionHandler(svc *service.AuthService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{Svc: svc, Logger: logger}
}

// List returns the caller's live sessions with the current one flagged.
func (h *SessionHandler) List(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	views, err := h.Svc.ListSessions(ctx, middleware.PrincipalID(c), middleware.SessionID(c))
	if err != nil {
		return writeError(c, h.Logger, "list_sessions", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": views})
}

// RevokeOne ends another session of the caller by id.
func (h *SessionHandler) RevokeOne(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	err := h.Svc.RevokeOne(ctx, middleware.PrincipalID(c), c.Param("id"), middleware.SessionID(c))
	if err != nil {
		return writeError(c, h.Logger, "revoke_session", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RevokeOthers ends every session of the caller except the current one.
func (h *SessionHandler) RevokeOthers(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	n, err := h.Svc.RevokeOthers(ctx, middleware.PrincipalID(c), middleware.SessionID(c))
	if err != nil {
		return writeError(c, h.Logger, "revoke_other_sessions", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"revoked": n})
}
