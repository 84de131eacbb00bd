package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/middleware"
	"github.com/iliyamo/calcmei/internal/service"
)

// writeError maps service errors onto status codes and JSON bodies of the
// form {error, message, ...}. Anything unrecognised is logged and hidden
// behind a generic 500.
func writeError(c echo.Context, logger *slog.Logger, op string, err error) error {
	var (
		verr *service.ValidationError
		rerr *service.RateLimitError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation_failed", "message": "invalid input", "fields": verr.Fields})
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation_failed", "message": err.Error()})
	case errors.As(err, &rerr):
		secs := middleware.RetryAfterSeconds(rerr.RetryAfter)
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too_many_requests", "message": "try again later", "retry_after": secs})
	case errors.Is(err, service.ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too_many_requests", "message": "try again later"})
	case errors.Is(err, service.ErrQuotaExceeded):
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "quota_exceeded", "message": "usage limit reached"})
	case errors.Is(err, service.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_credentials", "message": "invalid email or password"})
	case errors.Is(err, service.ErrSessionExpired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "session_expired", "message": "session expired, sign in again"})
	case errors.Is(err, service.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "authentication required"})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found", "message": "not found"})
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflict", "message": "email already registered"})
	}
	logger.Error("request failed", "op", op, "principal_id", middleware.PrincipalID(c), "err", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "internal error"})
}

func badBody(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_body", "message": "request body is not valid JSON"})
}
