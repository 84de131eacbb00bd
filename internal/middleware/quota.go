package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/cookie"
	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/service"
)

const refundTimeout = 2 * time.Second

// UsageGate is the part of the usage service QuotaGate needs.
type UsageGate interface {
	Consume(ctx context.Context, a service.Actor, surface quota.Surface) (quota.Decision, quota.Subject, error)
	Refund(ctx context.Context, d quota.Decision) error
}

// Actor builds the usage actor of a request: the authenticated principal,
// or the visitor cookie for anonymous callers.
func Actor(c echo.Context, cookies *cookie.Manager) service.Actor {
	if id := PrincipalID(c); id != "" {
		return service.Actor{PrincipalID: id}
	}
	return service.Actor{VisitorID: cookies.VisitorID(c)}
}

// QuotaGate records one use of surface before the handler runs and rejects
// the request with 429 when the caller's window is full. The use is
// refunded when the handler fails. It must run after Auth or OptionalAuth.
func QuotaGate(usage UsageGate, cookies *cookie.Manager, surface quota.Surface, logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			d, _, err := usage.Consume(ctx, Actor(c, cookies), surface)
			switch {
			case err == nil:
			case errors.Is(err, service.ErrQuotaExceeded):
				SetQuotaHeaders(c, d)
				body := echo.Map{
					"error":     "quota_exceeded",
					"message":   "usage limit reached for " + string(surface),
					"limit":     d.Limit,
					"remaining": d.Remaining,
				}
				if d.ResetsAt != nil {
					body["resets_at"] = d.ResetsAt
				}
				return c.JSON(http.StatusTooManyRequests, body)
			case errors.Is(err, service.ErrValidation):
				return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation_failed", "message": err.Error()})
			case errors.Is(err, service.ErrUnauthorized):
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "authentication required"})
			default:
				logger.Error("quota consume failed", "surface", surface, "principal_id", PrincipalID(c), "err", err)
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "internal error"})
			}

			SetQuotaHeaders(c, d)
			c.Set(keyDecision, d)
			herr := next(c)
			if herr != nil || c.Response().Status >= http.StatusBadRequest {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
				defer cancel()
				if err := usage.Refund(rctx, d); err != nil {
					logger.Error("quota refund failed", "surface", surface, "principal_id", PrincipalID(c), "err", err)
				}
			}
			return herr
		}
	}
}

// SetQuotaHeaders exposes a decision to the client. Unlimited decisions
// carry no headers.
func SetQuotaHeaders(c echo.Context, d quota.Decision) {
	if d.Unlimited {
		return
	}
	h := c.Response().Header()
	h.Set("X-Quota-Limit", strconv.Itoa(d.Limit))
	h.Set("X-Quota-Remaining", strconv.Itoa(d.Remaining))
}
