package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/cookie"
	"github.com/iliyamo/calcmei/internal/middleware"
	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/service"
)

// QuotaHandler exposes usage windows to clients.
type QuotaHandler struct {
	Usage   *service.UsageService
	Cookies *cookie.Manager
	Logger  *slog.Logger
}

func NewQuotaHandler(usage *service.UsageService, cookies *cookie.Manager, logger *slog.Logger) *QuotaHandler {
	return &QuotaHandler{Usage: usage, Cookies: cookies, Logger: logger}
}

// Status reports the caller's current window for :surface without
// recording anything.
func (h *QuotaHandler) Status(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	d, err := h.Usage.Status(ctx, middleware.Actor(c, h.Cookies), quota.Surface(c.Param("surface")))
	if err != nil {
		return writeError(c, h.Logger, "quota_status", err)
	}
	middleware.SetQuotaHeaders(c, d)
	return c.JSON(http.StatusOK, d)
}

// Consumed answers a consume request that QuotaGate already admitted.
func (h *QuotaHandler) Consumed(c echo.Context) error {
	d, ok := middleware.QuotaDecision(c)
	if !ok {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal", "message": "quota gate not installed"})
	}
	return c.JSON(http.StatusOK, d)
}
