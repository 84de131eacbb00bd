package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/calcmei/internal/database"
)

// Health reports whether the service and its backing stores respond. It is
// used by load balancers, so it answers 503 rather than 500 on failure.
type Health struct {
	DB     *database.DB
	Redis  *redis.Client // nil when Redis is not configured
	Logger *slog.Logger
}

func (h *Health) Check(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := echo.Map{"db": "ok"}
	code := http.StatusOK
	if err := h.DB.Conn.PingContext(ctx); err != nil {
		h.Logger.Warn("health: database ping failed", "err", err)
		status["db"] = "down"
		code = http.StatusServiceUnavailable
	}
	if h.Redis != nil {
		status["redis"] = "ok"
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			h.Logger.Warn("health: redis ping failed", "err", err)
			status["redis"] = "down"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, status)
}
