// Package router wires handlers and middleware onto the echo instance.
package router

import (
	"log/slog"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/config"
	"github.com/iliyamo/calcmei/internal/cookie"
	"github.com/iliyamo/calcmei/internal/handler"
	"github.com/iliyamo/calcmei/internal/middleware"
	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/ratelimit"
	"github.com/iliyamo/calcmei/internal/service"
)

// Deps is everything the routes need.
type Deps struct {
	Auth      *handler.AuthHandler
	Sessions  *handler.SessionHandler
	Quota     *handler.QuotaHandler
	Health    *handler.Health
	Svc       *service.AuthService
	Usage     *service.UsageService
	Surfaces  []quota.Surface
	Cookies   *cookie.Manager
	Limiter   ratelimit.Limiter
	RateLimit config.RateLimitConfig
	Logger    *slog.Logger
}

// RegisterRoutes registers routes that need no session.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", d.Health.Check)
}

// RegisterAuth registers the auth and session routes. Unauthenticated
// operations live under /v1/auth and share the general rate limit; the
// rest require a session and refresh it transparently.
func RegisterAuth(e *echo.Echo, d Deps) {
	a := d.Auth
	g := e.Group("/v1/auth", middleware.RateLimit(d.RateLimit, d.Limiter, d.RateLimit.Limit, d.RateLimit.Window, d.Logger))
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)
	g.POST("/oauth/callback", a.OAuthCallback)
	g.POST("/password/forgot", a.ForgotPassword)
	g.POST("/password/reset", a.ResetPassword)

	auth := e.Group("/v1", middleware.Auth(d.Svc, d.Cookies, d.Logger))
	auth.GET("/me", a.Me)
	auth.POST("/me/password", a.ChangePassword)
	auth.DELETE("/me", a.DeleteAccount)
	auth.POST("/auth/logout-all", a.LogoutAll)
	auth.GET("/sessions", d.Sessions.List)
	auth.DELETE("/sessions/:id", d.Sessions.RevokeOne)
	auth.DELETE("/sessions", d.Sessions.RevokeOthers)
}

// RegisterQuota registers the usage endpoints. They accept anonymous
// callers, who are counted by visitor cookie. Each configured surface gets
// its own gated consume route.
func RegisterQuota(e *echo.Echo, d Deps) {
	g := e.Group("/v1/quota", middleware.OptionalAuth(d.Svc, d.Cookies, d.Logger))
	g.GET("/:surface", d.Quota.Status)

	surfaces := append([]quota.Surface(nil), d.Surfaces...)
	sort.Slice(surfaces, func(i, j int) bool { return surfaces[i] < surfaces[j] })
	for _, s := range surfaces {
		g.POST("/"+string(s)+"/consume", d.Quota.Consumed, middleware.QuotaGate(d.Usage, d.Cookies, s, d.Logger))
	}
}

// New builds an echo instance with every route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	RegisterRoutes(e, d)
	RegisterAuth(e, d)
	RegisterQuota(e, d)
	return e
}
