package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/matryer/is"

	"github.com/iliyamo/calcmei/internal/config"
	"github.com/iliyamo/calcmei/internal/cookie"
	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/ratelimit"
	"github.com/iliyamo/calcmei/internal/service"
	"github.com/iliyamo/calcmei/internal/token"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeAuth struct {
	valid     map[string]string // access token -> principal id
	refreshed int
	refresh   func(string) (*service.TokenPair, error)
}

func (f *fakeAuth) Authenticate(raw string) (*token.Claims, error) {
	if id, ok := f.valid[raw]; ok {
		c := &token.Claims{Email: id + "@example.com", SessionID: "s-" + raw}
		c.Subject = id
		return c, nil
	}
	return nil, service.ErrUnauthorized
}

func (f *fakeAuth) Refresh(_ context.Context, raw string) (*service.TokenPair, error) {
	f.refreshed++
	return f.refresh(raw)
}

func newCookies() *cookie.Manager {
	return cookie.NewManager(config.CookieConfig{SameSite: http.SameSiteLaxMode, RefreshPath: "/v1"})
}

func whoami(c echo.Context) error {
	id := PrincipalID(c)
	if id == "" {
		id = "anonymous"
	}
	return c.String(http.StatusOK, id)
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func setCookies(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, ck := range rec.Result().Cookies() {
		out[ck.Name] = ck
	}
	return out
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	is := is.New(t)
	e := echo.New()
	a := &fakeAuth{valid: map[string]string{"good": "p1"}}
	e.GET("/v1/me", whoami, Auth(a, newCookies(), discard))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good")
	rec := serve(e, req)
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Body.String(), "p1")
	is.Equal(a.refreshed, 0)
}

func TestAuthRecordsSessionID(t *testing.T) {
	is := is.New(t)
	e := echo.New()
	a := &fakeAuth{valid: map[string]string{"good": "p1"}, refresh: func(string) (*service.TokenPair, error) {
		return &service.TokenPair{
			PrincipalID: "p1", SessionID: "s-rotated",
			AccessToken: "a2", AccessExpiresAt: time.Now().Add(time.Minute),
			RefreshToken: "r2", RefreshExpiresAt: time.Now().Add(time.Hour),
		}, nil
	}}
	e.GET("/v1/session", func(c echo.Context) error {
		return c.String(http.StatusOK, SessionID(c))
	}, Auth(a, newCookies(), discard))

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good")
	rec := serve(e, req)
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Body.String(), "s-good") // from the access token alone

	req = httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.AddCookie(&http.Cookie{Name: cookie.RefreshName, Value: "r1"})
	rec = serve(e, req)
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Body.String(), "s-rotated")
}

func TestAuthRefreshesTransparently(t *testing.T) {
	is := is.New(t)
	e := echo.New()
	a := &fakeAuth{valid: map[string]string{}, refresh: func(raw string) (*service.TokenPair, error) {
		if raw != "r1" {
			return nil, service.ErrSessionExpired
		}
		now := time.Now()
		return &service.TokenPair{
			PrincipalID: "p1", Email: "p1@example.com", SessionID: "s-r2",
			AccessToken: "a2", AccessExpiresAt: now.Add(15 * time.Minute),
			RefreshToken: "r2", RefreshExpiresAt: now.Add(7 * 24 * time.Hour),
		}, nil
	}}
	e.GET("/v1/me", whoami, Auth(a, newCookies(), discard))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: cookie.AccessName, Value: "expired"})
	req.AddCookie(&http.Cookie{Name: cookie.RefreshName, Value: "r1"})
	rec := serve(e, req)
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Body.String(), "p1")

	cks := setCookies(rec)
	is.Equal(cks[cookie.AccessName].Value, "a2")
	is.Equal(cks[cookie.AccessName].Path, "/")
	is.Equal(cks[cookie.RefreshName].Value, "r2")
	is.Equal(cks[cookie.RefreshName].Path, "/v1")
	is.True(cks[cookie.RefreshName].HttpOnly)
}

func TestAuthClearsCookiesWhenRefreshFails(t *testing.T) {
	is := is.New(t)
	e := echo.New()
	a := &fakeAuth{valid: map[string]string{}, refresh: func(string) (*service.TokenPair, error) {
		return nil, service.ErrSessionExpired
	}}
	e.GET("/v1/me", whoami, Auth(a, newCookies(), discard))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: cookie.AccessName, Value: "expired"})
	req.AddCookie(&http.Cookie{Name: cookie.RefreshName, Value: "reused"})
	rec := serve(e, req)
	is.Equal(rec.Code, http.StatusUnauthorized)
	is.True(strings.Contains(rec.Body.String(), "session_expired"))

	cks := setCookies(rec)
	is.Equal(cks[cookie.AccessName].Value, "")
	is.Equal(cks[cookie.RefreshName].Value, "")
	is.True(cks[cookie.AccessName].MaxAge < 0)
	is.True(cks[cookie.RefreshName].MaxAge < 0)
}

func TestAuthWithoutCredentials(t *testing.T) {
	is := is.New(t)
	e := echo.New()
	a := &fakeAuth{valid: map[string]string{}}
	e.GET("/v1/me", whoami, Auth(a, newCookies(), discard))
	e.GET("/v1/open", whoami, OptionalAuth(a, newCookies(), discard))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	is.Equal(rec.Code, http.StatusUnauthorized)
	is.Equal(len(rec.Result().Cookies()), 0)

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/v1/open", nil))
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Body.String(), "anonymous")
}

func TestRateLimitBlocksAfterLimit(t *testing.T) {
	is := is.New(t)
	lim := ratelimit.NewMemory(time.Minute)
	defer lim.Close()
	cfg := config.RateLimitConfig{Enabled: true, KeyStrategy: "ip_route"}

	e := echo.New()
	e.POST("/v1/auth/login", whoami, RateLimit(cfg, lim, 2, time.Minute, discard))

	for i := 0; i < 2; i++ {
		rec := serve(e, httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil))
		is.Equal(rec.Code, http.StatusOK)
	}
	rec := serve(e, httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil))
	is.Equal(rec.Code, http.StatusTooManyRequests)
	is.Equal(rec.Header().Get("X-RateLimit-Remaining"), "0")
	is.True(rec.Header().Get("Retry-After") != "")
	is.True(rec.Header().Get("Retry-After") != "0")

	// a different client has its own window
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	is.Equal(serve(e, req).Code, http.StatusOK)
}

func TestRateLimitDisabled(t *testing.T) {
	is := is.New(t)
	e := echo.New()
	e.GET("/x", whoami, RateLimit(config.RateLimitConfig{Enabled: false}, nil, 1, time.Minute, discard))
	for i := 0; i < 3; i++ {
		is.Equal(serve(e, httptest.NewRequest(http.MethodGet, "/x", nil)).Code, http.StatusOK)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	is := is.New(t)
	is.Equal(RetryAfterSeconds(1500*time.Millisecond), 2)
	is.Equal(RetryAfterSeconds(0), 0)
	is.Equal(RetryAfterSeconds(-time.Second), 0)
}

type fakeUsage struct {
	allow    bool
	consumed []service.Actor
	refunded int
}

func (f *fakeUsage) Consume(_ context.Context, a service.Actor, _ quota.Surface) (quota.Decision, quota.Subject, error) {
	f.consumed = append(f.consumed, a)
	sub := quota.Subject{Class: quota.ClassAnonymous, ID: a.VisitorID}
	if !f.allow {
		return quota.Decision{Limit: 3, Used: 3, Remaining: 0}, sub, service.ErrQuotaExceeded
	}
	return quota.Decision{Allowed: true, Limit: 3, Used: 1, Remaining: 2}, sub, nil
}

func (f *fakeUsage) Refund(_ context.Context, d quota.Decision) error {
	if d.Allowed {
		f.refunded++
	}
	return nil
}

func TestQuotaGate(t *testing.T) {
	is := is.New(t)
	usage := &fakeUsage{allow: true}
	cookies := newCookies()
	gate := QuotaGate(usage, cookies, quota.SurfaceCalculationSave, discard)

	e := echo.New()
	e.POST("/v1/calculations", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	}, gate)
	e.POST("/v1/broken", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "write failed")
	}, gate)

	rec := serve(e, httptest.NewRequest(http.MethodPost, "/v1/calculations", nil))
	is.Equal(rec.Code, http.StatusCreated)
	is.Equal(rec.Header().Get("X-Quota-Remaining"), "2")
	is.True(setCookies(rec)[cookie.VisitorName] != nil) // visitor id minted
	is.True(usage.consumed[0].VisitorID != "")
	is.Equal(usage.refunded, 0)

	rec = serve(e, httptest.NewRequest(http.MethodPost, "/v1/broken", nil))
	is.Equal(rec.Code, http.StatusInternalServerError)
	is.Equal(usage.refunded, 1)

	usage.allow = false
	rec = serve(e, httptest.NewRequest(http.MethodPost, "/v1/calculations", nil))
	is.Equal(rec.Code, http.StatusTooManyRequests)
	is.True(strings.Contains(rec.Body.String(), `"quota_exceeded"`))
	is.Equal(usage.refunded, 1)
}

func TestQuotaGateKeepsVisitorCookie(t *testing.T) {
	is := is.New(t)
	usage := &fakeUsage{allow: true}
	e := echo.New()
	e.POST("/v1/calculations", func(c echo.Context) error { return c.NoContent(http.StatusCreated) },
		QuotaGate(usage, newCookies(), quota.SurfaceCalculationSave, discard))

	const visitor = "6f1c2a3e-9b0d-4c1e-8f2a-1234567890ab"
	req := httptest.NewRequest(http.MethodPost, "/v1/calculations", nil)
	req.AddCookie(&http.Cookie{Name: cookie.VisitorName, Value: visitor})
	rec := serve(e, req)
	is.Equal(rec.Code, http.StatusCreated)
	is.Equal(usage.consumed[0].VisitorID, visitor)
	is.True(setCookies(rec)[cookie.VisitorName] == nil)
}
