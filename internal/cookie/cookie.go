// Package cookie binds token pairs and the anonymous visitor id to HTTP
// cookies. The refresh and access cookies are always written and cleared
// together.
package cookie

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/config"
)

const (
	AccessName  = "access_token"
	RefreshName = "refresh_token"
	VisitorName = "visitor_id"
)

// Manager reads and writes the auth cookies with the configured attributes.
type Manager struct {
	cfg config.CookieConfig
	now func() time.Time
}

func NewManager(cfg config.CookieConfig) *Manager {
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = "/v1"
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteLaxMode
	}
	if cfg.VisitorTTL <= 0 {
		cfg.VisitorTTL = 365 * 24 * time.Hour
	}
	return &Manager{cfg: cfg, now: time.Now}
}

// SetTokens writes both token cookies. Expiry follows the tokens
// themselves.
func (m *Manager) SetTokens(c echo.Context, access string, accessExp time.Time, refresh string, refreshExp time.Time) {
	c.SetCookie(m.build(AccessName, access, "/", accessExp))
	c.SetCookie(m.build(RefreshName, refresh, m.cfg.RefreshPath, refreshExp))
}

// Clear expires both token cookies.
func (m *Manager) Clear(c echo.Context) {
	for _, ck := range []*http.Cookie{
		m.build(AccessName, "", "/", time.Unix(0, 0)),
		m.build(RefreshName, "", m.cfg.RefreshPath, time.Unix(0, 0)),
	} {
		ck.MaxAge = -1
		c.SetCookie(ck)
	}
}

// AccessToken returns the access token from the Authorization header or,
// failing that, from its cookie.
func (m *Manager) AccessToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return read(c, AccessName)
}

// RefreshToken returns the refresh token cookie value.
func (m *Manager) RefreshToken(c echo.Context) string { return read(c, RefreshName) }

// VisitorID returns the visitor id of the caller, minting and setting one
// when the request carries none or a malformed one.
func (m *Manager) VisitorID(c echo.Context) string {
	if v := read(c, VisitorName); v != "" {
		if _, err := uuid.Parse(v); err == nil {
			return v
		}
	}
	id := uuid.NewString()
	c.SetCookie(m.build(VisitorName, id, "/", m.now().Add(m.cfg.VisitorTTL)))
	return id
}

func (m *Manager) build(name, value, path string, exp time.Time) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   m.cfg.Domain,
		Expires:  exp,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
	}
	if d := exp.Sub(m.now()); d > 0 {
		ck.MaxAge = int(d.Seconds())
	}
	return ck
}

func read(c echo.Context, name string) string {
	ck, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
