package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/matryer/is"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/calcmei/internal/config"
	"github.com/iliyamo/calcmei/internal/cookie"
	"github.com/iliyamo/calcmei/internal/credential"
	"github.com/iliyamo/calcmei/internal/database"
	"github.com/iliyamo/calcmei/internal/handler"
	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/ratelimit"
	"github.com/iliyamo/calcmei/internal/repository"
	"github.com/iliyamo/calcmei/internal/service"
	"github.com/iliyamo/calcmei/internal/token"
)

const federationSecret = "bridge-secret"

func newServer(t *testing.T) *echo.Echo {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(ctx, database.Options{Driver: database.SQLite, Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(ctx, logger); err != nil {
		t.Fatal(err)
	}
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "calcmei-test")
	if err != nil {
		t.Fatal(err)
	}
	lim := ratelimit.NewMemory(time.Minute)
	t.Cleanup(func() { lim.Close() })

	principals := repository.NewPrincipalRepo(db)
	svc := service.NewAuthService(service.AuthDeps{
		Principals:  principals,
		Sessions:    repository.NewSessionRepo(db),
		Resets:      repository.NewResetTokenRepo(db),
		Codec:       codec,
		Credentials: credential.NewVerifier(bcrypt.DefaultCost, 4),
		Cooldown:    lim,
		Logger:      logger,
	}, service.AuthOptions{})
	policy := quota.DefaultPolicy()
	usage := service.NewUsageService(quota.NewLedger(repository.NewQuotaRepo(db), policy), principals, nil, logger)

	cookies := cookie.NewManager(config.CookieConfig{RefreshPath: "/v1"})
	rl := config.RateLimitConfig{Enabled: true, Limit: 100, Window: time.Minute, LoginLimit: 3, LoginWindow: 15 * time.Minute, KeyStrategy: "ip_route"}
	return New(Deps{
		Auth:      handler.NewAuthHandler(svc, cookies, lim, rl, federationSecret, logger),
		Sessions:  handler.NewSessionHandler(svc, logger),
		Quota:     handler.NewQuotaHandler(usage, cookies, logger),
		Health:    &handler.Health{DB: db, Logger: logger},
		Svc:       svc,
		Usage:     usage,
		Surfaces:  []quota.Surface{quota.SurfaceCalculationSave, quota.SurfacePDFExport},
		Cookies:   cookies,
		Limiter:   lim,
		RateLimit: rl,
		Logger:    logger,
	})
}

// client keeps cookies between requests the way a browser would.
type client struct {
	t       *testing.T
	e       *echo.Echo
	cookies map[string]*http.Cookie
	ip      string
}

func newClient(t *testing.T, e *echo.Echo) *client {
	return &client{t: t, e: e, cookies: map[string]*http.Cookie{}, ip: "192.0.2.10:5000"}
}

func (c *client) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = c.ip
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c.e.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 || ck.Value == "" {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = &http.Cookie{Name: ck.Name, Value: ck.Value}
	}
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	is := is.New(t)
	e := newServer(t)
	browser := newClient(t, e)

	rec := browser.do(http.MethodPost, "/v1/auth/register", `{"email":"a@b.com","password":"Passw0rd!"}`)
	is.Equal(rec.Code, http.StatusCreated)
	is.True(browser.cookies[cookie.AccessName] != nil)
	is.True(browser.cookies[cookie.RefreshName] != nil)

	rec = browser.do(http.MethodGet, "/v1/me", "")
	is.Equal(rec.Code, http.StatusOK)
	var me struct {
		Email     string `json:"email"`
		Class     string `json:"class"`
		Federated bool   `json:"federated"`
	}
	decode(t, rec, &me)
	is.Equal(me.Email, "a@b.com")
	is.Equal(me.Class, "free")
	is.True(!me.Federated)

	// drop the access cookie; the refresh cookie alone keeps the session going
	oldRefresh := browser.cookies[cookie.RefreshName].Value
	delete(browser.cookies, cookie.AccessName)
	rec = browser.do(http.MethodGet, "/v1/sessions", "")
	is.Equal(rec.Code, http.StatusOK)
	is.True(browser.cookies[cookie.RefreshName].Value != oldRefresh)
	var list struct {
		Sessions []struct {
			Current bool `json:"current"`
		} `json:"sessions"`
	}
	decode(t, rec, &list)
	is.Equal(len(list.Sessions), 1)
	is.True(list.Sessions[0].Current)

	// the rotated-away refresh token is dead and gets its holder signed out
	thief := newClient(t, e)
	thief.cookies[cookie.RefreshName] = &http.Cookie{Name: cookie.RefreshName, Value: oldRefresh}
	rec = thief.do(http.MethodPost, "/v1/auth/refresh", "")
	is.Equal(rec.Code, http.StatusUnauthorized)
	is.Equal(len(thief.cookies), 0)

	rec = browser.do(http.MethodPost, "/v1/auth/logout", "")
	is.Equal(rec.Code, http.StatusNoContent)
	is.Equal(len(browser.cookies), 0)
	rec = browser.do(http.MethodGet, "/v1/me", "")
	is.Equal(rec.Code, http.StatusUnauthorized)
}

func TestLoginRateLimitAndGenericErrors(t *testing.T) {
	is := is.New(t)
	e := newServer(t)
	c := newClient(t, e)
	is.Equal(c.do(http.MethodPost, "/v1/auth/register", `{"email":"a@b.com","password":"Passw0rd!"}`).Code, http.StatusCreated)

	wrong := c.do(http.MethodPost, "/v1/auth/login", `{"email":"a@b.com","password":"nope"}`)
	unknown := c.do(http.MethodPost, "/v1/auth/login", `{"email":"x@b.com","password":"nope"}`)
	is.Equal(wrong.Code, http.StatusUnauthorized)
	is.Equal(wrong.Body.String(), unknown.Body.String())

	c.do(http.MethodPost, "/v1/auth/login", `{"email":"a@b.com","password":"nope"}`)
	rec := c.do(http.MethodPost, "/v1/auth/login", `{"email":"a@b.com","password":"Passw0rd!"}`)
	is.Equal(rec.Code, http.StatusTooManyRequests) // blocked before the password is checked
	is.True(rec.Header().Get("Retry-After") != "")

	other := newClient(t, e)
	other.ip = "198.51.100.20:5000"
	is.Equal(other.do(http.MethodPost, "/v1/auth/login", `{"email":"a@b.com","password":"Passw0rd!"}`).Code, http.StatusOK)
}

func TestRevokeOtherSessionsOverHTTP(t *testing.T) {
	is := is.New(t)
	e := newServer(t)
	laptop := newClient(t, e)
	phone := newClient(t, e)
	is.Equal(laptop.do(http.MethodPost, "/v1/auth/register", `{"email":"a@b.com","password":"Passw0rd!"}`).Code, http.StatusCreated)
	phone.ip = "198.51.100.30:5000"
	is.Equal(phone.do(http.MethodPost, "/v1/auth/login", `{"email":"a@b.com","password":"Passw0rd!"}`).Code, http.StatusOK)

	rec := laptop.do(http.MethodDelete, "/v1/sessions", "")
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), `"revoked":1`))

	delete(phone.cookies, cookie.AccessName)
	is.Equal(phone.do(http.MethodGet, "/v1/me", "").Code, http.StatusUnauthorized)
	is.Equal(laptop.do(http.MethodGet, "/v1/me", "").Code, http.StatusOK)
}

func TestBearerClientCannotRevokeItsOwnSession(t *testing.T) {
	is := is.New(t)
	e := newServer(t)
	browser := newClient(t, e)
	rec := browser.do(http.MethodPost, "/v1/auth/register", `{"email":"a@b.com","password":"Passw0rd!"}`)
	is.Equal(rec.Code, http.StatusCreated)
	var reg struct {
		SessionID string `json:"session_id"`
	}
	decode(t, rec, &reg)
	is.True(reg.SessionID != "")
	bearer := "Bearer " + browser.cookies[cookie.AccessName].Value

	phone := newClient(t, e)
	phone.ip = "198.51.100.30:5000"
	is.Equal(phone.do(http.MethodPost, "/v1/auth/login", `{"email":"a@b.com","password":"Passw0rd!"}`).Code, http.StatusOK)

	// no cookies at all: the session is known from the access token
	api := newClient(t, e)
	rec = api.do(http.MethodDelete, "/v1/sessions/"+reg.SessionID, "", echo.HeaderAuthorization, bearer)
	is.Equal(rec.Code, http.StatusBadRequest)

	rec = api.do(http.MethodGet, "/v1/sessions", "", echo.HeaderAuthorization, bearer)
	is.Equal(rec.Code, http.StatusOK)
	var list struct {
		Sessions []struct {
			ID      string `json:"id"`
			Current bool   `json:"current"`
		} `json:"sessions"`
	}
	decode(t, rec, &list)
	is.Equal(len(list.Sessions), 2)
	for _, s := range list.Sessions {
		is.Equal(s.Current, s.ID == reg.SessionID)
	}

	rec = api.do(http.MethodDelete, "/v1/sessions", "", echo.HeaderAuthorization, bearer)
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), `"revoked":1`))
	is.Equal(browser.do(http.MethodGet, "/v1/me", "").Code, http.StatusOK)
}

func TestAnonymousQuotaOverHTTP(t *testing.T) {
	is := is.New(t)
	e := newServer(t)
	visitor := newClient(t, e)

	for i := 0; i < 3; i++ {
		rec := visitor.do(http.MethodPost, "/v1/quota/calculation_save/consume", "")
		is.Equal(rec.Code, http.StatusOK)
	}
	is.True(visitor.cookies[cookie.VisitorName] != nil)

	rec := visitor.do(http.MethodPost, "/v1/quota/calculation_save/consume", "")
	is.Equal(rec.Code, http.StatusTooManyRequests)
	is.True(strings.Contains(rec.Body.String(), `"quota_exceeded"`))

	rec = visitor.do(http.MethodGet, "/v1/quota/calculation_save", "")
	is.Equal(rec.Code, http.StatusOK)
	var d struct {
		Remaining int    `json:"remaining"`
		Class     string `json:"class"`
	}
	decode(t, rec, &d)
	is.Equal(d.Remaining, 0)
	is.Equal(d.Class, "anonymous")

	is.Equal(visitor.do(http.MethodGet, "/v1/quota/not_a_surface", "").Code, http.StatusBadRequest)

	// signing up moves the caller to the free monthly window
	is.Equal(visitor.do(http.MethodPost, "/v1/auth/register", `{"email":"v@b.com","password":"Passw0rd!"}`).Code, http.StatusCreated)
	rec = visitor.do(http.MethodPost, "/v1/quota/calculation_save/consume", "")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Header().Get("X-Quota-Remaining"), "29")
}

func TestOAuthCallbackRequiresSecret(t *testing.T) {
	is := is.New(t)
	e := newServer(t)
	c := newClient(t, e)
	body := `{"provider":"google","provider_id":"g-1","email":"fed@b.com"}`

	is.Equal(c.do(http.MethodPost, "/v1/auth/oauth/callback", body).Code, http.StatusUnauthorized)
	is.Equal(c.do(http.MethodPost, "/v1/auth/oauth/callback", body, handler.FederationHeader, "wrong").Code, http.StatusUnauthorized)

	rec := c.do(http.MethodPost, "/v1/auth/oauth/callback", body, handler.FederationHeader, federationSecret)
	is.Equal(rec.Code, http.StatusOK)
	is.True(c.cookies[cookie.RefreshName] != nil)

	rec = c.do(http.MethodGet, "/v1/me", "")
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), `"federated":true`))

	// a federated account has no password to log in with
	is.Equal(c.do(http.MethodPost, "/v1/auth/login", `{"email":"fed@b.com","password":"Passw0rd!"}`).Code, http.StatusUnauthorized)
}

func TestHealthz(t *testing.T) {
	is := is.New(t)
	e := newServer(t)
	rec := newClient(t, e).do(http.MethodGet, "/healthz", "")
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), `"db":"ok"`))
}
