package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/calcmei/internal/quota"
)

// Context keys set by Auth and OptionalAuth.
const (
	KeyPrincipalID = "principal_id"
	KeySessionID   = "session_id"
	keyDecision    = "quota_decision"
)

// PrincipalID returns the authenticated principal of the request, or ""
// for anonymous callers.
func PrincipalID(c echo.Context) string {
	if v, ok := c.Get(KeyPrincipalID).(string); ok {
		return v
	}
	return ""
}

// SessionID returns the session the request's tokens belong to, taken from
// the sid claim. It is set whether the caller used cookies or a bearer token.
func SessionID(c echo.Context) string {
	if v, ok := c.Get(KeySessionID).(string); ok {
		return v
	}
	return ""
}

func setPrincipal(c echo.Context, id, sessionID string) {
	c.Set(KeyPrincipalID, id)
	c.Set(KeySessionID, sessionID)
}

// rateSubject is the identity rate-limit keys use: the principal when
// known, "anon" otherwise.
func rateSubject(c echo.Context) string {
	if id := PrincipalID(c); id != "" {
		return id
	}
	return "anon"
}

// QuotaDecision returns the decision QuotaGate recorded for the request.
func QuotaDecision(c echo.Context) (quota.Decision, bool) {
	d, ok := c.Get(keyDecision).(quota.Decision)
	return d, ok
}
