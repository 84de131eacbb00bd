package config

import (
	"net/http"
	"os"
	"strings"
	"time"
)

// MailConfig configures the transactional mail sender. An empty APIKey
// selects the logging sender, which never delivers anything.
type MailConfig struct {
	APIKey  string // RESEND_API_KEY
	From    string // MAIL_FROM
	BaseURL string // APP_BASE_URL, used to build reset links
}

func LoadMailConfig() MailConfig {
	return MailConfig{
		APIKey:  os.Getenv("RESEND_API_KEY"),
		From:    envStr("MAIL_FROM", "Calcmei <no-reply@calcmei.app>"),
		BaseURL: strings.TrimRight(envStr("APP_BASE_URL", "http://localhost:3000"), "/"),
	}
}

// CookieConfig controls the attributes of the token and visitor cookies.
type CookieConfig struct {
	Secure      bool
	Domain      string
	SameSite    http.SameSite
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	RefreshPath string
	VisitorTTL  time.Duration
}

// LoadCookieConfig builds the cookie settings. Secure defaults to true in
// production and can be forced either way with COOKIE_SECURE.
func LoadCookieConfig(prod bool, accessTTL, refreshTTL time.Duration) CookieConfig {
	return CookieConfig{
		Secure:      envBool("COOKIE_SECURE", prod),
		Domain:      os.Getenv("COOKIE_DOMAIN"),
		SameSite:    parseSameSite(envStr("COOKIE_SAMESITE", "lax")),
		AccessTTL:   accessTTL,
		RefreshTTL:  refreshTTL,
		RefreshPath: envStr("COOKIE_REFRESH_PATH", "/v1"),
		VisitorTTL:  envDur("VISITOR_COOKIE_TTL", 365*24*time.Hour),
	}
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// EventsConfig points at the RabbitMQ broker that receives auth events.
// Without a URL events are dropped by a no-op publisher.
type EventsConfig struct {
	URL   string
	Queue string
}

func LoadEventsConfig() EventsConfig {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		url = os.Getenv("AMQP_URL")
	}
	return EventsConfig{URL: url, Queue: envStr("EVENTS_QUEUE", "auth.events")}
}
