package config // package config loads application configuration from environment variables

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable; nested structs group the settings of one concern.
type Config struct {
	Env  string // application environment (e.g. "dev", "prod")
	Port string // HTTP port to listen on

	DBDriver   string // "mysql" or "sqlite"
	DBUser     string // database username
	DBPass     string // database password (optional)
	DBHost     string // database host address
	DBPort     string // database port number
	DBName     string // database name
	SQLitePath string // sqlite file path, ":memory:" for an ephemeral database

	JWTSecret  string        // secret used to sign JWTs, at least 32 bytes
	JWTIssuer  string        // iss claim stamped on every token
	AccessTTL  time.Duration // access token lifetime
	RefreshTTL time.Duration // refresh token and session lifetime

	BcryptCost      int // bcrypt cost for password hashing
	HashConcurrency int // concurrent bcrypt operations, 0 = one per CPU

	ResetTTL      time.Duration // password reset link lifetime
	ResetCooldown time.Duration // minimum gap between reset mails per email

	SweepInterval    time.Duration // how often expired sessions are removed
	FederationSecret string        // shared secret the identity provider callback must present
	AllowedOrigins   []string      // CORS origins allowed to send credentials
	LogLevel         string        // debug, info, warn or error

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Mail      MailConfig
	Cookie    CookieConfig
	Events    EventsConfig
}

// IsProd reports whether the service runs in production.
func (c Config) IsProd() bool { return strings.EqualFold(c.Env, "prod") || strings.EqualFold(c.Env, "production") }

// Load reads configuration values from the environment, after loading a
// .env file when one exists. Every missing or malformed required variable is
// reported in the returned error, not just the first.
func Load() (Config, error) {
	_ = godotenv.Load() // a missing .env file is fine; real env vars win

	var l loader
	cfg := Config{
		Env:              envStr("APP_ENV", "dev"),
		Port:             envStr("APP_PORT", "8080"),
		DBDriver:         strings.ToLower(envStr("DB_DRIVER", "mysql")),
		JWTSecret:        l.must("JWT_SECRET"),
		JWTIssuer:        envStr("JWT_ISSUER", "calcmei"),
		AccessTTL:        time.Duration(l.intOr("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTTL:       time.Duration(l.intOr("REFRESH_TOKEN_TTL_DAYS", 7)) * 24 * time.Hour,
		BcryptCost:       l.intOr("BCRYPT_COST", 12),
		HashConcurrency:  l.intOr("BCRYPT_CONCURRENCY", 0),
		ResetTTL:         envDur("PASSWORD_RESET_TTL", 30*time.Minute),
		ResetCooldown:    envDur("PASSWORD_RESET_COOLDOWN", 90*time.Second),
		SweepInterval:    envDur("SESSION_SWEEP_INTERVAL", time.Hour),
		FederationSecret: os.Getenv("FEDERATION_SECRET"),
		AllowedOrigins:   splitList(envStr("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		LogLevel:         envStr("LOG_LEVEL", "info"),
	}

	switch cfg.DBDriver {
	case "mysql":
		cfg.DBUser = l.must("DB_USER")
		cfg.DBPass = os.Getenv("DB_PASS") // empty allowed
		cfg.DBHost = l.must("DB_HOST")
		cfg.DBPort = envStr("DB_PORT", "3306")
		cfg.DBName = l.must("DB_NAME")
	case "sqlite":
		cfg.SQLitePath = envStr("SQLITE_PATH", "./data/calcmei.db")
	default:
		l.errs = append(l.errs, fmt.Errorf("unsupported DB_DRIVER %q (want mysql or sqlite)", cfg.DBDriver))
	}

	if cfg.BcryptCost < bcrypt.DefaultCost || cfg.BcryptCost > bcrypt.MaxCost {
		l.errs = append(l.errs, fmt.Errorf("BCRYPT_COST must be between %d and %d, got %d",
			bcrypt.DefaultCost, bcrypt.MaxCost, cfg.BcryptCost))
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		l.errs = append(l.errs, errors.New("token TTLs must be positive"))
	}

	cfg.Redis = LoadRedisConfig()
	cfg.RateLimit = LoadRateLimitConfig()
	cfg.Quota = l.quota()
	cfg.Mail = LoadMailConfig()
	cfg.Cookie = LoadCookieConfig(cfg.IsProd(), cfg.AccessTTL, cfg.RefreshTTL)
	cfg.Events = LoadEventsConfig()

	if cfg.Quota.Backend == "redis" && !cfg.Redis.Enabled() {
		l.errs = append(l.errs, errors.New("QUOTA_BACKEND=redis requires REDIS_ADDR or REDIS_HOST"))
	}
	if err := errors.Join(l.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loader collects the errors of required variables so Load can report all
// of them together.
type loader struct{ errs []error }

// must retrieves the value of a required environment variable and records an
// error when it is unset or empty.
func (l *loader) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		l.errs = append(l.errs, fmt.Errorf("missing required env var: %s", key))
	}
	return v
}

// intOr parses an optional integer variable, recording an error when it is
// set but not a number.
func (l *loader) intOr(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid int for %s: %q", key, s))
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
