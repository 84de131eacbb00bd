package config

import (
	"os"
	"strconv"
	"time"
)

// RateLimitConfig drives the fixed-window limiters. Login attempts have
// their own budget; the other unauthenticated auth endpoints share the
// general one.
type RateLimitConfig struct {
	Enabled     bool
	Backend     string // "memory" or "redis"
	LoginLimit  int
	LoginWindow time.Duration
	Limit       int
	Window      time.Duration
	KeyStrategy string
	Prefix      string
	Debug       bool
}

func LoadRateLimitConfig() RateLimitConfig {
	def := RateLimitConfig{
		Enabled:     envBool("RATE_LIMIT_ENABLED", true),
		Backend:     envStr("RATE_LIMIT_BACKEND", "memory"),
		LoginLimit:  envInt("LOGIN_RATE_LIMIT", 5),
		LoginWindow: envDur("LOGIN_RATE_WINDOW", 15*time.Minute),
		Limit:       envInt("RATE_LIMIT_CAPACITY", 30),
		Window:      envDur("RATE_LIMIT_WINDOW", time.Minute),
		KeyStrategy: envStr("RATE_LIMIT_KEY_STRATEGY", "ip_route"),
		Prefix:      envStr("RATE_LIMIT_PREFIX", "rl"),
		Debug:       envBool("RATE_LIMIT_DEBUG", false),
	}
	if def.LoginLimit < 1 {
		def.LoginLimit = 1
	}
	if def.Limit < 1 {
		def.Limit = 1
	}
	if def.LoginWindow <= 0 {
		def.LoginWindow = 15 * time.Minute
	}
	if def.Window <= 0 {
		def.Window = time.Minute
	}
	if def.Backend != "redis" {
		def.Backend = "memory"
	}
	return def
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
