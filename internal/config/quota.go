package config

import (
	"fmt"
	"strconv"
	"strings"
)

// QuotaConfig holds the usage-gating limits. SurfaceLimits overrides the
// free monthly default for individual surfaces.
type QuotaConfig struct {
	Backend        string         // "sql" or "redis"
	AnonymousDaily int            // gated operations per UTC day for anonymous visitors
	FreeMonthly    int            // default gated operations per UTC month for free accounts
	SurfaceLimits  map[string]int // per-surface monthly limits for free accounts
	Prefix         string         // key prefix for the Redis store
}

// quota reads QUOTA_* variables. QUOTA_SURFACE_LIMITS is a comma separated
// list of surface=limit pairs.
func (l *loader) quota() QuotaConfig {
	q := QuotaConfig{
		Backend:        strings.ToLower(envStr("QUOTA_BACKEND", "sql")),
		AnonymousDaily: l.intOr("QUOTA_ANON_DAILY", 3),
		FreeMonthly:    l.intOr("QUOTA_FREE_MONTHLY", 30),
		SurfaceLimits:  map[string]int{},
		Prefix:         envStr("QUOTA_PREFIX", "quota"),
	}
	if q.Backend != "sql" && q.Backend != "redis" {
		l.errs = append(l.errs, fmt.Errorf("unsupported QUOTA_BACKEND %q (want sql or redis)", q.Backend))
	}
	if q.AnonymousDaily < 0 || q.FreeMonthly < 0 {
		l.errs = append(l.errs, fmt.Errorf("quota limits must not be negative"))
	}
	for _, pair := range splitList(envStr("QUOTA_SURFACE_LIMITS", "calculation_save=30,pdf_export=50")) {
		name, val, ok := strings.Cut(pair, "=")
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if !ok || err != nil || n < 0 || strings.TrimSpace(name) == "" {
			l.errs = append(l.errs, fmt.Errorf("invalid QUOTA_SURFACE_LIMITS entry %q", pair))
			continue
		}
		q.SurfaceLimits[strings.TrimSpace(name)] = n
	}
	return q
}
