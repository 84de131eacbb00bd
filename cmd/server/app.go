package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/calcmei/internal/config"
	"github.com/iliyamo/calcmei/internal/cookie"
	"github.com/iliyamo/calcmei/internal/credential"
	"github.com/iliyamo/calcmei/internal/database"
	"github.com/iliyamo/calcmei/internal/events"
	"github.com/iliyamo/calcmei/internal/handler"
	"github.com/iliyamo/calcmei/internal/mail"
	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/ratelimit"
	"github.com/iliyamo/calcmei/internal/repository"
	"github.com/iliyamo/calcmei/internal/router"
	"github.com/iliyamo/calcmei/internal/service"
	"github.com/iliyamo/calcmei/internal/token"
)

// app is the fully wired service. close releases everything it opened.
type app struct {
	db      *database.DB
	rdb     *redis.Client
	auth    *service.AuthService
	routes  router.Deps
	closers []func() error
}

func openDB(ctx context.Context, cfg config.Config) (*database.DB, error) {
	return database.Open(ctx, database.Options{
		Driver: database.Dialect(cfg.DBDriver),
		User:   cfg.DBUser,
		Pass:   cfg.DBPass,
		Host:   cfg.DBHost,
		Port:   cfg.DBPort,
		Name:   cfg.DBName,
		Path:   cfg.SQLitePath,
	})
}

// newApp opens the stores and builds every component. Redis is optional:
// without it the limiter is in-process and quotas live in SQL.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{db: db}
	a.closers = append(a.closers, db.Close)

	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		a.close()
		return nil, err
	}
	if rdb != nil {
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	codec, err := token.NewCodec([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("token codec: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Backend == "redis" && rdb != nil {
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimit.Prefix)
	} else {
		if cfg.RateLimit.Backend == "redis" {
			logger.Warn("RATE_LIMIT_BACKEND=redis without Redis, using in-process limiter")
		}
		mem := ratelimit.NewMemory(0)
		a.closers = append(a.closers, mem.Close)
		limiter = mem
	}

	var store quota.Store
	if cfg.Quota.Backend == "redis" {
		if rdb == nil {
			a.close()
			return nil, errors.New("QUOTA_BACKEND=redis but Redis is not reachable")
		}
		store = quota.NewRedisStore(rdb)
	} else {
		store = repository.NewQuotaRepo(db)
	}
	policy := quota.Policy{
		AnonymousDaily: cfg.Quota.AnonymousDaily,
		FreeMonthly:    cfg.Quota.FreeMonthly,
		Surfaces:       map[quota.Surface]int{},
	}
	var surfaces []quota.Surface
	for name, n := range cfg.Quota.SurfaceLimits {
		s := quota.Surface(name)
		if !s.Valid() {
			a.close()
			return nil, fmt.Errorf("quota surface %q: %w", name, quota.ErrInvalidSurface)
		}
		policy.Surfaces[s] = n
		surfaces = append(surfaces, s)
	}
	ledger := quota.NewLedger(store, policy, quota.WithPrefix(cfg.Quota.Prefix))

	var pub events.Publisher = events.Nop{}
	if cfg.Events.URL != "" {
		amqpPub := events.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Queue, logger)
		a.closers = append(a.closers, amqpPub.Close)
		pub = amqpPub
	}

	var mailer mail.Sender = mail.LogSender{Logger: logger}
	if cfg.Mail.APIKey != "" {
		mailer = mail.NewResendSender(cfg.Mail.APIKey, cfg.Mail.From, cfg.Mail.BaseURL)
	}

	principals := repository.NewPrincipalRepo(db)
	a.auth = service.NewAuthService(service.AuthDeps{
		Principals:  principals,
		Sessions:    repository.NewSessionRepo(db),
		Resets:      repository.NewResetTokenRepo(db),
		Codec:       codec,
		Credentials: credential.NewVerifier(cfg.BcryptCost, cfg.HashConcurrency),
		Cooldown:    limiter,
		Events:      pub,
		Mailer:      mailer,
		Logger:      logger,
	}, service.AuthOptions{
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		ResetTTL:      cfg.ResetTTL,
		ResetCooldown: cfg.ResetCooldown,
	})
	usage := service.NewUsageService(ledger, principals, pub, logger)

	cookies := cookie.NewManager(cfg.Cookie)
	a.routes = router.Deps{
		Auth:      handler.NewAuthHandler(a.auth, cookies, limiter, cfg.RateLimit, cfg.FederationSecret, logger),
		Sessions:  handler.NewSessionHandler(a.auth, logger),
		Quota:     handler.NewQuotaHandler(usage, cookies, logger),
		Health:    &handler.Health{DB: db, Redis: rdb, Logger: logger},
		Svc:       a.auth,
		Usage:     usage,
		Surfaces:  surfaces,
		Cookies:   cookies,
		Limiter:   limiter,
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	}
	return a, nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
