package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iliyamo/calcmei/internal/events"
	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/repository"
)

// Actor is who is behind a gated request: an authenticated principal, or an
// anonymous visitor identified by its visitor cookie.
type Actor struct {
	PrincipalID string
	VisitorID   string
}

// UsageService resolves actors to usage classes and runs them through the
// quota ledger.
type UsageService struct {
	ledger     *quota.Ledger
	principals PrincipalStore
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewUsageService(ledger *quota.Ledger, principals PrincipalStore, pub events.Publisher, logger *slog.Logger) *UsageService {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageService{ledger: ledger, principals: principals, events: pub, logger: logger, now: time.Now}
}

// Subject maps an actor to the quota subject it is billed as. Plan data is
// read fresh on every call so an upgrade takes effect immediately.
func (u *UsageService) Subject(ctx context.Context, a Actor) (quota.Subject, error) {
	if a.PrincipalID == "" {
		if a.VisitorID == "" {
			return quota.Subject{}, invalid("visitor_id", "anonymous requests need a visitor id")
		}
		return quota.Subject{Class: quota.ClassAnonymous, ID: a.VisitorID}, nil
	}
	p, err := u.principals.GetByID(ctx, a.PrincipalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return quota.Subject{}, ErrUnauthorized
		}
		return quota.Subject{}, err
	}
	return quota.Subject{Class: quota.ClassFor(p, u.now()), ID: p.ID}, nil
}

// Status reports the actor's current window for surface.
func (u *UsageService) Status(ctx context.Context, a Actor, surface quota.Surface) (quota.Decision, error) {
	sub, err := u.Subject(ctx, a)
	if err != nil {
		return quota.Decision{}, err
	}
	d, err := u.ledger.Status(ctx, sub, surface)
	return d, mapQuotaErr(err)
}

// Consume records one gated operation. A full window yields the decision
// together with ErrQuotaExceeded.
func (u *UsageService) Consume(ctx context.Context, a Actor, surface quota.Surface) (quota.Decision, quota.Subject, error) {
	sub, err := u.Subject(ctx, a)
	if err != nil {
		return quota.Decision{}, sub, err
	}
	d, err := u.ledger.Consume(ctx, sub, surface)
	if errors.Is(err, quota.ErrExceeded) {
		ev := events.Event{Type: events.QuotaExhausted, Surface: string(surface), Count: int64(d.Used)}
		if sub.Class == quota.ClassAnonymous {
			ev.VisitorID = sub.ID
		} else {
			ev.PrincipalID = sub.ID
		}
		publish(ctx, u.events, u.logger, ev, u.now().UTC())
	}
	return d, sub, mapQuotaErr(err)
}

// Refund gives back the operation behind a decision returned by Consume.
func (u *UsageService) Refund(ctx context.Context, d quota.Decision) error {
	return u.ledger.Refund(ctx, d)
}

func mapQuotaErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, quota.ErrInvalidSurface):
		return invalid("surface", "unknown usage surface")
	case errors.Is(err, quota.ErrNoSubject):
		return invalid("visitor_id", "anonymous requests need a visitor id")
	default:
		return err
	}
}
