// Package quota counts gated operations per principal class and window and
// decides whether the next one is allowed.
//
// Windows are calendar based and always computed in UTC:
//
//	anonymous  <prefix>:anon:<surface>:<visitorID>:YYYY-MM-DD   (resets at 00:00 UTC)
//	free       <prefix>:free:<surface>:<principalID>:YYYY-MM    (resets on the 1st, 00:00 UTC)
//	premium    never counted
//
// Rollover happens by key change; old windows are left to expire.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/calcmei/internal/model"
)

var (
	// ErrExceeded is returned by Consume when the window is already full.
	ErrExceeded = errors.New("quota exceeded")
	// ErrInvalidSurface is returned for surface names that are malformed or
	// not part of the policy.
	ErrInvalidSurface = errors.New("invalid quota surface")
	// ErrNoSubject is returned when a counted class has no identity to key on.
	ErrNoSubject = errors.New("quota subject has no identity")
)

// Class is the usage tier a request is billed against.
type Class int

const (
	ClassAnonymous Class = iota
	ClassFree
	ClassPremium
)

func (c Class) String() string {
	switch c {
	case ClassFree:
		return "free"
	case ClassPremium:
		return "premium"
	default:
		return "anonymous"
	}
}

func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ClassFor is the single place plan data turns into a usage class: a nil
// principal is anonymous, PREMIUM or a running trial is premium, anything
// else is free.
func ClassFor(p *model.Principal, now time.Time) Class {
	switch {
	case p == nil:
		return ClassAnonymous
	case p.Plan == model.PlanPremium, p.TrialActive(now):
		return ClassPremium
	default:
		return ClassFree
	}
}

// Surface names a gated operation, such as "calculation_save".
type Surface string

const (
	SurfaceCalculationSave Surface = "calculation_save"
	SurfacePDFExport       Surface = "pdf_export"
)

// Valid reports whether s is usable inside a storage key.
func (s Surface) Valid() bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// Subject identifies who is counted: the principal id for accounts, the
// visitor id for anonymous traffic.
type Subject struct {
	Class Class
	ID    string
}

// Policy holds the limits per class.
type Policy struct {
	AnonymousDaily int
	FreeMonthly    int
	Surfaces       map[Surface]int // monthly overrides for free accounts
}

// DefaultPolicy returns the stock limits: 3 per day anonymous, 30 per month
// free, with 50 PDF exports.
func DefaultPolicy() Policy {
	return Policy{
		AnonymousDaily: 3,
		FreeMonthly:    30,
		Surfaces: map[Surface]int{
			SurfaceCalculationSave: 30,
			SurfacePDFExport:       50,
		},
	}
}

// Limit returns the window limit for a class and surface, or -1 for
// unlimited.
func (p Policy) Limit(class Class, surface Surface) int {
	switch class {
	case ClassPremium:
		return -1
	case ClassFree:
		if n, ok := p.Surfaces[surface]; ok {
			return n
		}
		return p.FreeMonthly
	default:
		return p.AnonymousDaily
	}
}

// Decision is the outcome of a quota check. Limit and Remaining are -1 when
// Unlimited is set.
type Decision struct {
	Class     Class      `json:"class"`
	Allowed   bool       `json:"allowed"`
	Unlimited bool       `json:"unlimited"`
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`

	// Window is the counter Consume recorded into; Refund gives the use
	// back to this window even when the clock has since rolled over.
	Window Window `json:"-"`
}

// Check decides from an already known count whether one more operation is
// allowed. It performs no I/O.
func (p Policy) Check(class Class, surface Surface, current int) Decision {
	limit := p.Limit(class, surface)
	if limit < 0 {
		return Decision{Class: class, Allowed: true, Unlimited: true, Limit: -1, Used: current, Remaining: -1}
	}
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Class: class, Allowed: current < limit, Limit: limit, Used: current, Remaining: remaining}
}

// Window is one counter in the store.
type Window struct {
	Key         string
	PrincipalID string // empty for anonymous windows
	Start       time.Time
	End         time.Time
}

// Store is the durable counter behind a Ledger. Increment must be atomic:
// check and increment happen as one step so concurrent callers cannot
// exceed limit.
type Store interface {
	Increment(ctx context.Context, w Window, limit int) (count int, ok bool, err error)
	Decrement(ctx context.Context, w Window) error
	Count(ctx context.Context, w Window) (int, error)
}

// Ledger applies a Policy against a Store.
type Ledger struct {
	store  Store
	policy Policy
	prefix string
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the clock used to pick windows.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithPrefix changes the key prefix (default "quota").
func WithPrefix(prefix string) Option { return func(l *Ledger) { l.prefix = prefix } }

func NewLedger(store Store, policy Policy, opts ...Option) *Ledger {
	l := &Ledger{store: store, policy: policy, prefix: "quota", now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WindowFor returns the window that a subject's operation on surface falls
// into at t.
func (l *Ledger) WindowFor(sub Subject, surface Surface, t time.Time) Window {
	t = t.UTC()
	if sub.Class == ClassAnonymous {
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return Window{
			Key:   fmt.Sprintf("%s:anon:%s:%s:%s", l.prefix, surface, sub.ID, start.Format("2006-01-02")),
			Start: start,
			End:   start.AddDate(0, 0, 1),
		}
	}
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Window{
		Key:         fmt.Sprintf("%s:free:%s:%s:%s", l.prefix, surface, sub.ID, start.Format("2006-01")),
		PrincipalID: sub.ID,
		Start:       start,
		End:         start.AddDate(0, 1, 0),
	}
}

// Consume records one gated operation. The decision is computed from the
// post-increment count; when the window is full nothing is recorded and the
// decision comes back together with ErrExceeded.
func (l *Ledger) Consume(ctx context.Context, sub Subject, surface Surface) (Decision, error) {
	if err := l.validate(sub, surface); err != nil {
		return Decision{}, err
	}
	if sub.Class == ClassPremium {
		return l.policy.Check(ClassPremium, surface, 0), nil
	}
	w := l.WindowFor(sub, surface, l.now())
	limit := l.policy.Limit(sub.Class, surface)
	count, ok, err := l.store.Increment(ctx, w, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("quota increment %s: %w", w.Key, err)
	}
	d := Decision{Class: sub.Class, Allowed: ok, Limit: limit, Used: count, Remaining: max(limit-count, 0), ResetsAt: &w.End, Window: w}
	if !ok {
		return d, ErrExceeded
	}
	return d, nil
}

// Refund gives back the operation recorded by the Consume that returned d,
// in the window it was recorded in. Denied, premium and zero decisions are
// no-ops.
func (l *Ledger) Refund(ctx context.Context, d Decision) error {
	if !d.Allowed || d.Unlimited || d.Window.Key == "" {
		return nil
	}
	if err := l.store.Decrement(ctx, d.Window); err != nil {
		return fmt.Errorf("quota refund %s: %w", d.Window.Key, err)
	}
	return nil
}

// Status reports the current window usage without recording anything.
func (l *Ledger) Status(ctx context.Context, sub Subject, surface Surface) (Decision, error) {
	if err := l.validate(sub, surface); err != nil {
		return Decision{}, err
	}
	if sub.Class == ClassPremium {
		return l.policy.Check(ClassPremium, surface, 0), nil
	}
	w := l.WindowFor(sub, surface, l.now())
	count, err := l.store.Count(ctx, w)
	if err != nil {
		return Decision{}, fmt.Errorf("quota status %s: %w", w.Key, err)
	}
	d := l.policy.Check(sub.Class, surface, count)
	d.ResetsAt = &w.End
	return d, nil
}

// validate rejects malformed surfaces and, when the policy lists surfaces,
// any surface it does not list.
func (l *Ledger) validate(sub Subject, surface Surface) error {
	if !surface.Valid() {
		return ErrInvalidSurface
	}
	if len(l.policy.Surfaces) > 0 {
		if _, ok := l.policy.Surfaces[surface]; !ok {
			return ErrInvalidSurface
		}
	}
	if sub.Class != ClassPremium && sub.ID == "" {
		return ErrNoSubject
	}
	return nil
}
