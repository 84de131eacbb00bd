package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/iliyamo/calcmei/internal/model"
)

type mapStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMapStore() *mapStore { return &mapStore{counts: map[string]int{}} }

func (m *mapStore) Increment(_ context.Context, w Window, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[w.Key] >= limit {
		return m.counts[w.Key], false, nil
	}
	m.counts[w.Key]++
	return m.counts[w.Key], true, nil
}

func (m *mapStore) Decrement(_ context.Context, w Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[w.Key] > 0 {
		m.counts[w.Key]--
	}
	return nil
}

func (m *mapStore) Count(_ context.Context, w Window) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[w.Key], nil
}

func TestClassFor(t *testing.T) {
	is := is.New(t)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour)
	past := now.Add(-time.Hour)

	is.Equal(ClassFor(nil, now), ClassAnonymous)
	is.Equal(ClassFor(&model.Principal{Plan: model.PlanFree}, now), ClassFree)
	is.Equal(ClassFor(&model.Principal{Plan: model.PlanPremium}, now), ClassPremium)
	is.Equal(ClassFor(&model.Principal{Plan: model.PlanFree, TrialEndsAt: &future}, now), ClassPremium)
	is.Equal(ClassFor(&model.Principal{Plan: model.PlanFree, TrialEndsAt: &past}, now), ClassFree)
}

func TestCheckIsPure(t *testing.T) {
	is := is.New(t)
	p := DefaultPolicy()

	d := p.Check(ClassFree, SurfaceCalculationSave, 29)
	is.True(d.Allowed)
	is.Equal(d.Remaining, 1)

	d = p.Check(ClassFree, SurfaceCalculationSave, 30)
	is.True(!d.Allowed)
	is.Equal(d.Remaining, 0)
	is.Equal(d.Limit, 30)

	is.Equal(p.Check(ClassFree, SurfacePDFExport, 30).Remaining, 20)
	is.Equal(p.Check(ClassFree, Surface("other"), 0).Limit, 30)

	d = p.Check(ClassAnonymous, SurfaceCalculationSave, 3)
	is.True(!d.Allowed)

	d = p.Check(ClassPremium, SurfaceCalculationSave, 10000)
	is.True(d.Allowed)
	is.True(d.Unlimited)
	is.Equal(d.Remaining, -1)
}

func TestWindowKeysAreUTC(t *testing.T) {
	is := is.New(t)
	l := NewLedger(newMapStore(), DefaultPolicy())
	// 23:30 in UTC-3 is already the next day in UTC.
	local := time.Date(2026, 1, 31, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600))

	w := l.WindowFor(Subject{Class: ClassAnonymous, ID: "v1"}, SurfaceCalculationSave, local)
	is.Equal(w.Key, "quota:anon:calculation_save:v1:2026-02-01")
	is.Equal(w.End, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))

	w = l.WindowFor(Subject{Class: ClassFree, ID: "p1"}, SurfacePDFExport, local)
	is.Equal(w.Key, "quota:free:pdf_export:p1:2026-02")
	is.Equal(w.PrincipalID, "p1")
	is.Equal(w.End, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
}

func TestConsumeUntilExhausted(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	l := NewLedger(newMapStore(), DefaultPolicy(), WithClock(func() time.Time { return now }))
	anon := Subject{Class: ClassAnonymous, ID: "visitor-1"}

	for i := 1; i <= 3; i++ {
		d, err := l.Consume(ctx, anon, SurfaceCalculationSave)
		is.NoErr(err)
		is.Equal(d.Used, i)
		is.Equal(d.Remaining, 3-i)
	}
	d, err := l.Consume(ctx, anon, SurfaceCalculationSave)
	is.True(errors.Is(err, ErrExceeded))
	is.True(!d.Allowed)
	is.Equal(d.Remaining, 0)

	// next UTC day is a fresh window
	now = now.Add(24 * time.Hour)
	d, err = l.Consume(ctx, anon, SurfaceCalculationSave)
	is.NoErr(err)
	is.Equal(d.Used, 1)
}

func TestRefundAndStatus(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	l := NewLedger(newMapStore(), DefaultPolicy())
	free := Subject{Class: ClassFree, ID: "p1"}

	d, err := l.Consume(ctx, free, SurfaceCalculationSave)
	is.NoErr(err)
	st, err := l.Status(ctx, free, SurfaceCalculationSave)
	is.NoErr(err)
	is.Equal(st.Used, 1)
	is.Equal(st.Remaining, 29)
	is.True(st.ResetsAt != nil)

	is.NoErr(l.Refund(ctx, d))
	is.NoErr(l.Refund(ctx, d)) // never below zero
	st, err = l.Status(ctx, free, SurfaceCalculationSave)
	is.NoErr(err)
	is.Equal(st.Used, 0)
}

func TestPremiumBypassesStore(t *testing.T) {
	is := is.New(t)
	store := newMapStore()
	l := NewLedger(store, DefaultPolicy())
	for i := 0; i < 100; i++ {
		d, err := l.Consume(context.Background(), Subject{Class: ClassPremium, ID: "p1"}, SurfaceCalculationSave)
		is.NoErr(err)
		is.True(d.Unlimited)
	}
	is.Equal(len(store.counts), 0)
}

func TestConsumeValidatesInput(t *testing.T) {
	is := is.New(t)
	l := NewLedger(newMapStore(), DefaultPolicy())
	_, err := l.Consume(context.Background(), Subject{Class: ClassAnonymous}, SurfaceCalculationSave)
	is.Equal(err, ErrNoSubject)
	_, err = l.Consume(context.Background(), Subject{Class: ClassFree, ID: "p1"}, Surface("bad:key"))
	is.Equal(err, ErrInvalidSurface)
}

func TestRefundReturnsUseToItsOwnWindow(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 23, 59, 59, 0, time.UTC)
	l := NewLedger(newMapStore(), DefaultPolicy(), WithClock(func() time.Time { return now }))
	anon := Subject{Class: ClassAnonymous, ID: "visitor-1"}

	_, err := l.Consume(ctx, anon, SurfaceCalculationSave)
	is.NoErr(err)
	d, err := l.Consume(ctx, anon, SurfaceCalculationSave)
	is.NoErr(err)

	// the gated write fails after midnight
	now = now.Add(2 * time.Second)
	fresh, err := l.Consume(ctx, anon, SurfaceCalculationSave)
	is.NoErr(err)
	is.Equal(fresh.Used, 1)

	is.NoErr(l.Refund(ctx, d))
	st, err := l.Status(ctx, anon, SurfaceCalculationSave)
	is.NoErr(err)
	is.Equal(st.Used, 1) // today's window untouched

	now = now.Add(-2 * time.Second)
	st, err = l.Status(ctx, anon, SurfaceCalculationSave)
	is.NoErr(err)
	is.Equal(st.Used, 1) // yesterday's window gave one back
}

func TestRefundIgnoresDeniedAndPremium(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := newMapStore()
	l := NewLedger(store, DefaultPolicy())
	anon := Subject{Class: ClassAnonymous, ID: "visitor-1"}
	for i := 0; i < 3; i++ {
		_, err := l.Consume(ctx, anon, SurfaceCalculationSave)
		is.NoErr(err)
	}
	denied, err := l.Consume(ctx, anon, SurfaceCalculationSave)
	is.True(errors.Is(err, ErrExceeded))
	is.NoErr(l.Refund(ctx, denied))
	st, err := l.Status(ctx, anon, SurfaceCalculationSave)
	is.NoErr(err)
	is.Equal(st.Used, 3)

	premium, err := l.Consume(ctx, Subject{Class: ClassPremium, ID: "p1"}, SurfaceCalculationSave)
	is.NoErr(err)
	is.NoErr(l.Refund(ctx, premium))
	is.NoErr(l.Refund(ctx, Decision{}))
}
