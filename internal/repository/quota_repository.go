package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/calcmei/internal/database"
	"github.com/iliyamo/calcmei/internal/quota"
)

// QuotaRepo is the SQL backend of the quota ledger. Each window is one row
// of `quota_windows`; rollover happens by key change, rows are never reset.
type QuotaRepo struct{ DB *database.DB }

func NewQuotaRepo(db *database.DB) *QuotaRepo { return &QuotaRepo{DB: db} }

var _ quota.Store = (*QuotaRepo)(nil)

// Increment adds one to the window counter unless it already reached limit.
// The guard lives in the UPDATE's WHERE clause so concurrent callers can
// never push the count past the limit.
func (r *QuotaRepo) Increment(ctx context.Context, w quota.Window, limit int) (int, bool, error) {
	now := time.Now().UTC().Truncate(time.Second)
	var principal sql.NullString
	if w.PrincipalID != "" {
		principal = sql.NullString{String: w.PrincipalID, Valid: true}
	}
	// The row is created outside the transaction so concurrent first hits
	// do not hold duplicate-key locks while they increment.
	if _, err := r.DB.Conn.ExecContext(ctx,
		r.DB.InsertIgnore()+" INTO quota_windows (window_key, principal_id, count, window_start, updated_at) VALUES (?,?,0,?,?)",
		w.Key, principal, w.Start.UTC().Truncate(time.Second), now); err != nil {
		return 0, false, fmt.Errorf("quota window insert: %w", err)
	}

	var (
		count int
		ok    bool
	)
	err := r.DB.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE quota_windows SET count = count + 1, updated_at = ? WHERE window_key = ? AND count < ?",
			now, w.Key, limit)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return tx.QueryRowContext(ctx, "SELECT count FROM quota_windows WHERE window_key = ?", w.Key).Scan(&count)
	})
	if err != nil {
		return 0, false, fmt.Errorf("quota window increment: %w", err)
	}
	return count, ok, nil
}

// Decrement gives one unit back, never going below zero.
func (r *QuotaRepo) Decrement(ctx context.Context, w quota.Window) error {
	_, err := r.DB.Conn.ExecContext(ctx,
		"UPDATE quota_windows SET count = count - 1, updated_at = ? WHERE window_key = ? AND count > 0",
		time.Now().UTC().Truncate(time.Second), w.Key)
	return err
}

// Count returns the current counter of a window, zero when it has no row yet.
func (r *QuotaRepo) Count(ctx context.Context, w quota.Window) (int, error) {
	var count int
	err := r.DB.Conn.QueryRowContext(ctx, "SELECT count FROM quota_windows WHERE window_key = ?", w.Key).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}
