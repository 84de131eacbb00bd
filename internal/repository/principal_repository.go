package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/calcmei/internal/database"
	"github.com/iliyamo/calcmei/internal/model"
)

// PrincipalRepo persists accounts in the `principals` table.
type PrincipalRepo struct{ DB *database.DB }

func NewPrincipalRepo(db *database.DB) *PrincipalRepo { return &PrincipalRepo{DB: db} }

const principalColumns = "id,email,password_hash,provider,provider_id,plan,trial_started_at,trial_ends_at,trial_used,created_at,updated_at"

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Create inserts p, filling in ID, timestamps and defaults when they are
// zero. A duplicate email or provider identity yields ErrConflict.
func (r *PrincipalRepo) Create(ctx context.Context, p *model.Principal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Email = NormalizeEmail(p.Email)
	if p.Provider == "" {
		p.Provider = model.ProviderLocal
	}
	if p.Plan == "" {
		p.Plan = model.PlanFree
	}
	now := time.Now().UTC().Truncate(time.Second)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	_, err := r.DB.Conn.ExecContext(ctx,
		"INSERT INTO principals ("+principalColumns+") VALUES (?,?,?,?,?,?,?,?,?,?,?)",
		p.ID, p.Email, nullString(p.PasswordHash), p.Provider, nullString(p.ProviderID), string(p.Plan),
		nullTime(p.TrialStartedAt), nullTime(p.TrialEndsAt), p.TrialUsed, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if r.DB.IsDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// GetByID fetches a principal by id.
func (r *PrincipalRepo) GetByID(ctx context.Context, id string) (*model.Principal, error) {
	return r.getOne(ctx, "SELECT "+principalColumns+" FROM principals WHERE id=? LIMIT 1", id)
}

// GetByEmail fetches a principal by normalized email.
func (r *PrincipalRepo) GetByEmail(ctx context.Context, email string) (*model.Principal, error) {
	return r.getOne(ctx, "SELECT "+principalColumns+" FROM principals WHERE email=? LIMIT 1", NormalizeEmail(email))
}

// GetByProvider fetches a federated principal by its provider identity.
func (r *PrincipalRepo) GetByProvider(ctx context.Context, provider, providerID string) (*model.Principal, error) {
	return r.getOne(ctx,
		"SELECT "+principalColumns+" FROM principals WHERE provider=? AND provider_id=? LIMIT 1",
		provider, providerID)
}

// UpdatePassword replaces the password hash of a principal.
func (r *PrincipalRepo) UpdatePassword(ctx context.Context, id, hash string) error {
	res, err := r.DB.Conn.ExecContext(ctx,
		"UPDATE principals SET password_hash=?, updated_at=? WHERE id=?",
		hash, time.Now().UTC().Truncate(time.Second), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// Delete removes a principal; sessions, reset tokens and quota windows go
// with it through ON DELETE CASCADE.
func (r *PrincipalRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.Conn.ExecContext(ctx, "DELETE FROM principals WHERE id=?", id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *PrincipalRepo) getOne(ctx context.Context, query string, args ...any) (*model.Principal, error) {
	var (
		p            model.Principal
		passwordHash sql.NullString
		providerID   sql.NullString
		plan         string
		trialStart   sql.NullTime
		trialEnd     sql.NullTime
	)
	err := r.DB.Conn.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.Email, &passwordHash, &p.Provider, &providerID, &plan,
		&trialStart, &trialEnd, &p.TrialUsed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Plan = model.Plan(plan)
	if passwordHash.Valid {
		p.PasswordHash = &passwordHash.String
	}
	if providerID.Valid {
		p.ProviderID = &providerID.String
	}
	if trialStart.Valid {
		t := trialStart.Time.UTC()
		p.TrialStartedAt = &t
	}
	if trialEnd.Valid {
		t := trialEnd.Time.UTC()
		p.TrialEndsAt = &t
	}
	return &p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC().Truncate(time.Second), Valid: true}
}

// expectOne maps "no row affected" to ErrNotFound.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
