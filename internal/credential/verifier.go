// Package credential hashes and verifies passwords with bcrypt and checks
// password strength.
package credential

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// DefaultCost is the bcrypt cost used when none is configured.
const DefaultCost = 12

// MinLength is the shortest password accepted by ValidateStrength.
const MinLength = 8

// maxBytes is the bcrypt input limit; longer inputs are rejected instead
// of silently truncated.
const maxBytes = 72

// ErrEmptyPassword is returned by Hash for an empty password.
var ErrEmptyPassword = errors.New("credential: empty password")

// Verifier wraps bcrypt. Hashing and comparison hold a slot of a weighted
// semaphore so a burst of logins cannot occupy every CPU.
type Verifier struct {
	cost int
	sem  *semaphore.Weighted

	dummyOnce sync.Once
	dummy     []byte
}

// NewVerifier builds a Verifier. Costs below bcrypt.DefaultCost or above
// bcrypt.MaxCost fall back to DefaultCost; maxConcurrent <= 0 means one slot
// per CPU.
func NewVerifier(cost, maxConcurrent int) *Verifier {
	if cost < bcrypt.DefaultCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return newVerifier(cost, maxConcurrent)
}

// newVerifier skips the cost floor so package tests can hash at
// bcrypt.MinCost.
func newVerifier(cost, maxConcurrent int) *Verifier {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	return &Verifier{cost: cost, sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Hash returns the bcrypt hash of password. It blocks until a hashing slot
// is free or ctx is done.
func (v *Verifier) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer v.sem.Release(1)
	b, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether password matches hash. An empty hash still costs
// one bcrypt comparison against a throwaway hash, so unknown accounts take
// as long to reject as wrong passwords.
func (v *Verifier) Verify(ctx context.Context, password, hash string) bool {
	known := hash != ""
	target := []byte(hash)
	if !known {
		target = v.dummyHash()
	}
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer v.sem.Release(1)
	ok := bcrypt.CompareHashAndPassword(target, []byte(password)) == nil
	return ok && known
}

func (v *Verifier) dummyHash() []byte {
	v.dummyOnce.Do(func() {
		// bcrypt only fails here for a bad cost, which NewVerifier prevents.
		v.dummy, _ = bcrypt.GenerateFromPassword([]byte("calcmei-dummy-password"), v.cost)
	})
	return v.dummy
}

// StrengthResult lists every rule a password violates.
type StrengthResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateStrength checks the password rules and reports all violations at
// once rather than stopping at the first.
func ValidateStrength(password string) StrengthResult {
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	var errs []string
	if len([]rune(password)) < MinLength {
		errs = append(errs, "password must be at least 8 characters")
	}
	if len(password) > maxBytes {
		errs = append(errs, "password must be at most 72 bytes")
	}
	if !upper {
		errs = append(errs, "password must contain an uppercase letter")
	}
	if !lower {
		errs = append(errs, "password must contain a lowercase letter")
	}
	if !digit {
		errs = append(errs, "password must contain a digit")
	}
	return StrengthResult{Valid: len(errs) == 0, Errors: errs}
}
