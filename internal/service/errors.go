// Package service holds the session orchestrator and the usage gate. It
// decides; the HTTP layer does the cookie and header I/O.
package service

import (
	"errors"
	"sort"
	"strings"

	"github.com/iliyamo/calcmei/internal/quota"
	"github.com/iliyamo/calcmei/internal/repository"
)

// Error taxonomy shared by every operation. Handlers match with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
	ErrRateLimited        = errors.New("rate limited")
	ErrQuotaExceeded      = quota.ErrExceeded
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = repository.ErrNotFound
	ErrConflict           = repository.ErrConflict
)

// ValidationError carries per-field messages. It matches ErrValidation.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+strings.Join(e.Fields[field], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field string, msgs ...string) *ValidationError {
	return &ValidationError{Fields: map[string][]string{field: msgs}}
}
