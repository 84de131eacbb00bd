// Package repository defines the SQL data access layer and the error
// values shared across repositories. These sentinel values let the service
// layer distinguish failure scenarios without inspecting driver errors.
package repository

import "errors"

// ErrNotFound is returned when a lookup, update or delete matched no row.
// For session rotation it also covers a row that exists but has expired.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert violates a unique key, such as
// registering an email that already exists.
var ErrConflict = errors.New("conflict")
