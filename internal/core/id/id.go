// Package id provides UUIDv7 generation and parsing for records and audit rows.
package id

import (
	"github.com/google/uuid"
)

// ID is a type alias for UUID, used across all entities.
type ID = uuid.UUID

// New generates a new UUIDv7 (time-ordered UUID).
// Audit rows use it so history sorts by creation without a separate index.
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Parse converts string to ID with validation.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// MustParse converts string to ID, panics on error.
// Use only for constants and tests.
func MustParse(s string) ID {
	return uuid.MustParse(s)
}

// IsNil checks if ID is zero-value.
func IsNil(id ID) bool {
	return id == uuid.Nil
}

// Ordered returns a and b sorted by their canonical string form.
// Locks taken in this order cannot deadlock against a merge naming the same pair reversed.
func Ordered(a, b ID) (ID, ID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}
