// Package id generates the identifiers of audit events and reservations.
// Identifiers are UUIDv7, so they sort by creation time.
package id

import (
	"github.com/google/uuid"
)

// ID is the identifier type stored in PostgreSQL UUID columns.
type ID = uuid.UUID

// New generates a UUIDv7, falling back to a random UUID if the clock source fails.
func New() ID {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return v
}

// NewString is New in its canonical text form.
func NewString() string {
	return New().String()
}

// Parse converts the text form back to an ID.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}
