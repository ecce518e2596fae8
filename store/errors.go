package store

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrConflict is returned when a compare-and-set did not apply because
	// the row was not in the expected state.
	ErrConflict = errors.New("state conflict")
)
