package storage

import "errors"

// Error kinds surfaced by the facade. Backends wrap their driver errors
// into one of these so callers can branch with errors.Is without knowing
// which store failed.
var (
	// ErrNotFound marks a missing entity
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an illegal state transition or a uniqueness clash
	ErrConflict = errors.New("conflict")

	// ErrValidation marks bad input rejected before touching a backend
	ErrValidation = errors.New("validation failed")

	// ErrUnavailable marks a transient backend failure; callers may retry
	ErrUnavailable = errors.New("storage unavailable")
)
