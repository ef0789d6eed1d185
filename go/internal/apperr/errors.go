// Package apperr defines the failure conditions the game core reports to
// its callers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindInvalid    Kind = "INVALID"
	KindUnexpected Kind = "UNEXPECTED"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInvalid    = errors.New("invalid argument")
	ErrUnexpected = errors.New("unexpected internal error")
)

var (
	ErrSessionNotFound     = fmt.Errorf("session %w", ErrNotFound)
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	ErrPresenceNotFound    = fmt.Errorf("presence snapshot %w", ErrNotFound)

	ErrSessionExists     = fmt.Errorf("session already exists: %w", ErrConflict)
	ErrParticipantExists = fmt.Errorf("participant already in session: %w", ErrConflict)
	ErrSessionFull       = fmt.Errorf("session is full: %w", ErrConflict)

	ErrInvalidID       = fmt.Errorf("id is required: %w", ErrInvalid)
	ErrInvalidRole     = fmt.Errorf("unknown role: %w", ErrInvalid)
	ErrInvalidPhase    = fmt.Errorf("unknown phase: %w", ErrInvalid)
	ErrInvalidDuration = fmt.Errorf("timer duration out of range: %w", ErrInvalid)
)

// KindOf classifies err. Errors that wrap none of the kind sentinels are
// reported as KindUnexpected.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	}
	return KindUnexpected
}

// Unexpected wraps err as an internal invariant violation.
func Unexpected(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnexpected, err)
}
