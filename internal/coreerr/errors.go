// Package coreerr defines the error taxonomy shared across the reservation
// core. These kinds let callers such as an HTTP layer distinguish between
// failure scenarios without inspecting error strings, the same role
// repository.ErrForbidden/ErrConflict played in the teacher's handler layer,
// generalized to the full set of kinds the coordinator can surface.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	// NotFound: referenced screening/seat/reservation absent, or ownership
	// mismatch (a foreign buyer is indistinguishable from a missing
	// reservation). Surfaced to the caller; no retry.
	NotFound Kind = "NOT_FOUND"
	// Conflict: seat not available, reservation not pending, or reservation
	// expired. Surfaced to the caller; no retry.
	Conflict Kind = "CONFLICT"
	// InvalidRequest: duplicated labels, empty list, malformed identifier.
	// Surfaced to the caller; no retry.
	InvalidRequest Kind = "INVALID_REQUEST"
	// StoreConflict: deadlock, serialization failure, lock timeout. Retried
	// internally up to the configured attempt limit; surfaced if exhausted.
	StoreConflict Kind = "STORE_CONFLICT"
	// StoreUnavailable: connectivity loss, host down. Retried; surfaced if
	// exhausted.
	StoreUnavailable Kind = "STORE_UNAVAILABLE"
	// BrokerUnavailable: cannot publish an event or schedule an expiration.
	// Logged, not surfaced, for post-commit actions — the transaction has
	// already committed by the time this can occur.
	BrokerUnavailable Kind = "BROKER_UNAVAILABLE"
	// Timeout: caller deadline exceeded. Transaction rolled back; surfaced.
	Timeout Kind = "TIMEOUT"
	// InvalidState: structural inconsistency detected (e.g. a CONFIRMED
	// reservation without a sale). Surfaced as an internal error.
	InvalidState Kind = "INVALID_STATE"
)

// Error wraps a Kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to InvalidState when err is
// not a *Error — an untyped error reaching the boundary is itself a bug.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InvalidState
}

// Retryable reports whether the caller should retry the operation that
// produced err.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == StoreConflict || k == StoreUnavailable
}
