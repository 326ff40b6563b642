// Package fault defines the error taxonomy exposed at the administrative
// boundary. Core packages return their own sentinel errors; fault classifies
// them into the small set of kinds an external router can map onto
// transport-level codes.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the boundary classification of an error.
type Kind int

const (
	// Internal covers I/O and other unexpected failures.
	Internal Kind = iota
	// Unauthorized means authentication is missing or invalid.
	Unauthorized
	// Forbidden means the authenticated user's role is insufficient.
	Forbidden
	// NotFound means the vault, file, membership or backup does not exist.
	NotFound
	// Conflict means the entity already exists or the state transition is taken.
	Conflict
	// Invalid means a bad path, vault ID, role or self-targeted mutation.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not-found"
	case Conflict:
		return "conflict"
	case Invalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Error is an error carrying a boundary kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted message with a kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or Internal if err carries no kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
