// Package apperr holds the error taxonomy shared by the desk components.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller must react to it
type Kind string

const (
	// Transport failures are transient and drive reconnects
	Transport Kind = "transport"
	// Auth failures are fatal to the affected transport and need a re-login
	Auth Kind = "auth"
	// CallSetup failures abort the call attempt and clear call state
	CallSetup Kind = "call_setup"
	// Hydration failures affect one context field only
	Hydration Kind = "hydration"
	// Disposition failures keep call state for a retry
	Disposition Kind = "disposition"
	// Device failures trigger a fallback to the default device
	Device Kind = "device"
)

// Error is a classified failure of operation Op
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and the failing operation
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
