// Package apperr defines the error-kind taxonomy used to route failures
// to the right handling policy (retry, surface to user, fail the cycle)
// without string-matching error messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind names an error for routing decisions, not for display.
type Kind string

const (
	// Transient errors are retried with backoff; surfaced as a failed
	// FileRecord only after the retry budget is exhausted.
	Transient Kind = "transient"
	// Auth errors (invalid api_key, unknown agent_id, HTTP 401) are
	// never retried.
	Auth Kind = "auth"
	// Protocol errors are malformed responses or missing fields.
	Protocol Kind = "protocol"
	// LocalIO errors come from the local filesystem.
	LocalIO Kind = "local_io"
	// State errors are things like "backup already in progress" or a
	// schedule parse failure; the current tick is skipped.
	State Kind = "state"
	// FatalInit errors cause the process to exit nonzero at startup.
	FatalInit Kind = "fatal_init"
)

// Error wraps a cause with a routing Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New wraps err with kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: err}
}

// Newf builds a new Error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
