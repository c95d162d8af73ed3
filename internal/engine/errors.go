package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown operation path.
var ErrNotFound = errors.New("operation not found")

// ValidationError wraps an input rejection from an operation's Validate
// hook. Surfaced to the caller; never retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ResolverError wraps a failure from user resolver code. It reaches only
// the caller of the failing operation.
type ResolverError struct {
	Path string
	Err  error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("resolver %s: %v", e.Path, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// errorCode maps an error to the wire code carried in error bodies.
func errorCode(err error) string {
	var ve *ValidationError
	var re *ResolverError
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.As(err, &ve):
		return "VALIDATION_ERROR"
	case errors.As(err, &re):
		return "RESOLVER_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
