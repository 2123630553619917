package shared

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient marks failures of the local store or the remote that are
// expected to clear on their own. Callers retry them with backoff and only
// surface them once the retry budget is spent.
var ErrTransient = errors.New("transient store error")

// ErrCancelled is the control-flow signal for a user-initiated cancellation.
// It is never logged as a failure.
var ErrCancelled = errors.New("request cancelled")

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancellation reports whether err is a cancellation signal rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// ValidationError is a permanent rejection of an oversized or malformed
// payload. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
