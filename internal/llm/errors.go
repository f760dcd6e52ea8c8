package llm

import (
	"errors"
	"fmt"
)

// TransientError marks a provider failure worth retrying: rate limits,
// timeouts, 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("llm transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a provider failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("llm permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ErrBudgetExceeded is returned when a call would overrun the session token
// budget. Callers escalate this to the token_budget gate instead of failing.
var ErrBudgetExceeded = errors.New("token budget exceeded")
