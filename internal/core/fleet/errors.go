package fleet

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound identifies routing failures: a follow-up command named a
// session nobody owns. Never retried.
var ErrSessionNotFound = errors.New("session not found")

// ErrUnsupportedCapabilities means no registered node, busy or idle,
// advertises a slot for the request. Terminal, unlike "all busy".
var ErrUnsupportedCapabilities = errors.New("no node supports the requested capabilities")

// RetryableError wraps a session-creation failure that is expected to clear
// up on its own: a busy slot, a draining node, exhausted capacity. The retry
// poller requeues these instead of failing the caller.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as retryable. Marking an already-retryable error keeps
// a single wrapper.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return err
	}
	return &RetryableError{Err: err}
}

// Retryablef is shorthand for Retryable(fmt.Errorf(...)).
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
