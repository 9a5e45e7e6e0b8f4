package twitter

import (
	"errors"
	"fmt"
	"time"
)

var ErrNoCredentials = errors.New("no credentials configured")

// Fatal marks an error as non-retryable.
//
// Calls wrap authentication and authorization failures with Fatal so the
// executor aborts the run instead of wasting its retry budget.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying.
//
// Used when the server returns an explicit reset time (HTTP 429). The executor
// respects the hint, bounded by its configured ceiling.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// StatusError is the error returned for non-2xx API responses, possibly
// wrapped with Fatal or RetryAfter depending on the status code.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api status %d", e.Status)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}
