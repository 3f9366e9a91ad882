// Package banner is a typed client over the upstream Banner Student
// Information System's HTML/JSON web app.
package banner

import (
	"errors"
	"fmt"
)

// InvalidSessionError means the parsed response envelope indicates the
// session was rejected (missing pathMode/data, or success:false). The
// caller should evict the owning Session and retry with a fresh one.
type InvalidSessionError struct {
	Cause string
}

func (e *InvalidSessionError) Error() string {
	return fmt.Sprintf("banner: invalid session: %s", e.Cause)
}

// ThrottledError means the upstream itself returned a 4xx suggesting rate
// limiting, distinct from RateLimiter's own local throttle (which never
// surfaces as an error to callers).
type ThrottledError struct {
	StatusCode int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("banner: throttled (status %d)", e.StatusCode)
}

// TransientUpstreamError covers connect failures, read timeouts, and 5xx
// responses. Recoverable; the caller should retry.
type TransientUpstreamError struct {
	Cause error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("banner: transient upstream failure: %v", e.Cause)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Cause }

// ParseFailureError means the JSON body didn't match the expected shape.
// Snippet is a short windowed slice of the body around the decode offset,
// with newlines escaped, never the whole body (see snippetAround).
type ParseFailureError struct {
	Cause   error
	Snippet string
}

func (e *ParseFailureError) Error() string {
	return fmt.Sprintf("banner: parse failure: %v\n%s", e.Cause, e.Snippet)
}

func (e *ParseFailureError) Unwrap() error { return e.Cause }

// IsRecoverable reports whether err should cause a job retry rather than
// an unrecoverable failure. Transient upstream errors, throttling, and
// session death are retryable; a ParseFailureError is not — the body will
// not parse any better on the next attempt, so it is terminal for that job.
func IsRecoverable(err error) bool {
	var invalidSession *InvalidSessionError
	var throttled *ThrottledError
	var transient *TransientUpstreamError
	return errors.As(err, &invalidSession) ||
		errors.As(err, &throttled) ||
		errors.As(err, &transient)
}
