package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRetriesExhausted is returned when a request still fails after the
// configured number of retries
var ErrRetriesExhausted = errors.New("retries exhausted")

// HTTPError is a non-2xx response from a remote API
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
	// RetryAfter is the server's Retry-After hint, if any
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d", e.URL, e.StatusCode)
}

// Transient reports whether the status is worth retrying
func (e *HTTPError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// OverloadedError means the source asked callers to back off for a while
type OverloadedError struct {
	Cooldown time.Duration
	Err      error
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("source overloaded (cooldown %s): %v", e.Cooldown, e.Err)
}

func (e *OverloadedError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent, or is an HTTP error
// with a non-transient status
func IsPermanent(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Transient()
	}
	return false
}
