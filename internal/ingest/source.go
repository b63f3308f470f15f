// Package ingest implements the adapter contract shared by every data source:
// cursor-driven pagination behind a per-source rate gate and retry policy.
package ingest

import (
	"context"
	"math"
	"strconv"
	"time"
)

// Cursor is an opaque pagination position. Only the source that produced a
// cursor interprets its keys.
type Cursor map[string]string

// Int returns the integer stored under key, or 0
func (c Cursor) Int(key string) int {
	n, err := strconv.Atoi(c[key])
	if err != nil {
		return 0
	}
	return n
}

// Get returns the value stored under key
func (c Cursor) Get(key string) string {
	return c[key]
}

// With returns a copy of the cursor with key set to value
func (c Cursor) With(key, value string) Cursor {
	next := make(Cursor, len(c)+1)
	for k, v := range c {
		next[k] = v
	}
	next[key] = value
	return next
}

// WithInt returns a copy of the cursor with key set to n
func (c Cursor) WithInt(key string, n int) Cursor {
	return c.With(key, strconv.Itoa(n))
}

// Page is one fetched page of raw records
type Page[R any] struct {
	Items   []R
	HasMore bool
	Next    Cursor
}

// Source fetches raw pages and normalizes raw records into store records
type Source[R, T any] interface {
	// FetchPage performs exactly one remote request for the page at cursor
	FetchPage(ctx context.Context, cursor Cursor) (Page[R], error)
	// Normalize maps a raw record; false drops the record
	Normalize(raw R) (T, bool)
}

// Descriptor holds the per-source fetch parameters
type Descriptor struct {
	Name        string
	BaseURL     string
	MinInterval time.Duration // minimum spacing between requests
	Retry       RetryPolicy
}

// RetryPolicy controls backoff for transient failures
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	// MaxDelay caps a single backoff delay; zero means uncapped
	MaxDelay time.Duration

	// OverloadCooldown is the minimum wait after the source reports overload.
	// Cooldowns do not consume retries. Disabled when MaxCooldowns is zero.
	OverloadCooldown time.Duration
	MaxCooldowns     int
}

// DefaultRetryPolicy returns the standard policy: 3 retries, 2s doubling
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   time.Minute,
	}
}

// Backoff returns the delay before the given retry (1-based)
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	limit := time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		limit = p.MaxDelay
	}

	// Compare in float64 so large exponents saturate instead of wrapping
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(retry-1))
	if delay >= float64(limit) || math.IsNaN(delay) {
		return limit
	}
	return max(time.Duration(delay), 0)
}

// Stats summarizes one paginated fetch
type Stats struct {
	Pages     int
	Fetched   int // raw records received
	Dropped   int // raw records rejected by Normalize
	Retries   int
	Cooldowns int
}
