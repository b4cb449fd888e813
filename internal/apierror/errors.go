package apierror

import (
	"fmt"
	"time"
)

// NotFoundError reports that a successful upstream response did not contain
// the requested resource or unit.
type NotFoundError struct {
	Resource string
	Unit     string
}

func (e *NotFoundError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("price not found for %q", e.Resource)
	}
	return fmt.Sprintf("price not found for %q in %q", e.Resource, e.Unit)
}

// RateLimitOrigin tells which quota rejected a call.
type RateLimitOrigin string

const (
	// OriginUpstreamQuota is the gateway's shared fixed-window budget
	// protecting the upstream price source. A 429 from the source itself is
	// an UpstreamError, not a RateLimitError.
	OriginUpstreamQuota RateLimitOrigin = "upstream"
	// OriginClientQuota is the per-client budget on the gateway's own API.
	OriginClientQuota RateLimitOrigin = "client"
)

// RateLimitError is returned when a quota is exhausted. It is never retried
// and never counted as a circuit breaker failure.
type RateLimitError struct {
	Origin     RateLimitOrigin
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Origin == OriginClientQuota {
		return "rate limit exceeded, retry later"
	}
	return fmt.Sprintf("upstream rate limit reached (%d calls per window), retry later", e.Limit)
}

// CircuitOpenError is returned when a circuit breaker fails fast.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open for %q, retry after %dms", e.Name, e.RetryAfter.Milliseconds())
}

// UpstreamError wraps a failure of the upstream price source. Status is the
// HTTP status returned by the upstream, or 0 when the request never produced
// a response (transport failure).
type UpstreamError struct {
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.Status, msg)
	}
	return fmt.Sprintf("upstream error: %s", msg)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StatusCode returns the upstream HTTP status, or 0 when unknown.
func (e *UpstreamError) StatusCode() int { return e.Status }

// CacheUnavailableError describes a failed cache operation. It is logged and
// counted but never returned to callers; the access degrades to a miss.
type CacheUnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
