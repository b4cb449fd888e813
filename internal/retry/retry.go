// Package retry runs an operation with classification-driven exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/metrics"
)

// JitterFactor is the maximum fraction added on top of each exponential step.
const JitterFactor = 0.2

// retryableStatus is the set of upstream HTTP statuses worth another attempt.
var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var transientSignatures = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"ECONNRESET",
	"ETIMEDOUT",
	"ECONNREFUSED",
}

// Policy controls how many times and how far apart an operation is retried.
type Policy struct {
	// Name labels the retried operation in metrics.
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Classifier reports whether an error is transient. Defaults to IsRetryable.
	Classifier func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt. attempt is
	// zero-based and refers to the attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do calls op up to MaxRetries+1 times. The error from the final attempt, or
// from the first attempt the classifier rejects, is returned unchanged. If
// ctx ends before op succeeds and another attempt would follow, ctx.Err() is
// returned instead.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	classify := p.Classifier
	if classify == nil {
		classify = IsRetryable
	}

	bctx := backoff.WithContext(p.NewBackOff(), ctx)
	operation := func() error {
		err := op(bctx.Context())
		if err != nil && !classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	attempt := 0
	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		metrics.RetryTotal.WithLabelValues(p.Name).Inc()
		attempt++
	}
	return backoff.RetryNotify(operation, bctx, notify)
}

// NewBackOff returns a backoff.BackOff that yields Delay(0), Delay(1), ...
// and stops after MaxRetries steps.
func (p Policy) NewBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&jittered{policy: p}, uint64(max(p.MaxRetries, 0)))
}

type jittered struct {
	policy  Policy
	attempt int
}

func (j *jittered) NextBackOff() time.Duration {
	d := j.policy.Delay(j.attempt)
	j.attempt++
	return d
}

func (j *jittered) Reset() { j.attempt = 0 }

// Delay returns the randomized wait after the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return Backoff(attempt, p.BaseDelay, p.MaxDelay, rand.Float64())
}

// Backoff computes min(base * 2^attempt * (1 + JitterFactor*u), limit) for
// a uniform draw u in [0, 1).
func Backoff(attempt int, base, limit time.Duration, u float64) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt))
	d := exp * (1 + JitterFactor*u)
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// IsRetryable is the default classifier. Upstream errors that carry an HTTP
// status are judged by status alone; errors without one are retried when
// they look like a transient network failure. Circuit-open and rate-limit
// errors are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var openErr *apierror.CircuitOpenError
	var rlErr *apierror.RateLimitError
	if errors.As(err, &openErr) || errors.As(err, &rlErr) {
		return false
	}

	var upErr *apierror.UpstreamError
	if errors.As(err, &upErr) && upErr.StatusCode() > 0 {
		return retryableStatus[upErr.StatusCode()]
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
