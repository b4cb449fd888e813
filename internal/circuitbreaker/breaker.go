// Package circuitbreaker provides a consecutive-failure circuit breaker that
// guards calls into the upstream price source.
package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/price-gateway/internal/apierror"
	"github.com/dskow/price-gateway/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a limited number of trial calls allowed.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// Snapshot is a point-in-time view of a breaker, used by the admin API.
type Snapshot struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	LastFailure      time.Time `json:"last_failure,omitzero"`
	HalfOpenAttempts int       `json:"half_open_attempts"`
	RetryAfterMs     int64     `json:"retry_after_ms,omitempty"`
}

// Breaker fails fast once a dependency has failed FailureThreshold times in
// a row, and probes for recovery after ResetTimeout.
type Breaker struct {
	mu     sync.Mutex
	name   string
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	state            State
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// New creates a closed breaker for the named dependency.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		logger: logger,
		cfg:    sanitize(cfg),
		now:    time.Now,
		state:  StateClosed,
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

func sanitize(cfg Config) Config {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMaxAttempts < 1 {
		cfg.HalfOpenMaxAttempts = 1
	}
	return cfg
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs op unless the breaker is open, and records exactly one
// outcome for the call. op runs without the breaker lock held. When the
// call is rejected, the returned error is a *apierror.CircuitOpenError and
// op is not invoked.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	admitted, err := b.admit()
	if err != nil {
		metrics.CircuitBreakerRejections.WithLabelValues(b.name).Inc()
		return err
	}

	opErr := op(ctx)
	b.record(admitted, opErr == nil)
	return opErr
}

// admit decides whether a call may proceed and returns the state it was
// admitted under.
func (b *Breaker) admit() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return b.state, b.openError()
		}
		b.transitionTo(StateHalfOpen)
		return b.admitTrial()
	case StateHalfOpen:
		return b.admitTrial()
	default:
		return StateClosed, nil
	}
}

// admitTrial must be called with b.mu held and the breaker half-open.
func (b *Breaker) admitTrial() (State, error) {
	if b.halfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
		return b.state, b.openError()
	}
	b.halfOpenAttempts++
	b.logger.Info("circuit breaker trial call",
		"name", b.name,
		"attempt", b.halfOpenAttempts,
		"max_attempts", b.cfg.HalfOpenMaxAttempts,
	)
	return StateHalfOpen, nil
}

// record applies one call outcome. Outcomes that land while the breaker is
// open are dropped; the state machine only moves forward from the state the
// breaker is in now.
func (b *Breaker) record(admitted State, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = b.now()
		if b.failures >= b.cfg.FailureThreshold {
			b.logger.Error("circuit breaker tripped",
				"name", b.name,
				"failures", b.failures,
				"reset_timeout_ms", b.cfg.ResetTimeout.Milliseconds(),
			)
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		if admitted != StateHalfOpen {
			// A call admitted before the breaker opened says nothing about recovery.
			return
		}
		if success {
			b.transitionTo(StateClosed)
			return
		}
		b.lastFailure = b.now()
		b.transitionTo(StateOpen)
	}
}

// Reset forces the breaker closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failures = 0
	b.halfOpenAttempts = 0
	b.logger.Info("circuit breaker manually reset", "name", b.name)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:             b.name,
		State:            b.state,
		Failures:         b.failures,
		LastFailure:      b.lastFailure,
		HalfOpenAttempts: b.halfOpenAttempts,
	}
	if b.state == StateOpen {
		s.RetryAfterMs = b.remaining().Milliseconds()
	}
	return s
}

// UpdateConfig swaps thresholds at runtime without touching the current state.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = sanitize(cfg)
}

// remaining must be called with b.mu held.
func (b *Breaker) remaining() time.Duration {
	left := b.cfg.ResetTimeout - b.now().Sub(b.lastFailure)
	if left < 0 {
		return 0
	}
	return left
}

// openError must be called with b.mu held.
func (b *Breaker) openError() error {
	left := b.remaining()
	b.logger.Warn("circuit breaker open, failing fast",
		"name", b.name,
		"retry_after_ms", left.Milliseconds(),
	)
	return &apierror.CircuitOpenError{Name: b.name, RetryAfter: left}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"name", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.failures = 0
		b.halfOpenAttempts = 0
	case StateOpen:
		b.halfOpenAttempts = 0
	}
}
