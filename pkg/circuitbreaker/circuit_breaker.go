// Package circuitbreaker fails calls fast after repeated errors and lets a
// single probe through once the probe interval has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker trips to open after maxFailures consecutive failures. While open,
// calls fail with *CircuitBreakerError until probeInterval has passed, then exactly
// one call is let through (half-open); its outcome closes or re-opens the breaker.
type CircuitBreaker struct {
	name          string
	maxFailures   uint32
	probeInterval time.Duration
	now           func() time.Time
	onChange      func(from, to State)

	mu             sync.Mutex
	state          State
	failures       uint32
	openedAt       time.Time
	probing        bool
	requests       uint64
	rejected       uint64
	lastFailure    time.Time
	lastFailureErr error

	logger logrus.FieldLogger
}

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a callback invoked (outside the lock) on every state change.
func WithStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// New creates a closed circuit breaker.
func New(name string, maxFailures uint32, probeInterval time.Duration, logger logrus.FieldLogger, opts ...Option) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cb := &CircuitBreaker{
		name:          name,
		maxFailures:   maxFailures,
		probeInterval: probeInterval,
		now:           time.Now,
		state:         StateClosed,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn if the breaker allows it and records the outcome.
// Context cancellation is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, context.Canceled):
		cb.release()
	default:
		cb.onFailure(err)
	}
	return err
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	cb.requests++

	var change *[2]State
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.probeInterval {
			cb.rejected++
			cb.mu.Unlock()
			return &CircuitBreakerError{Name: cb.name, State: StateOpen}
		}
		change = &[2]State{StateOpen, StateHalfOpen}
		cb.state = StateHalfOpen
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			cb.rejected++
			cb.mu.Unlock()
			return &CircuitBreakerError{Name: cb.name, State: StateHalfOpen}
		}
		cb.probing = true
	}
	cb.mu.Unlock()

	if change != nil {
		cb.notify(change[0], change[1])
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.probing = false
	cb.state = StateClosed
	cb.mu.Unlock()

	if from != StateClosed {
		cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker closed after successful probe")
		cb.notify(from, StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure(err error) {
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	cb.lastFailure = cb.now()
	cb.lastFailureErr = err
	cb.probing = false

	tripped := false
	if from == StateHalfOpen || (from == StateClosed && cb.failures >= cb.maxFailures) {
		cb.state = StateOpen
		cb.openedAt = cb.lastFailure
		tripped = from != StateOpen
	}
	failures := cb.failures
	cb.mu.Unlock()

	if tripped {
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"failures":        failures,
			"error":           err.Error(),
		}).Warn("Circuit breaker opened due to failures")
		cb.notify(from, StateOpen)
	}
}

// Recover closes the breaker immediately, e.g. when an out-of-band signal shows
// the dependency is healthy again.
func (cb *CircuitBreaker) Recover() bool {
	cb.mu.Lock()
	from := cb.state
	if from == StateClosed {
		cb.mu.Unlock()
		return false
	}
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()

	cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker recovered")
	cb.notify(from, StateClosed)
	return true
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// GetState returns the current state. An open breaker whose probe interval has
// elapsed still reports OPEN until a call is let through.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requests,
		Rejected:        cb.rejected,
		LastFailureTime: cb.lastFailure,
	}
	if cb.lastFailureErr != nil {
		s.LastError = cb.lastFailureErr.Error()
	}
	return s
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"-"`
	Failures        uint32    `json:"failures"`
	Requests        uint64    `json:"requests"`
	Rejected        uint64    `json:"rejected"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	LastError       string    `json:"lastError,omitempty"`
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
