package paysync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls into a backend that may be unavailable.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	Success()
	Failure(err error)
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after a number of consecutive backend failures
// and lets a trial request through once resetTimeout has elapsed.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a circuit breaker. onStateChange may be nil.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn. Errors that describe ledger or entitlement state rather
// than backend health do not count as failures.
func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && !isStateError(err) {
		cb.Failure(err)
		return err
	}

	cb.Success()
	return err
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) Failure(_ error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	probing := cb.currentState() == StateHalfOpen
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if probing {
		// failed trial restarts the reset timeout
		cb.state = StateOpen
		if cb.onStateChange != nil {
			cb.onStateChange(StateOpen)
		}
		return
	}
	if cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

func isStateError(err error) bool {
	return errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrEventNotPending) ||
		errors.Is(err, ErrEventNotFailed) ||
		errors.Is(err, ErrEntitlementNotFound) ||
		errors.Is(err, context.Canceled)
}
