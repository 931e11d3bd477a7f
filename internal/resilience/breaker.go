// Package resilience isolates broadcast failures (circuit breaker), tracks
// rolling performance to drive graceful degradation, and snapshots in-flight
// operations for recovery.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned without invoking the wrapped call while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards a failing downstream dependency. Repeated failures
// open the circuit; while open every call fails fast. After the reset timeout
// a single probe is let through (half-open): success closes the circuit,
// failure reopens it.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time

	failureThreshold int
	resetTimeout     time.Duration

	now func() time.Time
}

func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Execute runs op through the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := op(ctx)
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
	}
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.state = BreakerClosed
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}
