// Package resilience bundles the cross-cutting failure helpers used by the
// sync engine: a circuit breaker, batch execution with partial recovery,
// fallback execution, and an error-rate aggregator.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/docsyncd/docsyncd/internal/sync/metrics"
)

// Op is a unit of work guarded by the resilience helpers.
type Op func(ctx context.Context) (any, error)

// OpenError is returned while the breaker is open. Distinct from the wrapped
// operation's own errors so callers can tell "dependency failing" apart from
// "breaker refusing".
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string { return "Circuit breaker is open" }

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker counts consecutive failures and, once the threshold is
// reached, rejects calls for a cooldown period. After the cooldown one trial
// call is let through; its outcome closes or re-opens the breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	timeout   time.Duration

	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker. failureThreshold is the number
// of consecutive failures that opens it; timeout is the cooldown before a
// trial call is allowed.
func NewCircuitBreaker(name string, failureThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		threshold: failureThreshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// Execute runs op under the breaker.
func (b *CircuitBreaker) Execute(ctx context.Context, op Op) (any, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	result, err := op(ctx)
	b.record(err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < b.timeout {
			return &OpenError{Name: b.name, RetryAfter: b.timeout - elapsed}
		}
		// Cooldown elapsed: allow one trial call.
		b.state = stateHalfOpen
		metrics.CircuitState.WithLabelValues(b.name).Set(0.5)
		return nil
	case stateHalfOpen:
		// A trial call is already in flight.
		return &OpenError{Name: b.name}
	}
	return nil
}

func (b *CircuitBreaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.state = stateClosed
		b.failures = 0
		metrics.CircuitState.WithLabelValues(b.name).Set(0)
		return
	}

	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = time.Now()
		metrics.CircuitState.WithLabelValues(b.name).Set(1)
	}
}

// Name returns the breaker's identifier.
func (b *CircuitBreaker) Name() string { return b.name }

// IsOpen reports whether the breaker currently rejects calls.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && time.Since(b.openedAt) < b.timeout
}

// Failures returns the current consecutive-failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset force-closes the breaker.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	metrics.CircuitState.WithLabelValues(b.name).Set(0)
}
