package resilience

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultBreakerTimeout   = 60 * time.Second
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open" // open, but the timeout has elapsed
)

// BreakerSnapshot is a read-only view of a breaker.
type BreakerSnapshot struct {
	State            CircuitState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	FailureThreshold int          `json:"failure_threshold"`
	Timeout          string       `json:"timeout"`
	LastFailure      *time.Time   `json:"last_failure,omitempty"`
}

// CircuitBreaker stops calls to an executor kind after FailureThreshold
// consecutive failures. Once Timeout has elapsed since the last failure the
// next CanExecute closes it again optimistically.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	timeout          time.Duration
	log              *slog.Logger

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	open         bool
}

// NewCircuitBreaker creates a breaker. Non-positive values use the defaults.
func NewCircuitBreaker(name string, failureThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		log:              slog.Default().With("component", "breaker", "kind", name),
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open {
		cb.log.Info("Circuit breaker closed")
	}
	cb.failureCount = 0
	cb.open = false
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailure = time.Now()

	if cb.failureCount >= cb.failureThreshold {
		if !cb.open {
			cb.log.Warn("Circuit breaker open", "consecutive_failures", cb.failureCount)
		}
		cb.open = true
	}
}

// CanExecute reports whether a call may go through.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return true
	}

	if time.Since(cb.lastFailure) > cb.timeout {
		cb.log.Info("Circuit breaker half-open, allowing calls")
		cb.open = false
		cb.failureCount = 0
		return true
	}

	return false
}

// State returns the current state without changing it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if !cb.open {
		return StateClosed
	}
	if time.Since(cb.lastFailure) > cb.timeout {
		return StateHalfOpen
	}
	return StateOpen
}

// Snapshot returns the breaker's counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := BreakerSnapshot{
		State:            cb.stateLocked(),
		FailureCount:     cb.failureCount,
		FailureThreshold: cb.failureThreshold,
		Timeout:          cb.timeout.String(),
	}
	if !cb.lastFailure.IsZero() {
		last := cb.lastFailure
		s.LastFailure = &last
	}
	return s
}
