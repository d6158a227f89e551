// Package resilience implements the per-provider circuit breaker used by
// the LLM bus to convert repeated provider failures into fast rejections.
//
// Circuit Breaker Pattern:
// The breaker acts as a proxy that monitors failures and temporarily
// blocks requests when a failure threshold is reached. States:
//  1. Closed: normal operation, requests pass through
//  2. Open: threshold exceeded, requests fail immediately
//  3. Half-Open: testing recovery, limited requests allowed
//
// Transitions:
//   - closed  -> open       after FailureThreshold consecutive failures
//   - open    -> half-open  on the first call attempt after RecoveryTimeout
//   - half-open -> closed   after HalfOpenMaxCalls consecutive successes
//   - half-open -> open     on any failure (recovery timer restarts)
package resilience

import (
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker events for monitoring
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string)                      {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// CircuitBreaker tracks consecutive failures for a single provider.
// All transitions happen under one mutex; the breaker is consulted on
// every call, so the critical section stays tiny.
type CircuitBreaker struct {
	name    string
	config  core.CircuitBreakerConfig
	logger  core.Logger
	metrics MetricsCollector

	mu                sync.Mutex
	state             CircuitState
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCalls     int
	halfOpenSuccesses int
}

// NewCircuitBreaker creates a breaker in the closed state.
// Zero-valued config fields fall back to the documented defaults
// (threshold 5, recovery 60s, half-open max calls 3).
func NewCircuitBreaker(name string, config core.CircuitBreakerConfig, logger core.Logger, metrics MetricsCollector) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &noopMetrics{}
	}
	return &CircuitBreaker{
		name:    name,
		config:  config,
		logger:  logger,
		metrics: metrics,
		state:   StateClosed,
	}
}

// Allow reports whether a call may proceed, advancing open -> half-open
// when the recovery timeout has elapsed. Callers that receive true must
// follow up with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			cb.halfOpenCalls = 1
			return true
		}
		cb.metrics.RecordRejection(cb.name)
		return false

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			cb.metrics.RecordRejection(cb.name)
			return false
		}
		cb.halfOpenCalls++
		return true
	}
	return false
}

// RecordSuccess notes a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.RecordSuccess(cb.name)

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxCalls {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call, opening the breaker when the
// consecutive-failure threshold is reached
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.RecordFailure(cb.name)
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during recovery probing reopens immediately
		cb.transition(StateOpen)
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns current breaker internals for stats reporting
func (cb *CircuitBreaker) Snapshot() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":             cb.state.String(),
		"failure_count":     cb.failureCount,
		"last_failure_time": cb.lastFailureTime,
		"half_open_calls":   cb.halfOpenCalls,
	}
}

// Reset manually returns the breaker to the closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

// transition must be called with cb.mu held
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	switch to {
	case StateClosed:
		cb.failureCount = 0
		cb.halfOpenCalls = 0
		cb.halfOpenSuccesses = 0
	case StateHalfOpen:
		cb.halfOpenCalls = 0
		cb.halfOpenSuccesses = 0
	}

	cb.metrics.RecordStateChange(cb.name, from.String(), to.String())
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation":  "circuit_breaker_transition",
		"name":       cb.name,
		"from_state": from.String(),
		"to_state":   to.String(),
	})
}
