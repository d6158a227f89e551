package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Provider selection and invocation
	ErrProviderUnavailable = errors.New("no provider available")
	ErrProviderFailed      = errors.New("provider failed")
	ErrCircuitOpen         = errors.New("circuit breaker open")

	// Bus lifecycle and back-pressure
	ErrQueueFull  = errors.New("bus queue full")
	ErrBusStopped = errors.New("bus stopped")

	// Policy
	ErrRateLimited = errors.New("rate limited")
	ErrDenied      = errors.New("operation denied by policy")

	// Adaptation
	ErrVarianceExceeded = errors.New("identity variance exceeded")
	ErrEmergencyStop    = errors.New("emergency stop engaged")

	// Persistence and validation
	ErrValidation   = errors.New("validation error")
	ErrNodeNotFound = errors.New("graph node not found")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// Operation errors
	ErrTimeout = errors.New("operation timeout")
)

// AgentError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type AgentError struct {
	Op      string // Operation that failed (e.g., "llm_bus.GenerateStructured")
	Kind    string // Error kind (e.g., "provider_failed", "queue_full")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *AgentError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError creates a new AgentError
func NewAgentError(op, kind string, err error) *AgentError {
	return &AgentError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrQueueFull)
}

// IsPolicyDenial checks if an error represents a policy rejection rather
// than a failure. Policy denials must not count toward circuit breakers.
func IsPolicyDenial(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrDenied) ||
		errors.Is(err, ErrVarianceExceeded)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrBusStopped) ||
		errors.Is(err, ErrEmergencyStop)
}
