package resilience

import (
	"testing"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

func testConfig() core.CircuitBreakerConfig {
	return core.CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", testConfig(), nil, nil)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("breaker must open at the failure threshold")
	}
	if cb.Allow() {
		t.Fatal("open breaker must reject calls")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", testConfig(), nil, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
}

func TestBreakerHalfOpenAfterRecovery(t *testing.T) {
	cb := NewCircuitBreaker("test", testConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.Allow() {
		t.Fatal("open breaker must reject before recovery timeout")
	}

	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("breaker must admit a probe after recovery timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.State())
	}
}

func TestBreakerHalfOpenCallCap(t *testing.T) {
	cb := NewCircuitBreaker("test", testConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() || !cb.Allow() {
		t.Fatal("half-open breaker must admit up to HalfOpenMaxCalls probes")
	}
	if cb.Allow() {
		t.Fatal("half-open breaker must cap concurrent probes")
	}
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	cb := NewCircuitBreaker("test", testConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Fatalf("expected closed after half-open successes, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker must admit calls")
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", testConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	cb.Allow()
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Fatalf("expected open after half-open failure, got %s", cb.State())
	}
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker("test", core.CircuitBreakerConfig{}, nil, nil)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatal("default threshold is 5 failures")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("breaker must open at the default threshold")
	}
}

func TestBreakerSnapshotAndReset(t *testing.T) {
	cb := NewCircuitBreaker("snap", testConfig(), nil, nil)
	cb.RecordFailure()

	snap := cb.Snapshot()
	if snap["state"] != "closed" {
		t.Fatalf("unexpected state in snapshot: %v", snap["state"])
	}
	if snap["failure_count"] != 1 {
		t.Fatalf("unexpected failure_count in snapshot: %v", snap["failure_count"])
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatal("reset must close the breaker")
	}
}
