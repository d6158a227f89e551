package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

func newLLMBusWith(strategy string, providers map[string]*fakeLLM, priorities map[string]core.Priority) *LLMBus {
	reg := registry.NewServiceRegistry(nil)
	// registration order must be deterministic for ordering tests
	for _, name := range []string{"p1", "p2", "p3"} {
		p, ok := providers[name]
		if !ok {
			continue
		}
		priority := core.PriorityNormal
		if pr, ok := priorities[name]; ok {
			priority = pr
		}
		reg.RegisterGlobal(core.ServiceTypeLLM, p, priority, p.GetCapabilities(), map[string]string{"name": name})
	}
	cfg := core.LLMConfig{DistributionStrategy: strategy}
	return NewLLMBus(reg, cfg, testBusConfig(), nil, nil)
}

func TestGenerateStructuredFailover(t *testing.T) {
	p1 := newFakeLLM()
	p1.err = errors.New("upstream 500")
	p2 := newFakeLLM()

	lb := newLLMBusWith("latency_based", map[string]*fakeLLM{"p1": p1, "p2": p2}, nil)
	resp, usage, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{})
	if err != nil {
		t.Fatalf("expected failover success, got %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("unexpected response: %s", resp)
	}
	if usage.TokensTotal != 15 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if p1.callCount() != 1 || p2.callCount() != 1 {
		t.Fatalf("expected both providers tried once, got %d and %d", p1.callCount(), p2.callCount())
	}

	metrics := lb.ProviderMetrics()
	if m := metrics["p1"]; m.TotalRequests != 1 || m.FailedRequests != 1 {
		t.Fatalf("p1 metrics wrong: %+v", m)
	}
	if m := metrics["p2"]; m.TotalRequests != 1 || m.FailedRequests != 0 {
		t.Fatalf("p2 metrics wrong: %+v", m)
	}
}

func TestGenerateStructuredPriorityGroups(t *testing.T) {
	critical := newFakeLLM()
	critical.err = errors.New("down")
	normal := newFakeLLM()

	lb := newLLMBusWith("latency_based",
		map[string]*fakeLLM{"p1": critical, "p2": normal},
		map[string]core.Priority{"p1": core.PriorityCritical, "p2": core.PriorityNormal})

	if _, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{}); err != nil {
		t.Fatalf("expected lower priority group to absorb the call: %v", err)
	}
	if critical.callCount() != 1 {
		t.Fatal("critical group must be tried first")
	}
	if normal.callCount() != 1 {
		t.Fatal("normal group must be tried after critical group fails")
	}
}

func TestGenerateStructuredSkipsUnhealthy(t *testing.T) {
	sick := newFakeLLM()
	sick.healthy = false
	well := newFakeLLM()

	lb := newLLMBusWith("latency_based", map[string]*fakeLLM{"p1": sick, "p2": well}, nil)
	if _, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{}); err != nil {
		t.Fatalf("expected healthy provider to serve: %v", err)
	}
	if sick.callCount() != 0 {
		t.Fatal("unhealthy provider must not be called")
	}
}

func TestGenerateStructuredAllFail(t *testing.T) {
	p1 := newFakeLLM()
	p1.err = errors.New("down 1")
	p2 := newFakeLLM()
	p2.err = errors.New("down 2")

	lb := newLLMBusWith("latency_based", map[string]*fakeLLM{"p1": p1, "p2": p2}, nil)
	_, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{})
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}

	var agentErr *core.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %T", err)
	}
	if !errors.Is(err, p2.err) {
		t.Fatal("error must wrap the last provider failure")
	}
}

func TestGenerateStructuredNoProviders(t *testing.T) {
	reg := registry.NewServiceRegistry(nil)
	lb := NewLLMBus(reg, core.LLMConfig{}, testBusConfig(), nil, nil)

	_, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{})
	if !errors.Is(err, core.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestCircuitBreakerSkipsProvider(t *testing.T) {
	p1 := newFakeLLM()
	p1.err = errors.New("persistent failure")

	lb := newLLMBusWith("latency_based", map[string]*fakeLLM{"p1": p1}, nil)
	// default threshold is 5 consecutive failures
	for i := 0; i < 5; i++ {
		_, _, _ = lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{})
	}
	if p1.callCount() != 5 {
		t.Fatalf("expected 5 calls before the breaker opens, got %d", p1.callCount())
	}

	_, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{})
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once the breaker is open, got %v", err)
	}
	if p1.callCount() != 5 {
		t.Fatal("open breaker must prevent further provider calls")
	}

	states := lb.BreakerStates()
	if states["p1"]["state"] != "open" {
		t.Fatalf("expected open breaker in snapshot, got %v", states["p1"]["state"])
	}
}

func TestRoundRobinRotatesWithinGroup(t *testing.T) {
	p1 := newFakeLLM()
	p2 := newFakeLLM()

	lb := newLLMBusWith("round_robin", map[string]*fakeLLM{"p1": p1, "p2": p2}, nil)
	for i := 0; i < 4; i++ {
		if _, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{}); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if p1.callCount() != 2 || p2.callCount() != 2 {
		t.Fatalf("expected even rotation, got %d and %d", p1.callCount(), p2.callCount())
	}
}

func TestLeastLoadedPrefersIdleProvider(t *testing.T) {
	busy := newFakeLLM()
	idle := newFakeLLM()

	lb := newLLMBusWith("least_loaded", map[string]*fakeLLM{"p1": busy, "p2": idle}, nil)

	// First call lands on p1 (both idle, registration order); the second
	// must prefer the provider with fewer recorded requests.
	if _, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{}); err != nil {
		t.Fatal(err)
	}
	if busy.callCount() != 1 || idle.callCount() != 1 {
		t.Fatalf("expected load to spread, got %d and %d", busy.callCount(), idle.callCount())
	}
}

func TestLatencyBasedWarmsUpAllProviders(t *testing.T) {
	p1 := newFakeLLM()
	p2 := newFakeLLM()

	lb := newLLMBusWith("latency_based", map[string]*fakeLLM{"p1": p1, "p2": p2}, nil)
	// With one provider warmed, the strategy must try the cold one next
	if _, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := lb.GenerateStructured(context.Background(), "h1", core.LLMRequest{}); err != nil {
		t.Fatal(err)
	}
	if p1.callCount() != 1 || p2.callCount() != 1 {
		t.Fatalf("expected both providers warmed up, got %d and %d", p1.callCount(), p2.callCount())
	}
}
