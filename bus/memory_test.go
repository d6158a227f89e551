package bus

import (
	"context"
	"testing"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

func newMemoryBusWith(provider *fakeMemory) *MemoryBus {
	reg := registry.NewServiceRegistry(nil)
	reg.RegisterGlobal(core.ServiceTypeMemory, provider, core.PriorityNormal, provider.GetCapabilities(), nil)
	return NewMemoryBus(reg, testBusConfig(), &core.NoOpLogger{})
}

func TestMemorizeAndRecall(t *testing.T) {
	provider := newFakeMemory()
	mb := newMemoryBusWith(provider)
	ctx := context.Background()

	node := &core.GraphNode{
		ID:         "task_1",
		Kind:       core.NodeKindConcept,
		Scope:      core.ScopeLocal,
		Attributes: map[string]interface{}{"status": "done"},
	}
	if res := mb.Memorize(ctx, "h1", node); res.Status != core.StatusOK {
		t.Fatalf("memorize failed: %+v", res)
	}
	if node.UpdatedBy != "h1" {
		t.Fatalf("memorize must stamp the handler as updated_by, got %q", node.UpdatedBy)
	}

	nodes, err := mb.Recall(ctx, "h1", core.MemoryQuery{NodeID: "task_1", Scope: core.ScopeLocal})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].ID != "task_1" {
		t.Fatalf("recall returned %d nodes", len(nodes))
	}
}

func TestMemorizeDeniesIdentityScope(t *testing.T) {
	provider := newFakeMemory()
	mb := newMemoryBusWith(provider)

	node := &core.GraphNode{
		ID:    "agent_core",
		Kind:  core.NodeKindAgent,
		Scope: core.ScopeIdentity,
	}
	res := mb.Memorize(context.Background(), "h1", node)
	if res.Status != core.StatusDenied {
		t.Fatalf("identity-scope memorize must be denied, got %s", res.Status)
	}
	if provider.get("agent_core", core.ScopeIdentity) != nil {
		t.Fatal("denied write must not reach the provider")
	}
}

func TestUpdateIdentityGraphIsSanctionedPath(t *testing.T) {
	provider := newFakeMemory()
	mb := newMemoryBusWith(provider)

	node := &core.GraphNode{
		ID:    "agent_core",
		Kind:  core.NodeKindAgent,
		Scope: core.ScopeIdentity,
	}
	res := mb.UpdateIdentityGraph(context.Background(), "variance_monitor", []*core.GraphNode{node})
	if res.Status != core.StatusOK {
		t.Fatalf("sanctioned identity write failed: %+v", res)
	}
	stored := provider.get("agent_core", core.ScopeIdentity)
	if stored == nil {
		t.Fatal("identity node must be persisted")
	}
	if stored.UpdatedBy != "variance_monitor" {
		t.Fatalf("identity write must record the handler, got %q", stored.UpdatedBy)
	}
}

func TestForgetDeniesIdentityScope(t *testing.T) {
	provider := newFakeMemory()
	mb := newMemoryBusWith(provider)
	ctx := context.Background()

	node := &core.GraphNode{ID: "agent_core", Kind: core.NodeKindAgent, Scope: core.ScopeIdentity}
	mb.UpdateIdentityGraph(ctx, "h1", []*core.GraphNode{node})

	if res := mb.Forget(ctx, "h1", node); res.Status != core.StatusDenied {
		t.Fatalf("identity-scope forget must be denied, got %s", res.Status)
	}
	if provider.get("agent_core", core.ScopeIdentity) == nil {
		t.Fatal("denied forget must not remove the node")
	}
}

func TestMemorizeValidation(t *testing.T) {
	mb := newMemoryBusWith(newFakeMemory())
	ctx := context.Background()

	if res := mb.Memorize(ctx, "h1", nil); res.Status != core.StatusError {
		t.Fatal("nil node must be rejected")
	}
	missing := &core.GraphNode{Kind: core.NodeKindConcept, Scope: core.ScopeLocal}
	if res := mb.Memorize(ctx, "h1", missing); res.Status != core.StatusError {
		t.Fatal("node without an id must be rejected")
	}
}

func TestMemoryNoProvider(t *testing.T) {
	reg := registry.NewServiceRegistry(nil)
	mb := NewMemoryBus(reg, testBusConfig(), &core.NoOpLogger{})
	ctx := context.Background()

	node := &core.GraphNode{ID: "n1", Kind: core.NodeKindConcept, Scope: core.ScopeLocal}
	if res := mb.Memorize(ctx, "h1", node); res.Status != core.StatusError {
		t.Fatalf("expected error without a provider, got %s", res.Status)
	}
	if _, err := mb.Recall(ctx, "h1", core.MemoryQuery{NodeID: "n1"}); err == nil {
		t.Fatal("recall without a provider must fail")
	}
}

func TestMemorizeMetricRoundTrip(t *testing.T) {
	provider := newFakeMemory()
	mb := newMemoryBusWith(provider)
	ctx := context.Background()

	res := mb.MemorizeMetric(ctx, "h1", "llm.latency_ms", 42.0, map[string]string{"provider": "p1"}, core.ScopeLocal)
	if res.Status != core.StatusOK {
		t.Fatalf("memorize metric failed: %+v", res)
	}

	points, err := mb.RecallTimeSeries(ctx, "h1", core.ScopeLocal, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	if points[0].MetricName != "llm.latency_ms" || points[0].MetricValue != 42.0 {
		t.Fatalf("unexpected point: %+v", points[0])
	}
}
