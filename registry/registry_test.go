package registry

import (
	"context"
	"testing"

	"github.com/agentfabric/agentfabric/core"
)

type stubService struct {
	name         string
	healthy      bool
	capabilities []string
}

func (s *stubService) IsHealthy(_ context.Context) bool { return s.healthy }
func (s *stubService) GetCapabilities() []string        { return s.capabilities }

func TestGetServicePriorityOrder(t *testing.T) {
	reg := NewServiceRegistry(nil)
	low := &stubService{name: "low", healthy: true}
	high := &stubService{name: "high", healthy: true}

	reg.Register("h1", core.ServiceTypeLLM, low, core.PriorityLow, nil, nil)
	reg.Register("h1", core.ServiceTypeLLM, high, core.PriorityHigh, nil, nil)

	got := reg.GetService(context.Background(), "h1", core.ServiceTypeLLM, nil, false)
	if got != high {
		t.Fatalf("expected high-priority provider, got %v", got)
	}
}

func TestGetServiceTieBreaksByRegistrationOrder(t *testing.T) {
	reg := NewServiceRegistry(nil)
	first := &stubService{name: "first", healthy: true}
	second := &stubService{name: "second", healthy: true}

	reg.Register("h1", core.ServiceTypeTool, first, core.PriorityNormal, nil, nil)
	reg.Register("h1", core.ServiceTypeTool, second, core.PriorityNormal, nil, nil)

	if got := reg.GetService(context.Background(), "h1", core.ServiceTypeTool, nil, false); got != first {
		t.Fatalf("expected first-registered provider on priority tie, got %v", got)
	}
}

func TestGetServiceCapabilityFilter(t *testing.T) {
	reg := NewServiceRegistry(nil)
	partial := &stubService{name: "partial", healthy: true, capabilities: []string{"a"}}
	full := &stubService{name: "full", healthy: true, capabilities: []string{"a", "b", "c"}}

	reg.Register("h1", core.ServiceTypeMemory, partial, core.PriorityHigh, partial.capabilities, nil)
	reg.Register("h1", core.ServiceTypeMemory, full, core.PriorityNormal, full.capabilities, nil)

	got := reg.GetService(context.Background(), "h1", core.ServiceTypeMemory, []string{"a", "b"}, false)
	if got != full {
		t.Fatalf("expected provider with superset of required capabilities, got %v", got)
	}
}

func TestGetServiceGlobalFallback(t *testing.T) {
	reg := NewServiceRegistry(nil)
	global := &stubService{name: "global", healthy: true}
	reg.RegisterGlobal(core.ServiceTypeAudit, global, core.PriorityNormal, nil, nil)

	if got := reg.GetService(context.Background(), "unknown", core.ServiceTypeAudit, nil, true); got != global {
		t.Fatal("expected global fallback to resolve")
	}
	if got := reg.GetService(context.Background(), "unknown", core.ServiceTypeAudit, nil, false); got != nil {
		t.Fatal("expected nil without global fallback")
	}
}

func TestGetServiceHandlerBeatsGlobal(t *testing.T) {
	reg := NewServiceRegistry(nil)
	global := &stubService{name: "global", healthy: true}
	local := &stubService{name: "local", healthy: true}

	// Global registration carries a better priority, but the handler
	// bucket is exhausted before the global bucket is consulted.
	reg.RegisterGlobal(core.ServiceTypeWiseAuthority, global, core.PriorityCritical, nil, nil)
	reg.Register("h1", core.ServiceTypeWiseAuthority, local, core.PriorityLow, nil, nil)

	if got := reg.GetService(context.Background(), "h1", core.ServiceTypeWiseAuthority, nil, true); got != local {
		t.Fatal("expected handler-specific registration to win over global")
	}
}

func TestGetServiceSkipsUnhealthy(t *testing.T) {
	reg := NewServiceRegistry(nil)
	sick := &stubService{name: "sick", healthy: false}
	well := &stubService{name: "well", healthy: true}

	reg.Register("h1", core.ServiceTypeSecrets, sick, core.PriorityHigh, nil, nil)
	reg.Register("h1", core.ServiceTypeSecrets, well, core.PriorityNormal, nil, nil)

	if got := reg.GetService(context.Background(), "h1", core.ServiceTypeSecrets, nil, false); got != well {
		t.Fatal("expected unhealthy provider to be skipped")
	}
}

func TestGetAllOrdering(t *testing.T) {
	reg := NewServiceRegistry(nil)
	a := &stubService{name: "a", healthy: true, capabilities: []string{core.CapabilityCallLLMStructured}}
	b := &stubService{name: "b", healthy: true, capabilities: []string{core.CapabilityCallLLMStructured}}
	c := &stubService{name: "c", healthy: true, capabilities: []string{core.CapabilityCallLLMStructured}}

	reg.Register("h1", core.ServiceTypeLLM, a, core.PriorityNormal, a.capabilities, nil)
	reg.RegisterGlobal(core.ServiceTypeLLM, b, core.PriorityCritical, b.capabilities, nil)
	reg.Register("h2", core.ServiceTypeLLM, c, core.PriorityNormal, c.capabilities, nil)

	all := reg.GetAll(core.ServiceTypeLLM, []string{core.CapabilityCallLLMStructured})
	if len(all) != 3 {
		t.Fatalf("expected 3 registrations, got %d", len(all))
	}
	if all[0].Provider != b {
		t.Fatal("expected critical-priority registration first")
	}
	if all[1].Provider != a || all[2].Provider != c {
		t.Fatal("expected registration order within equal priority")
	}
}

func TestHasCapabilities(t *testing.T) {
	reg := &Registration{Capabilities: []string{"a", "b"}}
	if !reg.HasCapabilities(nil) {
		t.Fatal("empty requirement must always pass")
	}
	if !reg.HasCapabilities([]string{"a"}) {
		t.Fatal("subset requirement must pass")
	}
	if reg.HasCapabilities([]string{"a", "c"}) {
		t.Fatal("missing capability must fail")
	}
}
