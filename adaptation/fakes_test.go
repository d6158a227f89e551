package adaptation

import (
	"context"
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/bus"
	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

// memProvider is an in-memory core.MemoryProvider for adaptation tests
type memProvider struct {
	mu     sync.Mutex
	nodes  map[string]*core.GraphNode
	points []core.TSDBPoint
}

func newMemProvider() *memProvider {
	return &memProvider{nodes: make(map[string]*core.GraphNode)}
}

func nodeKey(id string, scope core.GraphScope) string { return id + "/" + string(scope) }

func (m *memProvider) IsHealthy(_ context.Context) bool { return true }
func (m *memProvider) GetCapabilities() []string {
	return []string{core.CapabilityMemorize, core.CapabilityRecall, core.CapabilityForget}
}

func (m *memProvider) Memorize(_ context.Context, node *core.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeKey(node.ID, node.Scope)] = node
	return nil
}

func (m *memProvider) Recall(_ context.Context, query core.MemoryQuery) ([]*core.GraphNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if query.NodeID != "" {
		if n, ok := m.nodes[nodeKey(query.NodeID, query.Scope)]; ok {
			return []*core.GraphNode{n}, nil
		}
		return nil, nil
	}
	var out []*core.GraphNode
	for _, n := range m.nodes {
		if query.Scope != "" && n.Scope != query.Scope {
			continue
		}
		if query.Kind != "" && n.Kind != query.Kind {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *memProvider) Forget(_ context.Context, node *core.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeKey(node.ID, node.Scope))
	return nil
}

func (m *memProvider) SearchMemories(_ context.Context, _ string, _ core.GraphScope, _ int) ([]*core.GraphNode, error) {
	return nil, nil
}

func (m *memProvider) RecallTimeSeries(_ context.Context, scope core.GraphScope, _ int, _ []core.TSDBDataType, _ map[string]string) ([]core.TSDBPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.TSDBPoint
	for _, p := range m.points {
		if p.Scope == scope {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memProvider) MemorizeMetric(_ context.Context, name string, value float64, tags map[string]string, scope core.GraphScope) error {
	m.addPoint(core.TSDBPoint{
		Scope: scope, Timestamp: time.Now().UTC(), DataType: core.TSDBMetric,
		MetricName: name, MetricValue: value, Tags: tags,
	})
	return nil
}

func (m *memProvider) MemorizeLog(_ context.Context, level, message string, tags map[string]string, scope core.GraphScope) error {
	m.addPoint(core.TSDBPoint{
		Scope: scope, Timestamp: time.Now().UTC(), DataType: core.TSDBLogEntry,
		LogLevel: level, LogMessage: message, Tags: tags,
	})
	return nil
}

func (m *memProvider) addPoint(p core.TSDBPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, p)
}

func (m *memProvider) UpdateIdentityGraph(_ context.Context, nodes []*core.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		n.Scope = core.ScopeIdentity
		m.nodes[nodeKey(n.ID, n.Scope)] = n
	}
	return nil
}

func (m *memProvider) UpdateEnvironmentGraph(_ context.Context, nodes []*core.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		n.Scope = core.ScopeEnvironment
		m.nodes[nodeKey(n.ID, n.Scope)] = n
	}
	return nil
}

func (m *memProvider) get(id string, scope core.GraphScope) *core.GraphNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[nodeKey(id, scope)]
}

// setAgentNode installs the live identity node variance checks read
func (m *memProvider) setAgentNode(agentID string, attrs map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := &core.GraphNode{
		ID:         "agent_" + agentID,
		Kind:       core.NodeKindAgent,
		Scope:      core.ScopeIdentity,
		Attributes: attrs,
		Version:    1,
	}
	m.nodes[nodeKey(node.ID, node.Scope)] = node
}

// auditStub records events and replays a scripted trail
type auditStub struct {
	mu      sync.Mutex
	events  []string
	entries []core.AuditEntry
}

func (a *auditStub) IsHealthy(_ context.Context) bool { return true }
func (a *auditStub) GetCapabilities() []string        { return []string{core.CapabilityLogEvent} }

func (a *auditStub) LogEvent(_ context.Context, eventType string, _ map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
	return nil
}

func (a *auditStub) GetAuditTrail(_ context.Context, _ string, _ int) ([]core.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.AuditEntry(nil), a.entries...), nil
}

func (a *auditStub) eventCount(eventType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// wiseStub counts review requests
type wiseStub struct {
	mu      sync.Mutex
	reviews []core.ReviewRequest
}

func (w *wiseStub) IsHealthy(_ context.Context) bool { return true }
func (w *wiseStub) GetCapabilities() []string {
	return []string{core.CapabilityFetchGuidance, core.CapabilitySendDeferral}
}

func (w *wiseStub) FetchGuidance(_ context.Context, _ core.GuidanceContext) (string, error) {
	return "", nil
}

func (w *wiseStub) SendDeferral(_ context.Context, _ core.DeferralContext) error { return nil }

func (w *wiseStub) RequestReview(_ context.Context, req core.ReviewRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reviews = append(w.reviews, req)
	return nil
}

func (w *wiseStub) reviewCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.reviews)
}

// harness wires real buses over the stub providers
type harness struct {
	mem   *memProvider
	audit *auditStub
	wise  *wiseStub

	memory   *bus.MemoryBus
	auditBus *bus.AuditBus
	wiseBus  *bus.WiseBus
}

func newHarness() *harness {
	reg := registry.NewServiceRegistry(nil)
	mem := newMemProvider()
	audit := &auditStub{}
	wise := &wiseStub{}

	reg.RegisterGlobal(core.ServiceTypeMemory, mem, core.PriorityNormal, mem.GetCapabilities(), nil)
	reg.RegisterGlobal(core.ServiceTypeAudit, audit, core.PriorityNormal, audit.GetCapabilities(), nil)
	reg.RegisterGlobal(core.ServiceTypeWiseAuthority, wise, core.PriorityNormal, wise.GetCapabilities(), nil)

	cfg := core.BusConfig{MaxQueueSize: 16, DrainTimeout: time.Second}
	return &harness{
		mem:      mem,
		audit:    audit,
		wise:     wise,
		memory:   bus.NewMemoryBus(reg, cfg, &core.NoOpLogger{}),
		auditBus: bus.NewAuditBus(reg, cfg, &core.NoOpLogger{}),
		wiseBus:  bus.NewWiseBus(reg, cfg, &core.NoOpLogger{}),
	}
}
