package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

// fakeLLM is a scriptable LLM provider for bus tests
type fakeLLM struct {
	mu       sync.Mutex
	healthy  bool
	err      error
	latency  time.Duration
	response json.RawMessage
	usage    core.ResourceUsage
	calls    int
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		healthy:  true,
		response: json.RawMessage(`{"ok":true}`),
		usage:    core.ResourceUsage{TokensInput: 10, TokensOutput: 5, TokensTotal: 15, CostCents: 0.3, ModelUsed: "fake-1"},
	}
}

func (f *fakeLLM) IsHealthy(_ context.Context) bool { return f.healthy }
func (f *fakeLLM) GetCapabilities() []string        { return []string{core.CapabilityCallLLMStructured} }

func (f *fakeLLM) CallLLMStructured(_ context.Context, _ core.LLMRequest) (json.RawMessage, core.ResourceUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	if f.err != nil {
		return nil, core.ResourceUsage{}, f.err
	}
	return f.response, f.usage, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeMemory is an in-memory memory provider keyed by (id, scope)
type fakeMemory struct {
	mu     sync.Mutex
	nodes  map[string]*core.GraphNode
	points []core.TSDBPoint
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{nodes: make(map[string]*core.GraphNode)}
}

func memKey(id string, scope core.GraphScope) string { return id + "/" + string(scope) }

func (f *fakeMemory) IsHealthy(_ context.Context) bool { return true }
func (f *fakeMemory) GetCapabilities() []string {
	return []string{core.CapabilityMemorize, core.CapabilityRecall, core.CapabilityForget}
}

func (f *fakeMemory) Memorize(_ context.Context, node *core.GraphNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[memKey(node.ID, node.Scope)] = node
	return nil
}

func (f *fakeMemory) Recall(_ context.Context, query core.MemoryQuery) ([]*core.GraphNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if query.NodeID != "" {
		if n, ok := f.nodes[memKey(query.NodeID, query.Scope)]; ok {
			return []*core.GraphNode{n}, nil
		}
		return nil, nil
	}
	var out []*core.GraphNode
	for _, n := range f.nodes {
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

func (f *fakeMemory) Forget(_ context.Context, node *core.GraphNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, memKey(node.ID, node.Scope))
	return nil
}

func (f *fakeMemory) SearchMemories(_ context.Context, _ string, _ core.GraphScope, _ int) ([]*core.GraphNode, error) {
	return nil, nil
}

func (f *fakeMemory) RecallTimeSeries(_ context.Context, _ core.GraphScope, _ int, _ []core.TSDBDataType, _ map[string]string) ([]core.TSDBPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.TSDBPoint(nil), f.points...), nil
}

func (f *fakeMemory) MemorizeMetric(_ context.Context, name string, value float64, tags map[string]string, scope core.GraphScope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, core.TSDBPoint{
		ID:          core.TSDBNodeID(core.TSDBMetric, name, time.Now(), tags),
		Scope:       scope,
		Timestamp:   time.Now(),
		DataType:    core.TSDBMetric,
		MetricName:  name,
		MetricValue: value,
		Tags:        tags,
		Retention:   core.RetentionRaw,
	})
	return nil
}

func (f *fakeMemory) MemorizeLog(_ context.Context, level, message string, tags map[string]string, scope core.GraphScope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, core.TSDBPoint{
		ID:         core.TSDBNodeID(core.TSDBLogEntry, level, time.Now(), tags),
		Scope:      scope,
		Timestamp:  time.Now(),
		DataType:   core.TSDBLogEntry,
		LogLevel:   level,
		LogMessage: message,
		Tags:       tags,
		Retention:  core.RetentionRaw,
	})
	return nil
}

func (f *fakeMemory) UpdateIdentityGraph(_ context.Context, nodes []*core.GraphNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range nodes {
		n.Scope = core.ScopeIdentity
		f.nodes[memKey(n.ID, n.Scope)] = n
	}
	return nil
}

func (f *fakeMemory) UpdateEnvironmentGraph(_ context.Context, nodes []*core.GraphNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range nodes {
		n.Scope = core.ScopeEnvironment
		f.nodes[memKey(n.ID, n.Scope)] = n
	}
	return nil
}

func (f *fakeMemory) get(id string, scope core.GraphScope) *core.GraphNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[memKey(id, scope)]
}

// fakeSecrets counts provider calls so rate-limit tests can prove the
// provider was never reached on denial
type fakeSecrets struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSecrets) IsHealthy(_ context.Context) bool { return true }
func (f *fakeSecrets) GetCapabilities() []string        { return []string{core.CapabilityFilterSecrets} }

func (f *fakeSecrets) ProcessIncomingText(_ context.Context, _, text string) (string, []core.SecretReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "[filtered]", []core.SecretReference{{UUID: "s-1", Description: "api key"}}, nil
}

func (f *fakeSecrets) RecallSecret(_ context.Context, uuid string, _ bool) (*core.SecretValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &core.SecretValue{UUID: uuid, Value: "secret"}, nil
}

func (f *fakeSecrets) ForgetSecret(_ context.Context, _ string) error { return nil }

func (f *fakeSecrets) DecapsulateSecretsInParameters(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	return params, nil
}

func (f *fakeSecrets) UpdateFilterConfig(_ context.Context, _ map[string]interface{}) error {
	return nil
}

func (f *fakeSecrets) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeComm records sent messages
type fakeComm struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeComm) IsHealthy(_ context.Context) bool { return true }
func (f *fakeComm) GetCapabilities() []string {
	return []string{core.CapabilitySendMessage, core.CapabilityFetchMessages}
}

func (f *fakeComm) SendMessage(_ context.Context, channelID, content string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channelID+":"+content)
	return true, nil
}

func (f *fakeComm) FetchMessages(_ context.Context, channelID string, _ int) ([]core.FetchedMessage, error) {
	return []core.FetchedMessage{{ID: "m1", ChannelID: channelID, Content: "hi"}}, nil
}

func (f *fakeComm) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testBusConfig() core.BusConfig {
	return core.BusConfig{MaxQueueSize: 16, DrainTimeout: time.Second}
}
