package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

// fakeSink is an in-memory MemorySink. Time-series recall reconstructs
// points from stored tsdb nodes, so rewrites through Memorize are
// visible to subsequent recalls the way the real store behaves.
type fakeSink struct {
	mu    sync.Mutex
	nodes map[string]*core.GraphNode
}

func newFakeSink() *fakeSink {
	return &fakeSink{nodes: make(map[string]*core.GraphNode)}
}

func sinkKey(id string, scope core.GraphScope) string { return id + "/" + string(scope) }

func (f *fakeSink) Memorize(_ context.Context, node *core.GraphNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[sinkKey(node.ID, node.Scope)] = node
	return nil
}

func (f *fakeSink) Recall(_ context.Context, query core.MemoryQuery) ([]*core.GraphNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if query.NodeID != "" {
		if n, ok := f.nodes[sinkKey(query.NodeID, query.Scope)]; ok {
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

func (f *fakeSink) MemorizeMetric(ctx context.Context, name string, value float64, tags map[string]string, scope core.GraphScope) error {
	now := time.Now().UTC()
	point := core.TSDBPoint{
		ID:          core.TSDBNodeID(core.TSDBMetric, name, now, tags),
		Scope:       scope,
		Timestamp:   now,
		DataType:    core.TSDBMetric,
		MetricName:  name,
		MetricValue: value,
		Tags:        tags,
		Retention:   core.RetentionRaw,
	}
	return f.Memorize(ctx, point.ToGraphNode())
}

func (f *fakeSink) RecallTimeSeries(_ context.Context, scope core.GraphScope, hours int, correlationTypes []core.TSDBDataType, tagFilters map[string]string) ([]core.TSDBPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	var points []core.TSDBPoint
	for _, n := range f.nodes {
		if n.Kind != core.NodeKindTSDBData || n.Scope != scope {
			continue
		}
		p := nodeToPoint(n)
		if p.Timestamp.Before(since) {
			continue
		}
		if len(correlationTypes) > 0 && !containsType(correlationTypes, p.DataType) {
			continue
		}
		match := true
		for k, want := range tagFilters {
			if p.Tags[k] != want {
				match = false
				break
			}
		}
		if match {
			points = append(points, p)
		}
	}
	return points, nil
}

func (f *fakeSink) UpdateIdentityGraph(ctx context.Context, nodes []*core.GraphNode) error {
	for _, n := range nodes {
		n.Scope = core.ScopeIdentity
		if err := f.Memorize(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSink) get(id string, scope core.GraphScope) *core.GraphNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[sinkKey(id, scope)]
}

func (f *fakeSink) identityNodes(kind core.NodeKind) []*core.GraphNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.GraphNode
	for _, n := range f.nodes {
		if n.Scope == core.ScopeIdentity && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func containsType(types []core.TSDBDataType, dt core.TSDBDataType) bool {
	for _, t := range types {
		if t == dt {
			return true
		}
	}
	return false
}

func nodeToPoint(n *core.GraphNode) core.TSDBPoint {
	p := core.TSDBPoint{ID: n.ID, Scope: n.Scope}
	if v, ok := n.Attributes["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.Timestamp = ts
		}
	}
	if v, ok := n.Attributes["data_type"].(string); ok {
		p.DataType = core.TSDBDataType(v)
	}
	if v, ok := n.Attributes["metric_name"].(string); ok {
		p.MetricName = v
	}
	if v, ok := n.Attributes["metric_value"].(float64); ok {
		p.MetricValue = v
	}
	if v, ok := n.Attributes["log_level"].(string); ok {
		p.LogLevel = v
	}
	if v, ok := n.Attributes["log_message"].(string); ok {
		p.LogMessage = v
	}
	if v, ok := n.Attributes["retention"].(string); ok {
		p.Retention = core.RetentionPolicy(v)
	}
	if raw, ok := n.Attributes["tags"].(map[string]interface{}); ok {
		p.Tags = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				p.Tags[k] = s
			}
		}
	}
	return p
}
