package graph

import (
	"context"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

// LocalMemory is the in-process memory provider backed by the SQLite
// graph store. It is the default provider registered on the memory bus;
// remote deployments swap in their own adapter.
type LocalMemory struct {
	store   *Store
	agentID string
	logger  core.Logger
}

// NewLocalMemory wraps a graph store as a memory provider
func NewLocalMemory(store *Store, agentID string, logger core.Logger) *LocalMemory {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LocalMemory{store: store, agentID: agentID, logger: logger}
}

// IsHealthy pings the underlying database
func (m *LocalMemory) IsHealthy(ctx context.Context) bool {
	return m.store.db.PingContext(ctx) == nil
}

// GetCapabilities advertises the memory operations this provider serves
func (m *LocalMemory) GetCapabilities() []string {
	return []string{
		core.CapabilityMemorize,
		core.CapabilityRecall,
		core.CapabilityForget,
	}
}

// Memorize persists one node. Scope policy is enforced upstream on the
// memory bus; the provider writes whatever reaches it.
func (m *LocalMemory) Memorize(ctx context.Context, node *core.GraphNode) error {
	if node.UpdatedBy == "" {
		node.UpdatedBy = m.agentID
	}
	return m.store.AddNode(ctx, node)
}

// Recall fetches nodes by id or by kind/scope listing
func (m *LocalMemory) Recall(ctx context.Context, query core.MemoryQuery) ([]*core.GraphNode, error) {
	if query.NodeID != "" {
		node, err := m.store.GetNode(ctx, query.NodeID, query.Scope)
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, nil
		}
		return []*core.GraphNode{node}, nil
	}
	return m.store.ListNodes(ctx, query.Kind, query.Scope, query.Limit)
}

// Forget removes a node and its incident edges
func (m *LocalMemory) Forget(ctx context.Context, node *core.GraphNode) error {
	edges, err := m.store.EdgesForNode(ctx, node.ID, node.Scope)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if _, err := m.store.DeleteEdge(ctx, edge.Key()); err != nil {
			return err
		}
	}
	affected, err := m.store.DeleteNode(ctx, node.ID, node.Scope)
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrNodeNotFound
	}
	return nil
}

// SearchMemories does a substring search over node attributes
func (m *LocalMemory) SearchMemories(ctx context.Context, query string, scope core.GraphScope, limit int) ([]*core.GraphNode, error) {
	return m.store.SearchNodes(ctx, query, scope, limit)
}

// RecallTimeSeries returns time-series points in the trailing window,
// ascending by timestamp
func (m *LocalMemory) RecallTimeSeries(ctx context.Context, scope core.GraphScope, hours int, correlationTypes []core.TSDBDataType, tagFilters map[string]string) ([]core.TSDBPoint, error) {
	return m.store.RecallTimeSeries(ctx, scope, hours, correlationTypes, tagFilters)
}

// MemorizeMetric writes one metric sample as a tsdb node
func (m *LocalMemory) MemorizeMetric(ctx context.Context, name string, value float64, tags map[string]string, scope core.GraphScope) error {
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
	return m.Memorize(ctx, point.ToGraphNode())
}

// MemorizeLog writes one log entry as a tsdb node
func (m *LocalMemory) MemorizeLog(ctx context.Context, level, message string, tags map[string]string, scope core.GraphScope) error {
	now := time.Now().UTC()
	point := core.TSDBPoint{
		ID:         core.TSDBNodeID(core.TSDBLogEntry, level, now, tags),
		Scope:      scope,
		Timestamp:  now,
		DataType:   core.TSDBLogEntry,
		LogLevel:   level,
		LogMessage: message,
		Tags:       tags,
		Retention:  core.RetentionRaw,
	}
	return m.Memorize(ctx, point.ToGraphNode())
}

// UpdateIdentityGraph is the sanctioned path for identity-scope writes.
// Every node is forced into identity scope before persisting.
func (m *LocalMemory) UpdateIdentityGraph(ctx context.Context, nodes []*core.GraphNode) error {
	for _, node := range nodes {
		node.Scope = core.ScopeIdentity
		if err := m.Memorize(ctx, node); err != nil {
			return err
		}
	}
	m.logger.Info("Identity graph updated", map[string]interface{}{
		"operation": "update_identity_graph",
		"nodes":     len(nodes),
	})
	return nil
}

// UpdateEnvironmentGraph persists observed environment state
func (m *LocalMemory) UpdateEnvironmentGraph(ctx context.Context, nodes []*core.GraphNode) error {
	for _, node := range nodes {
		node.Scope = core.ScopeEnvironment
		if err := m.Memorize(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// AddEdge persists one edge
func (m *LocalMemory) AddEdge(ctx context.Context, edge *core.GraphEdge) error {
	return m.store.AddEdge(ctx, edge)
}

// EdgesForNode lists edges incident to a node within a scope
func (m *LocalMemory) EdgesForNode(ctx context.Context, id string, scope core.GraphScope) ([]*core.GraphEdge, error) {
	return m.store.EdgesForNode(ctx, id, scope)
}
