package bus

import (
	"context"
	"fmt"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

// MemoryOpResult reports the outcome of a memory write
type MemoryOpResult struct {
	Status core.ResultStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

// MemoryBus routes graph memory operations through registered memory
// providers. All operations are synchronous: memory is the substrate
// everything else depends on, so callers need completion signals.
//
// Identity-scope policy: Memorize refuses identity-scope nodes; the
// sanctioned path for identity writes is UpdateIdentityGraph, which
// internal services use after wise-authority gating has been applied.
type MemoryBus struct {
	*BaseBus
	registry *registry.ServiceRegistry
	logger   core.Logger
}

// NewMemoryBus creates the memory bus
func NewMemoryBus(reg *registry.ServiceRegistry, cfg core.BusConfig, logger core.Logger) *MemoryBus {
	mb := &MemoryBus{
		registry: reg,
		logger:   logger,
	}
	mb.BaseBus = newBaseBus("memory", cfg.MaxQueueSize, nil, logger, cfg.DrainTimeout)
	return mb
}

func (mb *MemoryBus) provider(ctx context.Context, handler string, caps []string) (core.MemoryProvider, error) {
	svc := mb.registry.GetService(ctx, handler, core.ServiceTypeMemory, caps, true)
	if svc == nil {
		return nil, core.ErrProviderUnavailable
	}
	p, ok := svc.(core.MemoryProvider)
	if !ok {
		return nil, fmt.Errorf("%w: registered provider does not implement MemoryProvider", core.ErrProviderFailed)
	}
	return p, nil
}

// Memorize persists a graph node. Identity-scope nodes are denied here;
// use UpdateIdentityGraph for wise-authority-approved identity writes.
func (mb *MemoryBus) Memorize(ctx context.Context, handler string, node *core.GraphNode) MemoryOpResult {
	if node == nil {
		return MemoryOpResult{Status: core.StatusError, Reason: "nil node"}
	}
	if err := node.Validate(); err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	if node.Scope == core.ScopeIdentity {
		mb.logger.Warn("Identity-scope write denied on memorize path", map[string]interface{}{
			"operation": "memorize",
			"handler":   handler,
			"node_id":   node.ID,
		})
		return MemoryOpResult{Status: core.StatusDenied, Reason: core.ErrDenied.Error()}
	}

	p, err := mb.provider(ctx, handler, []string{core.CapabilityMemorize})
	if err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	if node.UpdatedBy == "" {
		node.UpdatedBy = handler
	}
	if err := p.Memorize(ctx, node); err != nil {
		mb.logger.Error("Memory provider failed", map[string]interface{}{
			"operation":     "memorize",
			"handler":       handler,
			"node_id":       node.ID,
			"provider_type": fmt.Sprintf("%T", p),
			"error":         err.Error(),
		})
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	return MemoryOpResult{Status: core.StatusOK}
}

// Recall fetches nodes matching the query
func (mb *MemoryBus) Recall(ctx context.Context, handler string, query core.MemoryQuery) ([]*core.GraphNode, error) {
	p, err := mb.provider(ctx, handler, []string{core.CapabilityRecall})
	if err != nil {
		return nil, err
	}
	nodes, err := p.Recall(ctx, query)
	if err != nil {
		return nil, core.NewAgentError("memory_bus.Recall", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return nodes, nil
}

// Forget removes a node
func (mb *MemoryBus) Forget(ctx context.Context, handler string, node *core.GraphNode) MemoryOpResult {
	if node != nil && node.Scope == core.ScopeIdentity {
		return MemoryOpResult{Status: core.StatusDenied, Reason: core.ErrDenied.Error()}
	}
	p, err := mb.provider(ctx, handler, []string{core.CapabilityForget})
	if err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	if err := p.Forget(ctx, node); err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	return MemoryOpResult{Status: core.StatusOK}
}

// SearchMemories performs a text search across stored nodes
func (mb *MemoryBus) SearchMemories(ctx context.Context, handler, query string, scope core.GraphScope, limit int) ([]*core.GraphNode, error) {
	p, err := mb.provider(ctx, handler, nil)
	if err != nil {
		return nil, err
	}
	return p.SearchMemories(ctx, query, scope, limit)
}

// RecallTimeSeries fetches time-series points in the trailing window
func (mb *MemoryBus) RecallTimeSeries(ctx context.Context, handler string, scope core.GraphScope, hours int, correlationTypes []core.TSDBDataType, tagFilters map[string]string) ([]core.TSDBPoint, error) {
	p, err := mb.provider(ctx, handler, nil)
	if err != nil {
		return nil, err
	}
	points, err := p.RecallTimeSeries(ctx, scope, hours, correlationTypes, tagFilters)
	if err != nil {
		return nil, core.NewAgentError("memory_bus.RecallTimeSeries", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return points, nil
}

// MemorizeMetric persists a metric data point
func (mb *MemoryBus) MemorizeMetric(ctx context.Context, handler, name string, value float64, tags map[string]string, scope core.GraphScope) MemoryOpResult {
	p, err := mb.provider(ctx, handler, nil)
	if err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	if err := p.MemorizeMetric(ctx, name, value, tags, scope); err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	return MemoryOpResult{Status: core.StatusOK}
}

// MemorizeLog persists a log data point
func (mb *MemoryBus) MemorizeLog(ctx context.Context, handler, level, message string, tags map[string]string, scope core.GraphScope) MemoryOpResult {
	p, err := mb.provider(ctx, handler, nil)
	if err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	if err := p.MemorizeLog(ctx, level, message, tags, scope); err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	return MemoryOpResult{Status: core.StatusOK}
}

// ExportIdentityContext summarizes identity-scope nodes for prompt use
func (mb *MemoryBus) ExportIdentityContext(ctx context.Context, handler string) (string, error) {
	nodes, err := mb.Recall(ctx, handler, core.MemoryQuery{Scope: core.ScopeIdentity})
	if err != nil {
		return "", err
	}
	out := ""
	for _, n := range nodes {
		out += fmt.Sprintf("%s (%s): %v\n", n.ID, n.Kind, n.Attributes)
	}
	return out, nil
}

// UpdateIdentityGraph is the sanctioned path for identity-scope writes.
// Callers are internal services that have already passed wise-authority
// gating; the bus records who wrote what.
func (mb *MemoryBus) UpdateIdentityGraph(ctx context.Context, handler string, nodes []*core.GraphNode) MemoryOpResult {
	p, err := mb.provider(ctx, handler, nil)
	if err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	for _, n := range nodes {
		if n.UpdatedBy == "" {
			n.UpdatedBy = handler
		}
	}
	if err := p.UpdateIdentityGraph(ctx, nodes); err != nil {
		mb.logger.Error("Identity graph update failed", map[string]interface{}{
			"operation": "update_identity_graph",
			"handler":   handler,
			"nodes":     len(nodes),
			"error":     err.Error(),
		})
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	return MemoryOpResult{Status: core.StatusOK}
}

// UpdateEnvironmentGraph persists environment-scope observations
func (mb *MemoryBus) UpdateEnvironmentGraph(ctx context.Context, handler string, nodes []*core.GraphNode) MemoryOpResult {
	p, err := mb.provider(ctx, handler, nil)
	if err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	if err := p.UpdateEnvironmentGraph(ctx, nodes); err != nil {
		return MemoryOpResult{Status: core.StatusError, Reason: err.Error()}
	}
	return MemoryOpResult{Status: core.StatusOK}
}
