package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

// ToolBus routes tool execution through registered tool providers.
// All operations are synchronous pass-throughs.
type ToolBus struct {
	*BaseBus
	registry *registry.ServiceRegistry
	logger   core.Logger
}

// NewToolBus creates the tool bus
func NewToolBus(reg *registry.ServiceRegistry, cfg core.BusConfig, logger core.Logger) *ToolBus {
	tb := &ToolBus{
		registry: reg,
		logger:   logger,
	}
	tb.BaseBus = newBaseBus("tool", cfg.MaxQueueSize, nil, logger, cfg.DrainTimeout)
	return tb
}

func (tb *ToolBus) provider(ctx context.Context, handler string) (core.ToolProvider, error) {
	svc := tb.registry.GetService(ctx, handler, core.ServiceTypeTool, []string{core.CapabilityExecuteTool}, true)
	if svc == nil {
		return nil, core.ErrProviderUnavailable
	}
	p, ok := svc.(core.ToolProvider)
	if !ok {
		return nil, fmt.Errorf("%w: registered provider does not implement ToolProvider", core.ErrProviderFailed)
	}
	return p, nil
}

// ExecuteTool runs a named tool. Provider errors become a ToolResult
// with error status so handlers never see a raw provider exception.
func (tb *ToolBus) ExecuteTool(ctx context.Context, handler, name string, params map[string]interface{}) *core.ToolResult {
	p, err := tb.provider(ctx, handler)
	if err != nil {
		return &core.ToolResult{Status: core.StatusError, Error: err.Error()}
	}
	result, err := p.ExecuteTool(ctx, name, params)
	if err != nil {
		tb.logger.Error("Tool provider failed", map[string]interface{}{
			"operation":     "execute_tool",
			"handler":       handler,
			"tool":          name,
			"provider_type": fmt.Sprintf("%T", p),
			"error":         err.Error(),
		})
		return &core.ToolResult{Status: core.StatusError, Error: err.Error()}
	}
	if result == nil {
		return &core.ToolResult{Status: core.StatusError, Error: "provider returned nil result"}
	}
	return result
}

// ListTools enumerates tools across the resolved provider
func (tb *ToolBus) ListTools(ctx context.Context, handler string) ([]core.ToolInfo, error) {
	p, err := tb.provider(ctx, handler)
	if err != nil {
		return nil, err
	}
	return p.GetAvailableTools(ctx)
}

// GetToolInfo fetches metadata for one tool
func (tb *ToolBus) GetToolInfo(ctx context.Context, handler, name string) (*core.ToolInfo, error) {
	p, err := tb.provider(ctx, handler)
	if err != nil {
		return nil, err
	}
	return p.GetToolInfo(ctx, name)
}

// GetToolResult retrieves the result of a prior correlated execution
func (tb *ToolBus) GetToolResult(ctx context.Context, handler, correlationID string, timeout time.Duration) (*core.ToolResult, error) {
	p, err := tb.provider(ctx, handler)
	if err != nil {
		return nil, err
	}
	return p.GetToolResult(ctx, correlationID, timeout)
}
