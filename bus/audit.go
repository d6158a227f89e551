package bus

import (
	"context"
	"fmt"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

// AuditBus routes audit events through registered audit providers.
// Audit writes are synchronous and durable before LogEvent returns;
// there is no queued path on this bus.
type AuditBus struct {
	*BaseBus
	registry *registry.ServiceRegistry
	logger   core.Logger
}

// NewAuditBus creates the audit bus
func NewAuditBus(reg *registry.ServiceRegistry, cfg core.BusConfig, logger core.Logger) *AuditBus {
	ab := &AuditBus{
		registry: reg,
		logger:   logger,
	}
	ab.BaseBus = newBaseBus("audit", cfg.MaxQueueSize, nil, logger, cfg.DrainTimeout)
	return ab
}

func (ab *AuditBus) provider(ctx context.Context, handler string) (core.AuditProvider, error) {
	svc := ab.registry.GetService(ctx, handler, core.ServiceTypeAudit, []string{core.CapabilityLogEvent}, true)
	if svc == nil {
		return nil, core.ErrProviderUnavailable
	}
	p, ok := svc.(core.AuditProvider)
	if !ok {
		return nil, fmt.Errorf("%w: registered provider does not implement AuditProvider", core.ErrProviderFailed)
	}
	return p, nil
}

// LogEvent records an audit event synchronously
func (ab *AuditBus) LogEvent(ctx context.Context, handler, eventType string, data map[string]interface{}) error {
	p, err := ab.provider(ctx, handler)
	if err != nil {
		return err
	}
	if err := p.LogEvent(ctx, eventType, data); err != nil {
		ab.logger.Error("Audit provider failed", map[string]interface{}{
			"operation":     "log_event",
			"handler":       handler,
			"event_type":    eventType,
			"provider_type": fmt.Sprintf("%T", p),
			"error":         err.Error(),
		})
		return core.NewAgentError("audit_bus.LogEvent", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return nil
}

// GetAuditTrail retrieves recent audit entries for an entity
func (ab *AuditBus) GetAuditTrail(ctx context.Context, handler, entityID string, limit int) ([]core.AuditEntry, error) {
	p, err := ab.provider(ctx, handler)
	if err != nil {
		return nil, err
	}
	entries, err := p.GetAuditTrail(ctx, entityID, limit)
	if err != nil {
		return nil, core.NewAgentError("audit_bus.GetAuditTrail", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return entries, nil
}
