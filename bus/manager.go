package bus

import (
	"context"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/ratelimit"
	"github.com/agentfabric/agentfabric/registry"
)

// healthyDepthRatio marks a bus unhealthy when its queue is nearly full
const healthyDepthRatio = 0.9

// Manager owns one instance of every typed bus plus the shared registry
// reference. It is the root object handlers receive; there are no
// module-level bus singletons.
type Manager struct {
	Registry *registry.ServiceRegistry

	Communication  *CommunicationBus
	Memory         *MemoryBus
	Tool           *ToolBus
	Audit          *AuditBus
	Telemetry      *TelemetryBus
	Wise           *WiseBus
	LLM            *LLMBus
	Secrets        *SecretsBus
	RuntimeControl *RuntimeControlBus

	logger core.Logger
}

// NewManager constructs every bus over the shared registry
func NewManager(reg *registry.ServiceRegistry, cfg *core.Config, limiter ratelimit.RateLimiter, logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if limiter == nil {
		limiter = ratelimit.NewInMemoryRateLimiter()
	}

	telemetryBus := NewTelemetryBus(reg, cfg.Bus, logger)
	return &Manager{
		Registry:       reg,
		Communication:  NewCommunicationBus(reg, cfg.Bus, logger),
		Memory:         NewMemoryBus(reg, cfg.Bus, logger),
		Tool:           NewToolBus(reg, cfg.Bus, logger),
		Audit:          NewAuditBus(reg, cfg.Bus, logger),
		Telemetry:      telemetryBus,
		Wise:           NewWiseBus(reg, cfg.Bus, logger),
		LLM:            NewLLMBus(reg, cfg.LLM, cfg.Bus, telemetryBus, logger),
		Secrets:        NewSecretsBus(reg, limiter, cfg.Bus, logger),
		RuntimeControl: NewRuntimeControlBus(reg, cfg.Bus, logger),
		logger:         logger,
	}
}

// buses returns every bus in a stable order
func (m *Manager) buses() []interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	QueueSize() int
	Capacity() int
	Stats() BusStats
} {
	return []interface {
		Name() string
		Start(ctx context.Context) error
		Stop() error
		Running() bool
		QueueSize() int
		Capacity() int
		Stats() BusStats
	}{
		m.Communication, m.Memory, m.Tool, m.Audit, m.Telemetry,
		m.Wise, m.LLM, m.Secrets, m.RuntimeControl,
	}
}

// Start starts every bus. A failed bus is logged and does not block
// the others; the first error is returned after all starts complete.
func (m *Manager) Start(ctx context.Context) error {
	var firstErr error
	for _, b := range m.buses() {
		if err := b.Start(ctx); err != nil {
			m.logger.Error("Bus failed to start", map[string]interface{}{
				"operation": "bus_manager_start",
				"bus":       b.Name(),
				"error":     err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.logger.Info("Bus manager started", map[string]interface{}{
		"operation": "bus_manager_start",
		"buses":     len(m.buses()),
	})
	return firstErr
}

// Stop stops every bus, symmetric with Start
func (m *Manager) Stop() error {
	var firstErr error
	for _, b := range m.buses() {
		if err := b.Stop(); err != nil {
			m.logger.Error("Bus failed to stop", map[string]interface{}{
				"operation": "bus_manager_stop",
				"bus":       b.Name(),
				"error":     err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HealthCheck reports per-bus health: running with queue depth below
// 90% of capacity
func (m *Manager) HealthCheck() map[string]bool {
	health := make(map[string]bool)
	for _, b := range m.buses() {
		health[b.Name()] = b.Running() && float64(b.QueueSize()) < healthyDepthRatio*float64(b.Capacity())
	}
	return health
}

// Stats aggregates per-bus queue stats plus the LLM bus's per-provider
// metrics table
func (m *Manager) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	for _, b := range m.buses() {
		stats[b.Name()] = b.Stats()
	}
	stats["llm_providers"] = m.LLM.ProviderMetrics()
	stats["llm_breakers"] = m.LLM.BreakerStates()
	return stats
}
