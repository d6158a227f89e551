package bus

import (
	"context"
	"fmt"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

// TelemetryBus routes metric recording and queries through registered
// telemetry providers. Both operations are synchronous pass-throughs;
// the LLM bus publishes its per-call metrics here so they land wherever
// the deployment's telemetry provider puts them.
type TelemetryBus struct {
	*BaseBus
	registry *registry.ServiceRegistry
	logger   core.Logger
}

// NewTelemetryBus creates the telemetry bus
func NewTelemetryBus(reg *registry.ServiceRegistry, cfg core.BusConfig, logger core.Logger) *TelemetryBus {
	tb := &TelemetryBus{
		registry: reg,
		logger:   logger,
	}
	tb.BaseBus = newBaseBus("telemetry", cfg.MaxQueueSize, nil, logger, cfg.DrainTimeout)
	return tb
}

func (tb *TelemetryBus) provider(ctx context.Context, handler string) (core.TelemetryProvider, error) {
	svc := tb.registry.GetService(ctx, handler, core.ServiceTypeTelemetry, []string{core.CapabilityRecordMetric}, true)
	if svc == nil {
		return nil, core.ErrProviderUnavailable
	}
	p, ok := svc.(core.TelemetryProvider)
	if !ok {
		return nil, fmt.Errorf("%w: registered provider does not implement TelemetryProvider", core.ErrProviderFailed)
	}
	return p, nil
}

// RecordMetric records one metric sample
func (tb *TelemetryBus) RecordMetric(ctx context.Context, handler, name string, value float64, tags map[string]string) error {
	p, err := tb.provider(ctx, handler)
	if err != nil {
		return err
	}
	if err := p.RecordMetric(ctx, name, value, tags); err != nil {
		tb.logger.Error("Telemetry provider failed", map[string]interface{}{
			"operation":     "record_metric",
			"handler":       handler,
			"metric":        name,
			"provider_type": fmt.Sprintf("%T", p),
			"error":         err.Error(),
		})
		return core.NewAgentError("telemetry_bus.RecordMetric", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return nil
}

// RecordResourceUsage records an LLM call's resource footprint
func (tb *TelemetryBus) RecordResourceUsage(ctx context.Context, handler, serviceName string, usage core.ResourceUsage) error {
	p, err := tb.provider(ctx, handler)
	if err != nil {
		return err
	}
	return p.RecordResourceUsage(ctx, serviceName, usage)
}

// QueryTelemetry fetches recorded metric samples
func (tb *TelemetryBus) QueryTelemetry(ctx context.Context, handler string, query core.MetricQuery) ([]core.MetricRecord, error) {
	p, err := tb.provider(ctx, handler)
	if err != nil {
		return nil, err
	}
	records, err := p.QueryMetrics(ctx, query)
	if err != nil {
		return nil, core.NewAgentError("telemetry_bus.QueryTelemetry", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return records, nil
}
