package graph

import (
	"context"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

// GraphTelemetry is the default telemetry provider: metrics land in the
// graph as time-series nodes, so telemetry queries are just time-series
// recalls. Deployments needing an external TSDB register their own
// provider at higher priority.
type GraphTelemetry struct {
	memory *LocalMemory
	limits map[string]float64
}

// NewGraphTelemetry wraps the local memory provider as a telemetry sink
func NewGraphTelemetry(memory *LocalMemory, limits map[string]float64) *GraphTelemetry {
	if limits == nil {
		limits = map[string]float64{}
	}
	return &GraphTelemetry{memory: memory, limits: limits}
}

// IsHealthy delegates to the underlying store
func (g *GraphTelemetry) IsHealthy(ctx context.Context) bool {
	return g.memory.IsHealthy(ctx)
}

// GetCapabilities advertises the telemetry operations
func (g *GraphTelemetry) GetCapabilities() []string {
	return []string{core.CapabilityRecordMetric}
}

// RecordMetric writes one sample as a tsdb node in local scope
func (g *GraphTelemetry) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	return g.memory.MemorizeMetric(ctx, name, value, tags, core.ScopeLocal)
}

// RecordResourceUsage expands an LLM call's footprint into samples
func (g *GraphTelemetry) RecordResourceUsage(ctx context.Context, serviceName string, usage core.ResourceUsage) error {
	tags := map[string]string{"service": serviceName}
	samples := map[string]float64{
		"resources.tokens_used": float64(usage.TokensTotal),
		"resources.cost_cents":  usage.CostCents,
		"resources.water_ml":    usage.WaterML,
		"resources.carbon_g":    usage.CarbonG,
		"resources.energy_kwh":  usage.EnergyKWh,
	}
	for name, value := range samples {
		if err := g.memory.MemorizeMetric(ctx, name, value, tags, core.ScopeLocal); err != nil {
			return err
		}
	}
	return nil
}

// QueryMetrics recalls matching samples from the time-series index
func (g *GraphTelemetry) QueryMetrics(ctx context.Context, query core.MetricQuery) ([]core.MetricRecord, error) {
	hours := 24
	if !query.Since.IsZero() {
		hours = int(time.Since(query.Since)/time.Hour) + 1
	}
	points, err := g.memory.RecallTimeSeries(ctx, core.ScopeLocal, hours, []core.TSDBDataType{core.TSDBMetric}, query.Tags)
	if err != nil {
		return nil, err
	}

	var records []core.MetricRecord
	for _, p := range points {
		if query.MetricName != "" && p.MetricName != query.MetricName {
			continue
		}
		records = append(records, core.MetricRecord{
			Name:      p.MetricName,
			Value:     p.MetricValue,
			Tags:      p.Tags,
			Timestamp: p.Timestamp,
		})
		if query.Limit > 0 && len(records) >= query.Limit {
			break
		}
	}
	return records, nil
}

// GetServiceStatus summarizes recent samples for one service
func (g *GraphTelemetry) GetServiceStatus(ctx context.Context, serviceName string) (map[string]interface{}, error) {
	records, err := g.QueryMetrics(ctx, core.MetricQuery{Tags: map[string]string{"service": serviceName}})
	if err != nil {
		return nil, err
	}
	status := map[string]interface{}{
		"service": serviceName,
		"samples": len(records),
		"healthy": g.IsHealthy(ctx),
	}
	if len(records) > 0 {
		status["last_sample_at"] = records[len(records)-1].Timestamp
	}
	return status, nil
}

// GetResourceLimits returns the configured resource ceilings
func (g *GraphTelemetry) GetResourceLimits(_ context.Context) (map[string]float64, error) {
	out := make(map[string]float64, len(g.limits))
	for k, v := range g.limits {
		out[k] = v
	}
	return out, nil
}
