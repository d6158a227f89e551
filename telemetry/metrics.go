package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments holds cached metric instruments for efficient recording
type MetricInstruments struct {
	meter      metric.Meter
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	mu         sync.RWMutex
}

// NewMetricInstruments creates a new metrics instrument cache
func NewMetricInstruments(meter metric.Meter) *MetricInstruments {
	return &MetricInstruments{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Float64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// RecordHistogram records a value distribution (like latencies)
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// LLM bus metric names
const (
	MetricLLMTokensTotal   = "llm.tokens.total"
	MetricLLMTokensInput   = "llm.tokens.input"
	MetricLLMTokensOutput  = "llm.tokens.output"
	MetricLLMCostCents     = "llm.cost.cents"
	MetricLLMWaterML       = "llm.environmental.water_ml"
	MetricLLMCarbonG       = "llm.environmental.carbon_g"
	MetricLLMEnergyKWh     = "llm.environmental.energy_kwh"
	MetricLLMLatencyMS     = "llm.latency.ms"
	MetricLLMFailures      = "llm.failures"

	// Bus fabric metrics
	MetricBusQueued      = "bus.messages.queued"
	MetricBusProcessed   = "bus.messages.processed"
	MetricBusFailed      = "bus.messages.failed"
	MetricBusQueueFull   = "bus.queue_full"
	MetricSecretsLimited = "secrets.rate_limited"

	// Adaptation metrics
	MetricVarianceTotal      = "adaptation.variance.total"
	MetricAdaptationApplied  = "adaptation.proposals.applied"
	MetricAdaptationRollback = "adaptation.rollbacks"
)
