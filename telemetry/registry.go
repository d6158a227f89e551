// Package telemetry provides simple, production-ready metrics emission.
// The API is designed with progressive disclosure: the functions in
// api.go cover nearly every use case with one call; Initialize wires
// the OpenTelemetry pipeline once at startup; before Initialize every
// emission is a safe no-op.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// globalRegistry holds the singleton Registry instance.
// atomic.Value so emission paths never take a lock.
var globalRegistry atomic.Value // *Registry

// Config controls pipeline initialization
type Config struct {
	ServiceName string
	// Reader overrides the default stdout exporter; production callers
	// pass their own periodic reader (OTLP, Prometheus bridge, ...).
	Reader sdkmetric.Reader
	// ExportInterval applies to the default stdout reader only
	ExportInterval time.Duration
}

// Registry owns the meter provider and the instrument cache
type Registry struct {
	provider    *sdkmetric.MeterProvider
	instruments *MetricInstruments
}

// Initialize wires the global telemetry pipeline. Safe to call once;
// subsequent calls replace the previous registry after shutting it down.
func Initialize(config Config) error {
	if config.ServiceName == "" {
		config.ServiceName = "agentfabric"
	}

	reader := config.Reader
	if reader == nil {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		interval := config.ExportInterval
		if interval <= 0 {
			interval = 60 * time.Second
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	registry := &Registry{
		provider:    provider,
		instruments: NewMetricInstruments(provider.Meter("agentfabric")),
	}

	if old := getRegistry(); old != nil {
		_ = old.provider.Shutdown(context.Background())
	}
	globalRegistry.Store(registry)
	return nil
}

// Shutdown flushes and stops the pipeline
func Shutdown(ctx context.Context) error {
	registry := getRegistry()
	if registry == nil {
		return nil
	}
	globalRegistry.Store((*Registry)(nil))
	return registry.provider.Shutdown(ctx)
}

func getRegistry() *Registry {
	r := globalRegistry.Load()
	if r == nil {
		return nil
	}
	reg, ok := r.(*Registry)
	if !ok || reg == nil {
		return nil
	}
	return reg
}

// Emit records a value for the named metric. Counter-style metrics are
// recognized by convention (no decimal point semantics here; anything
// emitted through Counter uses value 1). No-op before Initialize.
func Emit(name string, value float64, labels ...string) {
	registry := getRegistry()
	if registry == nil {
		return
	}
	attrs := parseLabels(labels...)
	_ = registry.instruments.RecordHistogram(context.Background(), name, value, attrs...)
}

// EmitCounter adds a value to the named counter. No-op before Initialize.
func EmitCounter(name string, value float64, labels ...string) {
	registry := getRegistry()
	if registry == nil {
		return
	}
	attrs := parseLabels(labels...)
	_ = registry.instruments.RecordCounter(context.Background(), name, value, attrs...)
}

// parseLabels converts key-value pairs to attributes.
// Odd trailing labels are dropped.
func parseLabels(labels ...string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
