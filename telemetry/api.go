package telemetry

import "time"

// Counter increments a counter metric by 1.
// Use for counting events: requests, errors, operations, etc.
// Labels should be provided as key-value pairs.
// Example: Counter("bus.messages.processed", "bus", "communication")
func Counter(name string, labels ...string) {
	EmitCounter(name, 1, labels...)
}

// Add increments a counter metric by an arbitrary amount.
// Example: Add("llm.tokens.total", 128, "service", "openai")
func Add(name string, value float64, labels ...string) {
	EmitCounter(name, value, labels...)
}

// Histogram records a value in a distribution.
// Perfect for latencies, request sizes, queue lengths, etc.
// Example: Histogram("llm.latency.ms", 125.3, "service", "openai")
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Gauge sets a gauge value (current value metrics).
// Recorded as a histogram internally because OpenTelemetry gauges
// require callbacks; this gives similar functionality without the
// registration complexity.
func Gauge(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer Duration("consolidation.duration_ms", start)
func Duration(name string, startTime time.Time, labels ...string) {
	Emit(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// RecordError records an error occurrence with type classification
func RecordError(name string, errorType string, labels ...string) {
	allLabels := append(labels, "error_type", errorType)
	Counter(name, allLabels...)
}

// RecordSuccess records a successful operation
func RecordSuccess(name string, labels ...string) {
	allLabels := append(labels, "status", "success")
	Counter(name, allLabels...)
}
