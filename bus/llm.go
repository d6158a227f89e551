package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
	"github.com/agentfabric/agentfabric/resilience"
	"github.com/agentfabric/agentfabric/telemetry"
)

// DistributionStrategy selects a provider within a priority group
type DistributionStrategy string

const (
	StrategyRoundRobin   DistributionStrategy = "round_robin"
	StrategyLatencyBased DistributionStrategy = "latency_based"
	StrategyRandom       DistributionStrategy = "random"
	StrategyLeastLoaded  DistributionStrategy = "least_loaded"
)

// LLMBus dispatches structured generation across all registered LLM
// providers. Providers are grouped by priority; within a group one is
// selected by the configured strategy, guarded by a per-provider
// circuit breaker, and failures cascade to the next candidate in the
// group, then to the next group. Token, cost, and energy metrics are
// published on the telemetry bus after every successful call.
type LLMBus struct {
	*BaseBus
	registry     *registry.ServiceRegistry
	strategy     DistributionStrategy
	breakerConf  core.CircuitBreakerConfig
	telemetryBus *TelemetryBus
	logger       core.Logger

	mu         sync.Mutex
	metrics    map[core.Service]*core.ServiceMetrics
	breakers   map[core.Service]*resilience.CircuitBreaker
	names      map[core.Service]string
	rrCounters map[core.Priority]int
	rng        *rand.Rand
}

// NewLLMBus creates the LLM bus
func NewLLMBus(reg *registry.ServiceRegistry, cfg core.LLMConfig, busCfg core.BusConfig, telemetryBus *TelemetryBus, logger core.Logger) *LLMBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	lb := &LLMBus{
		registry:     reg,
		strategy:     DistributionStrategy(cfg.DistributionStrategy),
		breakerConf:  cfg.CircuitBreaker,
		telemetryBus: telemetryBus,
		logger:       logger,
		metrics:      make(map[core.Service]*core.ServiceMetrics),
		breakers:     make(map[core.Service]*resilience.CircuitBreaker),
		names:        make(map[core.Service]string),
		rrCounters:   make(map[core.Priority]int),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if lb.strategy == "" {
		lb.strategy = StrategyLatencyBased
	}
	lb.BaseBus = newBaseBus("llm", busCfg.MaxQueueSize, nil, logger, busCfg.DrainTimeout)
	return lb
}

// GenerateStructured produces a schema-conforming response from the
// first provider that succeeds, walking priority groups in ascending
// order. Returns the provider's raw structured response and resource
// usage; the error wraps the last provider failure when every group
// is exhausted.
func (lb *LLMBus) GenerateStructured(ctx context.Context, handler string, req core.LLMRequest) (json.RawMessage, core.ResourceUsage, error) {
	regs := lb.registry.GetAll(core.ServiceTypeLLM, []string{core.CapabilityCallLLMStructured})
	if len(regs) == 0 {
		return nil, core.ResourceUsage{}, core.NewAgentError("llm_bus.GenerateStructured", "provider_unavailable", core.ErrProviderUnavailable)
	}

	var lastErr error
	for _, group := range groupByPriority(regs) {
		candidates := lb.order(group)
		for _, reg := range candidates {
			provider, ok := reg.Provider.(core.LLMProvider)
			if !ok {
				continue
			}
			if !provider.IsHealthy(ctx) {
				continue
			}

			breaker := lb.breakerFor(reg)
			if !breaker.Allow() {
				lb.logger.Debug("Provider skipped by circuit breaker", map[string]interface{}{
					"operation": "llm_generate",
					"service":   lb.nameFor(reg),
					"handler":   handler,
				})
				lastErr = fmt.Errorf("%w: %s", core.ErrCircuitOpen, lb.nameFor(reg))
				continue
			}

			start := time.Now()
			response, usage, err := provider.CallLLMStructured(ctx, req)
			latency := time.Since(start)

			if err != nil {
				breaker.RecordFailure()
				lb.recordFailure(reg)
				telemetry.Counter(telemetry.MetricLLMFailures, "service", lb.nameFor(reg), "handler", handler)
				lb.logger.Warn("LLM provider failed, trying next candidate", map[string]interface{}{
					"operation":     "llm_generate",
					"service":       lb.nameFor(reg),
					"handler":       handler,
					"priority":      reg.Priority.String(),
					"latency_ms":    latency.Milliseconds(),
					"provider_type": fmt.Sprintf("%T", provider),
					"error":         err.Error(),
				})
				lastErr = err
				continue
			}

			breaker.RecordSuccess()
			lb.recordSuccess(reg, latency)
			lb.emitUsage(ctx, handler, lb.nameFor(reg), usage, latency)
			return response, usage, nil
		}
	}

	if lastErr == nil {
		lastErr = core.ErrProviderUnavailable
	}
	return nil, core.ResourceUsage{}, core.NewAgentError("llm_bus.GenerateStructured", "provider_failed",
		fmt.Errorf("all LLM services failed: %w", lastErr))
}

// ProviderMetrics returns a snapshot of per-provider statistics keyed
// by service name
func (lb *LLMBus) ProviderMetrics() map[string]core.ServiceMetrics {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := make(map[string]core.ServiceMetrics, len(lb.metrics))
	for svc, m := range lb.metrics {
		out[lb.names[svc]] = *m
	}
	return out
}

// BreakerStates returns per-provider circuit breaker snapshots
func (lb *LLMBus) BreakerStates() map[string]map[string]interface{} {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(lb.breakers))
	for svc, cb := range lb.breakers {
		out[lb.names[svc]] = cb.Snapshot()
	}
	return out
}

// groupByPriority splits an ascending-priority registration list into
// contiguous groups, preserving order
func groupByPriority(regs []*registry.Registration) [][]*registry.Registration {
	var groups [][]*registry.Registration
	for _, reg := range regs {
		if n := len(groups); n > 0 && groups[n-1][0].Priority == reg.Priority {
			groups[n-1] = append(groups[n-1], reg)
			continue
		}
		groups = append(groups, []*registry.Registration{reg})
	}
	return groups
}

// order arranges one priority group so the strategy's pick comes first
// and the remaining candidates follow as failover targets
func (lb *LLMBus) order(group []*registry.Registration) []*registry.Registration {
	if len(group) <= 1 {
		return group
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	var first int
	switch lb.strategy {
	case StrategyRoundRobin:
		priority := group[0].Priority
		first = lb.rrCounters[priority] % len(group)
		lb.rrCounters[priority]++

	case StrategyRandom:
		first = lb.rng.Intn(len(group))

	case StrategyLeastLoaded:
		var minRequests int64 = -1
		for i, reg := range group {
			m := lb.metricsForLocked(reg)
			if minRequests < 0 || m.TotalRequests < minRequests {
				minRequests = m.TotalRequests
				first = i
			}
		}

	default: // latency_based
		// A provider with no recorded requests is tried first so every
		// candidate gets warmed up before latencies are compared.
		minLatency := -1.0
		for i, reg := range group {
			m := lb.metricsForLocked(reg)
			if m.TotalRequests == 0 {
				first = i
				minLatency = -1
				break
			}
			if avg := m.AverageLatencyMS(); minLatency < 0 || avg < minLatency {
				minLatency = avg
				first = i
			}
		}
	}

	ordered := make([]*registry.Registration, 0, len(group))
	ordered = append(ordered, group[first])
	for i, reg := range group {
		if i != first {
			ordered = append(ordered, reg)
		}
	}
	return ordered
}

func (lb *LLMBus) breakerFor(reg *registry.Registration) *resilience.CircuitBreaker {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	cb, ok := lb.breakers[reg.Provider]
	if !ok {
		cb = resilience.NewCircuitBreaker(lb.nameForLocked(reg), lb.breakerConf, lb.logger, nil)
		lb.breakers[reg.Provider] = cb
	}
	return cb
}

func (lb *LLMBus) metricsForLocked(reg *registry.Registration) *core.ServiceMetrics {
	m, ok := lb.metrics[reg.Provider]
	if !ok {
		m = &core.ServiceMetrics{}
		lb.metrics[reg.Provider] = m
		lb.names[reg.Provider] = lb.nameForLocked(reg)
	}
	return m
}

func (lb *LLMBus) recordSuccess(reg *registry.Registration, latency time.Duration) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.metricsForLocked(reg).RecordSuccess(latency)
}

func (lb *LLMBus) recordFailure(reg *registry.Registration) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.metricsForLocked(reg).RecordFailure()
}

func (lb *LLMBus) nameFor(reg *registry.Registration) string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.nameForLocked(reg)
}

func (lb *LLMBus) nameForLocked(reg *registry.Registration) string {
	if name, ok := lb.names[reg.Provider]; ok {
		return name
	}
	name := reg.Metadata["name"]
	if name == "" {
		name = fmt.Sprintf("%T", reg.Provider)
	}
	lb.names[reg.Provider] = name
	return name
}

// emitUsage publishes per-call metrics on the telemetry bus and the
// process meter. Emission failures are logged and never surface to the
// caller: the LLM result is already in hand.
func (lb *LLMBus) emitUsage(ctx context.Context, handler, service string, usage core.ResourceUsage, latency time.Duration) {
	tags := map[string]string{
		"service": service,
		"model":   usage.ModelUsed,
		"handler": handler,
	}
	samples := []struct {
		name  string
		value float64
	}{
		{telemetry.MetricLLMTokensTotal, float64(usage.TokensTotal)},
		{telemetry.MetricLLMTokensInput, float64(usage.TokensInput)},
		{telemetry.MetricLLMTokensOutput, float64(usage.TokensOutput)},
		{telemetry.MetricLLMCostCents, usage.CostCents},
		{telemetry.MetricLLMWaterML, usage.WaterML},
		{telemetry.MetricLLMCarbonG, usage.CarbonG},
		{telemetry.MetricLLMEnergyKWh, usage.EnergyKWh},
		{telemetry.MetricLLMLatencyMS, float64(latency.Milliseconds())},
	}

	for _, s := range samples {
		telemetry.Histogram(s.name, s.value, "service", service, "model", usage.ModelUsed, "handler", handler)
		if lb.telemetryBus == nil {
			continue
		}
		if err := lb.telemetryBus.RecordMetric(ctx, handler, s.name, s.value, tags); err != nil {
			lb.logger.Debug("Telemetry emission failed", map[string]interface{}{
				"operation": "llm_emit_usage",
				"metric":    s.name,
				"service":   service,
				"error":     err.Error(),
			})
		}
	}
}
