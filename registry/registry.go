// Package registry maintains the provider bindings every bus resolves
// against: (handler, service type) buckets ordered by priority, plus a
// global fallback bucket per service type.
//
// Selection rules:
//  1. Handler-specific registrations are scanned in ascending priority.
//  2. A provider qualifies only if its capability set covers the caller's
//     required capabilities and its health probe passes.
//  3. If nothing qualifies, the global bucket is scanned the same way.
//
// Ties within a priority are broken by registration order, so selection
// is deterministic for a fixed set of registrations. Health probes are
// cached briefly to bound probe rate on hot paths.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

// probeCacheTTL bounds how often a provider's IsHealthy is invoked
const probeCacheTTL = time.Second

// Registration is one provider binding in the registry
type Registration struct {
	Handler      string
	ServiceType  core.ServiceType
	Provider     core.Service
	Priority     core.Priority
	Capabilities []string
	Metadata     map[string]string

	seq int // registration order, breaks priority ties
}

// HasCapabilities reports whether the provider covers all required capabilities
func (r *Registration) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(r.Capabilities))
	for _, c := range r.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

type probeResult struct {
	healthy   bool
	checkedAt time.Time
}

// ServiceRegistry holds all provider registrations for the process
type ServiceRegistry struct {
	mu       sync.RWMutex
	byBucket map[string][]*Registration // key: handler + "/" + serviceType
	nextSeq  int

	probeMu    sync.Mutex
	probeCache map[core.Service]probeResult

	logger core.Logger
}

// NewServiceRegistry creates an empty registry
func NewServiceRegistry(logger core.Logger) *ServiceRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ServiceRegistry{
		byBucket:   make(map[string][]*Registration),
		probeCache: make(map[core.Service]probeResult),
		logger:     logger,
	}
}

func bucketKey(handler string, st core.ServiceType) string {
	return handler + "/" + string(st)
}

// Register binds a provider to a specific handler
func (r *ServiceRegistry) Register(handler string, st core.ServiceType, provider core.Service, priority core.Priority, capabilities []string, metadata map[string]string) {
	r.register(handler, st, provider, priority, capabilities, metadata)
}

// RegisterGlobal binds a provider in the global fallback bucket
func (r *ServiceRegistry) RegisterGlobal(st core.ServiceType, provider core.Service, priority core.Priority, capabilities []string, metadata map[string]string) {
	r.register(core.GlobalHandler, st, provider, priority, capabilities, metadata)
}

func (r *ServiceRegistry) register(handler string, st core.ServiceType, provider core.Service, priority core.Priority, capabilities []string, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &Registration{
		Handler:      handler,
		ServiceType:  st,
		Provider:     provider,
		Priority:     priority,
		Capabilities: append([]string(nil), capabilities...),
		Metadata:     metadata,
		seq:          r.nextSeq,
	}
	r.nextSeq++

	key := bucketKey(handler, st)
	bucket := append(r.byBucket[key], reg)
	// Stable ordering: ascending priority, then registration order
	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].Priority != bucket[j].Priority {
			return bucket[i].Priority < bucket[j].Priority
		}
		return bucket[i].seq < bucket[j].seq
	})
	r.byBucket[key] = bucket

	r.logger.Info("Service provider registered", map[string]interface{}{
		"operation":    "registry_register",
		"handler":      handler,
		"service_type": string(st),
		"priority":     priority.String(),
		"capabilities": capabilities,
	})
}

// GetService resolves a provider for the handler and service type.
// Returns nil when no registered provider qualifies; the caller decides
// whether that is an error or a degradation.
func (r *ServiceRegistry) GetService(ctx context.Context, handler string, st core.ServiceType, requiredCapabilities []string, fallbackToGlobal bool) core.Service {
	if reg := r.selectFrom(ctx, bucketKey(handler, st), requiredCapabilities); reg != nil {
		return reg.Provider
	}
	if fallbackToGlobal && handler != core.GlobalHandler {
		if reg := r.selectFrom(ctx, bucketKey(core.GlobalHandler, st), requiredCapabilities); reg != nil {
			return reg.Provider
		}
	}
	return nil
}

// GetAll returns every registration for a service type across all buckets,
// ordered by ascending priority then registration order. Used by the LLM
// bus to enumerate candidates for priority-group dispatch.
func (r *ServiceRegistry) GetAll(st core.ServiceType, requiredCapabilities []string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Registration
	for _, bucket := range r.byBucket {
		for _, reg := range bucket {
			if reg.ServiceType == st && reg.HasCapabilities(requiredCapabilities) {
				out = append(out, reg)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (r *ServiceRegistry) selectFrom(ctx context.Context, key string, requiredCapabilities []string) *Registration {
	r.mu.RLock()
	bucket := r.byBucket[key]
	// Copy so probes run without holding the registry lock
	candidates := append([]*Registration(nil), bucket...)
	r.mu.RUnlock()

	for _, reg := range candidates {
		if !reg.HasCapabilities(requiredCapabilities) {
			continue
		}
		if !r.probeHealthy(ctx, reg.Provider) {
			r.logger.Debug("Skipping unhealthy provider", map[string]interface{}{
				"operation":    "registry_health_skip",
				"handler":      reg.Handler,
				"service_type": string(reg.ServiceType),
			})
			continue
		}
		return reg
	}
	return nil
}

// probeHealthy calls IsHealthy with a short-lived cache per provider
func (r *ServiceRegistry) probeHealthy(ctx context.Context, provider core.Service) bool {
	now := time.Now()

	r.probeMu.Lock()
	if cached, ok := r.probeCache[provider]; ok && now.Sub(cached.checkedAt) < probeCacheTTL {
		r.probeMu.Unlock()
		return cached.healthy
	}
	r.probeMu.Unlock()

	healthy := provider.IsHealthy(ctx)

	r.probeMu.Lock()
	r.probeCache[provider] = probeResult{healthy: healthy, checkedAt: now}
	r.probeMu.Unlock()

	return healthy
}
