package bus

import (
	"context"
	"fmt"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

// RuntimeControlBus routes process-control operations to registered
// runtime-control providers. No adapter ships in-tree; deployments
// register their own.
type RuntimeControlBus struct {
	*BaseBus
	registry *registry.ServiceRegistry
	logger   core.Logger
}

// NewRuntimeControlBus creates the runtime control bus
func NewRuntimeControlBus(reg *registry.ServiceRegistry, cfg core.BusConfig, logger core.Logger) *RuntimeControlBus {
	rb := &RuntimeControlBus{
		registry: reg,
		logger:   logger,
	}
	rb.BaseBus = newBaseBus("runtime_control", cfg.MaxQueueSize, nil, logger, cfg.DrainTimeout)
	return rb
}

func (rb *RuntimeControlBus) provider(ctx context.Context, handler string) (core.RuntimeControlProvider, error) {
	svc := rb.registry.GetService(ctx, handler, core.ServiceTypeRuntimeControl, nil, true)
	if svc == nil {
		return nil, core.ErrProviderUnavailable
	}
	p, ok := svc.(core.RuntimeControlProvider)
	if !ok {
		return nil, fmt.Errorf("%w: registered provider does not implement RuntimeControlProvider", core.ErrProviderFailed)
	}
	return p, nil
}

// SingleStep advances the processor by one thought
func (rb *RuntimeControlBus) SingleStep(ctx context.Context, handler string) error {
	p, err := rb.provider(ctx, handler)
	if err != nil {
		return err
	}
	return p.SingleStep(ctx)
}

// Pause suspends processing
func (rb *RuntimeControlBus) Pause(ctx context.Context, handler string) error {
	p, err := rb.provider(ctx, handler)
	if err != nil {
		return err
	}
	return p.Pause(ctx)
}

// Resume continues processing after a pause
func (rb *RuntimeControlBus) Resume(ctx context.Context, handler string) error {
	p, err := rb.provider(ctx, handler)
	if err != nil {
		return err
	}
	return p.Resume(ctx)
}

// Shutdown requests a graceful process shutdown
func (rb *RuntimeControlBus) Shutdown(ctx context.Context, handler, reason string) error {
	p, err := rb.provider(ctx, handler)
	if err != nil {
		return err
	}
	rb.logger.Warn("Runtime shutdown requested", map[string]interface{}{
		"operation": "runtime_shutdown",
		"handler":   handler,
		"reason":    reason,
	})
	return p.Shutdown(ctx, reason)
}

// LoadAdapter attaches a new adapter at runtime
func (rb *RuntimeControlBus) LoadAdapter(ctx context.Context, handler, adapterType, adapterID string, config map[string]interface{}) error {
	p, err := rb.provider(ctx, handler)
	if err != nil {
		return err
	}
	return p.LoadAdapter(ctx, adapterType, adapterID, config)
}

// UnloadAdapter detaches an adapter at runtime
func (rb *RuntimeControlBus) UnloadAdapter(ctx context.Context, handler, adapterID string) error {
	p, err := rb.provider(ctx, handler)
	if err != nil {
		return err
	}
	return p.UnloadAdapter(ctx, adapterID)
}

// ListAdapters enumerates loaded adapters
func (rb *RuntimeControlBus) ListAdapters(ctx context.Context, handler string) ([]core.AdapterInfo, error) {
	p, err := rb.provider(ctx, handler)
	if err != nil {
		return nil, err
	}
	return p.ListAdapters(ctx)
}

// GetConfig reads runtime configuration at a path
func (rb *RuntimeControlBus) GetConfig(ctx context.Context, handler, path string) (map[string]interface{}, error) {
	p, err := rb.provider(ctx, handler)
	if err != nil {
		return nil, err
	}
	return p.GetConfig(ctx, path)
}
