package bus

import (
	"context"
	"fmt"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

// WiseBus routes guidance, deferrals, and review requests to wise
// authority providers. Variance breaches and identity-scope changes
// arrive here; the bus never blocks the caller on review outcomes.
type WiseBus struct {
	*BaseBus
	registry *registry.ServiceRegistry
	logger   core.Logger
}

// NewWiseBus creates the wise authority bus
func NewWiseBus(reg *registry.ServiceRegistry, cfg core.BusConfig, logger core.Logger) *WiseBus {
	wb := &WiseBus{
		registry: reg,
		logger:   logger,
	}
	wb.BaseBus = newBaseBus("wise_authority", cfg.MaxQueueSize, nil, logger, cfg.DrainTimeout)
	return wb
}

func (wb *WiseBus) provider(ctx context.Context, handler string, caps []string) (core.WiseProvider, error) {
	svc := wb.registry.GetService(ctx, handler, core.ServiceTypeWiseAuthority, caps, true)
	if svc == nil {
		return nil, core.ErrProviderUnavailable
	}
	p, ok := svc.(core.WiseProvider)
	if !ok {
		return nil, fmt.Errorf("%w: registered provider does not implement WiseProvider", core.ErrProviderFailed)
	}
	return p, nil
}

// SendDeferral forwards a deferred decision to the wise authority
func (wb *WiseBus) SendDeferral(ctx context.Context, handler string, dctx core.DeferralContext) error {
	p, err := wb.provider(ctx, handler, []string{core.CapabilitySendDeferral})
	if err != nil {
		return err
	}
	if err := p.SendDeferral(ctx, dctx); err != nil {
		wb.logger.Error("Wise provider failed", map[string]interface{}{
			"operation":     "send_deferral",
			"handler":       handler,
			"thought_id":    dctx.ThoughtID,
			"provider_type": fmt.Sprintf("%T", p),
			"error":         err.Error(),
		})
		return core.NewAgentError("wise_bus.SendDeferral", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return nil
}

// FetchGuidance asks the wise authority for direction
func (wb *WiseBus) FetchGuidance(ctx context.Context, handler string, gctx core.GuidanceContext) (string, error) {
	p, err := wb.provider(ctx, handler, []string{core.CapabilityFetchGuidance})
	if err != nil {
		return "", err
	}
	guidance, err := p.FetchGuidance(ctx, gctx)
	if err != nil {
		return "", core.NewAgentError("wise_bus.FetchGuidance", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return guidance, nil
}

// RequestReview routes an identity-change or variance review request
func (wb *WiseBus) RequestReview(ctx context.Context, handler string, req core.ReviewRequest) error {
	p, err := wb.provider(ctx, handler, nil)
	if err != nil {
		return err
	}
	if err := p.RequestReview(ctx, req); err != nil {
		wb.logger.Error("Wise provider failed", map[string]interface{}{
			"operation":     "request_review",
			"handler":       handler,
			"request_id":    req.RequestID,
			"review_type":   req.ReviewType,
			"provider_type": fmt.Sprintf("%T", p),
			"error":         err.Error(),
		})
		return core.NewAgentError("wise_bus.RequestReview", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return nil
}
