package bus

import (
	"context"
	"fmt"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/ratelimit"
	"github.com/agentfabric/agentfabric/registry"
	"github.com/agentfabric/agentfabric/telemetry"
)

// Per-operation caps over the 60-second sliding window
const (
	limitProcessIncomingText = 100
	limitRecallSecret        = 50
	limitForgetSecret        = 20
	limitUpdateFilterConfig  = 10
	limitDecapsulateSecrets  = 30
)

// ProcessTextResult is the outcome of secret filtering over incoming text
type ProcessTextResult struct {
	Status     core.ResultStatus      `json:"status"`
	Text       string                 `json:"text"`
	References []core.SecretReference `json:"references,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// SecretsBus routes secret filtering and recall through registered
// secrets providers, enforcing per-handler, per-operation rate limits.
// Denied calls return safe defaults: text passes through unchanged with
// no references, recall returns nothing. Denials are logged and counted
// but never escalate to errors.
type SecretsBus struct {
	*BaseBus
	registry *registry.ServiceRegistry
	limiter  ratelimit.RateLimiter
	logger   core.Logger
}

// NewSecretsBus creates the secrets bus
func NewSecretsBus(reg *registry.ServiceRegistry, limiter ratelimit.RateLimiter, cfg core.BusConfig, logger core.Logger) *SecretsBus {
	sb := &SecretsBus{
		registry: reg,
		limiter:  limiter,
		logger:   logger,
	}
	sb.BaseBus = newBaseBus("secrets", cfg.MaxQueueSize, nil, logger, cfg.DrainTimeout)
	return sb
}

func (sb *SecretsBus) provider(ctx context.Context, handler string) (core.SecretsProvider, error) {
	svc := sb.registry.GetService(ctx, handler, core.ServiceTypeSecrets, []string{core.CapabilityFilterSecrets}, true)
	if svc == nil {
		return nil, core.ErrProviderUnavailable
	}
	p, ok := svc.(core.SecretsProvider)
	if !ok {
		return nil, fmt.Errorf("%w: registered provider does not implement SecretsProvider", core.ErrProviderFailed)
	}
	return p, nil
}

// allow applies the per-handler, per-operation rate limit
func (sb *SecretsBus) allow(ctx context.Context, handler, op string, limit int) bool {
	key := fmt.Sprintf("%s:%s", handler, op)
	allowed, retryAfter := sb.limiter.Allow(ctx, key, limit)
	if !allowed {
		telemetry.Counter(telemetry.MetricSecretsLimited, "handler", handler, "op", op)
		sb.logger.Warn("Secrets operation rate limited", map[string]interface{}{
			"operation":   "secrets_rate_limit",
			"handler":     handler,
			"op":          op,
			"limit":       limit,
			"retry_after": retryAfter,
		})
	}
	return allowed
}

// ProcessIncomingText filters secrets out of incoming text.
// Rate-limited calls return the original text unchanged.
func (sb *SecretsBus) ProcessIncomingText(ctx context.Context, handler, text string) ProcessTextResult {
	if !sb.allow(ctx, handler, "process_incoming_text", limitProcessIncomingText) {
		return ProcessTextResult{Status: core.StatusDenied, Text: text, Reason: core.ErrRateLimited.Error()}
	}
	p, err := sb.provider(ctx, handler)
	if err != nil {
		return ProcessTextResult{Status: core.StatusError, Text: text, Reason: err.Error()}
	}
	filtered, refs, err := p.ProcessIncomingText(ctx, handler, text)
	if err != nil {
		sb.logger.Error("Secrets provider failed", map[string]interface{}{
			"operation":     "process_incoming_text",
			"handler":       handler,
			"provider_type": fmt.Sprintf("%T", p),
			"error":         err.Error(),
		})
		return ProcessTextResult{Status: core.StatusError, Text: text, Reason: err.Error()}
	}
	return ProcessTextResult{Status: core.StatusOK, Text: filtered, References: refs}
}

// RecallSecret retrieves a stored secret. Rate-limited calls return nil.
func (sb *SecretsBus) RecallSecret(ctx context.Context, handler, secretUUID string, decrypt bool) (*core.SecretValue, core.ResultStatus) {
	if !sb.allow(ctx, handler, "recall_secret", limitRecallSecret) {
		return nil, core.StatusDenied
	}
	p, err := sb.provider(ctx, handler)
	if err != nil {
		return nil, core.StatusError
	}
	value, err := p.RecallSecret(ctx, secretUUID, decrypt)
	if err != nil {
		sb.logger.Error("Secrets provider failed", map[string]interface{}{
			"operation":   "recall_secret",
			"handler":     handler,
			"secret_uuid": secretUUID,
			"error":       err.Error(),
		})
		return nil, core.StatusError
	}
	return value, core.StatusOK
}

// ForgetSecret removes a stored secret
func (sb *SecretsBus) ForgetSecret(ctx context.Context, handler, secretUUID string) core.ResultStatus {
	if !sb.allow(ctx, handler, "forget_secret", limitForgetSecret) {
		return core.StatusDenied
	}
	p, err := sb.provider(ctx, handler)
	if err != nil {
		return core.StatusError
	}
	if err := p.ForgetSecret(ctx, secretUUID); err != nil {
		return core.StatusError
	}
	return core.StatusOK
}

// DecapsulateSecretsInParameters replaces secret references in action
// parameters with their decrypted values. Rate-limited calls return the
// parameters untouched.
func (sb *SecretsBus) DecapsulateSecretsInParameters(ctx context.Context, handler string, params map[string]interface{}) (map[string]interface{}, core.ResultStatus) {
	if !sb.allow(ctx, handler, "decapsulate_secrets", limitDecapsulateSecrets) {
		return params, core.StatusDenied
	}
	p, err := sb.provider(ctx, handler)
	if err != nil {
		return params, core.StatusError
	}
	out, err := p.DecapsulateSecretsInParameters(ctx, params)
	if err != nil {
		return params, core.StatusError
	}
	return out, core.StatusOK
}

// UpdateFilterConfig adjusts the secrets detection configuration
func (sb *SecretsBus) UpdateFilterConfig(ctx context.Context, handler string, updates map[string]interface{}) core.ResultStatus {
	if !sb.allow(ctx, handler, "update_filter_config", limitUpdateFilterConfig) {
		return core.StatusDenied
	}
	p, err := sb.provider(ctx, handler)
	if err != nil {
		return core.StatusError
	}
	if err := p.UpdateFilterConfig(ctx, updates); err != nil {
		return core.StatusError
	}
	return core.StatusOK
}
