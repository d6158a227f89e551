package bus

import (
	"context"
	"fmt"

	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/registry"
)

// SendResult reports the outcome of a send operation
type SendResult struct {
	Status core.ResultStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

// sendPayload is the queued form of a send request
type sendPayload struct {
	channelID string
	content   string
}

// CommunicationBus routes channel messaging through registered
// communication providers. SendMessage is queued (fire-and-forget);
// SendMessageSync and FetchMessages are synchronous pass-throughs.
type CommunicationBus struct {
	*BaseBus
	registry *registry.ServiceRegistry
	logger   core.Logger
}

// NewCommunicationBus creates the communication bus
func NewCommunicationBus(reg *registry.ServiceRegistry, cfg core.BusConfig, logger core.Logger) *CommunicationBus {
	cb := &CommunicationBus{
		registry: reg,
		logger:   logger,
	}
	cb.BaseBus = newBaseBus("communication", cfg.MaxQueueSize, cb.processMessage, logger, cfg.DrainTimeout)
	return cb
}

func (cb *CommunicationBus) provider(ctx context.Context, handler string, caps []string) (core.CommunicationProvider, error) {
	svc := cb.registry.GetService(ctx, handler, core.ServiceTypeCommunication, caps, true)
	if svc == nil {
		return nil, core.ErrProviderUnavailable
	}
	p, ok := svc.(core.CommunicationProvider)
	if !ok {
		return nil, fmt.Errorf("%w: registered provider does not implement CommunicationProvider", core.ErrProviderFailed)
	}
	return p, nil
}

// SendMessage enqueues a message for asynchronous delivery.
// Returns false when the queue is full or the bus is stopped; the
// caller gets no completion signal for accepted messages.
func (cb *CommunicationBus) SendMessage(handler, channelID, content string) bool {
	msg := NewBusMessage(handler, sendPayload{channelID: channelID, content: content})
	return cb.TryEnqueue(msg)
}

// SendMessageSync delivers a message synchronously
func (cb *CommunicationBus) SendMessageSync(ctx context.Context, handler, channelID, content string) SendResult {
	p, err := cb.provider(ctx, handler, []string{core.CapabilitySendMessage})
	if err != nil {
		return SendResult{Status: core.StatusError, Reason: err.Error()}
	}
	sent, err := p.SendMessage(ctx, channelID, content)
	if err != nil {
		cb.logger.Error("Communication provider failed", map[string]interface{}{
			"operation":     "send_message_sync",
			"handler":       handler,
			"channel_id":    channelID,
			"provider_type": fmt.Sprintf("%T", p),
			"error":         err.Error(),
		})
		return SendResult{Status: core.StatusError, Reason: err.Error()}
	}
	if !sent {
		return SendResult{Status: core.StatusError, Reason: "provider reported message not sent"}
	}
	return SendResult{Status: core.StatusOK}
}

// FetchMessages retrieves recent messages from a channel
func (cb *CommunicationBus) FetchMessages(ctx context.Context, handler, channelID string, limit int) ([]core.FetchedMessage, error) {
	p, err := cb.provider(ctx, handler, []string{core.CapabilityFetchMessages})
	if err != nil {
		return nil, err
	}
	msgs, err := p.FetchMessages(ctx, channelID, limit)
	if err != nil {
		return nil, core.NewAgentError("communication_bus.FetchMessages", "provider_failed", fmt.Errorf("%w: %v", core.ErrProviderFailed, err))
	}
	return msgs, nil
}

// processMessage delivers one queued send
func (cb *CommunicationBus) processMessage(ctx context.Context, msg *BusMessage) error {
	payload, ok := msg.Payload.(sendPayload)
	if !ok {
		return fmt.Errorf("%w: unexpected payload type %T", core.ErrValidation, msg.Payload)
	}
	result := cb.SendMessageSync(ctx, msg.HandlerName, payload.channelID, payload.content)
	if result.Status != core.StatusOK {
		return fmt.Errorf("%w: %s", core.ErrProviderFailed, result.Reason)
	}
	return nil
}
