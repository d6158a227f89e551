package core

import (
	"context"
	"encoding/json"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Service is the base contract every registered provider implements.
// Capability advertisement is explicit: a provider is selected only when
// its capability set covers the caller's requirements.
type Service interface {
	IsHealthy(ctx context.Context) bool
	GetCapabilities() []string
}

// CommunicationProvider sends and fetches channel messages
type CommunicationProvider interface {
	Service
	SendMessage(ctx context.Context, channelID, content string) (bool, error)
	FetchMessages(ctx context.Context, channelID string, limit int) ([]FetchedMessage, error)
}

// LLMRequest carries everything an LLM provider needs for one structured call
type LLMRequest struct {
	Messages       []Message       `json:"messages"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	Model          string          `json:"model,omitempty"`
}

// LLMProvider produces structured responses. Implementations must include
// CapabilityCallLLMStructured in their advertised capabilities.
type LLMProvider interface {
	Service
	CallLLMStructured(ctx context.Context, req LLMRequest) (json.RawMessage, ResourceUsage, error)
}

// MemoryQuery selects nodes for recall
type MemoryQuery struct {
	NodeID string     `json:"node_id,omitempty"`
	Kind   NodeKind   `json:"kind,omitempty"`
	Scope  GraphScope `json:"scope,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// MemoryProvider persists and recalls graph memory
type MemoryProvider interface {
	Service
	Memorize(ctx context.Context, node *GraphNode) error
	Recall(ctx context.Context, query MemoryQuery) ([]*GraphNode, error)
	Forget(ctx context.Context, node *GraphNode) error
	SearchMemories(ctx context.Context, query string, scope GraphScope, limit int) ([]*GraphNode, error)
	RecallTimeSeries(ctx context.Context, scope GraphScope, hours int, correlationTypes []TSDBDataType, tagFilters map[string]string) ([]TSDBPoint, error)
	MemorizeMetric(ctx context.Context, name string, value float64, tags map[string]string, scope GraphScope) error
	MemorizeLog(ctx context.Context, level, message string, tags map[string]string, scope GraphScope) error
	UpdateIdentityGraph(ctx context.Context, nodes []*GraphNode) error
	UpdateEnvironmentGraph(ctx context.Context, nodes []*GraphNode) error
}

// ToolProvider executes tools on behalf of handlers
type ToolProvider interface {
	Service
	ExecuteTool(ctx context.Context, name string, params map[string]interface{}) (*ToolResult, error)
	GetAvailableTools(ctx context.Context) ([]ToolInfo, error)
	GetToolInfo(ctx context.Context, name string) (*ToolInfo, error)
	GetToolResult(ctx context.Context, correlationID string, timeout time.Duration) (*ToolResult, error)
}

// AuditProvider records audit events. Writes are durable before return.
type AuditProvider interface {
	Service
	LogEvent(ctx context.Context, eventType string, data map[string]interface{}) error
	GetAuditTrail(ctx context.Context, entityID string, limit int) ([]AuditEntry, error)
}

// MetricQuery selects telemetry records
type MetricQuery struct {
	MetricName string            `json:"metric_name,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Since      time.Time         `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// TelemetryProvider records and queries runtime metrics
type TelemetryProvider interface {
	Service
	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error
	RecordResourceUsage(ctx context.Context, serviceName string, usage ResourceUsage) error
	QueryMetrics(ctx context.Context, query MetricQuery) ([]MetricRecord, error)
	GetServiceStatus(ctx context.Context, serviceName string) (map[string]interface{}, error)
	GetResourceLimits(ctx context.Context) (map[string]float64, error)
}

// WiseProvider is the contract for wise authority adapters
type WiseProvider interface {
	Service
	FetchGuidance(ctx context.Context, gctx GuidanceContext) (string, error)
	SendDeferral(ctx context.Context, dctx DeferralContext) error
	RequestReview(ctx context.Context, req ReviewRequest) error
}

// SecretsProvider filters, stores, and recalls secrets found in text
type SecretsProvider interface {
	Service
	ProcessIncomingText(ctx context.Context, handler, text string) (string, []SecretReference, error)
	RecallSecret(ctx context.Context, secretUUID string, decrypt bool) (*SecretValue, error)
	ForgetSecret(ctx context.Context, secretUUID string) error
	DecapsulateSecretsInParameters(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)
	UpdateFilterConfig(ctx context.Context, updates map[string]interface{}) error
}

// RuntimeControlProvider manages the hosting process
type RuntimeControlProvider interface {
	Service
	SingleStep(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Shutdown(ctx context.Context, reason string) error
	LoadAdapter(ctx context.Context, adapterType, adapterID string, config map[string]interface{}) error
	UnloadAdapter(ctx context.Context, adapterID string) error
	ListAdapters(ctx context.Context) ([]AdapterInfo, error)
	GetConfig(ctx context.Context, path string) (map[string]interface{}, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
