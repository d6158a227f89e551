// Package core provides the fundamental types and interfaces shared by every
// component of the agent runtime: service types, provider contracts, graph
// primitives, errors, and configuration.
package core

import "time"

// ServiceType identifies the kind of service a provider implements.
// Every typed bus serves exactly one ServiceType.
type ServiceType string

const (
	ServiceTypeCommunication  ServiceType = "communication"
	ServiceTypeMemory         ServiceType = "memory"
	ServiceTypeTool           ServiceType = "tool"
	ServiceTypeAudit          ServiceType = "audit"
	ServiceTypeTelemetry      ServiceType = "telemetry"
	ServiceTypeWiseAuthority  ServiceType = "wise_authority"
	ServiceTypeLLM            ServiceType = "llm"
	ServiceTypeSecrets        ServiceType = "secrets"
	ServiceTypeRuntimeControl ServiceType = "runtime_control"
	ServiceTypeFilter         ServiceType = "filter"
	ServiceTypeConfig         ServiceType = "config"
	ServiceTypeOrchestrator   ServiceType = "orchestrator"
)

// Priority orders providers within a registry bucket.
// Lower integer means higher priority.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// GlobalHandler is the registry bucket used for registrations that are not
// bound to a specific handler. Handler-specific registrations always win.
const GlobalHandler = "*global*"

// Well-known capability names advertised by providers
const (
	CapabilityCallLLMStructured = "call_llm_structured"
	CapabilitySendMessage       = "send_message"
	CapabilityFetchMessages     = "fetch_messages"
	CapabilityMemorize          = "memorize"
	CapabilityRecall            = "recall"
	CapabilityForget            = "forget"
	CapabilityExecuteTool       = "execute_tool"
	CapabilityLogEvent          = "log_event"
	CapabilityRecordMetric      = "record_metric"
	CapabilityFetchGuidance     = "fetch_guidance"
	CapabilitySendDeferral      = "send_deferral"
	CapabilityFilterSecrets     = "filter_secrets"
)

// ResultStatus is the explicit status carried by every bus result type.
// Expected failures are statuses, not errors.
type ResultStatus string

const (
	StatusOK       ResultStatus = "ok"
	StatusDeferred ResultStatus = "deferred"
	StatusDenied   ResultStatus = "denied"
	StatusPending  ResultStatus = "pending"
	StatusError    ResultStatus = "error"
)

// Message is a single chat message passed to an LLM provider
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResourceUsage captures the resource footprint of a single LLM call.
// All values are non-negative. Emitted as telemetry after every call.
type ResourceUsage struct {
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	TokensTotal  int     `json:"tokens_total"`
	CostCents    float64 `json:"cost_cents"`
	WaterML      float64 `json:"water_ml"`
	CarbonG      float64 `json:"carbon_g"`
	EnergyKWh    float64 `json:"energy_kwh"`
	ModelUsed    string  `json:"model_used,omitempty"`
}

// ServiceMetrics tracks per-provider call statistics for selection
// strategies and health reporting.
type ServiceMetrics struct {
	TotalRequests       int64
	FailedRequests      int64
	TotalLatencyMS      float64
	LastRequestTime     time.Time
	LastFailureTime     time.Time
	ConsecutiveFailures int
}

// AverageLatencyMS returns the mean request latency, or 0 with no requests
func (m *ServiceMetrics) AverageLatencyMS() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return m.TotalLatencyMS / float64(m.TotalRequests)
}

// FailureRate returns failed/total, or 0 with no requests
func (m *ServiceMetrics) FailureRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.FailedRequests) / float64(m.TotalRequests)
}

// RecordSuccess records a completed call with its latency
func (m *ServiceMetrics) RecordSuccess(latency time.Duration) {
	m.TotalRequests++
	m.TotalLatencyMS += float64(latency.Milliseconds())
	m.LastRequestTime = time.Now()
	m.ConsecutiveFailures = 0
}

// RecordFailure records a failed call
func (m *ServiceMetrics) RecordFailure() {
	m.TotalRequests++
	m.FailedRequests++
	now := time.Now()
	m.LastRequestTime = now
	m.LastFailureTime = now
	m.ConsecutiveFailures++
}

// FetchedMessage is a message retrieved from a communication channel
type FetchedMessage struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolInfo describes a tool exposed by a tool provider
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolResult is the outcome of a tool execution
type ToolResult struct {
	Status        ResultStatus           `json:"status"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Output        map[string]interface{} `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// AuditEntry is one record returned from an audit trail query
type AuditEntry struct {
	EventType string                 `json:"event_type"`
	EntityID  string                 `json:"entity_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SecretReference points at a stored secret discovered in incoming text
type SecretReference struct {
	UUID             string `json:"uuid"`
	Description      string `json:"description"`
	SensitivityLevel string `json:"sensitivity_level,omitempty"`
}

// SecretValue is a decrypted secret returned by RecallSecret
type SecretValue struct {
	UUID  string `json:"uuid"`
	Value string `json:"value,omitempty"`
}

// GuidanceContext carries the question posed to a wise authority
type GuidanceContext struct {
	Question string                 `json:"question"`
	TaskID   string                 `json:"task_id,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// DeferralContext describes a decision deferred to a wise authority
type DeferralContext struct {
	ThoughtID  string                 `json:"thought_id"`
	TaskID     string                 `json:"task_id,omitempty"`
	Reason     string                 `json:"reason"`
	DeferUntil *time.Time             `json:"defer_until,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// ReviewRequest asks a wise authority to review an identity-scope change
type ReviewRequest struct {
	RequestID  string                 `json:"request_id"`
	ReviewType string                 `json:"review_type"`
	Reason     string                 `json:"reason"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// AdapterInfo describes a loaded adapter reported by runtime control
type AdapterInfo struct {
	AdapterID   string `json:"adapter_id"`
	AdapterType string `json:"adapter_type"`
	Running     bool   `json:"running"`
}

// MetricRecord is one data point returned from a telemetry query
type MetricRecord struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
