package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// NodeKind classifies graph nodes
type NodeKind string

const (
	NodeKindAgent    NodeKind = "agent"
	NodeKindUser     NodeKind = "user"
	NodeKindChannel  NodeKind = "channel"
	NodeKindConcept  NodeKind = "concept"
	NodeKindConfig   NodeKind = "config"
	NodeKindTSDBData NodeKind = "tsdb_data"
)

// GraphScope partitions the graph. Nodes in identity scope require wise
// authority approval for modification; local scope is freely writable.
type GraphScope string

const (
	ScopeLocal       GraphScope = "local"
	ScopeIdentity    GraphScope = "identity"
	ScopeEnvironment GraphScope = "environment"
	ScopeCommunity   GraphScope = "community"
	ScopeNetwork     GraphScope = "network"
)

// GraphNode is the universal unit of memory. Everything the agent does
// ends up as one: metrics, audit events, behavior summaries, identity
// snapshots, configuration. (id, scope) uniquely identifies a node.
type GraphNode struct {
	ID         string                 `json:"id"`
	Kind       NodeKind               `json:"kind"`
	Scope      GraphScope             `json:"scope"`
	Attributes map[string]interface{} `json:"attributes"`
	Version    int                    `json:"version"`
	UpdatedBy  string                 `json:"updated_by,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at,omitempty"`
}

// Validate checks the node invariants before a write is accepted
func (n *GraphNode) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: node id is empty", ErrValidation)
	}
	if n.Kind == "" {
		return fmt.Errorf("%w: node kind is empty", ErrValidation)
	}
	if n.Scope == "" {
		return fmt.Errorf("%w: node scope is empty", ErrValidation)
	}
	if n.Version < 0 {
		return fmt.Errorf("%w: negative version", ErrValidation)
	}
	return nil
}

// GraphEdge links two nodes within a scope
type GraphEdge struct {
	SourceID     string                 `json:"source_id"`
	TargetID     string                 `json:"target_id"`
	Relationship string                 `json:"relationship"`
	Scope        GraphScope             `json:"scope"`
	Weight       float64                `json:"weight"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// Key returns the deterministic edge identifier source->target->relationship
func (e *GraphEdge) Key() string {
	return fmt.Sprintf("%s->%s->%s", e.SourceID, e.TargetID, e.Relationship)
}

// Validate checks the edge invariants before a write is accepted
func (e *GraphEdge) Validate() error {
	if e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("%w: edge endpoints are required", ErrValidation)
	}
	if e.Relationship == "" {
		return fmt.Errorf("%w: edge relationship is empty", ErrValidation)
	}
	if e.Scope == "" {
		return fmt.Errorf("%w: edge scope is empty", ErrValidation)
	}
	return nil
}

// TSDBDataType classifies time-series points
type TSDBDataType string

const (
	TSDBMetric     TSDBDataType = "metric"
	TSDBLogEntry   TSDBDataType = "log_entry"
	TSDBAuditEvent TSDBDataType = "audit_event"
)

// RetentionPolicy marks how a time-series point has been processed
type RetentionPolicy string

const (
	RetentionRaw         RetentionPolicy = "raw"
	RetentionAggregated  RetentionPolicy = "aggregated"
	RetentionDownsampled RetentionPolicy = "downsampled"
)

// TSDBPoint is the time-series refinement of a graph node (kind tsdb_data).
// Points are written eagerly and consolidated later, never deleted.
type TSDBPoint struct {
	ID                string            `json:"id"`
	Scope             GraphScope        `json:"scope"`
	Timestamp         time.Time         `json:"timestamp"`
	DataType          TSDBDataType      `json:"data_type"`
	MetricName        string            `json:"metric_name,omitempty"`
	MetricValue       float64           `json:"metric_value,omitempty"`
	LogLevel          string            `json:"log_level,omitempty"`
	LogMessage        string            `json:"log_message,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	Retention         RetentionPolicy   `json:"retention"`
	AggregationPeriod string            `json:"aggregation_period,omitempty"`
}

// TSDBNodeID builds the conventional id <data_type>_<name>_<unix_seconds>_<hash>.
// The hash suffix disambiguates points landing in the same second.
func TSDBNodeID(dataType TSDBDataType, name string, ts time.Time, tags map[string]string) string {
	base := string(dataType)
	if name != "" {
		base = fmt.Sprintf("%s_%s", base, name)
	}
	base = fmt.Sprintf("%s_%d", base, ts.Unix())
	if len(tags) == 0 {
		return base
	}
	h := sha256.New()
	for k, v := range tags {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(v))
		h.Write([]byte{';'})
	}
	fmt.Fprintf(h, "%d", ts.UnixNano())
	return fmt.Sprintf("%s_%s", base, hex.EncodeToString(h.Sum(nil))[:8])
}

// ToGraphNode lowers a time-series point into its graph node form
func (p *TSDBPoint) ToGraphNode() *GraphNode {
	attrs := map[string]interface{}{
		"timestamp": p.Timestamp.UTC().Format(time.RFC3339Nano),
		"data_type": string(p.DataType),
		"retention": string(p.Retention),
	}
	if p.MetricName != "" {
		attrs["metric_name"] = p.MetricName
		attrs["metric_value"] = p.MetricValue
	}
	if p.LogLevel != "" {
		attrs["log_level"] = p.LogLevel
		attrs["log_message"] = p.LogMessage
	}
	if p.AggregationPeriod != "" {
		attrs["aggregation_period"] = p.AggregationPeriod
	}
	if len(p.Tags) > 0 {
		tags := make(map[string]interface{}, len(p.Tags))
		for k, v := range p.Tags {
			tags[k] = v
		}
		attrs["tags"] = tags
	}
	return &GraphNode{
		ID:         p.ID,
		Kind:       NodeKindTSDBData,
		Scope:      p.Scope,
		Attributes: attrs,
		Version:    1,
	}
}
