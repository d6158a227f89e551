package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

// MemorySink is the slice of the memory contract the telemetry side
// needs. The memory provider satisfies it; depending on the narrow
// interface keeps this package free of bus imports.
type MemorySink interface {
	Memorize(ctx context.Context, node *core.GraphNode) error
	Recall(ctx context.Context, query core.MemoryQuery) ([]*core.GraphNode, error)
	MemorizeMetric(ctx context.Context, name string, value float64, tags map[string]string, scope core.GraphScope) error
	RecallTimeSeries(ctx context.Context, scope core.GraphScope, hours int, correlationTypes []core.TSDBDataType, tagFilters map[string]string) ([]core.TSDBPoint, error)
	UpdateIdentityGraph(ctx context.Context, nodes []*core.GraphNode) error
}

// TaskSummary condenses one completed task for behavioral memory
type TaskSummary struct {
	TaskID  string                 `json:"task_id"`
	Status  string                 `json:"status"`
	Outcome string                 `json:"outcome,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ThoughtSummary condenses one completed thought
type ThoughtSummary struct {
	ThoughtID string                 `json:"thought_id"`
	TaskID    string                 `json:"task_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// UserProfile is the social context observed during a snapshot
type UserProfile struct {
	UserID     string                 `json:"user_id"`
	Name       string                 `json:"name,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// SystemSnapshot is the state bundle the reasoning layer hands over
// after each thought completes
type SystemSnapshot struct {
	ThoughtID        string                 `json:"thought_id"`
	TaskID           string                 `json:"task_id,omitempty"`
	TelemetryValues  map[string]float64     `json:"telemetry_values,omitempty"`
	ResourceUsage    core.ResourceUsage     `json:"resource_usage"`
	TaskSummaries    []TaskSummary          `json:"task_summaries,omitempty"`
	ThoughtSummaries []ThoughtSummary       `json:"thought_summaries,omitempty"`
	UserProfiles     []UserProfile          `json:"user_profiles,omitempty"`
	AgentIdentity    map[string]interface{} `json:"agent_identity,omitempty"`
}

// UnifiedService turns system snapshots into graph memory: metrics and
// resource usage as time-series nodes, behavior and social context as
// concept and user nodes, identity context into identity scope.
type UnifiedService struct {
	memory  MemorySink
	agentID string
	logger  core.Logger
}

// NewUnifiedService creates the unified telemetry service
func NewUnifiedService(memory MemorySink, agentID string, logger core.Logger) *UnifiedService {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &UnifiedService{memory: memory, agentID: agentID, logger: logger}
}

// ProcessSnapshot persists every facet of one system snapshot. Each
// facet is written independently; the first persistence error aborts
// the remainder so a partial snapshot is never silently swallowed.
func (u *UnifiedService) ProcessSnapshot(ctx context.Context, snap *SystemSnapshot) error {
	tags := map[string]string{
		"thought_id": snap.ThoughtID,
		"source":     "snapshot",
	}
	if snap.TaskID != "" {
		tags["task_id"] = snap.TaskID
	}

	for key, value := range snap.TelemetryValues {
		name := fmt.Sprintf("telemetry.%s", key)
		if err := u.memory.MemorizeMetric(ctx, name, value, tags, core.ScopeLocal); err != nil {
			return fmt.Errorf("failed to memorize metric %s: %w", name, err)
		}
	}

	if err := u.memory.MemorizeMetric(ctx, "resources.tokens_used", float64(snap.ResourceUsage.TokensTotal), tags, core.ScopeLocal); err != nil {
		return fmt.Errorf("failed to memorize token usage: %w", err)
	}
	if err := u.memory.MemorizeMetric(ctx, "resources.cost_cents", snap.ResourceUsage.CostCents, tags, core.ScopeLocal); err != nil {
		return fmt.Errorf("failed to memorize cost: %w", err)
	}

	if err := u.memorizeBehavior(ctx, snap); err != nil {
		return err
	}
	if err := u.memorizeSocial(ctx, snap); err != nil {
		return err
	}
	if err := u.memorizeIdentity(ctx, snap); err != nil {
		return err
	}

	u.logger.Debug("Snapshot processed", map[string]interface{}{
		"operation":  "process_snapshot",
		"thought_id": snap.ThoughtID,
		"metrics":    len(snap.TelemetryValues),
		"tasks":      len(snap.TaskSummaries),
		"thoughts":   len(snap.ThoughtSummaries),
		"users":      len(snap.UserProfiles),
	})
	return nil
}

func (u *UnifiedService) memorizeBehavior(ctx context.Context, snap *SystemSnapshot) error {
	now := time.Now().UTC()
	for _, task := range snap.TaskSummaries {
		node := &core.GraphNode{
			ID:    fmt.Sprintf("behavior_task_%s", task.TaskID),
			Kind:  core.NodeKindConcept,
			Scope: core.ScopeLocal,
			Attributes: map[string]interface{}{
				"behavior_type": "task_summary",
				"task_id":       task.TaskID,
				"status":        task.Status,
				"outcome":       task.Outcome,
				"details":       task.Details,
				"thought_id":    snap.ThoughtID,
			},
			Version:   1,
			UpdatedBy: u.agentID,
			UpdatedAt: now,
		}
		if err := u.memory.Memorize(ctx, node); err != nil {
			return fmt.Errorf("failed to memorize task summary %s: %w", task.TaskID, err)
		}
	}

	for _, thought := range snap.ThoughtSummaries {
		node := &core.GraphNode{
			ID:    fmt.Sprintf("behavior_thought_%s", thought.ThoughtID),
			Kind:  core.NodeKindConcept,
			Scope: core.ScopeLocal,
			Attributes: map[string]interface{}{
				"behavior_type": "thought_summary",
				"thought_id":    thought.ThoughtID,
				"task_id":       thought.TaskID,
				"action":        thought.Action,
				"details":       thought.Details,
			},
			Version:   1,
			UpdatedBy: u.agentID,
			UpdatedAt: now,
		}
		if err := u.memory.Memorize(ctx, node); err != nil {
			return fmt.Errorf("failed to memorize thought summary %s: %w", thought.ThoughtID, err)
		}
	}
	return nil
}

func (u *UnifiedService) memorizeSocial(ctx context.Context, snap *SystemSnapshot) error {
	now := time.Now().UTC()
	for _, profile := range snap.UserProfiles {
		attrs := map[string]interface{}{
			"user_id": profile.UserID,
			"name":    profile.Name,
		}
		for k, v := range profile.Attributes {
			attrs[k] = v
		}
		node := &core.GraphNode{
			ID:         fmt.Sprintf("user_%s", profile.UserID),
			Kind:       core.NodeKindUser,
			Scope:      core.ScopeCommunity,
			Attributes: attrs,
			Version:    1,
			UpdatedBy:  u.agentID,
			UpdatedAt:  now,
		}
		if err := u.memory.Memorize(ctx, node); err != nil {
			return fmt.Errorf("failed to memorize user profile %s: %w", profile.UserID, err)
		}
	}
	return nil
}

func (u *UnifiedService) memorizeIdentity(ctx context.Context, snap *SystemSnapshot) error {
	if len(snap.AgentIdentity) == 0 {
		return nil
	}
	attrs := map[string]interface{}{
		"agent_id":   u.agentID,
		"thought_id": snap.ThoughtID,
	}
	for k, v := range snap.AgentIdentity {
		attrs[k] = v
	}
	node := &core.GraphNode{
		ID:         fmt.Sprintf("agent_%s", u.agentID),
		Kind:       core.NodeKindAgent,
		Scope:      core.ScopeIdentity,
		Attributes: attrs,
		Version:    1,
		UpdatedBy:  u.agentID,
		UpdatedAt:  time.Now().UTC(),
	}
	return u.memory.UpdateIdentityGraph(ctx, []*core.GraphNode{node})
}
