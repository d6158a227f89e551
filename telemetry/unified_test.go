package telemetry

import (
	"context"
	"testing"

	"github.com/agentfabric/agentfabric/core"
)

func TestProcessSnapshotFansOut(t *testing.T) {
	sink := newFakeSink()
	u := NewUnifiedService(sink, "agent-1", nil)
	ctx := context.Background()

	snap := &SystemSnapshot{
		ThoughtID:       "th1",
		TaskID:          "t1",
		TelemetryValues: map[string]float64{"latency_ms": 42},
		ResourceUsage:   core.ResourceUsage{TokensTotal: 120, CostCents: 0.7},
		TaskSummaries: []TaskSummary{
			{TaskID: "t1", Status: "completed", Outcome: "ok"},
		},
		ThoughtSummaries: []ThoughtSummary{
			{ThoughtID: "th1", TaskID: "t1", Action: "respond"},
		},
		UserProfiles: []UserProfile{
			{UserID: "u1", Name: "Sam", Attributes: map[string]interface{}{"trust": 0.8}},
		},
		AgentIdentity: map[string]interface{}{"role": "assistant"},
	}

	if err := u.ProcessSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	points, err := sink.RecallTimeSeries(ctx, core.ScopeLocal, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	byName := make(map[string]core.TSDBPoint)
	for _, p := range points {
		byName[p.MetricName] = p
	}
	lat, ok := byName["telemetry.latency_ms"]
	if !ok || lat.MetricValue != 42 {
		t.Fatalf("telemetry value not persisted: %+v", byName)
	}
	if lat.Tags["thought_id"] != "th1" || lat.Tags["task_id"] != "t1" {
		t.Fatalf("metric tags wrong: %v", lat.Tags)
	}
	if p, ok := byName["resources.tokens_used"]; !ok || p.MetricValue != 120 {
		t.Fatal("token usage not persisted")
	}
	if p, ok := byName["resources.cost_cents"]; !ok || p.MetricValue != 0.7 {
		t.Fatal("cost not persisted")
	}

	task := sink.get("behavior_task_t1", core.ScopeLocal)
	if task == nil || task.Attributes["status"] != "completed" {
		t.Fatalf("task summary node wrong: %+v", task)
	}
	thought := sink.get("behavior_thought_th1", core.ScopeLocal)
	if thought == nil || thought.Attributes["action"] != "respond" {
		t.Fatalf("thought summary node wrong: %+v", thought)
	}

	user := sink.get("user_u1", core.ScopeCommunity)
	if user == nil || user.Kind != core.NodeKindUser {
		t.Fatal("user profile must land in community scope")
	}
	if user.Attributes["trust"] != 0.8 {
		t.Fatalf("user attributes lost: %v", user.Attributes)
	}

	agent := sink.get("agent_agent-1", core.ScopeIdentity)
	if agent == nil || agent.Kind != core.NodeKindAgent {
		t.Fatal("agent identity must land in identity scope")
	}
	if agent.Attributes["role"] != "assistant" {
		t.Fatalf("identity attributes lost: %v", agent.Attributes)
	}
}

func TestProcessSnapshotSkipsEmptyIdentity(t *testing.T) {
	sink := newFakeSink()
	u := NewUnifiedService(sink, "agent-1", nil)

	snap := &SystemSnapshot{ThoughtID: "th2"}
	if err := u.ProcessSnapshot(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	if sink.get("agent_agent-1", core.ScopeIdentity) != nil {
		t.Fatal("empty identity context must not write an identity node")
	}
}
