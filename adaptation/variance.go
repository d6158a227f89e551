// Package adaptation contains the self-configuration subsystems: the
// identity variance monitor, the pattern feedback loop, and the
// orchestrator that applies adaptation proposals within a bounded
// identity drift budget.
package adaptation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/agentfabric/bus"
	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/telemetry"
)

// ImpactLevel weighs one identity difference
type ImpactLevel string

const (
	ImpactCritical ImpactLevel = "critical"
	ImpactHigh     ImpactLevel = "high"
	ImpactMedium   ImpactLevel = "medium"
	ImpactLow      ImpactLevel = "low"
)

// Weight returns the variance weight of the impact level
func (i ImpactLevel) Weight() int {
	switch i {
	case ImpactCritical:
		return 5
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 2
	default:
		return 1
	}
}

// DiffType classifies one identity difference
type DiffType string

const (
	DiffAdded    DiffType = "added"
	DiffRemoved  DiffType = "removed"
	DiffModified DiffType = "modified"
)

// IdentityDiff is one observed difference between baseline and current
type IdentityDiff struct {
	NodeID        string      `json:"node_id"`
	DiffType      DiffType    `json:"diff_type"`
	Impact        ImpactLevel `json:"impact"`
	BaselineValue interface{} `json:"baseline_value,omitempty"`
	CurrentValue  interface{} `json:"current_value,omitempty"`
	Description   string      `json:"description"`
}

// VarianceReport is the outcome of one variance check
type VarianceReport struct {
	BaselineID       string              `json:"baseline_id"`
	CurrentID        string              `json:"current_id"`
	TotalVariance    float64             `json:"total_variance"`
	VarianceByImpact map[ImpactLevel]int `json:"variance_by_impact"`
	Differences      []IdentityDiff      `json:"differences"`
	RequiresWAReview bool                `json:"requires_wa_review"`
	Recommendations  []string            `json:"recommendations,omitempty"`
}

// IdentitySnapshot is the comparable projection of the agent's identity
type IdentitySnapshot struct {
	ID                 string                 `json:"id"`
	AgentID            string                 `json:"agent_id"`
	EthicalBoundaries  map[string]interface{} `json:"ethical_boundaries,omitempty"`
	TrustParameters    map[string]interface{} `json:"trust_parameters,omitempty"`
	Capabilities       []string               `json:"capabilities,omitempty"`
	BehavioralPatterns map[string]float64     `json:"behavioral_patterns,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`
	Immutable          bool                   `json:"immutable,omitempty"`
}

const (
	baselinePointerID = "identity_baseline_current"

	behavioralShiftPoints = 20.0
	behavioralWindowHours = 7 * 24
)

// VarianceMonitor bounds identity drift against a frozen baseline.
// A check at or above the threshold marks the report for wise authority
// review and emits exactly one review request; it never blocks.
type VarianceMonitor struct {
	memory  *bus.MemoryBus
	audit   *bus.AuditBus
	wise    *bus.WiseBus
	agentID string
	logger  core.Logger

	threshold     float64
	checkInterval time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *VarianceReport
}

// NewVarianceMonitor creates the variance monitor
func NewVarianceMonitor(memory *bus.MemoryBus, audit *bus.AuditBus, wise *bus.WiseBus, agentID string, cfg core.VarianceConfig, logger core.Logger) *VarianceMonitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.20
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &VarianceMonitor{
		memory:        memory,
		audit:         audit,
		wise:          wise,
		agentID:       agentID,
		logger:        logger,
		threshold:     threshold,
		checkInterval: interval,
	}
}

// Threshold returns the configured variance threshold
func (vm *VarianceMonitor) Threshold() float64 {
	return vm.threshold
}

// EnsureBaseline freezes the baseline snapshot on first start. Later
// calls are no-ops: the baseline is immutable for the agent's lifetime.
func (vm *VarianceMonitor) EnsureBaseline(ctx context.Context, identity *IdentitySnapshot) error {
	existing, err := vm.baselineID(ctx)
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}

	now := time.Now().UTC()
	baseline := *identity
	baseline.ID = fmt.Sprintf("identity_snapshot_%d", now.Unix())
	baseline.AgentID = vm.agentID
	baseline.Timestamp = now
	baseline.Immutable = true

	nodes := []*core.GraphNode{
		snapshotToNode(&baseline, "baseline"),
		{
			ID:    baselinePointerID,
			Kind:  core.NodeKindConfig,
			Scope: core.ScopeIdentity,
			Attributes: map[string]interface{}{
				"baseline_id": baseline.ID,
			},
			Version:   1,
			UpdatedBy: vm.agentID,
			UpdatedAt: now,
		},
	}
	if res := vm.memory.UpdateIdentityGraph(ctx, vm.agentID, nodes); res.Status != core.StatusOK {
		return fmt.Errorf("failed to freeze baseline: %s", res.Reason)
	}

	vm.logger.Info("Identity baseline frozen", map[string]interface{}{
		"operation":   "ensure_baseline",
		"baseline_id": baseline.ID,
	})
	return nil
}

// CheckVariance compares the current identity against the baseline.
// Without force, checks more frequent than the configured interval
// return the previous report.
func (vm *VarianceMonitor) CheckVariance(ctx context.Context, force bool) (*VarianceReport, error) {
	vm.mu.Lock()
	if !force && vm.lastReport != nil && time.Since(vm.lastCheck) < vm.checkInterval {
		report := vm.lastReport
		vm.mu.Unlock()
		return report, nil
	}
	vm.mu.Unlock()

	baseline, err := vm.loadBaseline(ctx)
	if err != nil {
		return nil, err
	}

	current, err := vm.takeCurrentSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if res := vm.memory.UpdateIdentityGraph(ctx, vm.agentID, []*core.GraphNode{snapshotToNode(current, "current")}); res.Status != core.StatusOK {
		return nil, fmt.Errorf("failed to persist current snapshot: %s", res.Reason)
	}

	report := CompareSnapshots(baseline, current, vm.threshold)
	telemetry.Gauge(telemetry.MetricVarianceTotal, report.TotalVariance, "agent_id", vm.agentID)

	if report.RequiresWAReview {
		vm.logger.Warn("Identity variance at or above threshold", map[string]interface{}{
			"operation":      "check_variance",
			"total_variance": report.TotalVariance,
			"threshold":      vm.threshold,
			"differences":    len(report.Differences),
		})
		if err := vm.requestReview(ctx, report); err != nil {
			vm.logger.Error("Variance review request failed", map[string]interface{}{
				"operation": "check_variance",
				"error":     err.Error(),
			})
		}
	}

	if vm.audit != nil {
		_ = vm.audit.LogEvent(ctx, vm.agentID, "variance_check", map[string]interface{}{
			"total_variance":     report.TotalVariance,
			"requires_wa_review": report.RequiresWAReview,
			"differences":        len(report.Differences),
		})
	}

	vm.mu.Lock()
	vm.lastCheck = time.Now()
	vm.lastReport = report
	vm.mu.Unlock()
	return report, nil
}

// CompareSnapshots computes the weighted identity drift between two
// snapshots. Ethical boundary changes weigh critical, capability
// changes high, behavioral distribution shifts medium, trust parameter
// changes low.
func CompareSnapshots(baseline, current *IdentitySnapshot, threshold float64) *VarianceReport {
	report := &VarianceReport{
		BaselineID:       baseline.ID,
		CurrentID:        current.ID,
		VarianceByImpact: make(map[ImpactLevel]int),
	}

	report.Differences = append(report.Differences, diffMaps("ethical_boundaries", baseline.EthicalBoundaries, current.EthicalBoundaries, ImpactCritical)...)
	report.Differences = append(report.Differences, diffCapabilities(baseline.Capabilities, current.Capabilities)...)
	report.Differences = append(report.Differences, diffBehavioral(baseline.BehavioralPatterns, current.BehavioralPatterns)...)
	report.Differences = append(report.Differences, diffMaps("trust_parameters", baseline.TrustParameters, current.TrustParameters, ImpactLow)...)

	weighted := 0
	for _, d := range report.Differences {
		report.VarianceByImpact[d.Impact]++
		weighted += d.Impact.Weight()
	}
	report.TotalVariance = float64(weighted) / 100.0
	report.RequiresWAReview = report.TotalVariance >= threshold

	if report.RequiresWAReview {
		report.Recommendations = append(report.Recommendations,
			"pause adaptation until wise authority review completes")
	}
	return report
}

func diffMaps(prefix string, baseline, current map[string]interface{}, impact ImpactLevel) []IdentityDiff {
	var diffs []IdentityDiff
	for key, bval := range baseline {
		cval, ok := current[key]
		if !ok {
			diffs = append(diffs, IdentityDiff{
				NodeID:        fmt.Sprintf("%s.%s", prefix, key),
				DiffType:      DiffRemoved,
				Impact:        impact,
				BaselineValue: bval,
				Description:   fmt.Sprintf("%s %s removed", prefix, key),
			})
			continue
		}
		if fmt.Sprintf("%v", bval) != fmt.Sprintf("%v", cval) {
			diffs = append(diffs, IdentityDiff{
				NodeID:        fmt.Sprintf("%s.%s", prefix, key),
				DiffType:      DiffModified,
				Impact:        impact,
				BaselineValue: bval,
				CurrentValue:  cval,
				Description:   fmt.Sprintf("%s %s modified", prefix, key),
			})
		}
	}
	for key, cval := range current {
		if _, ok := baseline[key]; !ok {
			diffs = append(diffs, IdentityDiff{
				NodeID:       fmt.Sprintf("%s.%s", prefix, key),
				DiffType:     DiffAdded,
				Impact:       impact,
				CurrentValue: cval,
				Description:  fmt.Sprintf("%s %s added", prefix, key),
			})
		}
	}
	return diffs
}

func diffCapabilities(baseline, current []string) []IdentityDiff {
	base := make(map[string]bool, len(baseline))
	for _, c := range baseline {
		base[c] = true
	}
	cur := make(map[string]bool, len(current))
	for _, c := range current {
		cur[c] = true
	}

	var diffs []IdentityDiff
	for c := range base {
		if !cur[c] {
			diffs = append(diffs, IdentityDiff{
				NodeID:        fmt.Sprintf("capabilities.%s", c),
				DiffType:      DiffRemoved,
				Impact:        ImpactHigh,
				BaselineValue: c,
				Description:   fmt.Sprintf("capability %s removed", c),
			})
		}
	}
	for c := range cur {
		if !base[c] {
			diffs = append(diffs, IdentityDiff{
				NodeID:       fmt.Sprintf("capabilities.%s", c),
				DiffType:     DiffAdded,
				Impact:       ImpactHigh,
				CurrentValue: c,
				Description:  fmt.Sprintf("capability %s added", c),
			})
		}
	}
	return diffs
}

func diffBehavioral(baseline, current map[string]float64) []IdentityDiff {
	var diffs []IdentityDiff
	seen := make(map[string]bool)
	for action, bpct := range baseline {
		seen[action] = true
		cpct := current[action]
		if shift := cpct - bpct; shift > behavioralShiftPoints || shift < -behavioralShiftPoints {
			diffs = append(diffs, IdentityDiff{
				NodeID:        fmt.Sprintf("behavioral_patterns.%s", action),
				DiffType:      DiffModified,
				Impact:        ImpactMedium,
				BaselineValue: bpct,
				CurrentValue:  cpct,
				Description:   fmt.Sprintf("action %s share shifted %.1f points", action, shift),
			})
		}
	}
	for action, cpct := range current {
		if seen[action] {
			continue
		}
		if cpct > behavioralShiftPoints {
			diffs = append(diffs, IdentityDiff{
				NodeID:       fmt.Sprintf("behavioral_patterns.%s", action),
				DiffType:     DiffAdded,
				Impact:       ImpactMedium,
				CurrentValue: cpct,
				Description:  fmt.Sprintf("new action %s at %.1f%% share", action, cpct),
			})
		}
	}
	return diffs
}

// requestReview emits exactly one review request for this check
func (vm *VarianceMonitor) requestReview(ctx context.Context, report *VarianceReport) error {
	return vm.wise.RequestReview(ctx, vm.agentID, core.ReviewRequest{
		RequestID:  uuid.NewString(),
		ReviewType: "identity_variance",
		Reason:     fmt.Sprintf("total variance %.2f at or above threshold %.2f", report.TotalVariance, vm.threshold),
		Details: map[string]interface{}{
			"baseline_id":    report.BaselineID,
			"current_id":     report.CurrentID,
			"total_variance": report.TotalVariance,
			"differences":    len(report.Differences),
		},
	})
}

func (vm *VarianceMonitor) baselineID(ctx context.Context) (string, error) {
	nodes, err := vm.memory.Recall(ctx, vm.agentID, core.MemoryQuery{
		NodeID: baselinePointerID,
		Scope:  core.ScopeIdentity,
	})
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", nil
	}
	id, _ := nodes[0].Attributes["baseline_id"].(string)
	return id, nil
}

func (vm *VarianceMonitor) loadBaseline(ctx context.Context) (*IdentitySnapshot, error) {
	id, err := vm.baselineID(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: identity baseline has not been frozen", core.ErrNotInitialized)
	}
	nodes, err := vm.memory.Recall(ctx, vm.agentID, core.MemoryQuery{NodeID: id, Scope: core.ScopeIdentity})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: baseline node %s", core.ErrNodeNotFound, id)
	}
	return nodeToSnapshot(nodes[0]), nil
}

// takeCurrentSnapshot assembles the live identity view: the agent node
// plus a behavioral distribution from the recent audit trail
func (vm *VarianceMonitor) takeCurrentSnapshot(ctx context.Context) (*IdentitySnapshot, error) {
	now := time.Now().UTC()
	snapshot := &IdentitySnapshot{
		ID:        fmt.Sprintf("identity_current_%d", now.Unix()),
		AgentID:   vm.agentID,
		Timestamp: now,
	}

	nodes, err := vm.memory.Recall(ctx, vm.agentID, core.MemoryQuery{
		NodeID: fmt.Sprintf("agent_%s", vm.agentID),
		Scope:  core.ScopeIdentity,
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) > 0 {
		attrs := nodes[0].Attributes
		if m, ok := attrs["ethical_boundaries"].(map[string]interface{}); ok {
			snapshot.EthicalBoundaries = m
		}
		if m, ok := attrs["trust_parameters"].(map[string]interface{}); ok {
			snapshot.TrustParameters = m
		}
		snapshot.Capabilities = toStringSlice(attrs["capabilities"])
	}

	if vm.audit != nil {
		entries, err := vm.audit.GetAuditTrail(ctx, vm.agentID, vm.agentID, 0)
		if err == nil {
			snapshot.BehavioralPatterns = actionDistribution(entries, time.Now().Add(-behavioralWindowHours*time.Hour))
		}
	}
	return snapshot, nil
}

// actionDistribution computes the percentage share of each action type
// among audit entries after the cutoff
func actionDistribution(entries []core.AuditEntry, cutoff time.Time) map[string]float64 {
	counts := make(map[string]int)
	total := 0
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		counts[e.EventType]++
		total++
	}
	if total == 0 {
		return nil
	}
	dist := make(map[string]float64, len(counts))
	for action, count := range counts {
		dist[action] = 100.0 * float64(count) / float64(total)
	}
	return dist
}

func snapshotToNode(s *IdentitySnapshot, snapshotType string) *core.GraphNode {
	attrs := map[string]interface{}{
		"snapshot_type": snapshotType,
		"agent_id":      s.AgentID,
		"timestamp":     s.Timestamp.Format(time.RFC3339),
	}
	if s.EthicalBoundaries != nil {
		attrs["ethical_boundaries"] = s.EthicalBoundaries
	}
	if s.TrustParameters != nil {
		attrs["trust_parameters"] = s.TrustParameters
	}
	if len(s.Capabilities) > 0 {
		caps := make([]interface{}, len(s.Capabilities))
		for i, c := range s.Capabilities {
			caps[i] = c
		}
		attrs["capabilities"] = caps
	}
	if len(s.BehavioralPatterns) > 0 {
		patterns := make(map[string]interface{}, len(s.BehavioralPatterns))
		for k, v := range s.BehavioralPatterns {
			patterns[k] = v
		}
		attrs["behavioral_patterns"] = patterns
	}
	if s.Immutable {
		attrs["immutable"] = true
	}
	return &core.GraphNode{
		ID:         s.ID,
		Kind:       core.NodeKindAgent,
		Scope:      core.ScopeIdentity,
		Attributes: attrs,
		Version:    1,
		UpdatedBy:  s.AgentID,
		UpdatedAt:  s.Timestamp,
	}
}

func nodeToSnapshot(node *core.GraphNode) *IdentitySnapshot {
	s := &IdentitySnapshot{ID: node.ID}
	attrs := node.Attributes
	if v, ok := attrs["agent_id"].(string); ok {
		s.AgentID = v
	}
	if m, ok := attrs["ethical_boundaries"].(map[string]interface{}); ok {
		s.EthicalBoundaries = m
	}
	if m, ok := attrs["trust_parameters"].(map[string]interface{}); ok {
		s.TrustParameters = m
	}
	s.Capabilities = toStringSlice(attrs["capabilities"])
	if m, ok := attrs["behavioral_patterns"].(map[string]interface{}); ok {
		s.BehavioralPatterns = make(map[string]float64, len(m))
		for k, v := range m {
			if f, ok := v.(float64); ok {
				s.BehavioralPatterns[k] = f
			}
		}
	}
	if v, ok := attrs["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			s.Timestamp = ts
		}
	}
	if v, ok := attrs["immutable"].(bool); ok {
		s.Immutable = v
	}
	return s
}

func toStringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
