package adaptation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/agentfabric/bus"
	"github.com/agentfabric/agentfabric/core"
	"github.com/agentfabric/agentfabric/telemetry"
)

// OrchestratorState is the adaptation state machine position
type OrchestratorState string

const (
	StateLearning    OrchestratorState = "learning"
	StateProposing   OrchestratorState = "proposing"
	StateAdapting    OrchestratorState = "adapting"
	StateStabilizing OrchestratorState = "stabilizing"
	StateReviewing   OrchestratorState = "reviewing"
)

// ReviewOutcome is the wise authority's verdict on a pending review
type ReviewOutcome string

const (
	ReviewApproved ReviewOutcome = "approved"
	ReviewRejected ReviewOutcome = "rejected"
)

// minRemainingBudget stops the safe-filter when the variance budget is
// nearly spent
const minRemainingBudget = 0.05

// AdaptationCycle records one pass of the orchestrator
type AdaptationCycle struct {
	CycleID            string            `json:"cycle_id"`
	StartedAt          time.Time         `json:"started_at"`
	State              OrchestratorState `json:"state"`
	PatternsDetected   int               `json:"patterns_detected"`
	ProposalsGenerated int               `json:"proposals_generated"`
	ChangesApplied     int               `json:"changes_applied"`
	VarianceBefore     float64           `json:"variance_before"`
	VarianceAfter      float64           `json:"variance_after,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

// Orchestrator drives the adaptation loop: check variance, detect
// patterns, filter proposals against the remaining drift budget, apply,
// re-check, roll back on breach. Three consecutive failed cycles engage
// a sticky emergency stop that only a process restart clears.
type Orchestrator struct {
	monitor  *VarianceMonitor
	feedback *FeedbackLoop
	memory   *bus.MemoryBus
	audit    *bus.AuditBus
	agentID  string
	logger   core.Logger

	stabilizationPeriod time.Duration
	maxFailures         int
	adaptationThreshold float64

	mu                  sync.Mutex
	state               OrchestratorState
	cycleActive         bool
	lastAdaptation      time.Time
	consecutiveFailures int
	emergencyStopped    bool
	emergencyReason     string
}

// NewOrchestrator creates the self-configuration orchestrator
func NewOrchestrator(monitor *VarianceMonitor, feedback *FeedbackLoop, memory *bus.MemoryBus, audit *bus.AuditBus, agentID string, selfCfg core.SelfConfigConfig, feedbackCfg core.FeedbackConfig, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	stabilization := selfCfg.StabilizationPeriod
	if stabilization <= 0 {
		stabilization = 24 * time.Hour
	}
	maxFailures := selfCfg.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	adaptationThreshold := feedbackCfg.AdaptationThreshold
	if adaptationThreshold <= 0 {
		adaptationThreshold = 0.8
	}
	return &Orchestrator{
		monitor:             monitor,
		feedback:            feedback,
		memory:              memory,
		audit:               audit,
		agentID:             agentID,
		logger:              logger,
		stabilizationPeriod: stabilization,
		maxFailures:         maxFailures,
		adaptationThreshold: adaptationThreshold,
		state:               StateLearning,
	}
}

// State returns the current state machine position
func (o *Orchestrator) State() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// EmergencyStopped reports whether the sticky stop flag is set
func (o *Orchestrator) EmergencyStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.emergencyStopped
}

// RunAdaptationCycle executes one pass of the loop. Returns the cycle
// record, or nil when a skip condition held (emergency stop, active
// cycle, pending review, or unexpired stabilization period).
func (o *Orchestrator) RunAdaptationCycle(ctx context.Context) (*AdaptationCycle, error) {
	o.mu.Lock()
	if o.emergencyStopped || o.cycleActive || o.state == StateReviewing {
		o.mu.Unlock()
		return nil, nil
	}
	if o.state == StateStabilizing && time.Since(o.lastAdaptation) < o.stabilizationPeriod {
		o.mu.Unlock()
		return nil, nil
	}
	o.cycleActive = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.cycleActive = false
		o.mu.Unlock()
	}()

	cycle, err := o.runCycle(ctx)
	o.recordOutcome(ctx, cycle, err)
	return cycle, err
}

func (o *Orchestrator) runCycle(ctx context.Context) (*AdaptationCycle, error) {
	cycle := &AdaptationCycle{
		CycleID:   fmt.Sprintf("cycle_%s", uuid.NewString()[:8]),
		StartedAt: time.Now().UTC(),
		State:     StateLearning,
	}

	report, err := o.monitor.CheckVariance(ctx, true)
	if err != nil {
		return cycle, fmt.Errorf("variance check failed: %w", err)
	}
	cycle.VarianceBefore = report.TotalVariance
	if report.RequiresWAReview {
		o.setState(StateReviewing)
		cycle.State = StateReviewing
		return cycle, nil
	}

	o.setState(StateProposing)
	patterns, proposals, err := o.feedback.AnalyzeAndPropose(ctx, true)
	if err != nil {
		return cycle, fmt.Errorf("feedback analysis failed: %w", err)
	}
	cycle.PatternsDetected = len(patterns)
	cycle.ProposalsGenerated = len(proposals)

	o.setState(StateAdapting)
	remaining := o.monitor.Threshold() - report.TotalVariance
	admitted := SafeFilter(proposals, remaining)

	applied := make([]*AdaptationProposal, 0, len(admitted))
	for _, proposal := range admitted {
		if !proposal.AutoApplicable || proposal.Confidence < o.adaptationThreshold {
			// stays pending until a wise authority approves it
			continue
		}
		if err := o.applyProposal(ctx, proposal); err != nil {
			return cycle, fmt.Errorf("failed to apply proposal %s: %w", proposal.ID, err)
		}
		applied = append(applied, proposal)
	}
	cycle.ChangesApplied = len(applied)

	recheck, err := o.monitor.CheckVariance(ctx, true)
	if err != nil {
		return cycle, fmt.Errorf("variance re-check failed: %w", err)
	}
	cycle.VarianceAfter = recheck.TotalVariance

	if recheck.RequiresWAReview {
		o.rollback(ctx, applied, recheck.TotalVariance)
		o.setState(StateReviewing)
		cycle.State = StateReviewing
		return cycle, nil
	}

	if len(applied) > 0 {
		o.mu.Lock()
		o.lastAdaptation = time.Now()
		o.state = StateStabilizing
		o.mu.Unlock()
		cycle.State = StateStabilizing
	} else {
		o.setState(StateLearning)
		cycle.State = StateLearning
	}
	return cycle, nil
}

// SafeFilter admits proposals against the remaining variance budget.
// Local-scope proposals sort first, then descending confidence. A
// proposal is admitted only while its projected impact stays under half
// the remaining budget; filtering stops once the budget drops below 5%.
func SafeFilter(proposals []*AdaptationProposal, remaining float64) []*AdaptationProposal {
	sorted := make([]*AdaptationProposal, len(proposals))
	copy(sorted, proposals)
	sort.SliceStable(sorted, func(i, j int) bool {
		iLocal := sorted[i].Scope == core.ScopeLocal
		jLocal := sorted[j].Scope == core.ScopeLocal
		if iLocal != jLocal {
			return iLocal
		}
		return sorted[i].Confidence > sorted[j].Confidence
	})

	var admitted []*AdaptationProposal
	for _, proposal := range sorted {
		if remaining < minRemainingBudget {
			break
		}
		impact := proposal.ProjectedImpact()
		if impact < 0.5*remaining {
			admitted = append(admitted, proposal)
			remaining -= impact
		}
	}
	return admitted
}

// applyProposal writes the proposed settings as config nodes and marks
// the proposal applied
func (o *Orchestrator) applyProposal(ctx context.Context, proposal *AdaptationProposal) error {
	for configType, settings := range proposal.ProposedChanges {
		node := &core.GraphNode{
			ID:    fmt.Sprintf("config_%s", configType),
			Kind:  core.NodeKindConfig,
			Scope: core.ScopeLocal,
			Attributes: map[string]interface{}{
				"config_type": string(configType),
				"settings":    settings,
				"proposal_id": proposal.ID,
			},
			Version:   1,
			UpdatedBy: o.agentID,
			UpdatedAt: time.Now().UTC(),
		}
		if res := o.memory.Memorize(ctx, o.agentID, node); res.Status != core.StatusOK {
			return fmt.Errorf("config write rejected: %s", res.Reason)
		}
	}

	now := time.Now().UTC()
	proposal.Applied = true
	proposal.AppliedAt = &now
	if res := o.memory.Memorize(ctx, o.agentID, proposal.ToGraphNode()); res.Status != core.StatusOK {
		return fmt.Errorf("proposal update rejected: %s", res.Reason)
	}

	telemetry.Counter(telemetry.MetricAdaptationApplied, "agent_id", o.agentID, "proposal", proposal.ID)
	if o.audit != nil {
		_ = o.audit.LogEvent(ctx, o.agentID, "adaptation_applied", map[string]interface{}{
			"proposal_id": proposal.ID,
			"scope":       string(proposal.Scope),
			"confidence":  proposal.Confidence,
		})
	}
	return nil
}

// rollback writes a rollback marker for every proposal applied in this
// cycle. Config state is not reverted in place; the markers direct
// downstream consumers to disregard the superseded proposals.
func (o *Orchestrator) rollback(ctx context.Context, applied []*AdaptationProposal, variance float64) {
	for _, proposal := range applied {
		node := &core.GraphNode{
			ID:    fmt.Sprintf("rollback_%s", proposal.ID),
			Kind:  core.NodeKindConcept,
			Scope: core.ScopeLocal,
			Attributes: map[string]interface{}{
				"rollback_of":    proposal.ID,
				"reason":         "variance threshold breached after apply",
				"total_variance": variance,
			},
			Version:   1,
			UpdatedBy: o.agentID,
			UpdatedAt: time.Now().UTC(),
		}
		if res := o.memory.Memorize(ctx, o.agentID, node); res.Status != core.StatusOK {
			o.logger.Error("Failed to write rollback node", map[string]interface{}{
				"operation":   "rollback",
				"proposal_id": proposal.ID,
				"reason":      res.Reason,
			})
		}
		telemetry.Counter(telemetry.MetricAdaptationRollback, "agent_id", o.agentID, "proposal", proposal.ID)
		if o.audit != nil {
			_ = o.audit.LogEvent(ctx, o.agentID, "adaptation_rollback", map[string]interface{}{
				"proposal_id":    proposal.ID,
				"total_variance": variance,
			})
		}
	}

	o.logger.Warn("Adaptation cycle rolled back", map[string]interface{}{
		"operation":      "rollback",
		"proposals":      len(applied),
		"total_variance": variance,
	})
}

// recordOutcome persists the cycle summary and tracks consecutive
// failures toward the emergency stop
func (o *Orchestrator) recordOutcome(ctx context.Context, cycle *AdaptationCycle, cycleErr error) {
	if cycle == nil {
		return
	}
	now := time.Now().UTC()
	cycle.CompletedAt = &now

	attrs := map[string]interface{}{
		"summary_type":        "adaptation_cycle",
		"state":               string(cycle.State),
		"patterns_detected":   cycle.PatternsDetected,
		"proposals_generated": cycle.ProposalsGenerated,
		"changes_applied":     cycle.ChangesApplied,
		"variance_before":     cycle.VarianceBefore,
		"variance_after":      cycle.VarianceAfter,
		"started_at":          cycle.StartedAt.Format(time.RFC3339),
		"completed_at":        now.Format(time.RFC3339),
	}
	if cycleErr != nil {
		attrs["error"] = cycleErr.Error()
	}
	node := &core.GraphNode{
		ID:         cycle.CycleID,
		Kind:       core.NodeKindConcept,
		Scope:      core.ScopeLocal,
		Attributes: attrs,
		Version:    1,
		UpdatedBy:  o.agentID,
		UpdatedAt:  now,
	}
	if res := o.memory.Memorize(ctx, o.agentID, node); res.Status != core.StatusOK {
		o.logger.Error("Failed to persist cycle summary", map[string]interface{}{
			"operation": "record_cycle",
			"cycle_id":  cycle.CycleID,
			"reason":    res.Reason,
		})
	}

	o.mu.Lock()
	if cycleErr != nil {
		o.consecutiveFailures++
		failures := o.consecutiveFailures
		o.mu.Unlock()
		if failures >= o.maxFailures {
			o.EmergencyStop(fmt.Sprintf("%d consecutive failed adaptation cycles", failures))
		}
		return
	}
	o.consecutiveFailures = 0
	o.mu.Unlock()
}

// ResumeAfterReview exits the reviewing state once the wise authority
// has ruled. Approval resumes stabilization; rejection returns to
// learning. Either way the failure counter resets.
func (o *Orchestrator) ResumeAfterReview(outcome ReviewOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateReviewing {
		return
	}
	if outcome == ReviewApproved {
		o.state = StateStabilizing
		o.lastAdaptation = time.Now()
	} else {
		o.state = StateLearning
	}
	o.consecutiveFailures = 0

	o.logger.Info("Review resolved", map[string]interface{}{
		"operation": "resume_after_review",
		"outcome":   string(outcome),
		"state":     string(o.state),
	})
}

// EmergencyStop sets the sticky stop flag. Every subsequent cycle is a
// no-op; only a process restart clears the flag.
func (o *Orchestrator) EmergencyStop(reason string) {
	o.mu.Lock()
	already := o.emergencyStopped
	o.emergencyStopped = true
	o.emergencyReason = reason
	o.mu.Unlock()

	if already {
		return
	}
	o.logger.Error("Adaptation emergency stop engaged", map[string]interface{}{
		"operation": "emergency_stop",
		"reason":    reason,
	})
}

func (o *Orchestrator) setState(state OrchestratorState) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}
