package adaptation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/agentfabric/bus"
	"github.com/agentfabric/agentfabric/core"
)

// ConfigType names a configuration surface a proposal may change
type ConfigType string

const (
	ConfigToolPreferences   ConfigType = "TOOL_PREFERENCES"
	ConfigResponseTemplates ConfigType = "RESPONSE_TEMPLATES"
	ConfigCapabilityLimits  ConfigType = "CAPABILITY_LIMITS"
	ConfigBehaviorConfig    ConfigType = "BEHAVIOR_CONFIG"
)

// Projected variance impact by proposal scope
const (
	impactLocal       = 0.02
	impactCommunity   = 0.03
	impactEnvironment = 0.05
	impactIdentity    = 0.10

	extraChangeFactor = 0.2
)

// AdaptationProposal is one candidate configuration change produced by
// the feedback loop. Proposals persist as concept nodes so the cycle
// history survives restarts.
type AdaptationProposal struct {
	ID              string                                `json:"id"`
	Trigger         string                                `json:"trigger"`
	CurrentPattern  string                                `json:"current_pattern"`
	ProposedChanges map[ConfigType]map[string]interface{} `json:"proposed_changes"`
	Evidence        []string                              `json:"evidence,omitempty"`
	Confidence      float64                               `json:"confidence"`
	AutoApplicable  bool                                  `json:"auto_applicable"`
	Scope           core.GraphScope                       `json:"scope"`
	Applied         bool                                  `json:"applied"`
	AppliedAt       *time.Time                            `json:"applied_at,omitempty"`
	CreatedAt       time.Time                             `json:"created_at"`
}

// changeCount is the total number of individual settings the proposal touches
func (p *AdaptationProposal) changeCount() int {
	count := 0
	for _, settings := range p.ProposedChanges {
		count += len(settings)
	}
	if count == 0 {
		count = 1
	}
	return count
}

// ProjectedImpact estimates the variance cost of applying the proposal:
// the scope's base impact grows 20% per change beyond the first
func (p *AdaptationProposal) ProjectedImpact() float64 {
	var base float64
	switch p.Scope {
	case core.ScopeIdentity:
		base = impactIdentity
	case core.ScopeEnvironment:
		base = impactEnvironment
	case core.ScopeCommunity:
		base = impactCommunity
	default:
		base = impactLocal
	}
	return base * (1 + extraChangeFactor*float64(p.changeCount()-1))
}

// ToGraphNode lowers the proposal into its persisted form
func (p *AdaptationProposal) ToGraphNode() *core.GraphNode {
	changes := make(map[string]interface{}, len(p.ProposedChanges))
	for configType, settings := range p.ProposedChanges {
		changes[string(configType)] = settings
	}
	attrs := map[string]interface{}{
		"proposal_type":    "adaptation",
		"trigger":          p.Trigger,
		"current_pattern":  p.CurrentPattern,
		"proposed_changes": changes,
		"confidence":       p.Confidence,
		"auto_applicable":  p.AutoApplicable,
		"proposal_scope":   string(p.Scope),
		"applied":          p.Applied,
		"created_at":       p.CreatedAt.Format(time.RFC3339),
	}
	if len(p.Evidence) > 0 {
		attrs["evidence"] = p.Evidence
	}
	if p.AppliedAt != nil {
		attrs["applied_at"] = p.AppliedAt.Format(time.RFC3339)
	}
	return &core.GraphNode{
		ID:         p.ID,
		Kind:       core.NodeKindConcept,
		Scope:      core.ScopeLocal,
		Attributes: attrs,
		Version:    1,
	}
}

// FeedbackLoop runs pattern detection and converts qualifying patterns
// into adaptation proposals through per-pattern-type strategies. One
// pattern yields at most one proposal.
type FeedbackLoop struct {
	detector *PatternDetector
	memory   *bus.MemoryBus
	agentID  string
	logger   core.Logger

	patternThreshold float64
	analysisInterval time.Duration

	mu           sync.Mutex
	lastAnalysis time.Time
}

// NewFeedbackLoop creates the configuration feedback loop
func NewFeedbackLoop(detector *PatternDetector, memory *bus.MemoryBus, agentID string, cfg core.FeedbackConfig, logger core.Logger) *FeedbackLoop {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	threshold := cfg.PatternThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	interval := cfg.AnalysisInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &FeedbackLoop{
		detector:         detector,
		memory:           memory,
		agentID:          agentID,
		logger:           logger,
		patternThreshold: threshold,
		analysisInterval: interval,
	}
}

// AnalyzeAndPropose detects patterns and generates proposals. Without
// force it runs at most once per analysis interval.
func (fl *FeedbackLoop) AnalyzeAndPropose(ctx context.Context, force bool) ([]Pattern, []*AdaptationProposal, error) {
	fl.mu.Lock()
	if !force && time.Since(fl.lastAnalysis) < fl.analysisInterval {
		fl.mu.Unlock()
		return nil, nil, nil
	}
	fl.lastAnalysis = time.Now()
	fl.mu.Unlock()

	patterns, err := fl.detector.DetectPatterns(ctx)
	if err != nil {
		return nil, nil, err
	}

	var proposals []*AdaptationProposal
	for _, pattern := range patterns {
		if pattern.Confidence < fl.patternThreshold {
			continue
		}
		proposal := ProposalForPattern(pattern)
		if proposal == nil {
			continue
		}
		if res := fl.memory.Memorize(ctx, fl.agentID, proposal.ToGraphNode()); res.Status != core.StatusOK {
			fl.logger.Error("Failed to persist proposal", map[string]interface{}{
				"operation":   "analyze_and_propose",
				"proposal_id": proposal.ID,
				"reason":      res.Reason,
			})
		}
		proposals = append(proposals, proposal)
	}

	fl.logger.Info("Feedback analysis complete", map[string]interface{}{
		"operation": "analyze_and_propose",
		"patterns":  len(patterns),
		"proposals": len(proposals),
	})
	return patterns, proposals, nil
}

// ProposalForPattern maps one pattern to at most one proposal via the
// per-type strategy table
func ProposalForPattern(pattern Pattern) *AdaptationProposal {
	base := &AdaptationProposal{
		ID:             fmt.Sprintf("proposal_%s", uuid.NewString()[:8]),
		Trigger:        pattern.ID,
		CurrentPattern: pattern.Description,
		Evidence:       pattern.Evidence,
		Confidence:     pattern.Confidence,
		CreatedAt:      time.Now().UTC(),
	}

	switch pattern.Type {
	case PatternTemporal:
		base.Scope = core.ScopeLocal
		base.AutoApplicable = true
		base.ProposedChanges = map[ConfigType]map[string]interface{}{
			ConfigToolPreferences: {
				"morning_tool": pattern.Metrics["morning_tool"],
				"evening_tool": pattern.Metrics["evening_tool"],
			},
		}
		return base

	case PatternFrequency:
		switch pattern.Subtype {
		case "dominant":
			base.Scope = core.ScopeLocal
			base.AutoApplicable = true
			base.ProposedChanges = map[ConfigType]map[string]interface{}{
				ConfigResponseTemplates: {
					"cache_action": pattern.Metrics["action"],
				},
			}
			return base
		case "underused":
			count, _ := pattern.Metrics["count"].(int)
			if count != 0 {
				return nil
			}
			capability, _ := pattern.Metrics["capability"].(string)
			base.Scope = core.ScopeIdentity
			base.AutoApplicable = false
			base.ProposedChanges = map[ConfigType]map[string]interface{}{
				ConfigCapabilityLimits: {
					fmt.Sprintf("disable_%s", capability): true,
				},
			}
			return base
		}
		return nil

	case PatternPerformance:
		ratio, _ := pattern.Metrics["ratio"].(float64)
		if ratio <= 1.5 {
			return nil
		}
		base.Scope = core.ScopeIdentity
		base.AutoApplicable = false
		base.ProposedChanges = map[ConfigType]map[string]interface{}{
			ConfigBehaviorConfig: {
				"shorten_timeouts": true,
			},
		}
		return base

	case PatternError:
		switch pattern.Subtype {
		case "timeout":
			base.Scope = core.ScopeLocal
			base.AutoApplicable = true
			base.ProposedChanges = map[ConfigType]map[string]interface{}{
				ConfigBehaviorConfig: {
					"extend_timeouts": true,
				},
			}
			return base
		case "tool":
			base.Scope = core.ScopeLocal
			base.AutoApplicable = true
			base.ProposedChanges = map[ConfigType]map[string]interface{}{
				ConfigToolPreferences: {
					"retry_failed_tools": false,
				},
			}
			return base
		}
		return nil
	}
	return nil
}
