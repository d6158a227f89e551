package adaptation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/agentfabric/bus"
	"github.com/agentfabric/agentfabric/core"
)

// PatternType classifies a detected behavioral pattern
type PatternType string

const (
	PatternTemporal    PatternType = "temporal"
	PatternFrequency   PatternType = "frequency"
	PatternPerformance PatternType = "performance"
	PatternError       PatternType = "error"
)

// Pattern is one detected regularity in the agent's recent behavior
type Pattern struct {
	ID          string                 `json:"id"`
	Type        PatternType            `json:"type"`
	Subtype     string                 `json:"subtype,omitempty"`
	Description string                 `json:"description"`
	Confidence  float64                `json:"confidence"`
	Evidence    []string               `json:"evidence,omitempty"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	DetectedAt  time.Time              `json:"detected_at"`
}

const (
	detectionWindowHours = 7 * 24

	morningStartHour = 6
	morningEndHour   = 11
	eveningStartHour = 18
	eveningEndHour   = 22

	dominantShareThreshold  = 30.0
	underusedCountThreshold = 5
	degradationRatio        = 1.2
	recurringErrorCount     = 3
)

// PatternDetector mines the recent time-series memory for behavioral
// regularities. The four detectors are independent: each inspects its
// own slice of the data and never consumes another detector's output.
type PatternDetector struct {
	memory  *bus.MemoryBus
	agentID string
	logger  core.Logger

	// capabilities the agent is expected to exercise; detectors flag
	// the ones that go unused
	expectedCapabilities []string
}

// NewPatternDetector creates the pattern detector
func NewPatternDetector(memory *bus.MemoryBus, agentID string, expectedCapabilities []string, logger core.Logger) *PatternDetector {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &PatternDetector{
		memory:               memory,
		agentID:              agentID,
		expectedCapabilities: expectedCapabilities,
		logger:               logger,
	}
}

// DetectPatterns runs every detector over the trailing week of
// time-series memory and returns all findings
func (pd *PatternDetector) DetectPatterns(ctx context.Context) ([]Pattern, error) {
	points, err := pd.memory.RecallTimeSeries(ctx, pd.agentID, core.ScopeLocal, detectionWindowHours, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load detection window: %w", err)
	}

	var patterns []Pattern
	patterns = append(patterns, pd.detectTemporal(points)...)
	patterns = append(patterns, pd.detectFrequency(points)...)
	patterns = append(patterns, pd.detectPerformance(points)...)
	patterns = append(patterns, pd.detectErrors(points)...)

	pd.logger.Debug("Pattern detection complete", map[string]interface{}{
		"operation": "detect_patterns",
		"points":    len(points),
		"patterns":  len(patterns),
	})
	return patterns, nil
}

// detectTemporal compares tool usage between the morning and evening
// windows; differing top tools produce a temporal pattern
func (pd *PatternDetector) detectTemporal(points []core.TSDBPoint) []Pattern {
	morning := make(map[string]int)
	evening := make(map[string]int)
	for _, p := range points {
		if p.DataType != core.TSDBAuditEvent {
			continue
		}
		tool := p.Tags["tool"]
		if tool == "" {
			continue
		}
		hour := p.Timestamp.Hour()
		switch {
		case hour >= morningStartHour && hour <= morningEndHour:
			morning[tool]++
		case hour >= eveningStartHour && hour <= eveningEndHour:
			evening[tool]++
		}
	}

	topMorning := topKey(morning)
	topEvening := topKey(evening)
	if topMorning == "" || topEvening == "" || topMorning == topEvening {
		return nil
	}

	return []Pattern{{
		ID:          fmt.Sprintf("temporal_%s", uuid.NewString()[:8]),
		Type:        PatternTemporal,
		Subtype:     "tool_time_windows",
		Description: fmt.Sprintf("tool usage differs by time of day: %s mornings, %s evenings", topMorning, topEvening),
		Confidence:  0.8,
		Evidence: []string{
			fmt.Sprintf("morning top tool %s (%d uses)", topMorning, morning[topMorning]),
			fmt.Sprintf("evening top tool %s (%d uses)", topEvening, evening[topEvening]),
		},
		Metrics: map[string]interface{}{
			"morning_tool": topMorning,
			"evening_tool": topEvening,
		},
		DetectedAt: time.Now().UTC(),
	}}
}

// detectFrequency finds dominant actions (> 30% share) and expected
// capabilities with fewer than 5 uses
func (pd *PatternDetector) detectFrequency(points []core.TSDBPoint) []Pattern {
	counts := make(map[string]int)
	total := 0
	for _, p := range points {
		if p.DataType != core.TSDBAuditEvent {
			continue
		}
		action := p.Tags["action"]
		if action == "" {
			continue
		}
		counts[action]++
		total++
	}

	var patterns []Pattern
	if total > 0 {
		for action, count := range counts {
			share := 100.0 * float64(count) / float64(total)
			if share <= dominantShareThreshold {
				continue
			}
			patterns = append(patterns, Pattern{
				ID:          fmt.Sprintf("frequency_dominant_%s", action),
				Type:        PatternFrequency,
				Subtype:     "dominant",
				Description: fmt.Sprintf("action %s dominates at %.1f%% of activity", action, share),
				Confidence:  0.8,
				Evidence:    []string{fmt.Sprintf("%d of %d actions", count, total)},
				Metrics: map[string]interface{}{
					"action": action,
					"share":  share,
				},
				DetectedAt: time.Now().UTC(),
			})
		}
	}

	for _, cap := range pd.expectedCapabilities {
		count := counts[cap]
		if count >= underusedCountThreshold {
			continue
		}
		patterns = append(patterns, Pattern{
			ID:          fmt.Sprintf("frequency_underused_%s", cap),
			Type:        PatternFrequency,
			Subtype:     "underused",
			Description: fmt.Sprintf("capability %s used %d times in the last week", cap, count),
			Confidence:  0.75,
			Evidence:    []string{fmt.Sprintf("%d uses, expected at least %d", count, underusedCountThreshold)},
			Metrics: map[string]interface{}{
				"capability": cap,
				"count":      count,
			},
			DetectedAt: time.Now().UTC(),
		})
	}
	return patterns
}

// detectPerformance compares the earliest 10 against the latest 10
// response-time samples
func (pd *PatternDetector) detectPerformance(points []core.TSDBPoint) []Pattern {
	var samples []core.TSDBPoint
	for _, p := range points {
		if p.DataType == core.TSDBMetric && strings.HasSuffix(p.MetricName, "response_time") {
			samples = append(samples, p)
		}
	}
	if len(samples) < 20 {
		return nil
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	earliest := averageValue(samples[:10])
	latest := averageValue(samples[len(samples)-10:])
	if earliest <= 0 || latest < degradationRatio*earliest {
		return nil
	}

	ratio := latest / earliest
	return []Pattern{{
		ID:          fmt.Sprintf("performance_%s", uuid.NewString()[:8]),
		Type:        PatternPerformance,
		Subtype:     "degradation",
		Description: fmt.Sprintf("response time degraded %.2fx over the detection window", ratio),
		Confidence:  0.85,
		Evidence: []string{
			fmt.Sprintf("earliest avg %.1fms, latest avg %.1fms", earliest, latest),
		},
		Metrics: map[string]interface{}{
			"earliest_avg_ms": earliest,
			"latest_avg_ms":   latest,
			"ratio":           ratio,
		},
		DetectedAt: time.Now().UTC(),
	}}
}

// detectErrors groups error and warning logs by inferred error type;
// three or more occurrences make a recurring pattern
func (pd *PatternDetector) detectErrors(points []core.TSDBPoint) []Pattern {
	counts := make(map[string]int)
	for _, p := range points {
		if p.DataType != core.TSDBLogEntry {
			continue
		}
		level := strings.ToUpper(p.LogLevel)
		if level != "ERROR" && level != "WARNING" {
			continue
		}
		counts[inferErrorType(p.LogMessage)]++
	}

	var patterns []Pattern
	for errType, count := range counts {
		if count < recurringErrorCount {
			continue
		}
		confidence := float64(count) / 10.0
		if confidence > 0.9 {
			confidence = 0.9
		}
		patterns = append(patterns, Pattern{
			ID:          fmt.Sprintf("error_%s", errType),
			Type:        PatternError,
			Subtype:     errType,
			Description: fmt.Sprintf("recurring %s errors (%d occurrences)", errType, count),
			Confidence:  confidence,
			Evidence:    []string{fmt.Sprintf("%d occurrences in the last week", count)},
			Metrics: map[string]interface{}{
				"error_type": errType,
				"count":      count,
			},
			DetectedAt: time.Now().UTC(),
		})
	}
	return patterns
}

// inferErrorType buckets an error message by its dominant keyword
func inferErrorType(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return "timeout"
	case strings.Contains(lower, "tool"):
		return "tool"
	case strings.Contains(lower, "rate limit"):
		return "rate_limit"
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network"):
		return "network"
	default:
		return "general"
	}
}

func topKey(counts map[string]int) string {
	top := ""
	max := 0
	// iterate in sorted key order so ties break deterministically
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > max {
			top = k
			max = counts[k]
		}
	}
	return top
}

func averageValue(points []core.TSDBPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += p.MetricValue
	}
	return sum / float64(len(points))
}
