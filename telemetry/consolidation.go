package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/core"
)

// MemoryType buckets time-series points for consolidation
type MemoryType string

const (
	MemoryOperational MemoryType = "operational"
	MemoryBehavioral  MemoryType = "behavioral"
	MemorySocial      MemoryType = "social"
	MemoryIdentity    MemoryType = "identity"
	MemoryWisdom      MemoryType = "wisdom"
)

const (
	graceLedgerNodeID   = "grace_ledger"
	consolidatedTag     = "consolidated"
	graceTransformation = "Performance struggles become optimization insights"
)

// Consolidator compacts aged time-series memory into summary nodes.
// Groups touched by an entity that has extended grace to us, or showing
// a decreasing error trend, become identity-scope insight nodes instead
// of plain summaries. Originals are marked consolidated, never deleted.
type Consolidator struct {
	memory  MemorySink
	agentID string
	logger  core.Logger

	threshold   time.Duration
	graceWindow time.Duration

	mu                sync.Mutex
	inProgress        bool
	lastConsolidation time.Time
}

// NewConsolidator creates the consolidation service
func NewConsolidator(memory MemorySink, agentID string, cfg core.TelemetryConfig, logger core.Logger) *Consolidator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	threshold := cfg.ConsolidationThreshold
	if threshold <= 0 {
		threshold = 24 * time.Hour
	}
	graceWindow := cfg.GraceWindow
	if graceWindow <= 0 {
		graceWindow = 72 * time.Hour
	}
	return &Consolidator{
		memory:      memory,
		agentID:     agentID,
		logger:      logger,
		threshold:   threshold,
		graceWindow: graceWindow,
	}
}

// pointGroup is one (memory type, hour bucket) consolidation candidate
type pointGroup struct {
	memoryType MemoryType
	bucket     time.Time
	points     []core.TSDBPoint
}

// Run performs one consolidation pass. Without force it is a no-op
// until the threshold has elapsed since the previous pass; a pass
// already in progress is never doubled. Returns the number of summary
// nodes written.
func (c *Consolidator) Run(ctx context.Context, force bool) (int, error) {
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return 0, nil
	}
	if !force && time.Since(c.lastConsolidation) <= c.threshold {
		c.mu.Unlock()
		return 0, nil
	}
	c.inProgress = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
	}()

	summaries, err := c.consolidate(ctx)
	if err != nil {
		return summaries, err
	}

	c.mu.Lock()
	c.lastConsolidation = time.Now()
	c.mu.Unlock()
	return summaries, nil
}

func (c *Consolidator) consolidate(ctx context.Context) (int, error) {
	hours := int(c.threshold / time.Hour)
	if hours < 1 {
		hours = 1
	}
	points, err := c.memory.RecallTimeSeries(ctx, core.ScopeLocal, hours, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to gather consolidation candidates: %w", err)
	}

	received, err := c.graceCounts(ctx, "_grace_received")
	if err != nil {
		return 0, err
	}

	written := 0
	for _, group := range groupPoints(points) {
		graceReasons := c.graceReasons(group, received)
		var err error
		if len(graceReasons) > 0 {
			err = c.writeGraceNode(ctx, group, graceReasons)
		} else {
			err = c.writeSummaryNode(ctx, group)
		}
		if err != nil {
			return written, err
		}
		written++

		if err := c.markConsolidated(ctx, group); err != nil {
			return written, err
		}
	}

	c.logger.Info("Consolidation pass complete", map[string]interface{}{
		"operation": "consolidate",
		"points":    len(points),
		"summaries": written,
	})
	return written, nil
}

// groupPoints buckets unconsolidated points by (memory type, hour)
func groupPoints(points []core.TSDBPoint) []pointGroup {
	byKey := make(map[string]*pointGroup)
	var order []string
	for _, p := range points {
		if p.Tags[consolidatedTag] == "true" {
			continue
		}
		mt := memoryTypeOf(p)
		bucket := p.Timestamp.UTC().Truncate(time.Hour)
		key := fmt.Sprintf("%s|%d", mt, bucket.Unix())
		g, ok := byKey[key]
		if !ok {
			g = &pointGroup{memoryType: mt, bucket: bucket}
			byKey[key] = g
			order = append(order, key)
		}
		g.points = append(g.points, p)
	}

	sort.Strings(order)
	groups := make([]pointGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, *byKey[key])
	}
	return groups
}

// memoryTypeOf derives the consolidation bucket from tags, falling back
// to the data type
func memoryTypeOf(p core.TSDBPoint) MemoryType {
	switch MemoryType(p.Tags["memory_type"]) {
	case MemoryOperational, MemoryBehavioral, MemorySocial, MemoryIdentity, MemoryWisdom:
		return MemoryType(p.Tags["memory_type"])
	}
	if p.DataType == core.TSDBAuditEvent {
		return MemoryBehavioral
	}
	return MemoryOperational
}

// graceReasons determines whether a group qualifies for grace and why
func (c *Consolidator) graceReasons(group pointGroup, received map[string]int) []string {
	var reasons []string

	seen := make(map[string]bool)
	for _, p := range group.points {
		entity := p.Tags["from_entity"]
		if entity == "" {
			entity = p.Tags["user_id"]
		}
		if entity == "" || seen[entity] {
			continue
		}
		seen[entity] = true
		if count, ok := received[entity]; ok {
			reasons = append(reasons, fmt.Sprintf("%s has shown us grace %d times", entity, count))
		}
	}

	if hasGrowthPattern(group.points) {
		reasons = append(reasons, "growth pattern")
	}
	return reasons
}

// hasGrowthPattern reports whether the group contains errors and the
// later half carries fewer of them than the earlier half
func hasGrowthPattern(points []core.TSDBPoint) bool {
	sorted := make([]core.TSDBPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	half := len(sorted) / 2
	earlier, later := 0, 0
	for i, p := range sorted {
		if !isErrorPoint(p) {
			continue
		}
		if i < half {
			earlier++
		} else {
			later++
		}
	}
	return earlier > 0 && later < earlier
}

func isErrorPoint(p core.TSDBPoint) bool {
	return p.DataType == core.TSDBLogEntry && strings.EqualFold(p.LogLevel, "ERROR")
}

// writeGraceNode records a grace-applicable group as an identity-scope
// insight
func (c *Consolidator) writeGraceNode(ctx context.Context, group pointGroup, reasons []string) error {
	node := &core.GraphNode{
		ID:    fmt.Sprintf("grace_%s_%d", group.memoryType, group.bucket.Unix()),
		Kind:  core.NodeKindConcept,
		Scope: core.ScopeIdentity,
		Attributes: map[string]interface{}{
			"transformation": graceTransformation,
			"grace_reasons":  reasons,
			"memory_type":    string(group.memoryType),
			"period_start":   group.bucket.Format(time.RFC3339),
			"source_count":   len(group.points),
		},
		Version:   1,
		UpdatedBy: c.agentID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.memory.UpdateIdentityGraph(ctx, []*core.GraphNode{node}); err != nil {
		return fmt.Errorf("failed to write grace node %s: %w", node.ID, err)
	}
	return nil
}

// writeSummaryNode records a non-grace group as a local summary
func (c *Consolidator) writeSummaryNode(ctx context.Context, group pointGroup) error {
	errorCount := 0
	metricCount := 0
	var metricSum float64
	for _, p := range group.points {
		if isErrorPoint(p) {
			errorCount++
		}
		if p.DataType == core.TSDBMetric {
			metricCount++
			metricSum += p.MetricValue
		}
	}

	node := &core.GraphNode{
		ID:    fmt.Sprintf("summary_%s_%d", group.memoryType, group.bucket.Unix()),
		Kind:  core.NodeKindConcept,
		Scope: core.ScopeLocal,
		Attributes: map[string]interface{}{
			"summary_type": "consolidation",
			"memory_type":  string(group.memoryType),
			"period_start": group.bucket.Format(time.RFC3339),
			"source_count": len(group.points),
			"error_count":  errorCount,
			"metric_count": metricCount,
			"metric_sum":   metricSum,
		},
		Version:   1,
		UpdatedBy: c.agentID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.memory.Memorize(ctx, node); err != nil {
		return fmt.Errorf("failed to write summary node %s: %w", node.ID, err)
	}
	return nil
}

// markConsolidated rewrites every source point with the consolidated
// tag. The points survive; later passes skip them.
func (c *Consolidator) markConsolidated(ctx context.Context, group pointGroup) error {
	for _, p := range group.points {
		if p.Tags == nil {
			p.Tags = make(map[string]string)
		}
		p.Tags[consolidatedTag] = "true"
		p.Retention = core.RetentionAggregated
		if err := c.memory.Memorize(ctx, p.ToGraphNode()); err != nil {
			return fmt.Errorf("failed to mark point %s consolidated: %w", p.ID, err)
		}
	}
	return nil
}

// RecordGraceExtended appends one grace-given event for an entity
func (c *Consolidator) RecordGraceExtended(ctx context.Context, entity string) error {
	return c.bumpGraceCount(ctx, "_grace_extended", entity)
}

// RecordGraceReceived appends one grace-received event for an entity
func (c *Consolidator) RecordGraceReceived(ctx context.Context, entity string) error {
	return c.bumpGraceCount(ctx, "_grace_received", entity)
}

// graceCounts reads one side of the ledger as entity -> count
func (c *Consolidator) graceCounts(ctx context.Context, side string) (map[string]int, error) {
	node, err := c.ledgerNode(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	if node == nil {
		return counts, nil
	}
	raw, ok := node.Attributes[side].(map[string]interface{})
	if !ok {
		return counts, nil
	}
	for entity, v := range raw {
		switch n := v.(type) {
		case float64:
			counts[entity] = int(n)
		case int:
			counts[entity] = n
		}
	}
	return counts, nil
}

func (c *Consolidator) ledgerNode(ctx context.Context) (*core.GraphNode, error) {
	nodes, err := c.memory.Recall(ctx, core.MemoryQuery{
		NodeID: graceLedgerNodeID,
		Scope:  core.ScopeIdentity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read grace ledger: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// bumpGraceCount increments a ledger counter. The ledger only ever
// grows; counts are never decremented or removed.
func (c *Consolidator) bumpGraceCount(ctx context.Context, side, entity string) error {
	node, err := c.ledgerNode(ctx)
	if err != nil {
		return err
	}
	if node == nil {
		node = &core.GraphNode{
			ID:         graceLedgerNodeID,
			Kind:       core.NodeKindConcept,
			Scope:      core.ScopeIdentity,
			Attributes: map[string]interface{}{},
			Version:    1,
			UpdatedBy:  c.agentID,
		}
	}

	raw, ok := node.Attributes[side].(map[string]interface{})
	if !ok {
		raw = make(map[string]interface{})
	}
	switch n := raw[entity].(type) {
	case float64:
		raw[entity] = n + 1
	case int:
		raw[entity] = n + 1
	default:
		raw[entity] = 1
	}
	node.Attributes[side] = raw
	node.UpdatedAt = time.Now().UTC()

	return c.memory.UpdateIdentityGraph(ctx, []*core.GraphNode{node})
}

// LastConsolidation reports when the previous pass completed
func (c *Consolidator) LastConsolidation() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConsolidation
}
