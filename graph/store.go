// Package graph implements the relational persistence layer backing the
// agent's graph memory: node/edge CRUD plus indexed time-series recall.
// SQLite is the store; writes are durable before the call returns and
// reads are monotonic within the process (single writer, WAL mode).
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentfabric/agentfabric/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    node_id         TEXT NOT NULL,
    scope           TEXT NOT NULL,
    node_type       TEXT NOT NULL,
    attributes_json TEXT NOT NULL,
    version         INTEGER NOT NULL DEFAULT 1,
    updated_by      TEXT,
    updated_at      TIMESTAMP,
    data_type       TEXT,
    ts              TIMESTAMP,
    PRIMARY KEY (node_id, scope)
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_tsdb
    ON graph_nodes (scope, data_type, ts);

CREATE TABLE IF NOT EXISTS graph_edges (
    edge_id         TEXT PRIMARY KEY,
    source_node_id  TEXT NOT NULL,
    target_node_id  TEXT NOT NULL,
    scope           TEXT NOT NULL,
    relationship    TEXT NOT NULL,
    weight          REAL NOT NULL DEFAULT 1.0,
    attributes_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source
    ON graph_edges (source_node_id, scope);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target
    ON graph_edges (target_node_id, scope);
`

type nodeRow struct {
	NodeID         string         `db:"node_id"`
	Scope          string         `db:"scope"`
	NodeType       string         `db:"node_type"`
	AttributesJSON string         `db:"attributes_json"`
	Version        int            `db:"version"`
	UpdatedBy      sql.NullString `db:"updated_by"`
	UpdatedAt      sql.NullTime   `db:"updated_at"`
	DataType       sql.NullString `db:"data_type"`
	TS             sql.NullTime   `db:"ts"`
}

type edgeRow struct {
	EdgeID         string         `db:"edge_id"`
	SourceNodeID   string         `db:"source_node_id"`
	TargetNodeID   string         `db:"target_node_id"`
	Scope          string         `db:"scope"`
	Relationship   string         `db:"relationship"`
	Weight         float64        `db:"weight"`
	AttributesJSON sql.NullString `db:"attributes_json"`
}

// Store is the SQLite-backed graph store
type Store struct {
	db     *sqlx.DB
	logger core.Logger
}

// Open creates (or opens) the store at path. Use ":memory:" for tests.
func Open(path string, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	// Single writer per process; SQLite serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}

	logger.Info("Graph store opened", map[string]interface{}{
		"operation": "graph_open",
		"path":      path,
	})
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// AddNode upserts a node by (id, scope). updated_at auto-fills when
// absent and the stored version increments on every update.
func (s *Store) AddNode(ctx context.Context, node *core.GraphNode) error {
	if err := node.Validate(); err != nil {
		return err
	}
	attrs, err := json.Marshal(node.Attributes)
	if err != nil {
		return fmt.Errorf("%w: encoding node attributes: %v", core.ErrValidation, err)
	}

	updatedAt := node.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	version := node.Version
	if version < 1 {
		version = 1
	}

	dataType, ts := tsdbColumns(node)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (node_id, scope, node_type, attributes_json, version, updated_by, updated_at, data_type, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, scope) DO UPDATE SET
			node_type       = excluded.node_type,
			attributes_json = excluded.attributes_json,
			version         = graph_nodes.version + 1,
			updated_by      = excluded.updated_by,
			updated_at      = excluded.updated_at,
			data_type       = excluded.data_type,
			ts              = excluded.ts`,
		node.ID, string(node.Scope), string(node.Kind), string(attrs),
		version, node.UpdatedBy, updatedAt, dataType, ts)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", node.ID, err)
	}
	return nil
}

// tsdbColumns extracts the indexed time-series columns for tsdb nodes
func tsdbColumns(node *core.GraphNode) (interface{}, interface{}) {
	if node.Kind != core.NodeKindTSDBData {
		return nil, nil
	}
	var dataType, ts interface{}
	if v, ok := node.Attributes["data_type"].(string); ok {
		dataType = v
	}
	if v, ok := node.Attributes["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ts = parsed.UTC()
		}
	}
	return dataType, ts
}

// GetNode fetches one node by (id, scope); nil when absent
func (s *Store) GetNode(ctx context.Context, id string, scope core.GraphScope) (*core.GraphNode, error) {
	var row nodeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT node_id, scope, node_type, attributes_json, version, updated_by, updated_at, data_type, ts
		 FROM graph_nodes WHERE node_id = ? AND scope = ?`, id, string(scope))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch node %s: %w", id, err)
	}
	return row.toNode()
}

// ListNodes fetches nodes filtered by kind and/or scope, newest first
func (s *Store) ListNodes(ctx context.Context, kind core.NodeKind, scope core.GraphScope, limit int) ([]*core.GraphNode, error) {
	query := `SELECT node_id, scope, node_type, attributes_json, version, updated_by, updated_at, data_type, ts FROM graph_nodes WHERE 1=1`
	var args []interface{}
	if kind != "" {
		query += " AND node_type = ?"
		args = append(args, string(kind))
	}
	if scope != "" {
		query += " AND scope = ?"
		args = append(args, string(scope))
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return rowsToNodes(rows)
}

// SearchNodes performs a substring match over serialized attributes
func (s *Store) SearchNodes(ctx context.Context, needle string, scope core.GraphScope, limit int) ([]*core.GraphNode, error) {
	query := `SELECT node_id, scope, node_type, attributes_json, version, updated_by, updated_at, data_type, ts
	          FROM graph_nodes WHERE attributes_json LIKE ?`
	args := []interface{}{"%" + needle + "%"}
	if scope != "" {
		query += " AND scope = ?"
		args = append(args, string(scope))
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search nodes: %w", err)
	}
	return rowsToNodes(rows)
}

// DeleteNode removes a node, returning the affected row count
func (s *Store) DeleteNode(ctx context.Context, id string, scope core.GraphScope) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM graph_nodes WHERE node_id = ? AND scope = ?`, id, string(scope))
	if err != nil {
		return 0, fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	return res.RowsAffected()
}

// AddEdge upserts an edge by its deterministic key
func (s *Store) AddEdge(ctx context.Context, edge *core.GraphEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	var attrs interface{}
	if len(edge.Attributes) > 0 {
		encoded, err := json.Marshal(edge.Attributes)
		if err != nil {
			return fmt.Errorf("%w: encoding edge attributes: %v", core.ErrValidation, err)
		}
		attrs = string(encoded)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (edge_id, source_node_id, target_node_id, scope, relationship, weight, attributes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (edge_id) DO UPDATE SET
			weight          = excluded.weight,
			attributes_json = excluded.attributes_json`,
		edge.Key(), edge.SourceID, edge.TargetID, string(edge.Scope),
		edge.Relationship, edge.Weight, attrs)
	if err != nil {
		return fmt.Errorf("failed to upsert edge %s: %w", edge.Key(), err)
	}
	return nil
}

// DeleteEdge removes an edge by key
func (s *Store) DeleteEdge(ctx context.Context, edgeKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE edge_id = ?`, edgeKey)
	if err != nil {
		return 0, fmt.Errorf("failed to delete edge %s: %w", edgeKey, err)
	}
	return res.RowsAffected()
}

// EdgesForNode returns all edges where the node is source or target
// within the scope
func (s *Store) EdgesForNode(ctx context.Context, id string, scope core.GraphScope) ([]*core.GraphEdge, error) {
	var rows []edgeRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT edge_id, source_node_id, target_node_id, scope, relationship, weight, attributes_json
		 FROM graph_edges
		 WHERE (source_node_id = ? OR target_node_id = ?) AND scope = ?`,
		id, id, string(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch edges for %s: %w", id, err)
	}

	edges := make([]*core.GraphEdge, 0, len(rows))
	for _, row := range rows {
		edge := &core.GraphEdge{
			SourceID:     row.SourceNodeID,
			TargetID:     row.TargetNodeID,
			Relationship: row.Relationship,
			Scope:        core.GraphScope(row.Scope),
			Weight:       row.Weight,
		}
		if row.AttributesJSON.Valid && row.AttributesJSON.String != "" {
			if err := json.Unmarshal([]byte(row.AttributesJSON.String), &edge.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode edge attributes for %s: %w", row.EdgeID, err)
			}
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

// RecallTimeSeries returns tsdb points in (now - hours, now], filtered
// by data types and tag values, ascending by timestamp
func (s *Store) RecallTimeSeries(ctx context.Context, scope core.GraphScope, hours int, correlationTypes []core.TSDBDataType, tagFilters map[string]string) ([]core.TSDBPoint, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	query := `SELECT node_id, scope, node_type, attributes_json, version, updated_by, updated_at, data_type, ts
	          FROM graph_nodes
	          WHERE node_type = ? AND scope = ? AND ts >= ?`
	args := []interface{}{string(core.NodeKindTSDBData), string(scope), since}

	if len(correlationTypes) > 0 {
		query += " AND data_type IN ("
		for i, dt := range correlationTypes {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, string(dt))
		}
		query += ")"
	}
	query += " ORDER BY ts ASC"

	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to recall time series: %w", err)
	}

	points := make([]core.TSDBPoint, 0, len(rows))
	for _, row := range rows {
		point, err := row.toTSDBPoint()
		if err != nil {
			s.logger.Warn("Skipping malformed tsdb node", map[string]interface{}{
				"operation": "recall_timeseries",
				"node_id":   row.NodeID,
				"error":     err.Error(),
			})
			continue
		}
		if !matchesTags(point.Tags, tagFilters) {
			continue
		}
		points = append(points, point)
	}
	return points, nil
}

func matchesTags(tags, filters map[string]string) bool {
	for k, want := range filters {
		if tags[k] != want {
			return false
		}
	}
	return true
}

func rowsToNodes(rows []nodeRow) ([]*core.GraphNode, error) {
	nodes := make([]*core.GraphNode, 0, len(rows))
	for _, row := range rows {
		node, err := row.toNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (r *nodeRow) toNode() (*core.GraphNode, error) {
	node := &core.GraphNode{
		ID:      r.NodeID,
		Kind:    core.NodeKind(r.NodeType),
		Scope:   core.GraphScope(r.Scope),
		Version: r.Version,
	}
	if err := json.Unmarshal([]byte(r.AttributesJSON), &node.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes for %s: %w", r.NodeID, err)
	}
	if r.UpdatedBy.Valid {
		node.UpdatedBy = r.UpdatedBy.String
	}
	if r.UpdatedAt.Valid {
		node.UpdatedAt = r.UpdatedAt.Time
	}
	return node, nil
}

func (r *nodeRow) toTSDBPoint() (core.TSDBPoint, error) {
	node, err := r.toNode()
	if err != nil {
		return core.TSDBPoint{}, err
	}

	point := core.TSDBPoint{
		ID:    node.ID,
		Scope: node.Scope,
	}
	if r.TS.Valid {
		point.Timestamp = r.TS.Time
	}
	if r.DataType.Valid {
		point.DataType = core.TSDBDataType(r.DataType.String)
	}
	if v, ok := node.Attributes["metric_name"].(string); ok {
		point.MetricName = v
	}
	if v, ok := node.Attributes["metric_value"].(float64); ok {
		point.MetricValue = v
	}
	if v, ok := node.Attributes["log_level"].(string); ok {
		point.LogLevel = v
	}
	if v, ok := node.Attributes["log_message"].(string); ok {
		point.LogMessage = v
	}
	if v, ok := node.Attributes["retention"].(string); ok {
		point.Retention = core.RetentionPolicy(v)
	}
	if v, ok := node.Attributes["aggregation_period"].(string); ok {
		point.AggregationPeriod = v
	}
	if raw, ok := node.Attributes["tags"].(map[string]interface{}); ok {
		point.Tags = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				point.Tags[k] = s
			}
		}
	}
	return point, nil
}
