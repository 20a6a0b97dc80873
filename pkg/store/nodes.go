package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NodeStatus is the liveness classification of a worker node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "ONLINE"
	NodeSilent  NodeStatus = "SILENT"
	NodeOffline NodeStatus = "OFFLINE"
)

// Default liveness thresholds; overridable from config.
const (
	DefaultSilentAfter  = 10 * time.Minute
	DefaultOfflineAfter = 60 * time.Minute
)

// Node is the registry entry the eligibility matcher and the liveness sweep
// read. Capabilities, models and tags are stored as JSON arrays.
type Node struct {
	NodeID          string     `json:"node_id"`
	Status          NodeStatus `json:"status"`
	FirstSeenAt     time.Time  `json:"first_seen_at,omitempty"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at,omitempty"`
	Capabilities    []string   `json:"capabilities,omitempty"`
	Models          []string   `json:"models,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	AgentVersion    string     `json:"agent_version,omitempty"`
	PrivilegeTier   string     `json:"privilege_tier,omitempty"`
	MaxConcurrency  int        `json:"max_concurrency"`
}

// NodeTransition reports one liveness state change from a sweep.
type NodeTransition struct {
	NodeID string
	From   NodeStatus
	To     NodeStatus
}

// UpsertNodeHeartbeat registers or refreshes a node. A heartbeat always
// returns the node to ONLINE; the sweep is the only writer of SILENT/OFFLINE.
func (s *Store) UpsertNodeHeartbeat(ctx context.Context, n *Node) error {
	if n.NodeID == "" {
		return errors.New("store: node_id required")
	}
	now := s.now()
	if n.LastHeartbeatAt.IsZero() {
		n.LastHeartbeatAt = now
	}
	if n.MaxConcurrency <= 0 {
		n.MaxConcurrency = 1
	}
	caps := marshalList(n.Capabilities)
	models := marshalList(n.Models)
	tags := marshalList(n.Tags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, status, first_seen_at, last_heartbeat_at,
			capabilities, models, tags, agent_version, privilege_tier,
			max_concurrency)
		VALUES (?, 'ONLINE', ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			status = 'ONLINE',
			last_heartbeat_at = excluded.last_heartbeat_at,
			capabilities = excluded.capabilities,
			models = excluded.models,
			tags = excluded.tags,
			agent_version = excluded.agent_version,
			privilege_tier = excluded.privilege_tier,
			max_concurrency = excluded.max_concurrency`,
		n.NodeID, formatTime(now), formatTime(n.LastHeartbeatAt),
		caps, models, tags, stringOrNull(n.AgentVersion),
		stringOrNull(n.PrivilegeTier), n.MaxConcurrency)
	if err != nil {
		return fmt.Errorf("store: upsert node: %w", err)
	}
	return nil
}

// GetNode fetches one registry entry.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, status, first_seen_at, last_heartbeat_at, capabilities,
			models, tags, agent_version, privilege_tier, max_concurrency
		FROM nodes WHERE node_id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: node %s: %w", id, ErrNotFound)
	}
	return n, err
}

// ListNodes returns the full registry, node_id ascending so callers observe a
// stable order.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, status, first_seen_at, last_heartbeat_at, capabilities,
			models, tags, agent_version, privilege_tier, max_concurrency
		FROM nodes ORDER BY node_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SweepNodeLiveness demotes ONLINE nodes whose last heartbeat is older than
// silentAfter to SILENT, and SILENT/ONLINE nodes older than offlineAfter to
// OFFLINE. The nodes.status column is the transition latch: each demotion is
// reported exactly once because the guarded UPDATE only matches rows still in
// the prior status.
func (s *Store) SweepNodeLiveness(ctx context.Context, silentAfter, offlineAfter time.Duration) ([]NodeTransition, error) {
	if silentAfter <= 0 {
		silentAfter = DefaultSilentAfter
	}
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	now := s.now()
	transitions := make([]NodeTransition, 0)

	// Offline first so a long-dead node reports one OFFLINE transition
	// rather than SILENT then OFFLINE in the same sweep.
	offlineCut := formatTime(now.Add(-offlineAfter))
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, status FROM nodes
		WHERE status IN ('ONLINE', 'SILENT') AND last_heartbeat_at <= ?`, offlineCut)
	if err != nil {
		return nil, fmt.Errorf("store: liveness sweep: %w", err)
	}
	offline, err := collectIDStatus(rows)
	if err != nil {
		return nil, err
	}
	for _, pair := range offline {
		res, err := s.db.ExecContext(ctx, `
			UPDATE nodes SET status = 'OFFLINE'
			WHERE node_id = ? AND status = ? AND last_heartbeat_at <= ?`,
			pair.id, pair.status, offlineCut)
		if err != nil {
			return transitions, fmt.Errorf("store: demote offline: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			transitions = append(transitions, NodeTransition{
				NodeID: pair.id, From: NodeStatus(pair.status), To: NodeOffline,
			})
		}
	}

	silentCut := formatTime(now.Add(-silentAfter))
	rows, err = s.db.QueryContext(ctx, `
		SELECT node_id, status FROM nodes
		WHERE status = 'ONLINE' AND last_heartbeat_at <= ?`, silentCut)
	if err != nil {
		return transitions, fmt.Errorf("store: liveness sweep: %w", err)
	}
	silent, err := collectIDStatus(rows)
	if err != nil {
		return transitions, err
	}
	for _, pair := range silent {
		res, err := s.db.ExecContext(ctx, `
			UPDATE nodes SET status = 'SILENT'
			WHERE node_id = ? AND status = 'ONLINE' AND last_heartbeat_at <= ?`,
			pair.id, silentCut)
		if err != nil {
			return transitions, fmt.Errorf("store: demote silent: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			transitions = append(transitions, NodeTransition{
				NodeID: pair.id, From: NodeOnline, To: NodeSilent,
			})
		}
	}
	return transitions, nil
}

type idStatus struct {
	id     string
	status string
}

func collectIDStatus(rows *sql.Rows) ([]idStatus, error) {
	defer func() { _ = rows.Close() }()
	result := make([]idStatus, 0)
	for rows.Next() {
		var pair idStatus
		if err := rows.Scan(&pair.id, &pair.status); err != nil {
			return nil, err
		}
		result = append(result, pair)
	}
	return result, rows.Err()
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n             Node
		status        string
		firstSeen     sql.NullString
		lastHeartbeat sql.NullString
		caps          sql.NullString
		models        sql.NullString
		tags          sql.NullString
		agentVersion  sql.NullString
		privilegeTier sql.NullString
	)
	err := row.Scan(&n.NodeID, &status, &firstSeen, &lastHeartbeat, &caps,
		&models, &tags, &agentVersion, &privilegeTier, &n.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	n.Status = NodeStatus(status)
	n.FirstSeenAt = nullableTime(firstSeen)
	n.LastHeartbeatAt = nullableTime(lastHeartbeat)
	n.Capabilities = unmarshalList(caps)
	n.Models = unmarshalList(models)
	n.Tags = unmarshalList(tags)
	n.AgentVersion = agentVersion.String
	n.PrivilegeTier = privilegeTier.String
	return &n, nil
}

func marshalList(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func unmarshalList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
