package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AlertKind names a detector condition.
type AlertKind string

const (
	AlertLeaseExpired        AlertKind = "LEASE_EXPIRED"
	AlertHeartbeatStale      AlertKind = "HEARTBEAT_STALE"
	AlertProposalStuck       AlertKind = "PROPOSAL_STUCK_CLAIMED"
	AlertRunFailureSpike     AlertKind = "RUN_FAILURE_SPIKE"
	AlertSignalTruncated     AlertKind = "SIGNAL_TRUNCATED_SEEN"
	AlertNodeSilent          AlertKind = "NODE_SILENT"
	AlertNodeOffline         AlertKind = "NODE_OFFLINE"
)

// SystemTarget is the proposal_id sentinel on alerts about the hub as a
// whole rather than any one proposal.
const SystemTarget = "SYSTEM"

// AlertStatus is OPEN until an operator acknowledges it, then CLOSED once
// the underlying condition is resolved.
type AlertStatus string

const (
	AlertOpen   AlertStatus = "OPEN"
	AlertAcked  AlertStatus = "ACKED"
	AlertClosed AlertStatus = "CLOSED"
)

// Alert is a deduplicated operational finding.
type Alert struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	Kind       AlertKind       `json:"kind"`
	ProposalID string          `json:"proposal_id,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	Status     AlertStatus     `json:"status"`
	DedupeKey  string          `json:"dedupe_key"`
	Details    json.RawMessage `json:"details,omitempty"`
}

const alertColumns = `id, created_at, kind, COALESCE(proposal_id, ''), node_id,
	status, dedupe_key, details`

// InsertAlert records an alert unless one with the same dedupe key already
// exists. Returns true when a new row was created. The UNIQUE constraint on
// dedupe_key makes suppression atomic under concurrent detector runs.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) (bool, error) {
	if a.ID == "" {
		return false, errors.New("store: alert id required")
	}
	if a.DedupeKey == "" {
		return false, errors.New("store: dedupe_key required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Status == "" {
		a.Status = AlertOpen
	}
	var details any
	if len(a.Details) > 0 {
		details = string(a.Details)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, created_at, kind, proposal_id, node_id, status,
			dedupe_key, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, formatTime(a.CreatedAt), string(a.Kind), a.ProposalID,
		stringOrNull(a.NodeID), string(a.Status), a.DedupeKey, details)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: insert alert: %w", err)
	}
	return true, nil
}

// OpenAlerts returns unacknowledged alerts, newest first.
func (s *Store) OpenAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE status = 'OPEN' ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: open alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectAlerts(rows)
}

// UnprocessedAlerts returns OPEN alerts the governor has not yet turned into
// proposals (no active proposal carries the alert's fingerprint). The
// existence check happens in the governor; this just lists OPEN alerts oldest
// first so generation is stable.
func (s *Store) UnprocessedAlerts(ctx context.Context) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE status = 'OPEN' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: unprocessed alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectAlerts(rows)
}

// AckAlert marks an alert acknowledged.
func (s *Store) AckAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = 'ACKED' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: ack alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: ack alert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// CloseAlert resolves an alert. Legal from OPEN or ACKED; closing a closed
// alert is ErrBadTransition.
func (s *Store) CloseAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = 'CLOSED' WHERE id = ? AND status IN ('OPEN', 'ACKED')`, id)
	if err != nil {
		return fmt.Errorf("store: close alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: close alert: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM alerts WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: close alert lookup: %w", err)
	}
	return fmt.Errorf("store: alert %s in %s: %w", id, status, ErrBadTransition)
}

func collectAlerts(rows *sql.Rows) ([]*Alert, error) {
	result := make([]*Alert, 0)
	for rows.Next() {
		var (
			a         Alert
			createdAt string
			kind      string
			nodeID    sql.NullString
			status    string
			details   sql.NullString
		)
		err := rows.Scan(&a.ID, &createdAt, &kind, &a.ProposalID, &nodeID,
			&status, &a.DedupeKey, &details)
		if err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		a.Kind = AlertKind(kind)
		a.NodeID = nodeID.String
		a.Status = AlertStatus(status)
		if details.Valid {
			a.Details = json.RawMessage(details.String)
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
