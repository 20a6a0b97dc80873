package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the recorded outcome of one execution attempt.
type RunStatus string

const (
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// Run is one execution outcome reported by a node. The detector reads runs
// for failure-spike and truncated-signal conditions.
type Run struct {
	RunID      string          `json:"run_id"`
	ProposalID string          `json:"proposal_id"`
	NodeID     string          `json:"node_id,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	EndedAt    time.Time       `json:"ended_at"`
	Status     RunStatus       `json:"status"`
	Signals    json.RawMessage `json:"signals,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// RecordRun appends one run outcome.
func (s *Store) RecordRun(ctx context.Context, r *Run) error {
	if r.RunID == "" {
		return errors.New("store: run_id required")
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = s.now()
	}
	var signals, result any
	if len(r.Signals) > 0 {
		signals = string(r.Signals)
	}
	if len(r.Result) > 0 {
		result = string(r.Result)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, proposal_id, node_id, started_at, ended_at,
			status, signals, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ProposalID, stringOrNull(r.NodeID), timeOrNull(r.StartedAt),
		formatTime(r.EndedAt), string(r.Status), signals, result)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: run %s: %w", r.RunID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("store: record run: %w", err)
	}
	return nil
}

// FailedRunCountSince counts FAILED runs ended after the cutoff.
func (s *Store) FailedRunCountSince(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE status = 'FAILED' AND ended_at > ?`,
		formatTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failed run count: %w", err)
	}
	return n, nil
}

// RunsWithTruncatedSignals returns runs ended after the cutoff whose signals
// report truncation.
func (s *Store) RunsWithTruncatedSignals(ctx context.Context, cutoff time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, proposal_id, node_id, started_at, ended_at, status,
			signals, result
		FROM runs
		WHERE ended_at > ? AND signals IS NOT NULL
		ORDER BY ended_at ASC`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("store: truncated signal runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Run, 0)
	for rows.Next() {
		var (
			r         Run
			nodeID    sql.NullString
			startedAt sql.NullString
			endedAt   string
			status    string
			signals   sql.NullString
			runResult sql.NullString
		)
		err := rows.Scan(&r.RunID, &r.ProposalID, &nodeID, &startedAt,
			&endedAt, &status, &signals, &runResult)
		if err != nil {
			return nil, err
		}
		r.NodeID = nodeID.String
		r.StartedAt = nullableTime(startedAt)
		r.EndedAt = parseTime(endedAt)
		r.Status = RunStatus(status)
		if signals.Valid {
			r.Signals = json.RawMessage(signals.String)
		}
		if runResult.Valid {
			r.Result = json.RawMessage(runResult.String)
		}
		if !signalsTruncated(r.Signals) {
			continue
		}
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func signalsTruncated(signals json.RawMessage) bool {
	if len(signals) == 0 {
		return false
	}
	var parsed struct {
		Truncated bool `json:"truncated"`
	}
	if err := json.Unmarshal(signals, &parsed); err != nil {
		return false
	}
	return parsed.Truncated
}
