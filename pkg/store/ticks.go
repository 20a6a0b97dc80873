package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TickStatus records whether a detector pass persisted its own audit row.
type TickStatus string

const (
	TickOK     TickStatus = "OK"
	TickFailed TickStatus = "FAILED"
)

// Tick is the self-audit row each detector pass writes on completion. A pass
// that cannot write its row is treated as FAILED by the caller.
type Tick struct {
	TickID    string          `json:"tick_id"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
	Status    TickStatus      `json:"status"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// RecordTick persists one tick audit row.
func (s *Store) RecordTick(ctx context.Context, t *Tick) error {
	if t.TickID == "" {
		return errors.New("store: tick_id required")
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = s.now()
	}
	var details any
	if len(t.Details) > 0 {
		details = string(t.Details)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ticks (tick_id, started_at, ended_at, status, details)
		VALUES (?, ?, ?, ?, ?)`,
		t.TickID, formatTime(t.StartedAt), timeOrNull(t.EndedAt),
		string(t.Status), details)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: tick %s: %w", t.TickID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("store: record tick: %w", err)
	}
	return nil
}

// LastTick returns the most recent tick, or nil when none has run.
func (s *Store) LastTick(ctx context.Context) (*Tick, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tick_id, started_at, ended_at, status, details
		FROM ticks ORDER BY started_at DESC LIMIT 1`)
	var (
		t         Tick
		startedAt string
		endedAt   sql.NullString
		status    string
		details   sql.NullString
	)
	err := row.Scan(&t.TickID, &startedAt, &endedAt, &status, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: last tick: %w", err)
	}
	t.StartedAt = parseTime(startedAt)
	t.EndedAt = nullableTime(endedAt)
	t.Status = TickStatus(status)
	if details.Valid {
		t.Details = json.RawMessage(details.String)
	}
	return &t, nil
}
