// Package store implements the durable work store: proposals, jobs, alerts,
// consents and nodes, backed by a single SQLite database. It is the only
// component that mutates work-item state; every transition is an explicit,
// guarded SQL statement rather than a field write.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the database handle and owns all table access.
type Store struct {
	db            *sql.DB
	clock         func() time.Time
	proposalLease time.Duration
	jobLease      time.Duration
}

// Open opens (or creates) the store at path and runs migrations.
// Pass ":memory:" only for throwaway usage; tests should prefer a temp file
// so that concurrent connections observe the same database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{
		db:            db,
		clock:         time.Now,
		proposalLease: DefaultProposalLease,
		jobLease:      DefaultJobLease,
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithLeases overrides the lease durations granted on claim. Non-positive
// values keep the defaults.
func (s *Store) WithLeases(proposalLease, jobLease time.Duration) *Store {
	if proposalLease > 0 {
		s.proposalLease = proposalLease
	}
	if jobLease > 0 {
		s.jobLease = jobLease
	}
	return s
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need to compose transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	proposal_id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	status TEXT NOT NULL,
	fingerprint TEXT,
	payload TEXT NOT NULL,
	risk_level TEXT NOT NULL DEFAULT 'LOW',
	action_class TEXT,
	assigned_node_id TEXT,
	assignment_expires_at TEXT,
	hub_signature TEXT,
	claimed_node_id TEXT,
	claimed_at TEXT,
	lease_expires_at TEXT,
	last_heartbeat_at TEXT,
	last_heartbeat_instance_id TEXT,
	last_heartbeat_detail TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	approved_at TEXT,
	expires_at TEXT,
	eligibility_snapshot TEXT
);
CREATE INDEX IF NOT EXISTS idx_proposals_status_created_at
	ON proposals(status, created_at);
CREATE INDEX IF NOT EXISTS idx_proposals_fingerprint
	ON proposals(fingerprint);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	result TEXT,
	error TEXT,
	created_at TEXT NOT NULL,
	claimed_by_node_id TEXT,
	claimed_at TEXT,
	heartbeat_at TEXT,
	lease_expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at
	ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	kind TEXT NOT NULL,
	proposal_id TEXT NOT NULL,
	node_id TEXT,
	status TEXT NOT NULL,
	dedupe_key TEXT NOT NULL UNIQUE,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_status_created_at
	ON alerts(status, created_at);

CREATE TABLE IF NOT EXISTS proposal_consents (
	consent_id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	proposal_hash TEXT NOT NULL,
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	comment TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_consents_proposal_id
	ON proposal_consents(proposal_id, created_at);

CREATE TABLE IF NOT EXISTS nodes (
	node_id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'ONLINE',
	first_seen_at TEXT,
	last_heartbeat_at TEXT,
	capabilities TEXT,
	models TEXT,
	tags TEXT,
	agent_version TEXT,
	privilege_tier TEXT,
	max_concurrency INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_nodes_status
	ON nodes(status, last_heartbeat_at);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	node_id TEXT,
	started_at TEXT,
	ended_at TEXT NOT NULL,
	status TEXT NOT NULL,
	signals TEXT,
	result TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_status_ended_at
	ON runs(status, ended_at);

CREATE TABLE IF NOT EXISTS ticks (
	tick_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	status TEXT NOT NULL,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_ticks_status_ended_at
	ON ticks(status, ended_at);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// formatTime renders a timestamp the way every table stores it.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func nullableTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return parseTime(v.String)
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func stringOrNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
