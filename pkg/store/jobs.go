package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus enumerates the background job lifecycle:
// PENDING -> PROCESSING -> {DONE | FAILED}.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobDone       JobStatus = "DONE"
	JobFailed     JobStatus = "FAILED"
)

// DefaultJobLease is the lease granted when a node claims a job.
const DefaultJobLease = 10 * time.Minute

// LeaseExpiredError is recorded on jobs the dead-lease sweep returns to
// PENDING.
const LeaseExpiredError = "LEASE_EXPIRED"

// Job is a lightweight queued task executed without human approval.
type Job struct {
	JobID           string          `json:"job_id"`
	Type            string          `json:"type"`
	Status          JobStatus       `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ClaimedByNodeID string          `json:"claimed_by_node_id,omitempty"`
	ClaimedAt       time.Time       `json:"claimed_at,omitempty"`
	HeartbeatAt     time.Time       `json:"heartbeat_at,omitempty"`
	LeaseExpiresAt  time.Time       `json:"lease_expires_at,omitempty"`
}

const jobColumns = `job_id, type, status, payload, result, error, created_at,
	claimed_by_node_id, claimed_at, heartbeat_at, lease_expires_at`

// CreateJob inserts a PENDING job. Returns ErrDuplicateID on collision.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.JobID == "" {
		return errors.New("store: job_id required")
	}
	if j.Type == "" {
		return errors.New("store: job type required")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage(`{}`)
	}
	j.Status = JobPending
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, type, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		j.JobID, j.Type, string(j.Status), string(j.Payload), formatTime(j.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("store: job %s: %w", j.JobID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// ClaimJobs atomically claims up to maxItems PENDING jobs of the given types
// (all types when empty) for nodeID. Each candidate is taken with a
// conditional UPDATE guarded on status=PENDING, so concurrent claimers never
// receive the same job: the guard matches zero rows for the loser and the row
// is skipped.
func (s *Store) ClaimJobs(ctx context.Context, nodeID string, types []string, maxItems int) ([]*Job, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'PENDING'`
	args := []any{}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(", ?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, maxItems)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: job candidates: %w", err)
	}
	candidates, err := collectJobs(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	now := s.now()
	lease := now.Add(s.jobLease)
	claimed := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'PROCESSING', claimed_by_node_id = ?, claimed_at = ?,
				heartbeat_at = ?, lease_expires_at = ?
			WHERE job_id = ? AND status = 'PENDING'`,
			nodeID, formatTime(now), formatTime(now), formatTime(lease), j.JobID)
		if err != nil {
			return claimed, fmt.Errorf("store: claim job %s: %w", j.JobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("store: claim job %s: %w", j.JobID, err)
		}
		if n == 0 {
			continue // lost the race
		}
		j.Status = JobProcessing
		j.ClaimedByNodeID = nodeID
		j.ClaimedAt = now
		j.HeartbeatAt = now
		j.LeaseExpiresAt = lease
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// JobHeartbeat extends the lease of a PROCESSING job held by nodeID.
// ErrNotClaimed when the job is not PROCESSING, ErrNodeMismatch when held by
// someone else.
func (s *Store) JobHeartbeat(ctx context.Context, id, nodeID string) error {
	var status, claimedBy string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, COALESCE(claimed_by_node_id, '') FROM jobs WHERE job_id = ?`, id).
		Scan(&status, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: job heartbeat lookup: %w", err)
	}
	if JobStatus(status) != JobProcessing {
		return fmt.Errorf("store: job %s status %s: %w", id, status, ErrNotClaimed)
	}
	if claimedBy != nodeID {
		return fmt.Errorf("store: job %s held by %s: %w", id, claimedBy, ErrNodeMismatch)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = ?, lease_expires_at = ?
		WHERE job_id = ?`,
		formatTime(now), formatTime(now.Add(s.jobLease)), id)
	if err != nil {
		return fmt.Errorf("store: job heartbeat: %w", err)
	}
	return nil
}

// FinishJob records the terminal outcome of a PROCESSING job.
func (s *Store) FinishJob(ctx context.Context, id, nodeID string, result json.RawMessage, jobErr string) error {
	next := JobDone
	if jobErr != "" {
		next = JobFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, error = ?
		WHERE job_id = ? AND status = 'PROCESSING' AND claimed_by_node_id = ?`,
		string(next), stringOrNull(string(result)), stringOrNull(jobErr), id, nodeID)
	if err != nil {
		return fmt.Errorf("store: finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: finish job: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status, claimedBy string
	err = s.db.QueryRowContext(ctx,
		`SELECT status, COALESCE(claimed_by_node_id, '') FROM jobs WHERE job_id = ?`, id).
		Scan(&status, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: finish job lookup: %w", err)
	}
	if JobStatus(status) != JobProcessing {
		return fmt.Errorf("store: job %s status %s: %w", id, status, ErrNotClaimed)
	}
	return fmt.Errorf("store: job %s held by %s: %w", id, claimedBy, ErrNodeMismatch)
}

// RequeueDeadJobs returns PROCESSING jobs with an expired lease to PENDING,
// clearing claim state and recording LEASE_EXPIRED. Returns the number of
// jobs requeued.
func (s *Store) RequeueDeadJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'PENDING', claimed_by_node_id = NULL, claimed_at = NULL,
			heartbeat_at = NULL, lease_expires_at = NULL, error = ?
		WHERE status = 'PROCESSING' AND lease_expires_at <= ?`,
		LeaseExpiredError, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("store: requeue dead jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: requeue dead jobs: %w", err)
	}
	return int(n), nil
}

// PendingJobCount returns the PENDING backlog size, for the ops snapshot.
func (s *Store) PendingJobCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending job count: %w", err)
	}
	return n, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		status    string
		payload   string
		result    sql.NullString
		jobErr    sql.NullString
		createdAt string
		claimedBy sql.NullString
		claimedAt sql.NullString
		heartbeat sql.NullString
		lease     sql.NullString
	)
	err := row.Scan(&j.JobID, &j.Type, &status, &payload, &result, &jobErr,
		&createdAt, &claimedBy, &claimedAt, &heartbeat, &lease)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = jobErr.String
	j.CreatedAt = parseTime(createdAt)
	j.ClaimedByNodeID = claimedBy.String
	j.ClaimedAt = nullableTime(claimedAt)
	j.HeartbeatAt = nullableTime(heartbeat)
	j.LeaseExpiresAt = nullableTime(lease)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	result := make([]*Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
