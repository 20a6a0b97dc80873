package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProposalStatus enumerates the proposal state machine.
//
//	QUEUED -> ASSIGNED -> CLAIMED -> {COMPLETED | FAILED}
//
// with consent branches QUEUED|CLAIMED -> APPROVED/REJECTED and routing
// branch ASSIGNED|QUEUED -> EXPIRED. COMPLETED, FAILED, REJECTED, EXPIRED
// and DEAD are terminal.
type ProposalStatus string

const (
	ProposalQueued    ProposalStatus = "QUEUED"
	ProposalApproved  ProposalStatus = "APPROVED"
	ProposalRejected  ProposalStatus = "REJECTED"
	ProposalAssigned  ProposalStatus = "ASSIGNED"
	ProposalClaimed   ProposalStatus = "CLAIMED"
	ProposalCompleted ProposalStatus = "COMPLETED"
	ProposalFailed    ProposalStatus = "FAILED"
	ProposalExpired   ProposalStatus = "EXPIRED"
	ProposalDead      ProposalStatus = "DEAD"
)

// Terminal reports whether a proposal in this status can never move again.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalCompleted, ProposalFailed, ProposalRejected, ProposalExpired, ProposalDead:
		return true
	}
	return false
}

// RiskLevel classifies the blast potential of a proposal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// DefaultProposalLease is the lease granted when a node claims a proposal.
const DefaultProposalLease = 30 * time.Minute

// Proposal is a higher-level, optionally human-approved unit of work.
// Owned exclusively by the store; mutate only through transition calls.
type Proposal struct {
	ProposalID           string          `json:"proposal_id"`
	CreatedAt            time.Time       `json:"created_at"`
	Status               ProposalStatus  `json:"status"`
	Fingerprint          string          `json:"fingerprint,omitempty"`
	Payload              json.RawMessage `json:"payload"`
	RiskLevel            RiskLevel       `json:"risk_level"`
	ActionClass          string          `json:"action_class,omitempty"`
	AssignedNodeID       string          `json:"assigned_node_id,omitempty"`
	AssignmentExpiresAt  time.Time       `json:"assignment_expires_at,omitempty"`
	HubSignature         string          `json:"hub_signature,omitempty"`
	ClaimedNodeID        string          `json:"claimed_node_id,omitempty"`
	ClaimedAt            time.Time       `json:"claimed_at,omitempty"`
	LeaseExpiresAt       time.Time       `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt      time.Time       `json:"last_heartbeat_at,omitempty"`
	AttemptCount         int             `json:"attempt_count"`
	ApprovedAt           time.Time       `json:"approved_at,omitempty"`
	ExpiresAt            time.Time       `json:"expires_at,omitempty"`
	EligibilitySnapshot  json.RawMessage `json:"eligibility_snapshot,omitempty"`
	LeaseToken           string          `json:"lease_token,omitempty"`
}

const proposalColumns = `proposal_id, created_at, status, fingerprint, payload,
	risk_level, action_class, assigned_node_id, assignment_expires_at,
	hub_signature, claimed_node_id, claimed_at, lease_expires_at,
	last_heartbeat_at, attempt_count, approved_at, expires_at,
	eligibility_snapshot`

// AddProposal inserts a new proposal in its initial status (QUEUED when
// unset). Returns ErrDuplicateID on a proposal_id collision. A fingerprint
// collision is deliberately not a hard constraint: callers dedupe by checking
// FindByFingerprint first, so retries stay observable.
func (s *Store) AddProposal(ctx context.Context, p *Proposal) error {
	if p.ProposalID == "" {
		return errors.New("store: proposal_id required")
	}
	if p.Status == "" {
		p.Status = ProposalQueued
	}
	if p.RiskLevel == "" {
		p.RiskLevel = RiskLow
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (proposal_id, created_at, status, fingerprint,
			payload, risk_level, action_class, assigned_node_id,
			assignment_expires_at, hub_signature, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProposalID, formatTime(p.CreatedAt), string(p.Status),
		stringOrNull(p.Fingerprint), string(p.Payload), string(p.RiskLevel),
		stringOrNull(p.ActionClass), stringOrNull(p.AssignedNodeID),
		timeOrNull(p.AssignmentExpiresAt), stringOrNull(p.HubSignature),
		p.AttemptCount,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: proposal %s: %w", p.ProposalID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("store: add proposal: %w", err)
	}
	return nil
}

// GetProposal fetches one proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE proposal_id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: proposal %s: %w", id, ErrNotFound)
	}
	return p, err
}

// FindByFingerprint returns the most recent proposal carrying the
// fingerprint, or nil when none exists. Status is deliberately not filtered:
// this is the dedupe primitive the governor uses before generating a
// remediation proposal, and a proposal that already ran (or was rejected)
// must keep suppressing regeneration for its alert.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE fingerprint = ?
		ORDER BY created_at DESC LIMIT 1`, fingerprint)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListProposals returns proposals, optionally filtered by status, newest
// first.
func (s *Store) ListProposals(ctx context.Context, status ProposalStatus, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+proposalColumns+` FROM proposals
			WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+proposalColumns+` FROM proposals
			ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectProposals(rows)
}

// RoutableProposals returns APPROVED and QUEUED proposals whose targeting
// window has not lapsed, oldest first. Consumed by the router tick.
func (s *Store) RoutableProposals(ctx context.Context) ([]*Proposal, error) {
	now := formatTime(s.now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE status IN ('APPROVED', 'QUEUED')
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("store: routable proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectProposals(rows)
}

// ClaimedProposals returns every proposal currently in CLAIMED, for the
// detector scan.
func (s *Store) ClaimedProposals(ctx context.Context) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE status = 'CLAIMED' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: claimed proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectProposals(rows)
}

// AssignProposal moves an APPROVED/QUEUED proposal to ASSIGNED with a
// time-boxed assignment and the hub signature the claiming node must present.
func (s *Store) AssignProposal(ctx context.Context, id, nodeID, hubSignature string, expiresAt time.Time, snapshot json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status = 'ASSIGNED', assigned_node_id = ?, assignment_expires_at = ?,
			hub_signature = ?, attempt_count = attempt_count + 1,
			eligibility_snapshot = ?
		WHERE proposal_id = ? AND status IN ('APPROVED', 'QUEUED')`,
		nodeID, formatTime(expiresAt), hubSignature, string(snapshot), id)
	if err != nil {
		return fmt.Errorf("store: assign proposal: %w", err)
	}
	return s.assertTransition(ctx, res, id)
}

// ClaimForNode atomically claims up to maxItems proposals assigned to nodeID.
// A row qualifies only while status=ASSIGNED, the assignment has not expired
// and a hub signature is present. Each matched row is transitioned with a
// conditional UPDATE keyed on the previous status, so two nodes racing on the
// same row can never both win: the loser's update matches zero rows and the
// row is skipped.
func (s *Store) ClaimForNode(ctx context.Context, nodeID string, maxItems int) ([]*Proposal, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE status = 'ASSIGNED'
		  AND assigned_node_id = ?
		  AND assignment_expires_at > ?
		  AND hub_signature IS NOT NULL
		ORDER BY created_at ASC LIMIT ?`,
		nodeID, formatTime(now), maxItems)
	if err != nil {
		return nil, fmt.Errorf("store: claim candidates: %w", err)
	}
	candidates, err := collectProposals(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	claimed := make([]*Proposal, 0, len(candidates))
	lease := now.Add(s.proposalLease)
	for _, p := range candidates {
		token := "LEASE-" + uuid.NewString()
		res, err := s.db.ExecContext(ctx, `
			UPDATE proposals
			SET status = 'CLAIMED', claimed_node_id = ?, claimed_at = ?,
				lease_expires_at = ?
			WHERE proposal_id = ? AND status = 'ASSIGNED'`,
			nodeID, formatTime(now), formatTime(lease), p.ProposalID)
		if err != nil {
			return claimed, fmt.Errorf("store: claim %s: %w", p.ProposalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("store: claim %s: %w", p.ProposalID, err)
		}
		if n == 0 {
			continue // lost the race to a concurrent claimer
		}
		p.Status = ProposalClaimed
		p.ClaimedNodeID = nodeID
		p.ClaimedAt = now
		p.LeaseExpiresAt = lease
		p.LeaseToken = token
		claimed = append(claimed, p)
	}
	return claimed, nil
}

// RequeueProposal is the operator-initiated recovery path. Legal only from
// CLAIMED, DEAD or FAILED; clears claim state and returns the proposal to
// QUEUED.
func (s *Store) RequeueProposal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status = 'QUEUED', claimed_node_id = NULL, claimed_at = NULL,
			lease_expires_at = NULL, assigned_node_id = NULL,
			assignment_expires_at = NULL, hub_signature = NULL
		WHERE proposal_id = ? AND status IN ('CLAIMED', 'DEAD', 'FAILED')`, id)
	if err != nil {
		return fmt.Errorf("store: requeue proposal: %w", err)
	}
	return s.assertTransition(ctx, res, id)
}

// UpdateProposalHeartbeat proves liveness of an active claim. Fails with
// ErrNotClaimed when the proposal is not CLAIMED and ErrNodeMismatch when the
// caller is not the claimant.
func (s *Store) UpdateProposalHeartbeat(ctx context.Context, id, nodeID, instanceID string, ts time.Time, detail string) error {
	var status, claimedBy string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, COALESCE(claimed_node_id, '') FROM proposals WHERE proposal_id = ?`, id).
		Scan(&status, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: heartbeat lookup: %w", err)
	}
	if ProposalStatus(status) != ProposalClaimed {
		return fmt.Errorf("store: proposal %s status %s: %w", id, status, ErrNotClaimed)
	}
	if claimedBy != nodeID {
		return fmt.Errorf("store: proposal %s held by %s: %w", id, claimedBy, ErrNodeMismatch)
	}
	if ts.IsZero() {
		ts = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE proposals
		SET last_heartbeat_at = ?, last_heartbeat_instance_id = ?,
			last_heartbeat_detail = ?
		WHERE proposal_id = ?`,
		formatTime(ts), stringOrNull(instanceID), stringOrNull(detail), id)
	if err != nil {
		return fmt.Errorf("store: heartbeat update: %w", err)
	}
	return nil
}

// ApproveProposal transitions QUEUED|CLAIMED -> APPROVED with a targeting
// expiry. Called by the consent ledger only.
func (s *Store) ApproveProposal(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'APPROVED', approved_at = ?, expires_at = ?
		WHERE proposal_id = ? AND status IN ('QUEUED', 'CLAIMED')`,
		formatTime(s.now()), formatTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("store: approve proposal: %w", err)
	}
	return s.assertTransition(ctx, res, id)
}

// RejectProposal transitions QUEUED|CLAIMED -> REJECTED.
func (s *Store) RejectProposal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'REJECTED'
		WHERE proposal_id = ? AND status IN ('QUEUED', 'CLAIMED')`, id)
	if err != nil {
		return fmt.Errorf("store: reject proposal: %w", err)
	}
	return s.assertTransition(ctx, res, id)
}

// ExpireProposal transitions ASSIGNED|QUEUED -> EXPIRED when routing policy
// gives up on finding an eligible node.
func (s *Store) ExpireProposal(ctx context.Context, id, reason string) error {
	snapshot, _ := json.Marshal(map[string]string{"expired_reason": reason})
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'EXPIRED', eligibility_snapshot = ?
		WHERE proposal_id = ? AND status IN ('ASSIGNED', 'QUEUED')`,
		string(snapshot), id)
	if err != nil {
		return fmt.Errorf("store: expire proposal: %w", err)
	}
	return s.assertTransition(ctx, res, id)
}

// FinishProposal records the outcome of a claimed proposal, moving it to
// COMPLETED or FAILED.
func (s *Store) FinishProposal(ctx context.Context, id string, success bool) error {
	next := ProposalCompleted
	if !success {
		next = ProposalFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET status = ?
		WHERE proposal_id = ? AND status = 'CLAIMED'`, string(next), id)
	if err != nil {
		return fmt.Errorf("store: finish proposal: %w", err)
	}
	return s.assertTransition(ctx, res, id)
}

// CountProposalsSince counts proposals created after the cutoff with the
// given action class, or any class when actionClass is empty. Feeds the
// economic governor's rolling budgets.
func (s *Store) CountProposalsSince(ctx context.Context, cutoff time.Time, actionClass string, risk RiskLevel) (int, error) {
	query := `SELECT COUNT(*) FROM proposals WHERE created_at > ?`
	args := []any{formatTime(cutoff)}
	if actionClass != "" {
		query += ` AND action_class = ?`
		args = append(args, actionClass)
	}
	if risk != "" {
		query += ` AND risk_level = ?`
		args = append(args, string(risk))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count proposals: %w", err)
	}
	return n, nil
}

// assertTransition maps a zero-row conditional update to the right sentinel:
// ErrNotFound when the row is absent, ErrBadTransition when it exists but the
// status guard did not match.
func (s *Store) assertTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM proposals WHERE proposal_id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: status lookup: %w", err)
	}
	return fmt.Errorf("store: proposal %s in %s: %w", id, status, ErrBadTransition)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var (
		p                  Proposal
		createdAt          string
		status             string
		fingerprint        sql.NullString
		payload            string
		riskLevel          string
		actionClass        sql.NullString
		assignedNodeID     sql.NullString
		assignmentExpires  sql.NullString
		hubSignature       sql.NullString
		claimedNodeID      sql.NullString
		claimedAt          sql.NullString
		leaseExpiresAt     sql.NullString
		lastHeartbeatAt    sql.NullString
		approvedAt         sql.NullString
		expiresAt          sql.NullString
		eligibilitySnap    sql.NullString
	)
	err := row.Scan(&p.ProposalID, &createdAt, &status, &fingerprint, &payload,
		&riskLevel, &actionClass, &assignedNodeID, &assignmentExpires,
		&hubSignature, &claimedNodeID, &claimedAt, &leaseExpiresAt,
		&lastHeartbeatAt, &p.AttemptCount, &approvedAt, &expiresAt,
		&eligibilitySnap)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.Status = ProposalStatus(status)
	p.Fingerprint = fingerprint.String
	p.Payload = json.RawMessage(payload)
	p.RiskLevel = RiskLevel(riskLevel)
	p.ActionClass = actionClass.String
	p.AssignedNodeID = assignedNodeID.String
	p.AssignmentExpiresAt = nullableTime(assignmentExpires)
	p.HubSignature = hubSignature.String
	p.ClaimedNodeID = claimedNodeID.String
	p.ClaimedAt = nullableTime(claimedAt)
	p.LeaseExpiresAt = nullableTime(leaseExpiresAt)
	p.LastHeartbeatAt = nullableTime(lastHeartbeatAt)
	p.ApprovedAt = nullableTime(approvedAt)
	p.ExpiresAt = nullableTime(expiresAt)
	if eligibilitySnap.Valid {
		p.EligibilitySnapshot = json.RawMessage(eligibilitySnap.String)
	}
	return &p, nil
}

func collectProposals(rows *sql.Rows) ([]*Proposal, error) {
	result := make([]*Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
