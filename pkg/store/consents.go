package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConsentDecision is the recorded verdict of an actor.
type ConsentDecision string

const (
	ConsentApprove ConsentDecision = "APPROVE"
	ConsentReject  ConsentDecision = "REJECT"
)

// Consent is one immutable row of the consent ledger. Rows are only ever
// appended; the ledger is the audit trail for every decision, including
// decisions that arrived after the proposal reached a terminal state.
type Consent struct {
	ConsentID    string          `json:"consent_id"`
	ProposalID   string          `json:"proposal_id"`
	ProposalHash string          `json:"proposal_hash"`
	ActorType    string          `json:"actor_type"`
	ActorID      string          `json:"actor_id"`
	Decision     ConsentDecision `json:"decision"`
	Comment      string          `json:"comment,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AppendConsent writes one ledger row. There is deliberately no update or
// delete path.
func (s *Store) AppendConsent(ctx context.Context, c *Consent) error {
	if c.ConsentID == "" {
		return errors.New("store: consent_id required")
	}
	if c.ProposalID == "" {
		return errors.New("store: proposal_id required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposal_consents (consent_id, proposal_id, proposal_hash,
			actor_type, actor_id, decision, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConsentID, c.ProposalID, c.ProposalHash, c.ActorType, c.ActorID,
		string(c.Decision), stringOrNull(c.Comment), formatTime(c.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("store: consent %s: %w", c.ConsentID, ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("store: append consent: %w", err)
	}
	return nil
}

// ConsentsForProposal returns the full decision history for a proposal,
// oldest first.
func (s *Store) ConsentsForProposal(ctx context.Context, proposalID string) ([]*Consent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT consent_id, proposal_id, proposal_hash, actor_type, actor_id,
			decision, comment, created_at
		FROM proposal_consents
		WHERE proposal_id = ? ORDER BY created_at ASC`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("store: consents for proposal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Consent, 0)
	for rows.Next() {
		var (
			c         Consent
			decision  string
			comment   sql.NullString
			createdAt string
		)
		err := rows.Scan(&c.ConsentID, &c.ProposalID, &c.ProposalHash,
			&c.ActorType, &c.ActorID, &decision, &comment, &createdAt)
		if err != nil {
			return nil, err
		}
		c.Decision = ConsentDecision(decision)
		c.Comment = comment.String
		c.CreatedAt = parseTime(createdAt)
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
