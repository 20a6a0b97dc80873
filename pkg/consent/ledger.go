// Package consent implements the human decision ledger. Every decision is an
// immutable appended row; proposal state transitions happen at most once per
// proposal regardless of how many times a decision is re-submitted.
package consent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/nomadops/fleethub/pkg/store"
)

// DefaultTargetingTTL bounds how long an approval stays routable when the
// proposal does not carry its own TTL.
const DefaultTargetingTTL = time.Hour

// Ledger records decisions against the work store.
type Ledger struct {
	store  *store.Store
	logger *slog.Logger
	clock  func() time.Time
}

// New returns a ledger over the given store.
func New(s *store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Decision is the input to Record.
type Decision struct {
	ProposalID string
	ActorType  string
	ActorID    string
	Decision   store.ConsentDecision
	Comment    string
}

// Record hashes the proposal's current payload, appends a ledger row, and
// applies the matching state transition. A decision against a proposal that
// already reached a terminal or already-decided state still appends its row
// (the audit trail is complete by construction) but does not re-transition;
// that is the idempotence contract UI retries rely on.
func (l *Ledger) Record(ctx context.Context, d Decision) (*store.Consent, error) {
	if d.Decision != store.ConsentApprove && d.Decision != store.ConsentReject {
		return nil, fmt.Errorf("consent: unknown decision %q", d.Decision)
	}
	p, err := l.store.GetProposal(ctx, d.ProposalID)
	if err != nil {
		return nil, err
	}

	hash, err := HashPayload(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("consent: hash payload: %w", err)
	}

	row := &store.Consent{
		ConsentID:    uuid.NewString(),
		ProposalID:   d.ProposalID,
		ProposalHash: hash,
		ActorType:    d.ActorType,
		ActorID:      d.ActorID,
		Decision:     d.Decision,
		Comment:      d.Comment,
		CreatedAt:    l.clock().UTC(),
	}
	if err := l.store.AppendConsent(ctx, row); err != nil {
		return nil, err
	}

	var transitionErr error
	switch d.Decision {
	case store.ConsentApprove:
		expiresAt := l.clock().UTC().Add(targetingTTL(p.Payload))
		transitionErr = l.store.ApproveProposal(ctx, d.ProposalID, expiresAt)
	case store.ConsentReject:
		transitionErr = l.store.RejectProposal(ctx, d.ProposalID)
	}
	if errors.Is(transitionErr, store.ErrBadTransition) {
		// Already decided or terminal: the ledger row stands, state does not
		// move again.
		l.logger.Info("consent recorded without transition",
			"proposal_id", d.ProposalID,
			"decision", string(d.Decision),
			"status", string(p.Status))
		return row, nil
	}
	if transitionErr != nil {
		return nil, transitionErr
	}
	l.logger.Info("consent recorded",
		"proposal_id", d.ProposalID,
		"decision", string(d.Decision),
		"actor", d.ActorID)
	return row, nil
}

// History returns the complete decision trail for a proposal.
func (l *Ledger) History(ctx context.Context, proposalID string) ([]*store.Consent, error) {
	return l.store.ConsentsForProposal(ctx, proposalID)
}

// HashPayload canonicalizes the payload with JCS (RFC 8785) and returns the
// hex SHA-256. Canonicalization makes the hash independent of key order and
// whitespace, so two semantically equal payloads always hash alike.
func HashPayload(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// targetingTTL reads the proposal's own targeting TTL, falling back to the
// default when absent or invalid.
func targetingTTL(payload json.RawMessage) time.Duration {
	var parsed struct {
		Targeting struct {
			TTLSeconds int `json:"ttl_seconds"`
		} `json:"targeting"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return DefaultTargetingTTL
	}
	if parsed.Targeting.TTLSeconds <= 0 {
		return DefaultTargetingTTL
	}
	return time.Duration(parsed.Targeting.TTLSeconds) * time.Second
}
