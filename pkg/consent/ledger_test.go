package consent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nomadops/fleethub/pkg/store"
)

func newFixture(t *testing.T) (*store.Store, *Ledger, time.Time) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "consent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })
	l := New(s, nil).WithClock(func() time.Time { return now })
	return s, l, now
}

func TestRecordApproveTransitions(t *testing.T) {
	s, l, now := newFixture(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"title":"restart worker","targeting":{"ttl_seconds":1800}}`)
	require.NoError(t, s.AddProposal(ctx, &store.Proposal{ProposalID: "p-1", Payload: payload}))

	row, err := l.Record(ctx, Decision{
		ProposalID: "p-1",
		ActorType:  "human",
		ActorID:    "alice",
		Decision:   store.ConsentApprove,
		Comment:    "lgtm",
	})
	require.NoError(t, err)
	require.NotEmpty(t, row.ProposalHash)

	p, err := s.GetProposal(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, p.Status)
	require.Equal(t, now.Add(30*time.Minute), p.ExpiresAt)
}

func TestRecordApproveDefaultTTL(t *testing.T) {
	s, l, now := newFixture(t)
	ctx := context.Background()

	require.NoError(t, s.AddProposal(ctx, &store.Proposal{ProposalID: "p-1"}))
	_, err := l.Record(ctx, Decision{
		ProposalID: "p-1", ActorType: "human", ActorID: "alice",
		Decision: store.ConsentApprove,
	})
	require.NoError(t, err)

	p, err := s.GetProposal(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, now.Add(DefaultTargetingTTL), p.ExpiresAt)
}

// TestRecordIsIdempotent re-submits an approval and verifies two ledger rows
// but a single state transition.
func TestRecordIsIdempotent(t *testing.T) {
	s, l, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, s.AddProposal(ctx, &store.Proposal{ProposalID: "p-1"}))

	decision := Decision{
		ProposalID: "p-1", ActorType: "human", ActorID: "alice",
		Decision: store.ConsentApprove,
	}
	_, err := l.Record(ctx, decision)
	require.NoError(t, err)
	_, err = l.Record(ctx, decision)
	require.NoError(t, err)

	history, err := l.History(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	p, err := s.GetProposal(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, p.Status)
}

func TestRecordRejectAfterApproveAppendsOnly(t *testing.T) {
	s, l, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, s.AddProposal(ctx, &store.Proposal{ProposalID: "p-1"}))
	_, err := l.Record(ctx, Decision{
		ProposalID: "p-1", ActorType: "human", ActorID: "alice",
		Decision: store.ConsentApprove,
	})
	require.NoError(t, err)

	_, err = l.Record(ctx, Decision{
		ProposalID: "p-1", ActorType: "human", ActorID: "bob",
		Decision: store.ConsentReject,
	})
	require.NoError(t, err)

	p, err := s.GetProposal(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, p.Status)

	history, err := l.History(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, store.ConsentReject, history[1].Decision)
}

func TestRecordUnknownDecision(t *testing.T) {
	_, l, _ := newFixture(t)
	_, err := l.Record(context.Background(), Decision{
		ProposalID: "p-1", Decision: "MAYBE",
	})
	require.Error(t, err)
}

func TestHashPayloadCanonical(t *testing.T) {
	// Key order and whitespace do not change the hash.
	a, err := HashPayload(json.RawMessage(`{"b":1,"a":2}`))
	require.NoError(t, err)
	b, err := HashPayload(json.RawMessage(`{ "a": 2, "b": 1 }`))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := HashPayload(json.RawMessage(`{"a":2,"b":2}`))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
