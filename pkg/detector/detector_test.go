package detector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nomadops/fleethub/pkg/store"
)

func newFixture(t *testing.T) (*store.Store, *Detector, *time.Time) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "detector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s.WithClock(clock)
	d := New(s, nil, nil, nil, Config{}).WithClock(clock)
	return s, d, &now
}

func claimProposal(t *testing.T, s *store.Store, id string, now time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.AddProposal(ctx, &store.Proposal{ProposalID: id}))
	require.NoError(t, s.AssignProposal(ctx, id, "node-a", "sig", now.Add(15*time.Minute), nil))
	claimed, err := s.ClaimForNode(ctx, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func alertKinds(t *testing.T, s *store.Store) map[store.AlertKind]int {
	t.Helper()
	open, err := s.OpenAlerts(context.Background(), 100)
	require.NoError(t, err)
	kinds := make(map[store.AlertKind]int)
	for _, a := range open {
		kinds[a.Kind]++
	}
	return kinds
}

func TestTickFlagsExpiredLease(t *testing.T) {
	s, d, now := newFixture(t)
	claimProposal(t, s, "p-1", *now)

	// Fresh claim: nothing to flag.
	result := d.Tick(context.Background())
	require.Equal(t, store.TickOK, result.Status)
	require.Zero(t, alertKinds(t, s)[store.AlertLeaseExpired])

	// Past the 30-minute lease the alert fires. The heartbeat is also stale
	// by then, so both kinds appear.
	*now = now.Add(store.DefaultProposalLease + time.Minute)
	result = d.Tick(context.Background())
	require.Equal(t, store.TickOK, result.Status)
	kinds := alertKinds(t, s)
	require.Equal(t, 1, kinds[store.AlertLeaseExpired])
	require.Equal(t, 1, kinds[store.AlertHeartbeatStale])
}

func TestTickFlagsStaleHeartbeatWithoutAny(t *testing.T) {
	s, d, now := newFixture(t)
	claimProposal(t, s, "p-1", *now)

	// Never heartbeated and claimed 6 minutes ago.
	*now = now.Add(6 * time.Minute)
	d.Tick(context.Background())
	require.Equal(t, 1, alertKinds(t, s)[store.AlertHeartbeatStale])
}

func TestTickHeartbeatKeepsQuiet(t *testing.T) {
	s, d, now := newFixture(t)
	claimProposal(t, s, "p-1", *now)

	*now = now.Add(4 * time.Minute)
	require.NoError(t, s.UpdateProposalHeartbeat(context.Background(), "p-1", "node-a", "inst", *now, ""))

	*now = now.Add(4 * time.Minute)
	d.Tick(context.Background())
	require.Zero(t, alertKinds(t, s)[store.AlertHeartbeatStale])
}

// TestStuckProposalAlertsOncePerBucket runs 100 consecutive ticks over a
// persistently stuck claim and verifies exactly one PROPOSAL_STUCK_CLAIMED
// alert within the dedupe window.
func TestStuckProposalAlertsOncePerBucket(t *testing.T) {
	s, d, now := newFixture(t)
	claimProposal(t, s, "p-1", *now)

	// Jump to just past twice the lease, then tick 100 times at 10s apart,
	// all inside one dedupe bucket.
	*now = time.Date(2026, 3, 1, 13, 0, 1, 0, time.UTC).Add(store.DefaultProposalLease)
	for i := 0; i < 100; i++ {
		result := d.Tick(context.Background())
		require.Equal(t, store.TickOK, result.Status)
		*now = now.Add(10 * time.Second)
	}
	require.Equal(t, 1, alertKinds(t, s)[store.AlertProposalStuck])
}

func TestRunFailureSpike(t *testing.T) {
	s, d, now := newFixture(t)
	ctx := context.Background()

	for i := 0; i < RunFailureSpikeCount-1; i++ {
		require.NoError(t, s.RecordRun(ctx, &store.Run{
			RunID:      string(rune('a' + i)),
			ProposalID: "p-1",
			Status:     store.RunFailed,
			EndedAt:    now.Add(-10 * time.Minute),
		}))
	}
	d.Tick(ctx)
	require.Zero(t, alertKinds(t, s)[store.AlertRunFailureSpike])

	require.NoError(t, s.RecordRun(ctx, &store.Run{
		RunID: "r-final", ProposalID: "p-1", Status: store.RunFailed,
		EndedAt: now.Add(-time.Minute),
	}))
	d.Tick(ctx)
	require.Equal(t, 1, alertKinds(t, s)[store.AlertRunFailureSpike])

	// The alert is about the fleet, not any one proposal.
	open, err := s.OpenAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, store.SystemTarget, open[0].ProposalID)

	// The hourly bucket suppresses repeats.
	d.Tick(ctx)
	require.Equal(t, 1, alertKinds(t, s)[store.AlertRunFailureSpike])
}

func TestTruncatedSignals(t *testing.T) {
	s, d, now := newFixture(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, &store.Run{
		RunID: "r-1", ProposalID: "p-1", Status: store.RunSucceeded,
		EndedAt: now.Add(-5 * time.Minute),
		Signals: json.RawMessage(`{"truncated":true,"bytes":120000}`),
	}))
	require.NoError(t, s.RecordRun(ctx, &store.Run{
		RunID: "r-2", ProposalID: "p-2", Status: store.RunSucceeded,
		EndedAt: now.Add(-5 * time.Minute),
		Signals: json.RawMessage(`{"truncated":false}`),
	}))

	d.Tick(ctx)
	require.Equal(t, 1, alertKinds(t, s)[store.AlertSignalTruncated])

	open, err := s.OpenAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, store.SystemTarget, open[0].ProposalID)
}

func TestNodeLivenessTransitionAlerts(t *testing.T) {
	s, d, now := newFixture(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertNodeHeartbeat(ctx, &store.Node{
		NodeID:          "node-a",
		LastHeartbeatAt: now.Add(-15 * time.Minute),
	}))

	d.Tick(ctx)
	require.Equal(t, 1, alertKinds(t, s)[store.AlertNodeSilent])

	// The condition persists but the latch holds: ticking again adds nothing.
	for i := 0; i < 10; i++ {
		d.Tick(ctx)
	}
	require.Equal(t, 1, alertKinds(t, s)[store.AlertNodeSilent])

	// Once the node crosses the offline threshold a new transition fires.
	*now = now.Add(50 * time.Minute)
	d.Tick(ctx)
	kinds := alertKinds(t, s)
	require.Equal(t, 1, kinds[store.AlertNodeSilent])
	require.Equal(t, 1, kinds[store.AlertNodeOffline])
}

func TestTickRecordsItself(t *testing.T) {
	s, d, _ := newFixture(t)
	result := d.Tick(context.Background())
	require.Equal(t, store.TickOK, result.Status)

	last, err := s.LastTick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, result.TickID, last.TickID)
	require.Equal(t, store.TickOK, last.Status)
}
