package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fleethub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddProposalDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Proposal{ProposalID: "p-1", Payload: json.RawMessage(`{"title":"x"}`)}
	if err := s.AddProposal(ctx, p); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.AddProposal(ctx, &Proposal{ProposalID: "p-1"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	// Fingerprint collisions are allowed at the insert layer.
	a := &Proposal{ProposalID: "p-2", Fingerprint: "fp-1"}
	b := &Proposal{ProposalID: "p-3", Fingerprint: "fp-1"}
	require.NoError(t, s.AddProposal(ctx, a))
	require.NoError(t, s.AddProposal(ctx, b))
}

func TestProposalClaimRequiresValidAssignment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.AddProposal(ctx, &Proposal{ProposalID: "p-1"}))

	// QUEUED, unassigned: nothing to claim.
	got, err := s.ClaimForNode(ctx, "node-a", 5)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, s.AssignProposal(ctx, "p-1", "node-a", "sig", now.Add(15*time.Minute), nil))

	// Wrong node gets nothing.
	got, err = s.ClaimForNode(ctx, "node-b", 5)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = s.ClaimForNode(ctx, "node-a", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ProposalClaimed, got[0].Status)
	require.Equal(t, "node-a", got[0].ClaimedNodeID)
	require.NotEmpty(t, got[0].LeaseToken)
	require.Equal(t, now.Add(DefaultProposalLease), got[0].LeaseExpiresAt)

	// Second claim attempt finds nothing: the row left ASSIGNED.
	got, err = s.ClaimForNode(ctx, "node-a", 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestProposalClaimExpiredAssignment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.AddProposal(ctx, &Proposal{ProposalID: "p-1"}))
	require.NoError(t, s.AssignProposal(ctx, "p-1", "node-a", "sig", now.Add(15*time.Minute), nil))

	// Move past the assignment window; the claim must not go through.
	s.WithClock(func() time.Time { return now.Add(16 * time.Minute) })
	got, err := s.ClaimForNode(ctx, "node-a", 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestProposalHeartbeatGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.AddProposal(ctx, &Proposal{ProposalID: "p-1"}))

	err := s.UpdateProposalHeartbeat(ctx, "p-1", "node-a", "inst-1", now, "")
	if !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}

	require.NoError(t, s.AssignProposal(ctx, "p-1", "node-a", "sig", now.Add(15*time.Minute), nil))
	claimed, err := s.ClaimForNode(ctx, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = s.UpdateProposalHeartbeat(ctx, "p-1", "node-b", "inst-1", now, "")
	if !errors.Is(err, ErrNodeMismatch) {
		t.Fatalf("expected ErrNodeMismatch, got %v", err)
	}
	require.NoError(t, s.UpdateProposalHeartbeat(ctx, "p-1", "node-a", "inst-1", now, "working"))

	err = s.UpdateProposalHeartbeat(ctx, "p-missing", "node-a", "inst-1", now, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequeueProposalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.AddProposal(ctx, &Proposal{ProposalID: "p-1"}))

	// QUEUED -> requeue is illegal.
	err := s.RequeueProposal(ctx, "p-1")
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}

	require.NoError(t, s.AssignProposal(ctx, "p-1", "node-a", "sig", now.Add(15*time.Minute), nil))
	claimed, err := s.ClaimForNode(ctx, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.RequeueProposal(ctx, "p-1"))
	p, err := s.GetProposal(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, ProposalQueued, p.Status)
	require.Empty(t, p.ClaimedNodeID)
	require.Empty(t, p.AssignedNodeID)
	require.Empty(t, p.HubSignature)
}

func TestFinishProposalOnlyFromClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.AddProposal(ctx, &Proposal{ProposalID: "p-1"}))
	err := s.FinishProposal(ctx, "p-1", true)
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}

	require.NoError(t, s.AssignProposal(ctx, "p-1", "node-a", "sig", now.Add(15*time.Minute), nil))
	_, err = s.ClaimForNode(ctx, "node-a", 1)
	require.NoError(t, err)
	require.NoError(t, s.FinishProposal(ctx, "p-1", false))

	p, err := s.GetProposal(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, ProposalFailed, p.Status)

	// Terminal rows cannot be finished twice.
	err = s.FinishProposal(ctx, "p-1", true)
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestConsentTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.AddProposal(ctx, &Proposal{ProposalID: "p-1"}))
	require.NoError(t, s.ApproveProposal(ctx, "p-1", now.Add(time.Hour)))

	p, err := s.GetProposal(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, ProposalApproved, p.Status)
	require.Equal(t, now.Add(time.Hour), p.ExpiresAt)

	// APPROVED cannot be rejected through the store guard.
	err = s.RejectProposal(ctx, "p-1")
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

// TestClaimJobsExactlyOnce races 10 claimers over 5 pending jobs and verifies
// every job is claimed exactly once and none is missed.
func TestClaimJobsExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const jobs = 5
	const claimers = 10
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.CreateJob(ctx, &Job{
			JobID: fmt.Sprintf("job-%d", i),
			Type:  "cleanup",
		}))
	}

	var mu sync.Mutex
	owners := make(map[string]string)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			got, err := s.ClaimJobs(ctx, node, nil, jobs)
			if err != nil {
				t.Errorf("claim from %s: %v", node, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, j := range got {
				if prev, dup := owners[j.JobID]; dup {
					t.Errorf("job %s claimed by both %s and %s", j.JobID, prev, node)
				}
				owners[j.JobID] = node
			}
		}(fmt.Sprintf("node-%d", i))
	}
	wg.Wait()

	if len(owners) != jobs {
		t.Fatalf("expected %d jobs claimed, got %d", jobs, len(owners))
	}
}

func TestRequeueDeadJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.CreateJob(ctx, &Job{JobID: "job-1", Type: "cleanup"}))
	claimed, err := s.ClaimJobs(ctx, "node-a", []string{"cleanup"}, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Within the lease: nothing to requeue.
	n, err := s.RequeueDeadJobs(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// One minute past the 10-minute lease: the job comes back.
	s.WithClock(func() time.Time { return now.Add(DefaultJobLease + time.Minute) })
	n, err = s.RequeueDeadJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	j, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, JobPending, j.Status)
	require.Equal(t, LeaseExpiredError, j.Error)
	require.Empty(t, j.ClaimedByNodeID)

	// And it is claimable again.
	claimed, err = s.ClaimJobs(ctx, "node-b", nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "node-b", claimed[0].ClaimedByNodeID)
}

func TestJobHeartbeatExtendsLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.CreateJob(ctx, &Job{JobID: "job-1", Type: "cleanup"}))
	_, err := s.ClaimJobs(ctx, "node-a", nil, 1)
	require.NoError(t, err)

	later := now.Add(9 * time.Minute)
	s.WithClock(func() time.Time { return later })
	require.NoError(t, s.JobHeartbeat(ctx, "job-1", "node-a"))

	j, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, later.Add(DefaultJobLease), j.LeaseExpiresAt)

	err = s.JobHeartbeat(ctx, "job-1", "node-b")
	if !errors.Is(err, ErrNodeMismatch) {
		t.Fatalf("expected ErrNodeMismatch, got %v", err)
	}
}

func TestFinishJobGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, &Job{JobID: "job-1", Type: "cleanup"}))
	err := s.FinishJob(ctx, "job-1", "node-a", nil, "")
	if !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}

	_, err = s.ClaimJobs(ctx, "node-a", nil, 1)
	require.NoError(t, err)

	err = s.FinishJob(ctx, "job-1", "node-b", nil, "")
	if !errors.Is(err, ErrNodeMismatch) {
		t.Fatalf("expected ErrNodeMismatch, got %v", err)
	}

	require.NoError(t, s.FinishJob(ctx, "job-1", "node-a", json.RawMessage(`{"ok":true}`), ""))
	j, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, JobDone, j.Status)
}

func TestWithLeasesOverridesDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })
	s.WithLeases(5*time.Minute, 2*time.Minute)

	require.NoError(t, s.AddProposal(ctx, &Proposal{ProposalID: "p-1"}))
	require.NoError(t, s.AssignProposal(ctx, "p-1", "node-a", "sig", now.Add(15*time.Minute), nil))
	claimed, err := s.ClaimForNode(ctx, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, now.Add(5*time.Minute), claimed[0].LeaseExpiresAt)

	require.NoError(t, s.CreateJob(ctx, &Job{JobID: "job-1", Type: "cleanup"}))
	jobs, err := s.ClaimJobs(ctx, "node-a", nil, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, now.Add(2*time.Minute), jobs[0].LeaseExpiresAt)

	// Heartbeats extend by the configured lease, not the default.
	later := now.Add(time.Minute)
	s.WithClock(func() time.Time { return later })
	require.NoError(t, s.JobHeartbeat(ctx, "job-1", "node-a"))
	j, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, later.Add(2*time.Minute), j.LeaseExpiresAt)

	// The shortened job lease is what the dead sweep sees.
	s.WithClock(func() time.Time { return later.Add(2*time.Minute + time.Second) })
	n, err := s.RequeueDeadJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInsertAlertDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.InsertAlert(ctx, &Alert{
		ID:         "a-1",
		Kind:       AlertLeaseExpired,
		ProposalID: "p-1",
		DedupeKey:  "LEASE_EXPIRED:p-1:bucket-1",
	})
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.InsertAlert(ctx, &Alert{
		ID:         "a-2",
		Kind:       AlertLeaseExpired,
		ProposalID: "p-1",
		DedupeKey:  "LEASE_EXPIRED:p-1:bucket-1",
	})
	require.NoError(t, err)
	require.False(t, created)

	open, err := s.OpenAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "a-1", open[0].ID)
}

func TestAlertLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertAlert(ctx, &Alert{
		ID:         "a-1",
		Kind:       AlertLeaseExpired,
		ProposalID: "p-1",
		DedupeKey:  "LEASE_EXPIRED:p-1:bucket-1",
	})
	require.NoError(t, err)

	require.NoError(t, s.AckAlert(ctx, "a-1"))
	require.NoError(t, s.CloseAlert(ctx, "a-1"))

	// Closing twice is a bad transition; closing a missing alert is not found.
	err = s.CloseAlert(ctx, "a-1")
	require.ErrorIs(t, err, ErrBadTransition)
	err = s.CloseAlert(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepNodeLiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	beat := func(id string, age time.Duration) {
		require.NoError(t, s.UpsertNodeHeartbeat(ctx, &Node{
			NodeID:          id,
			LastHeartbeatAt: now.Add(-age),
		}))
	}
	beat("fresh", time.Minute)
	beat("quiet", 15*time.Minute)
	beat("gone", 2*time.Hour)

	transitions, err := s.SweepNodeLiveness(ctx, DefaultSilentAfter, DefaultOfflineAfter)
	require.NoError(t, err)
	require.Len(t, transitions, 2)

	byNode := make(map[string]NodeTransition)
	for _, tr := range transitions {
		byNode[tr.NodeID] = tr
	}
	require.Equal(t, NodeSilent, byNode["quiet"].To)
	require.Equal(t, NodeOffline, byNode["gone"].To)

	// Sweeping again reports nothing: the status column is the latch.
	transitions, err = s.SweepNodeLiveness(ctx, DefaultSilentAfter, DefaultOfflineAfter)
	require.NoError(t, err)
	require.Empty(t, transitions)

	// A heartbeat restores ONLINE and re-arms the transition.
	beat("quiet", 0)
	n, err := s.GetNode(ctx, "quiet")
	require.NoError(t, err)
	require.Equal(t, NodeOnline, n.Status)
}

func TestAppendConsentIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendConsent(ctx, &Consent{
			ConsentID:    fmt.Sprintf("c-%d", i),
			ProposalID:   "p-1",
			ProposalHash: "deadbeef",
			ActorType:    "human",
			ActorID:      "alice",
			Decision:     ConsentApprove,
		}))
	}
	history, err := s.ConsentsForProposal(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	err = s.AppendConsent(ctx, &Consent{
		ConsentID:  "c-0",
		ProposalID: "p-1",
		Decision:   ConsentReject,
	})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestCountProposalsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	add := func(id, class string, risk RiskLevel, age time.Duration) {
		require.NoError(t, s.AddProposal(ctx, &Proposal{
			ProposalID:  id,
			ActionClass: class,
			RiskLevel:   risk,
			CreatedAt:   now.Add(-age),
		}))
	}
	add("p-1", "REMEDIATE", RiskLow, 10*time.Minute)
	add("p-2", "REMEDIATE", RiskHigh, 30*time.Minute)
	add("p-3", "REMEDIATE", RiskLow, 2*time.Hour)
	add("p-4", "NOTIFY", RiskLow, 5*time.Minute)

	n, err := s.CountProposalsSince(ctx, now.Add(-time.Hour), "REMEDIATE", "")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.CountProposalsSince(ctx, now.Add(-24*time.Hour), "REMEDIATE", "")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = s.CountProposalsSince(ctx, now.Add(-24*time.Hour), "", RiskHigh)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
