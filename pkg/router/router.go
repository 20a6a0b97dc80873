// Package router assigns routable proposals to nodes. Each pass scores the
// node registry with the eligibility matcher, assigns the top candidate for a
// bounded window and mints the hub signature the node must present at claim
// time. Finding no eligible node is an outcome, not an error: the proposal
// stays queued or expires according to its own targeting policy.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomadops/fleethub/pkg/auth"
	"github.com/nomadops/fleethub/pkg/eligibility"
	"github.com/nomadops/fleethub/pkg/events"
	"github.com/nomadops/fleethub/pkg/observability"
	"github.com/nomadops/fleethub/pkg/store"
)

// DefaultAssignmentTTL bounds how long an assignment waits for its node to
// claim.
const DefaultAssignmentTTL = 15 * time.Minute

// No-eligible-node policies.
const (
	PolicyQueue  = "QUEUE"
	PolicyExpire = "EXPIRE"
)

// Targeting is the routing contract embedded in a proposal payload under
// "targeting".
type Targeting struct {
	Requirements         eligibility.Request `json:"requirements"`
	Policy               string              `json:"policy,omitempty"`
	AssignmentTTLSeconds int                 `json:"assignment_ttl_seconds,omitempty"`
}

// Router owns one routing loop.
type Router struct {
	store   *store.Store
	signer  *auth.Signer
	bus     *events.Bus
	metrics *observability.Provider
	logger  *slog.Logger
	ttl     time.Duration
	clock   func() time.Time
}

// New creates a router. bus and metrics may be nil; signer must not be.
func New(s *store.Store, signer *auth.Signer, bus *events.Bus, metrics *observability.Provider, logger *slog.Logger, assignmentTTL time.Duration) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if assignmentTTL <= 0 {
		assignmentTTL = DefaultAssignmentTTL
	}
	return &Router{
		store:   s,
		signer:  signer,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "router"),
		ttl:     assignmentTTL,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// TickResult summarizes one routing pass.
type TickResult struct {
	Routed  int `json:"routed"`
	Queued  int `json:"queued"`
	Expired int `json:"expired"`
	Errors  int `json:"errors"`
}

// Tick routes every routable proposal once. Per-proposal failures are
// isolated, counted and skipped.
func (r *Router) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	proposals, err := r.store.RoutableProposals(ctx)
	if err != nil {
		return result, err
	}
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return result, err
	}

	for _, p := range proposals {
		outcome, err := r.routeOne(ctx, p, nodes)
		if err != nil {
			result.Errors++
			r.logger.Error("skip proposal", "proposal_id", p.ProposalID, "error", err)
			r.metrics.CountSwallowedError(ctx, "router")
			continue
		}
		switch outcome {
		case routed:
			result.Routed++
		case queued:
			result.Queued++
		case expired:
			result.Expired++
		}
	}
	return result, nil
}

type outcome int

const (
	routed outcome = iota
	queued
	expired
)

func (r *Router) routeOne(ctx context.Context, p *store.Proposal, nodes []*store.Node) (outcome, error) {
	targeting := parseTargeting(p.Payload)
	targeting.Requirements.HighRisk = p.RiskLevel == store.RiskHigh

	now := r.clock().UTC()
	match := eligibility.Compute(nodes, targeting.Requirements, now)
	if len(match.Eligible) == 0 {
		if targeting.Policy == PolicyExpire {
			if err := r.store.ExpireProposal(ctx, p.ProposalID, "no eligible nodes"); err != nil {
				return expired, err
			}
			r.logger.Info("proposal expired, no eligible nodes",
				"proposal_id", p.ProposalID,
				"ineligible", len(match.Ineligible))
			r.emitState(ctx, p.ProposalID, store.ProposalExpired)
			return expired, nil
		}
		// Default QUEUE policy: leave the proposal where it is and try again
		// next pass.
		return queued, nil
	}

	top := match.Eligible[0]
	expiresAt := now.Add(r.assignmentTTL(targeting))
	signature, err := r.signer.SignAssignment(p.ProposalID, top.NodeID, expiresAt)
	if err != nil {
		return routed, err
	}
	snapshot, err := json.Marshal(match)
	if err != nil {
		return routed, fmt.Errorf("router: marshal snapshot: %w", err)
	}
	if err := r.store.AssignProposal(ctx, p.ProposalID, top.NodeID, signature, expiresAt, snapshot); err != nil {
		return routed, err
	}

	r.logger.Info("proposal assigned",
		"proposal_id", p.ProposalID,
		"node_id", top.NodeID,
		"score", top.Score,
		"expires_at", expiresAt)
	r.emitState(ctx, p.ProposalID, store.ProposalAssigned)
	if r.bus != nil {
		r.bus.Emit(ctx, events.TypeAssignment, map[string]any{
			"proposal_id":   p.ProposalID,
			"node_id":       top.NodeID,
			"hub_signature": signature,
			"expires_at":    expiresAt,
		})
	}
	return routed, nil
}

func (r *Router) assignmentTTL(t Targeting) time.Duration {
	if t.AssignmentTTLSeconds > 0 {
		return time.Duration(t.AssignmentTTLSeconds) * time.Second
	}
	return r.ttl
}

func (r *Router) emitState(ctx context.Context, proposalID string, status store.ProposalStatus) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(ctx, events.TypeProposalStateChanged, map[string]string{
		"proposal_id": proposalID,
		"status":      string(status),
		"source":      "router",
	})
}

// parseTargeting reads the targeting block; a proposal without one routes
// with empty requirements and the QUEUE policy.
func parseTargeting(payload json.RawMessage) Targeting {
	var parsed struct {
		Targeting Targeting `json:"targeting"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Targeting{Policy: PolicyQueue}
	}
	if parsed.Targeting.Policy == "" {
		parsed.Targeting.Policy = PolicyQueue
	}
	return parsed.Targeting
}
