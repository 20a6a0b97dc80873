// Package governor turns open alerts into auto-generated proposals under
// rolling economic budgets. Every downgrade it applies is recorded in the
// generated proposal's payload together with the budget snapshot that forced
// it; the governor never applies a cap silently.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomadops/fleethub/pkg/events"
	"github.com/nomadops/fleethub/pkg/observability"
	"github.com/nomadops/fleethub/pkg/store"
)

// ActionClass is what an auto-generated proposal asks for.
type ActionClass string

const (
	ActionRemediate ActionClass = "REMEDIATE"
	ActionNotify    ActionClass = "NOTIFY"
	ActionEscalate  ActionClass = "ESCALATE"
)

// Gate decisions recorded in the proposal payload.
const (
	GateAllow              = "ALLOW"
	GateEscalateRiskCap    = "DOWNGRADE_ESCALATE_RISK_CAP"
	GateNotifyHourlyCap    = "DOWNGRADE_NOTIFY_HOURLY_CAP"
	GateNotifyDailyCap     = "DOWNGRADE_NOTIFY_DAILY_CAP"
)

// Default rolling budget caps.
const (
	DefaultRemediatePerHour = 5
	DefaultRemediatePerDay  = 20
	DefaultHighRiskPerDay   = 2
)

// Estimate is the static cost/risk profile of responding to an alert kind.
type Estimate struct {
	RiskLevel        store.RiskLevel `json:"risk_level"`
	EstimatedMinutes int             `json:"estimated_minutes"`
	BlastRadius      string          `json:"blast_radius"`
}

// response binds an alert kind to its action class and estimate. New kinds
// are added here, not as new branches in the generation loop.
type response struct {
	action   ActionClass
	estimate Estimate
}

var responses = map[store.AlertKind]response{
	store.AlertLeaseExpired: {
		action:   ActionRemediate,
		estimate: Estimate{store.RiskLow, 5, "NODE"},
	},
	store.AlertProposalStuck: {
		action:   ActionRemediate,
		estimate: Estimate{store.RiskMedium, 10, "NODE"},
	},
	store.AlertHeartbeatStale: {
		action:   ActionNotify,
		estimate: Estimate{store.RiskLow, 0, "NODE"},
	},
	store.AlertRunFailureSpike: {
		action:   ActionEscalate,
		estimate: Estimate{store.RiskHigh, 0, "SYSTEM"},
	},
	store.AlertSignalTruncated: {
		action:   ActionNotify,
		estimate: Estimate{store.RiskLow, 0, "SYSTEM"},
	},
}

// Caps are the configurable budget limits.
type Caps struct {
	RemediatePerHour int
	RemediatePerDay  int
	HighRiskPerDay   int
}

// DefaultCaps returns the standard budget limits.
func DefaultCaps() Caps {
	return Caps{
		RemediatePerHour: DefaultRemediatePerHour,
		RemediatePerDay:  DefaultRemediatePerDay,
		HighRiskPerDay:   DefaultHighRiskPerDay,
	}
}

// BudgetSnapshot is the state of every budget at decision time, stored in
// the generated payload for audit.
type BudgetSnapshot struct {
	RemediateLastHour    int `json:"remediate_last_hour"`
	RemediateLastDay     int `json:"remediate_last_day"`
	HighRiskLastDay      int `json:"high_risk_last_day"`
	RemediatePerHourCap  int `json:"remediate_per_hour_cap"`
	RemediatePerDayCap   int `json:"remediate_per_day_cap"`
	HighRiskPerDayCap    int `json:"high_risk_per_day_cap"`
}

// Governor evaluates budgets and generates proposals from alerts.
type Governor struct {
	store   *store.Store
	bus     *events.Bus
	metrics *observability.Provider
	logger  *slog.Logger
	caps    Caps
	clock   func() time.Time
}

// New creates a governor. bus and metrics may be nil.
func New(s *store.Store, bus *events.Bus, metrics *observability.Provider, logger *slog.Logger, caps Caps) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	if caps.RemediatePerHour <= 0 {
		caps.RemediatePerHour = DefaultRemediatePerHour
	}
	if caps.RemediatePerDay <= 0 {
		caps.RemediatePerDay = DefaultRemediatePerDay
	}
	if caps.HighRiskPerDay <= 0 {
		caps.HighRiskPerDay = DefaultHighRiskPerDay
	}
	return &Governor{
		store:   s,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "governor"),
		caps:    caps,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// snapshot reads the rolling budget counters. Fail closed: a read error
// propagates instead of defaulting to zero, since a zeroed snapshot would
// wave every proposal through.
func (g *Governor) snapshot(ctx context.Context) (BudgetSnapshot, error) {
	now := g.clock().UTC()
	snap := BudgetSnapshot{
		RemediatePerHourCap: g.caps.RemediatePerHour,
		RemediatePerDayCap:  g.caps.RemediatePerDay,
		HighRiskPerDayCap:   g.caps.HighRiskPerDay,
	}
	var err error
	snap.RemediateLastHour, err = g.store.CountProposalsSince(ctx, now.Add(-time.Hour), string(ActionRemediate), "")
	if err != nil {
		return snap, fmt.Errorf("governor: hourly remediate count: %w", err)
	}
	snap.RemediateLastDay, err = g.store.CountProposalsSince(ctx, now.Add(-24*time.Hour), string(ActionRemediate), "")
	if err != nil {
		return snap, fmt.Errorf("governor: daily remediate count: %w", err)
	}
	snap.HighRiskLastDay, err = g.store.CountProposalsSince(ctx, now.Add(-24*time.Hour), "", store.RiskHigh)
	if err != nil {
		return snap, fmt.Errorf("governor: daily high-risk count: %w", err)
	}
	return snap, nil
}

// applyGates applies the downgrade rules in their fixed order and returns the
// final action class plus the gate decision naming the cap that forced it.
func applyGates(desired ActionClass, risk store.RiskLevel, snap BudgetSnapshot) (ActionClass, string) {
	if risk == store.RiskHigh && snap.HighRiskLastDay >= snap.HighRiskPerDayCap {
		return ActionEscalate, GateEscalateRiskCap
	}
	if desired == ActionRemediate {
		if snap.RemediateLastHour >= snap.RemediatePerHourCap {
			return ActionNotify, GateNotifyHourlyCap
		}
		if snap.RemediateLastDay >= snap.RemediatePerDayCap {
			return ActionNotify, GateNotifyDailyCap
		}
	}
	return desired, GateAllow
}

// Fingerprint returns the dedupe fingerprint for proposals generated from an
// alert.
func Fingerprint(alertID string) string {
	return "auto:" + alertID
}

// generatedID derives the deterministic proposal id for an alert, so a
// regenerated pass can never mint a second proposal under a fresh id.
func generatedID(alertID string) string {
	if len(alertID) > 8 {
		alertID = alertID[:8]
	}
	return "auto-" + alertID
}

// generatedPayload is the audit record written into each generated proposal.
type generatedPayload struct {
	AlertID          string          `json:"alert_id"`
	AlertKind        string          `json:"alert_kind"`
	TargetProposalID string          `json:"target_proposal_id,omitempty"`
	TargetNodeID     string          `json:"target_node_id,omitempty"`
	ActionClass      ActionClass     `json:"action_class"`
	Reason           string          `json:"reason"`
	Evidence         json.RawMessage `json:"evidence,omitempty"`
	Estimate         Estimate        `json:"estimate"`
	Budget           BudgetSnapshot  `json:"budget"`
	Gate             string          `json:"gate"`
}

// GenerateFromAlerts scans OPEN alerts and creates one proposal per alert
// that does not already have one. Per-alert failures are counted and skipped;
// one malformed alert never aborts the scan. Returns the number of proposals
// created.
func (g *Governor) GenerateFromAlerts(ctx context.Context) (int, error) {
	alerts, err := g.store.UnprocessedAlerts(ctx)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, alert := range alerts {
		ok, err := g.generateOne(ctx, alert)
		if err != nil {
			g.logger.Error("skip alert", "alert_id", alert.ID, "error", err)
			g.metrics.CountSwallowedError(ctx, "governor")
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (g *Governor) generateOne(ctx context.Context, alert *store.Alert) (bool, error) {
	resp, known := responses[alert.Kind]
	if !known {
		// Node liveness alerts and unknown kinds do not generate work.
		return false, nil
	}

	fingerprint := Fingerprint(alert.ID)
	existing, err := g.store.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	snap, err := g.snapshot(ctx)
	if err != nil {
		return false, err
	}
	finalAction, gate := applyGates(resp.action, resp.estimate.RiskLevel, snap)

	payload, err := json.Marshal(generatedPayload{
		AlertID:          alert.ID,
		AlertKind:        string(alert.Kind),
		TargetProposalID: alert.ProposalID,
		TargetNodeID:     alert.NodeID,
		ActionClass:      finalAction,
		Reason:           fmt.Sprintf("auto-generated response to %s", alert.Kind),
		Evidence:         alert.Details,
		Estimate:         resp.estimate,
		Budget:           snap,
		Gate:             gate,
	})
	if err != nil {
		return false, fmt.Errorf("governor: marshal payload: %w", err)
	}

	p := &store.Proposal{
		ProposalID:  generatedID(alert.ID),
		Fingerprint: fingerprint,
		Payload:     payload,
		RiskLevel:   resp.estimate.RiskLevel,
		ActionClass: string(finalAction),
	}
	if err := g.store.AddProposal(ctx, p); err != nil {
		return false, err
	}

	if gate != GateAllow {
		g.logger.Warn("budget gate downgraded proposal",
			"proposal_id", p.ProposalID,
			"alert_id", alert.ID,
			"desired", string(resp.action),
			"final", string(finalAction),
			"gate", gate)
	}
	g.metrics.CountProposalGenerated(ctx, string(finalAction))
	if g.bus != nil {
		g.bus.Emit(ctx, events.TypeProposalStateChanged, map[string]string{
			"proposal_id": p.ProposalID,
			"status":      string(store.ProposalQueued),
			"source":      "governor",
		})
	}
	return true, nil
}
