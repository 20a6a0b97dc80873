// Package detector is the periodic health scanner. Each tick inspects
// claimed proposals, run history and node liveness, raising deduplicated
// alerts for anything that looks wrong. The tick records its own audit row;
// a tick that cannot persist reports FAILED, because an un-persisted
// detection is equivalent to never having detected it.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nomadops/fleethub/pkg/events"
	"github.com/nomadops/fleethub/pkg/observability"
	"github.com/nomadops/fleethub/pkg/store"
)

// Default detector thresholds.
const (
	DefaultInterval        = 60 * time.Second
	HeartbeatStaleAfter    = 300 * time.Second
	StuckClaimedMultiplier = 2
	RunFailureSpikeCount   = 3

	// recurringBucket is the dedupe window for proposal-level conditions: a
	// condition that persists re-alerts at most once per bucket.
	recurringBucket = 30 * time.Minute
	// systemBucket is the coarser window for system-wide conditions.
	systemBucket = time.Hour
)

// Config tunes one detector instance.
type Config struct {
	SilentAfter   time.Duration
	OfflineAfter  time.Duration
	ProposalLease time.Duration
}

// Detector owns one scan loop. All caches and counters live on the instance,
// so multiple detectors in one process stay independent.
type Detector struct {
	store   *store.Store
	bus     *events.Bus
	metrics *observability.Provider
	logger  *slog.Logger
	cfg     Config
	clock   func() time.Time
}

// New creates a detector. bus and metrics may be nil.
func New(s *store.Store, bus *events.Bus, metrics *observability.Provider, logger *slog.Logger, cfg Config) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SilentAfter <= 0 {
		cfg.SilentAfter = store.DefaultSilentAfter
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = store.DefaultOfflineAfter
	}
	if cfg.ProposalLease <= 0 {
		cfg.ProposalLease = store.DefaultProposalLease
	}
	return &Detector{
		store:   s,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "detector"),
		cfg:     cfg,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// TickResult summarizes one detector pass.
type TickResult struct {
	TickID        string           `json:"tick_id"`
	Status        store.TickStatus `json:"status"`
	AlertsCreated int              `json:"alerts_created"`
	Errors        int              `json:"errors"`
}

// Tick runs one full scan. Step failures are isolated: each scan step logs,
// counts and continues. Only a failure to persist the tick's own audit row
// marks the tick FAILED.
func (d *Detector) Tick(ctx context.Context) TickResult {
	started := d.clock().UTC()
	result := TickResult{TickID: uuid.NewString(), Status: store.TickOK}

	steps := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{"claimed_proposals", d.scanClaimedProposals},
		{"run_history", d.scanRunHistory},
		{"node_liveness", d.scanNodeLiveness},
	}
	for _, step := range steps {
		created, err := step.run(ctx)
		result.AlertsCreated += created
		if err != nil {
			result.Errors++
			d.logger.Error("detector step failed", "step", step.name, "error", err)
			d.metrics.CountSwallowedError(ctx, "detector."+step.name)
		}
	}

	details, _ := json.Marshal(result)
	err := d.store.RecordTick(ctx, &store.Tick{
		TickID:    result.TickID,
		StartedAt: started,
		EndedAt:   d.clock().UTC(),
		Status:    store.TickOK,
		Details:   details,
	})
	if err != nil {
		result.Status = store.TickFailed
		d.logger.Error("tick could not persist itself", "tick_id", result.TickID, "error", err)
		d.metrics.CountTickFailed(ctx)
	}
	return result
}

// scanClaimedProposals flags expired leases, stale heartbeats and stuck
// claims.
func (d *Detector) scanClaimedProposals(ctx context.Context) (int, error) {
	proposals, err := d.store.ClaimedProposals(ctx)
	if err != nil {
		return 0, err
	}
	now := d.clock().UTC()
	created := 0
	for _, p := range proposals {
		if !p.LeaseExpiresAt.IsZero() && !p.LeaseExpiresAt.After(now) {
			created += d.raise(ctx, &store.Alert{
				Kind:       store.AlertLeaseExpired,
				ProposalID: p.ProposalID,
				NodeID:     p.ClaimedNodeID,
				DedupeKey:  recurringKey(store.AlertLeaseExpired, p.ProposalID, now),
				Details: detailJSON(map[string]any{
					"lease_expired_at": p.LeaseExpiresAt,
					"node_id":          p.ClaimedNodeID,
				}),
			})
		}

		heartbeatAge := now.Sub(p.LastHeartbeatAt)
		neverBeaten := p.LastHeartbeatAt.IsZero()
		claimAge := now.Sub(p.ClaimedAt)
		if (neverBeaten && claimAge > HeartbeatStaleAfter) ||
			(!neverBeaten && heartbeatAge > HeartbeatStaleAfter) {
			created += d.raise(ctx, &store.Alert{
				Kind:       store.AlertHeartbeatStale,
				ProposalID: p.ProposalID,
				NodeID:     p.ClaimedNodeID,
				DedupeKey:  recurringKey(store.AlertHeartbeatStale, p.ProposalID, now),
				Details: detailJSON(map[string]any{
					"last_heartbeat_at": p.LastHeartbeatAt,
					"claimed_at":        p.ClaimedAt,
				}),
			})
		}

		if claimAge > time.Duration(StuckClaimedMultiplier)*d.cfg.ProposalLease {
			created += d.raise(ctx, &store.Alert{
				Kind:       store.AlertProposalStuck,
				ProposalID: p.ProposalID,
				NodeID:     p.ClaimedNodeID,
				DedupeKey:  recurringKey(store.AlertProposalStuck, p.ProposalID, now),
				Details: detailJSON(map[string]any{
					"claimed_at":    p.ClaimedAt,
					"claim_age_sec": int(claimAge.Seconds()),
				}),
			})
		}
	}
	return created, nil
}

// scanRunHistory flags failure spikes and truncated output signals over the
// trailing hour.
func (d *Detector) scanRunHistory(ctx context.Context) (int, error) {
	now := d.clock().UTC()
	cutoff := now.Add(-time.Hour)
	created := 0

	failures, err := d.store.FailedRunCountSince(ctx, cutoff)
	if err != nil {
		return created, err
	}
	if failures >= RunFailureSpikeCount {
		created += d.raise(ctx, &store.Alert{
			Kind:       store.AlertRunFailureSpike,
			ProposalID: store.SystemTarget,
			DedupeKey:  systemKey(store.AlertRunFailureSpike, now),
			Details:    detailJSON(map[string]any{"failures_last_hour": failures}),
		})
	}

	truncated, err := d.store.RunsWithTruncatedSignals(ctx, cutoff)
	if err != nil {
		return created, err
	}
	if len(truncated) > 0 {
		ids := make([]string, 0, len(truncated))
		for _, r := range truncated {
			ids = append(ids, r.RunID)
		}
		created += d.raise(ctx, &store.Alert{
			Kind:       store.AlertSignalTruncated,
			ProposalID: store.SystemTarget,
			DedupeKey:  systemKey(store.AlertSignalTruncated, now),
			Details:    detailJSON(map[string]any{"run_ids": ids}),
		})
	}
	return created, nil
}

// scanNodeLiveness demotes quiet nodes and alerts once per state transition.
// The nodes.status column is the latch: a persisting condition cannot re-fire
// until a heartbeat re-arms it.
func (d *Detector) scanNodeLiveness(ctx context.Context) (int, error) {
	transitions, err := d.store.SweepNodeLiveness(ctx, d.cfg.SilentAfter, d.cfg.OfflineAfter)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, tr := range transitions {
		kind := store.AlertNodeSilent
		if tr.To == store.NodeOffline {
			kind = store.AlertNodeOffline
		}
		created += d.raise(ctx, &store.Alert{
			Kind:      kind,
			NodeID:    tr.NodeID,
			DedupeKey: fmt.Sprintf("%s:%s:%s", kind, tr.NodeID, tr.From),
			Details:   detailJSON(map[string]any{"from": tr.From, "to": tr.To}),
		})
	}
	return created, nil
}

// raise inserts one alert, returning 1 when it was new. Insert errors are
// isolated here so a single bad alert never aborts the rest of a scan step.
func (d *Detector) raise(ctx context.Context, a *store.Alert) int {
	a.ID = uuid.NewString()
	createdNew, err := d.store.InsertAlert(ctx, a)
	if err != nil {
		d.logger.Error("insert alert failed",
			"kind", string(a.Kind), "dedupe_key", a.DedupeKey, "error", err)
		d.metrics.CountSwallowedError(ctx, "detector.insert_alert")
		return 0
	}
	if !createdNew {
		return 0
	}
	d.logger.Info("alert raised",
		"alert_id", a.ID,
		"kind", string(a.Kind),
		"proposal_id", a.ProposalID,
		"node_id", a.NodeID)
	d.metrics.CountAlert(ctx, string(a.Kind))
	if d.bus != nil {
		d.bus.Emit(ctx, events.TypeAlertCreated, a)
	}
	return 1
}

// recurringKey buckets a proposal-level condition: at most one alert per
// kind+target per bucket while the condition persists.
func recurringKey(kind store.AlertKind, proposalID string, now time.Time) string {
	bucket := now.Truncate(recurringBucket).Unix()
	return fmt.Sprintf("%s:%s:%d", kind, proposalID, bucket)
}

// systemKey buckets a system-wide condition hourly.
func systemKey(kind store.AlertKind, now time.Time) string {
	bucket := now.Truncate(systemBucket).Unix()
	return fmt.Sprintf("%s:%d", kind, bucket)
}

func detailJSON(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
