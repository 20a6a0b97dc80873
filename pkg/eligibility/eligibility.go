// Package eligibility ranks worker nodes against a work request. Compute is a
// pure function: given the same node snapshot, request and reference time it
// always returns the same ordering, which is what makes routing decisions
// reproducible in tests and postmortems.
package eligibility

import (
	"fmt"
	"sort"
	"time"

	"github.com/nomadops/fleethub/pkg/store"
)

// TrustedTag marks nodes allowed to take high-risk work at a scoring boost.
const TrustedTag = "trusted"

const (
	baseScore          = 50
	allowTagBoost      = 10
	trustedBoost       = 20
	recentHeartbeat    = 60 * time.Second
	recentHeartbeatPts = 5
)

// Request describes what a proposal needs from a node.
type Request struct {
	WorkType        string   `json:"work_type,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	Models          []string `json:"models,omitempty"`
	AllowedTags     []string `json:"allowed_tags,omitempty"`
	BlockedTags     []string `json:"blocked_tags,omitempty"`
	MinAgentVersion string   `json:"min_agent_version,omitempty"`
	HighRisk        bool     `json:"high_risk,omitempty"`
}

// Candidate is one scored eligible node.
type Candidate struct {
	NodeID  string   `json:"node_id"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// Rejection is one ineligible node with the reasons it was excluded.
type Rejection struct {
	NodeID  string   `json:"node_id"`
	Reasons []string `json:"reasons"`
}

// Result is the full matcher output; the router assigns to Eligible[0].
type Result struct {
	Eligible   []Candidate `json:"eligible"`
	Ineligible []Rejection `json:"ineligible"`
}

// Compute evaluates every node against the request. now is the reference time
// for heartbeat recency; callers pass it in so the function stays pure.
//
// Version comparison is plain string ordering. Callers that need semantic
// versioning must normalize agent_version before it reaches the registry (the
// API layer does this on node heartbeat).
func Compute(nodes []*store.Node, req Request, now time.Time) Result {
	result := Result{
		Eligible:   make([]Candidate, 0, len(nodes)),
		Ineligible: make([]Rejection, 0),
	}

	for _, node := range nodes {
		reasons := make([]string, 0, 4)
		ok := true

		if node.Status != store.NodeOnline {
			ok = false
			reasons = append(reasons, fmt.Sprintf("status=%s", node.Status))
		}

		caps := toSet(node.Capabilities)
		for _, c := range req.Capabilities {
			if !caps[c] {
				ok = false
				reasons = append(reasons, "missing capability: "+c)
			}
		}

		models := toSet(node.Models)
		for _, m := range req.Models {
			if !models[m] {
				ok = false
				reasons = append(reasons, "missing model: "+m)
			}
		}

		tags := toSet(node.Tags)
		if len(req.AllowedTags) > 0 && !intersects(tags, req.AllowedTags) {
			ok = false
			reasons = append(reasons, "missing allowed_tag")
		}
		if intersects(tags, req.BlockedTags) {
			ok = false
			reasons = append(reasons, "has blocked_tag")
		}

		if req.MinAgentVersion != "" && node.AgentVersion < req.MinAgentVersion {
			ok = false
			reasons = append(reasons,
				fmt.Sprintf("version %s < %s", node.AgentVersion, req.MinAgentVersion))
		}

		if !ok {
			result.Ineligible = append(result.Ineligible, Rejection{
				NodeID: node.NodeID, Reasons: reasons,
			})
			continue
		}

		score := baseScore
		reasons = append(reasons, "ONLINE")

		if len(req.AllowedTags) > 0 && intersects(tags, req.AllowedTags) {
			score += allowTagBoost
			reasons = append(reasons, "tag match")
		}
		if req.HighRisk && tags[TrustedTag] {
			score += trustedBoost
			reasons = append(reasons, TrustedTag)
		}
		if !node.LastHeartbeatAt.IsZero() && now.Sub(node.LastHeartbeatAt) < recentHeartbeat {
			score += recentHeartbeatPts
			reasons = append(reasons, "recent heartbeat")
		}
		if node.MaxConcurrency > 0 {
			score += node.MaxConcurrency
		}

		result.Eligible = append(result.Eligible, Candidate{
			NodeID: node.NodeID, Score: score, Reasons: reasons,
		})
	}

	// node_id tiebreak keeps the ordering total, hence deterministic.
	sort.Slice(result.Eligible, func(i, j int) bool {
		a, b := result.Eligible[i], result.Eligible[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.NodeID < b.NodeID
	})
	sort.Slice(result.Ineligible, func(i, j int) bool {
		return result.Ineligible[i].NodeID < result.Ineligible[j].NodeID
	})
	return result
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func intersects(set map[string]bool, values []string) bool {
	for _, v := range values {
		if set[v] {
			return true
		}
	}
	return false
}
