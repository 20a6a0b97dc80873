// Package confidence scores autonomously proposed actions and decides whether
// they may run without human consent. It is the autonomous counterpart of the
// consent ledger: EXECUTE bypasses human review entirely, so the thresholds
// here are fixed constants rather than configuration.
package confidence

// Decision is the gate verdict for one proposed action.
type Decision string

const (
	// Execute means the action runs immediately without human review.
	Execute Decision = "EXECUTE"
	// Queue means the action waits for human review; the proposer may keep
	// reasoning meanwhile.
	Queue Decision = "QUEUE"
	// Hold halts the execution chain until a human intervenes.
	Hold Decision = "HOLD"
	// Reject discards the action as unsafe or hallucinated.
	Reject Decision = "REJECT"
)

// Fixed thresholds. Boundary-inclusive on the low end: a score of exactly
// 0.90 executes, exactly 0.70 queues, exactly 0.60 holds.
const (
	executeThreshold = 0.90
	queueThreshold   = 0.70
	holdThreshold    = 0.60
)

// Score adjustments applied before thresholding.
const (
	reviewerApprovedBoost = 0.15
	reviewerRejectedTax   = 0.30
	riskyArtifactTax      = 0.10
	browserTax            = 0.05
)

// Context carries the review and risk signals that adjust the base score.
type Context struct {
	// ReviewerApproved is set when a second independent reviewer signed off.
	ReviewerApproved bool
	// ReviewerRejected is set when a reviewer explicitly rejected the action.
	// Takes precedence over ReviewerApproved.
	ReviewerRejected bool
	// ArtifactType is what the action produces ("code", "patch", "config"
	// are taxed as inherently risky).
	ArtifactType string
	// BrowserAutomation is set when the action drives a browser or UI.
	BrowserAutomation bool
}

// Result is the gate outcome: the decision, the score after adjustments and a
// human-readable reason.
type Result struct {
	Decision      Decision `json:"decision"`
	AdjustedScore float64  `json:"adjusted_score"`
	Reason        string   `json:"reason"`
}

// Evaluate adjusts the base confidence by the context signals, clamps to
// [0, 1] and maps the result to a decision.
func Evaluate(base float64, ctx Context) Result {
	score := base

	if ctx.ReviewerRejected {
		score -= reviewerRejectedTax
	} else if ctx.ReviewerApproved {
		score += reviewerApprovedBoost
	}

	switch ctx.ArtifactType {
	case "code", "patch", "config":
		score -= riskyArtifactTax
	}
	if ctx.BrowserAutomation {
		score -= browserTax
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	switch {
	case score >= executeThreshold:
		return Result{Execute, score, "high confidence, verified"}
	case score >= queueThreshold:
		return Result{Queue, score, "requires human review"}
	case score >= holdThreshold:
		return Result{Hold, score, "risky, halting execution chain"}
	default:
		return Result{Reject, score, "unsafe or hallucinated"}
	}
}
