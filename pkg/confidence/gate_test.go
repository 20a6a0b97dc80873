package confidence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateBoundaries(t *testing.T) {
	cases := []struct {
		name string
		base float64
		want Decision
	}{
		{"exactly execute threshold", 0.90, Execute},
		{"just below execute", 0.8999, Queue},
		{"exactly queue threshold", 0.70, Queue},
		{"just below queue", 0.6999, Hold},
		{"exactly hold threshold", 0.60, Hold},
		{"well below hold", 0.40, Reject},
		{"zero", 0, Reject},
		{"one", 1, Execute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.base, Context{})
			require.Equal(t, tc.want, got.Decision)
			require.Equal(t, tc.base, got.AdjustedScore)
		})
	}
}

func TestEvaluateAdjustments(t *testing.T) {
	// Reviewer approval lifts a borderline score over the execute line.
	got := Evaluate(0.80, Context{ReviewerApproved: true})
	require.Equal(t, Execute, got.Decision)
	require.InDelta(t, 0.95, got.AdjustedScore, 1e-9)

	// Rejection wins over approval.
	got = Evaluate(0.80, Context{ReviewerApproved: true, ReviewerRejected: true})
	require.Equal(t, Hold, got.Decision)
	require.InDelta(t, 0.50, got.AdjustedScore, 1e-9)

	// Code artifacts are taxed.
	got = Evaluate(0.95, Context{ArtifactType: "code"})
	require.Equal(t, Queue, got.Decision)
	require.InDelta(t, 0.85, got.AdjustedScore, 1e-9)

	// Unknown artifact types are not.
	got = Evaluate(0.95, Context{ArtifactType: "report"})
	require.Equal(t, Execute, got.Decision)

	// Browser automation stacks with the artifact tax.
	got = Evaluate(0.95, Context{ArtifactType: "config", BrowserAutomation: true})
	require.InDelta(t, 0.80, got.AdjustedScore, 1e-9)
	require.Equal(t, Queue, got.Decision)
}

func TestEvaluateClamps(t *testing.T) {
	got := Evaluate(0.1, Context{ReviewerRejected: true, ArtifactType: "patch"})
	require.Equal(t, 0.0, got.AdjustedScore)
	require.Equal(t, Reject, got.Decision)

	got = Evaluate(0.99, Context{ReviewerApproved: true})
	require.Equal(t, 1.0, got.AdjustedScore)
	require.Equal(t, Execute, got.Decision)
}
