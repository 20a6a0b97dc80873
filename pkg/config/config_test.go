package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 10*time.Minute, cfg.SilentAfter)
	require.Equal(t, 60*time.Minute, cfg.OfflineAfter)
	require.Equal(t, 30*time.Minute, cfg.ProposalLease)
	require.Equal(t, 10*time.Minute, cfg.JobLease)
	require.Equal(t, 15*time.Minute, cfg.AssignmentTTL)
	require.Equal(t, 5, cfg.RemediatePerHour)
	require.Equal(t, 20, cfg.RemediatePerDay)
	require.Equal(t, 2, cfg.HighRiskPerDay)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SILENT_AFTER_MINUTES", "5")
	t.Setenv("REMEDIATE_PER_HOUR_CAP", "3")
	t.Setenv("OPERATOR_TOKEN_HASHES", "hash1, hash2,")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := Load()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, 5*time.Minute, cfg.SilentAfter)
	require.Equal(t, 3, cfg.RemediatePerHour)
	require.Equal(t, []string{"hash1", "hash2"}, cfg.OperatorTokenHashes)
	require.True(t, cfg.OTelEnabled)
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv("SILENT_AFTER_MINUTES", "not-a-number")
	t.Setenv("RATE_LIMIT_PER_SECOND", "-3")
	cfg := Load()
	require.Equal(t, 10*time.Minute, cfg.SilentAfter)
	require.Equal(t, 25.0, cfg.RateLimitPerSecond)
}

func TestProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
name: lab
silent_after_minutes: 2
detector_interval_seconds: 5
remediate_per_hour_cap: 100
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_lab.yaml"), body, 0o644))

	p, err := LoadProfile(dir, "LAB")
	require.NoError(t, err)
	require.Equal(t, "lab", p.Name)

	cfg := Load()
	p.Apply(cfg)
	require.Equal(t, 2*time.Minute, cfg.SilentAfter)
	require.Equal(t, 5*time.Second, cfg.DetectorInterval)
	require.Equal(t, 100, cfg.RemediatePerHour)
	// Untouched values keep their defaults.
	require.Equal(t, 60*time.Minute, cfg.OfflineAfter)
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	require.Error(t, err)
}
