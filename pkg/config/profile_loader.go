package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named tuning overlay (e.g. "aggressive", "conservative",
// "lab") applied on top of the environment configuration. Zero values leave
// the base value untouched.
type Profile struct {
	Name                string  `yaml:"name"`
	SilentAfterMinutes  int     `yaml:"silent_after_minutes"`
	OfflineAfterMinutes int     `yaml:"offline_after_minutes"`
	ProposalLeaseMin    int     `yaml:"proposal_lease_minutes"`
	JobLeaseMinutes     int     `yaml:"job_lease_minutes"`
	AssignmentTTLMin    int     `yaml:"assignment_ttl_minutes"`
	DetectorIntervalSec int     `yaml:"detector_interval_seconds"`
	RouterIntervalSec   int     `yaml:"router_interval_seconds"`
	RemediatePerHour    int     `yaml:"remediate_per_hour_cap"`
	RemediatePerDay     int     `yaml:"remediate_per_day_cap"`
	HighRiskPerDay      int     `yaml:"high_risk_per_day_cap"`
	RateLimitPerSecond  float64 `yaml:"rate_limit_per_second"`
}

// LoadProfile reads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return &p, nil
}

// Apply overlays the profile's non-zero values onto the config.
func (p *Profile) Apply(cfg *Config) {
	if p.SilentAfterMinutes > 0 {
		cfg.SilentAfter = time.Duration(p.SilentAfterMinutes) * time.Minute
	}
	if p.OfflineAfterMinutes > 0 {
		cfg.OfflineAfter = time.Duration(p.OfflineAfterMinutes) * time.Minute
	}
	if p.ProposalLeaseMin > 0 {
		cfg.ProposalLease = time.Duration(p.ProposalLeaseMin) * time.Minute
	}
	if p.JobLeaseMinutes > 0 {
		cfg.JobLease = time.Duration(p.JobLeaseMinutes) * time.Minute
	}
	if p.AssignmentTTLMin > 0 {
		cfg.AssignmentTTL = time.Duration(p.AssignmentTTLMin) * time.Minute
	}
	if p.DetectorIntervalSec > 0 {
		cfg.DetectorInterval = time.Duration(p.DetectorIntervalSec) * time.Second
	}
	if p.RouterIntervalSec > 0 {
		cfg.RouterInterval = time.Duration(p.RouterIntervalSec) * time.Second
	}
	if p.RemediatePerHour > 0 {
		cfg.RemediatePerHour = p.RemediatePerHour
	}
	if p.RemediatePerDay > 0 {
		cfg.RemediatePerDay = p.RemediatePerDay
	}
	if p.HighRiskPerDay > 0 {
		cfg.HighRiskPerDay = p.HighRiskPerDay
	}
	if p.RateLimitPerSecond > 0 {
		cfg.RateLimitPerSecond = p.RateLimitPerSecond
	}
}
