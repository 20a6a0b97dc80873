// Package config loads hub configuration from the environment, optionally
// overlaid with a named YAML tuning profile.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the hub configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabasePath is the SQLite file backing the work store.
	DatabasePath string

	// HubSecret signs assignment tokens. Required outside development.
	HubSecret string
	// OperatorTokenHashes are bcrypt hashes of accepted API bearer tokens.
	OperatorTokenHashes []string

	// Liveness thresholds.
	SilentAfter  time.Duration
	OfflineAfter time.Duration

	// Lease and assignment windows.
	ProposalLease time.Duration
	JobLease      time.Duration
	AssignmentTTL time.Duration

	// Tick intervals.
	DetectorInterval time.Duration
	RouterInterval   time.Duration

	// Budget caps.
	RemediatePerHour int
	RemediatePerDay  int
	HighRiskPerDay   int

	// API rate limiting (requests per second per client; 0 disables).
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Redis event publishing. Empty address disables it.
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	// OpenTelemetry.
	OTLPEndpoint string
	OTelEnabled  bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Port:                envOr("PORT", "8080"),
		LogLevel:            envOr("LOG_LEVEL", "INFO"),
		DatabasePath:        envOr("DATABASE_PATH", "fleethub.db"),
		HubSecret:           os.Getenv("HUB_SECRET"),
		OperatorTokenHashes: splitList(os.Getenv("OPERATOR_TOKEN_HASHES")),
		SilentAfter:         envDuration("SILENT_AFTER_MINUTES", 10*time.Minute),
		OfflineAfter:        envDuration("OFFLINE_AFTER_MINUTES", 60*time.Minute),
		ProposalLease:       envDuration("PROPOSAL_LEASE_MINUTES", 30*time.Minute),
		JobLease:            envDuration("JOB_LEASE_MINUTES", 10*time.Minute),
		AssignmentTTL:       envDuration("ASSIGNMENT_TTL_MINUTES", 15*time.Minute),
		DetectorInterval:    envSeconds("DETECTOR_INTERVAL_SECONDS", 60*time.Second),
		RouterInterval:      envSeconds("ROUTER_INTERVAL_SECONDS", 30*time.Second),
		RemediatePerHour:    envInt("REMEDIATE_PER_HOUR_CAP", 5),
		RemediatePerDay:     envInt("REMEDIATE_PER_DAY_CAP", 20),
		HighRiskPerDay:      envInt("HIGH_RISK_PER_DAY_CAP", 2),
		RateLimitPerSecond:  envFloat("RATE_LIMIT_PER_SECOND", 25),
		RateLimitBurst:      envInt("RATE_LIMIT_BURST", 50),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisChannel:        envOr("REDIS_CHANNEL", "fleethub.events"),
		OTLPEndpoint:        envOr("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:         os.Getenv("OTEL_ENABLED") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	n := envInt(key, -1)
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Minute
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	n := envInt(key, -1)
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
