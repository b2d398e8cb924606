// Package ha lets several assessd replicas share one database: schema
// migrations are serialized and singleton loops (outbox relay, scheduled
// refresh) run only on the elected leader.
package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// HAConfig holds configuration for high-availability features.
type HAConfig struct {
	// LeaderElectionEnabled turns on Kubernetes Lease-based leader
	// election. When false, this instance runs the singleton loops itself.
	LeaderElectionEnabled bool

	// LeaseName and LeaseNamespace locate the Lease resource.
	LeaseName      string
	LeaseNamespace string

	// LeaseDuration is how long non-leaders wait before taking over.
	LeaseDuration time.Duration

	// RenewDeadline is how long the leader retries renewing before
	// stepping down.
	RenewDeadline time.Duration

	RetryPeriod time.Duration

	// MigrationLockEnabled serializes schema migrations across replicas.
	MigrationLockEnabled bool

	// Identity names this replica in the Lease and the migration lock.
	// Defaults to POD_NAME, then the hostname.
	Identity string
}

// DefaultHAConfig returns an HAConfig with sensible defaults.
func DefaultHAConfig() *HAConfig {
	ns := os.Getenv("POD_NAMESPACE")
	if ns == "" {
		ns = "sbomify"
	}
	return &HAConfig{
		LeaderElectionEnabled: false,
		LeaseName:             "assessd-leader",
		LeaseNamespace:        ns,
		LeaseDuration:         15 * time.Second,
		RenewDeadline:         10 * time.Second,
		RetryPeriod:           2 * time.Second,
		MigrationLockEnabled:  true,
		Identity:              defaultIdentity(),
	}
}

// HAConfigFromEnv reads HA configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - ASSESS_HA_LEADER_ELECTION_ENABLED: "true" or "false" (default: "false")
//   - ASSESS_HA_LEASE_NAME: Lease resource name (default: "assessd-leader")
//   - ASSESS_HA_LEASE_NAMESPACE: Lease namespace (default from POD_NAMESPACE or "sbomify")
//   - ASSESS_HA_LEASE_DURATION_SECONDS: (default: 15)
//   - ASSESS_HA_RENEW_DEADLINE_SECONDS: (default: 10)
//   - ASSESS_HA_RETRY_PERIOD_SECONDS: (default: 2)
//   - ASSESS_HA_MIGRATION_LOCK_ENABLED: "true" or "false" (default: "true")
//   - POD_NAME: replica identity
func HAConfigFromEnv() *HAConfig {
	cfg := DefaultHAConfig()

	if v := os.Getenv("ASSESS_HA_LEADER_ELECTION_ENABLED"); v != "" {
		cfg.LeaderElectionEnabled = parseBool(v)
	}
	if v := os.Getenv("ASSESS_HA_LEASE_NAME"); v != "" {
		cfg.LeaseName = v
	}
	if v := os.Getenv("ASSESS_HA_LEASE_NAMESPACE"); v != "" {
		cfg.LeaseNamespace = v
	}
	secondsEnv("ASSESS_HA_LEASE_DURATION_SECONDS", &cfg.LeaseDuration)
	secondsEnv("ASSESS_HA_RENEW_DEADLINE_SECONDS", &cfg.RenewDeadline)
	secondsEnv("ASSESS_HA_RETRY_PERIOD_SECONDS", &cfg.RetryPeriod)
	if v := os.Getenv("ASSESS_HA_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.MigrationLockEnabled = parseBool(v)
	}

	return cfg
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func secondsEnv(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		*dst = time.Duration(secs) * time.Second
	}
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
