package jobs

import (
	"os"
	"strconv"
	"time"
)

// JobConfig controls the task queue, its workers and the outbox relay.
type JobConfig struct {
	Concurrency        int           // Max concurrent workers. Default 3.
	PollInterval       time.Duration // How often workers poll for new tasks. Default 2s.
	TaskTimeout        time.Duration // Wall-clock limit of one task attempt. Default 10m.
	ClaimTimeout       time.Duration // Max time a task can be running before considered stuck. Default 30m.
	CleanupInterval    time.Duration // How often stuck and old tasks are swept. Default 1m.
	RetentionDays      int           // How long to keep finished tasks. Default 7.
	Retry              RetryPolicy   // Backoff for transient failures.
	OutboxPollInterval time.Duration // How often the relay polls the outbox. Default 1s.
	OutboxBatchSize    int           // Outbox rows dispatched per poll. Default 100.
	Enabled            bool          // Whether the worker pool runs. Default true.
}

// DefaultJobConfig returns the default job configuration.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Concurrency:        3,
		PollInterval:       2 * time.Second,
		TaskTimeout:        10 * time.Minute,
		ClaimTimeout:       30 * time.Minute,
		CleanupInterval:    time.Minute,
		RetentionDays:      7,
		Retry:              DefaultRetryPolicy(),
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		Enabled:            true,
	}
}

// JobConfigFromEnv loads config from environment variables.
// ASSESS_JOB_CONCURRENCY, ASSESS_JOB_MAX_ATTEMPTS, ASSESS_JOB_POLL_INTERVAL_SECONDS,
// ASSESS_JOB_TASK_TIMEOUT_SECONDS, ASSESS_JOB_CLAIM_TIMEOUT_MINUTES,
// ASSESS_JOB_RETRY_MAX_ELAPSED_MINUTES, ASSESS_JOB_RETENTION_DAYS, ASSESS_JOB_ENABLED
func JobConfigFromEnv() *JobConfig {
	cfg := DefaultJobConfig()

	if v := os.Getenv("ASSESS_JOB_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}

	if v := os.Getenv("ASSESS_JOB_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Retry.MaxAttempts = n
		}
	}

	if v := os.Getenv("ASSESS_JOB_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("ASSESS_JOB_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TaskTimeout = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("ASSESS_JOB_CLAIM_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClaimTimeout = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("ASSESS_JOB_RETRY_MAX_ELAPSED_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxElapsed = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("ASSESS_JOB_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}

	if v := os.Getenv("ASSESS_JOB_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
