// Package config loads assessd and assessctl settings from an optional YAML
// file, a .env file and ASSESS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/database"
	"github.com/sbomify/assessments/pkg/ha"
	"github.com/sbomify/assessments/pkg/jobs"
	"github.com/sbomify/assessments/pkg/scheduler"
	"github.com/sbomify/assessments/pkg/storage"
)

// EnvPrefix prefixes every environment override, e.g. ASSESS_DATABASE_DSN.
const EnvPrefix = "ASSESS"

// Queue backends.
const (
	QueueDatabase = "database"
	QueueRedis    = "redis"
)

// Config is the complete runtime configuration.
type Config struct {
	Database     database.Config
	Redis        RedisConfig
	QueueBackend string
	// EventsBackend is log, redis or none.
	EventsBackend string
	Jobs          *jobs.JobConfig
	Orchestrator  assessment.Config
	Storage       StorageConfig
	Plugins       PluginsConfig
	Scheduler     SchedulerConfig
	HA            *ha.HAConfig
	HTTP          HTTPConfig
	Metrics       MetricsConfig
	Auth          AuthConfig
	Log           LogConfig
}

// RedisConfig locates the Redis server used by the redis queue backend
// and the event publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces queue keys.
	Prefix string
}

// StorageConfig selects where artifact bytes live. S3 is used when a
// bucket is set, otherwise files under Dir.
type StorageConfig struct {
	Dir string
	S3  storage.S3Config
}

// PluginsConfig points at the optional plugin catalog file.
type PluginsConfig struct {
	CatalogPath string
	// WatchCatalog reloads the catalog when the file changes.
	WatchCatalog bool
}

// SchedulerConfig controls scheduled refreshes.
type SchedulerConfig struct {
	Enabled           bool
	RefreshCron       string
	RefreshCategories []string
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Listen          string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// MetricsConfig configures the Prometheus listener. An empty Listen serves
// /metrics on the API listener.
type MetricsConfig struct {
	Listen string
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	// JWTPublicKeyPath is a PEM RSA or ECDSA public key. When empty, tokens
	// are decoded without verification.
	JWTPublicKeyPath string
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	db := database.DefaultConfig()
	v.SetDefault("database.type", db.Type)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)
	v.SetDefault("database.log_level", db.LogLevel)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "assess:tasks")
	v.SetDefault("queue.backend", QueueDatabase)
	v.SetDefault("events.backend", "log")

	jc := jobs.JobConfigFromEnv()
	v.SetDefault("jobs.enabled", jc.Enabled)
	v.SetDefault("jobs.concurrency", jc.Concurrency)
	v.SetDefault("jobs.poll_interval", jc.PollInterval)
	v.SetDefault("jobs.task_timeout", jc.TaskTimeout)
	v.SetDefault("jobs.claim_timeout", jc.ClaimTimeout)
	v.SetDefault("jobs.cleanup_interval", jc.CleanupInterval)
	v.SetDefault("jobs.retention_days", jc.RetentionDays)
	v.SetDefault("jobs.max_attempts", jc.Retry.MaxAttempts)
	v.SetDefault("jobs.retry.initial_interval", jc.Retry.InitialInterval)
	v.SetDefault("jobs.retry.max_interval", jc.Retry.MaxInterval)
	v.SetDefault("jobs.retry.max_elapsed", jc.Retry.MaxElapsed)
	v.SetDefault("jobs.retry.multiplier", jc.Retry.Multiplier)
	v.SetDefault("jobs.retry.jitter", jc.Retry.Jitter)
	v.SetDefault("outbox.poll_interval", jc.OutboxPollInterval)
	v.SetDefault("outbox.batch_size", jc.OutboxBatchSize)

	oc := assessment.DefaultConfig()
	v.SetDefault("orchestrator.plugin_timeout", oc.PluginTimeout)
	v.SetDefault("orchestrator.stale_run_timeout", oc.StaleRunTimeout)
	v.SetDefault("orchestrator.persist_attempts", oc.PersistAttempts)
	v.SetDefault("orchestrator.persist_backoff", oc.PersistBackoff)

	v.SetDefault("storage.dir", "./data/artifacts")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.use_path_style", false)

	v.SetDefault("plugins.catalog_path", "")
	v.SetDefault("plugins.watch_catalog", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.refresh_cron", "@daily")
	v.SetDefault("scheduler.refresh_categories", []string{"security"})

	hc := ha.HAConfigFromEnv()
	v.SetDefault("ha.leader_election_enabled", hc.LeaderElectionEnabled)
	v.SetDefault("ha.lease_name", hc.LeaseName)
	v.SetDefault("ha.lease_namespace", hc.LeaseNamespace)
	v.SetDefault("ha.lease_duration", hc.LeaseDuration)
	v.SetDefault("ha.renew_deadline", hc.RenewDeadline)
	v.SetDefault("ha.retry_period", hc.RetryPeriod)
	v.SetDefault("ha.migration_lock_enabled", hc.MigrationLockEnabled)
	v.SetDefault("ha.identity", hc.Identity)

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("auth.jwt_public_key_path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path may be empty, in which case ./assessd.yaml
// is used when present. A .env file in the working directory is loaded
// first and never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("assessd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	jc := jobs.DefaultJobConfig()
	jc.Enabled = v.GetBool("jobs.enabled")
	jc.Concurrency = v.GetInt("jobs.concurrency")
	jc.PollInterval = v.GetDuration("jobs.poll_interval")
	jc.TaskTimeout = v.GetDuration("jobs.task_timeout")
	jc.ClaimTimeout = v.GetDuration("jobs.claim_timeout")
	jc.CleanupInterval = v.GetDuration("jobs.cleanup_interval")
	jc.RetentionDays = v.GetInt("jobs.retention_days")
	jc.Retry.MaxAttempts = v.GetInt("jobs.max_attempts")
	jc.Retry.InitialInterval = v.GetDuration("jobs.retry.initial_interval")
	jc.Retry.MaxInterval = v.GetDuration("jobs.retry.max_interval")
	jc.Retry.MaxElapsed = v.GetDuration("jobs.retry.max_elapsed")
	jc.Retry.Multiplier = v.GetFloat64("jobs.retry.multiplier")
	jc.Retry.Jitter = v.GetFloat64("jobs.retry.jitter")
	jc.OutboxPollInterval = v.GetDuration("outbox.poll_interval")
	jc.OutboxBatchSize = v.GetInt("outbox.batch_size")

	hc := ha.DefaultHAConfig()
	hc.LeaderElectionEnabled = v.GetBool("ha.leader_election_enabled")
	hc.LeaseName = v.GetString("ha.lease_name")
	hc.LeaseNamespace = v.GetString("ha.lease_namespace")
	hc.LeaseDuration = v.GetDuration("ha.lease_duration")
	hc.RenewDeadline = v.GetDuration("ha.renew_deadline")
	hc.RetryPeriod = v.GetDuration("ha.retry_period")
	hc.MigrationLockEnabled = v.GetBool("ha.migration_lock_enabled")
	hc.Identity = v.GetString("ha.identity")

	return &Config{
		Database: database.Config{
			Type:            v.GetString("database.type"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			LogLevel:        v.GetString("database.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
		},
		QueueBackend:  strings.ToLower(v.GetString("queue.backend")),
		EventsBackend: strings.ToLower(v.GetString("events.backend")),
		Jobs:          jc,
		Orchestrator: assessment.Config{
			PluginTimeout:   v.GetDuration("orchestrator.plugin_timeout"),
			StaleRunTimeout: v.GetDuration("orchestrator.stale_run_timeout"),
			PersistAttempts: v.GetInt("orchestrator.persist_attempts"),
			PersistBackoff:  v.GetDuration("orchestrator.persist_backoff"),
		},
		Storage: StorageConfig{
			Dir: v.GetString("storage.dir"),
			S3: storage.S3Config{
				Bucket:          v.GetString("storage.s3.bucket"),
				Region:          v.GetString("storage.s3.region"),
				Endpoint:        v.GetString("storage.s3.endpoint"),
				AccessKeyID:     v.GetString("storage.s3.access_key_id"),
				SecretAccessKey: v.GetString("storage.s3.secret_access_key"),
				UsePathStyle:    v.GetBool("storage.s3.use_path_style"),
			},
		},
		Plugins: PluginsConfig{
			CatalogPath:  v.GetString("plugins.catalog_path"),
			WatchCatalog: v.GetBool("plugins.watch_catalog"),
		},
		Scheduler: SchedulerConfig{
			Enabled:           v.GetBool("scheduler.enabled"),
			RefreshCron:       v.GetString("scheduler.refresh_cron"),
			RefreshCategories: splitList(v.GetStringSlice("scheduler.refresh_categories")),
		},
		HA: hc,
		HTTP: HTTPConfig{
			Listen:          v.GetString("http.listen"),
			AllowedOrigins:  splitList(v.GetStringSlice("http.allowed_origins")),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Metrics: MetricsConfig{Listen: v.GetString("metrics.listen")},
		Auth:    AuthConfig{JWTPublicKeyPath: v.GetString("auth.jwt_public_key_path")},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
}

// splitList flattens comma separated entries, which is how list values
// arrive from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports settings that would make startup fail later.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.QueueBackend {
	case QueueDatabase, QueueRedis:
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be %q or %q, got %q", QueueDatabase, QueueRedis, c.QueueBackend))
	}
	switch c.EventsBackend {
	case "log", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("events.backend must be log, redis or none, got %q", c.EventsBackend))
	}
	if c.Jobs.Concurrency < 1 {
		errs = append(errs, errors.New("jobs.concurrency must be at least 1"))
	}
	if c.Jobs.Retry.InitialInterval <= 0 {
		errs = append(errs, errors.New("jobs.retry.initial_interval must be positive"))
	}
	if c.Jobs.OutboxBatchSize < 1 {
		errs = append(errs, errors.New("outbox.batch_size must be at least 1"))
	}
	if c.Scheduler.Enabled {
		if err := scheduler.ValidateSpec(c.Scheduler.RefreshCron); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.refresh_cron: %w", err))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
