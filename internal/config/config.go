// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Load fails if any field tagged "required" is missing or [Config.Validate]
// rejects the combination of values.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// MinHeartbeatInterval is the smallest accepted WORKER_HEARTBEAT_INTERVAL.
const MinHeartbeatInterval = 3 * time.Second

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	// DatabaseURLMigrate is used by the migrate command when the runtime role
	// lacks DDL privileges. Falls back to DatabaseURL when empty.
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	// EnqueueRatePerMinute limits POST /api/v1/jobs per client IP; 0 disables.
	EnqueueRatePerMinute int           `env:"ENQUEUE_RATE_PER_MINUTE" envDefault:"120"`
	RateLimitEvictTTL    time.Duration `env:"RATE_LIMIT_EVICT_TTL"    envDefault:"15m"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// WorkerID is written to locked_by. Empty means hostname:pid:<random>.
	WorkerID                string        `env:"WORKER_ID"`
	WorkerConcurrency       int           `env:"WORKER_CONCURRENCY"        envDefault:"1"`
	WorkerPollInterval      time.Duration `env:"WORKER_POLL_INTERVAL"      envDefault:"1s"`
	WorkerHeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"15s"`
	StaleLease              time.Duration `env:"STALE_LEASE"               envDefault:"30m"`
	StaleSweepInterval      time.Duration `env:"STALE_SWEEP_INTERVAL"      envDefault:"1m"`
	ScratchDir              string        `env:"SCRATCH_DIR"`

	// ── Log storage (S3) ─────────────────────────────────────────────────────────
	// Empty LogsBucket disables log and artifact uploads.
	LogsBucket        string `env:"LOGS_BUCKET"`
	LogsPrefix        string `env:"LOGS_PREFIX"          envDefault:"media-jobs/"`
	S3Region          string `env:"S3_REGION"            envDefault:"us-east-1"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3ForcePathStyle  bool   `env:"S3_FORCE_PATH_STYLE"  envDefault:"false"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerHeartbeatInterval < MinHeartbeatInterval {
		errs = append(errs, fmt.Errorf("WORKER_HEARTBEAT_INTERVAL %s is below the minimum %s",
			c.WorkerHeartbeatInterval, MinHeartbeatInterval))
	}
	if c.StaleLease <= 0 {
		errs = append(errs, fmt.Errorf("STALE_LEASE must be positive, got %s", c.StaleLease))
	} else if c.WorkerHeartbeatInterval >= c.StaleLease {
		errs = append(errs, fmt.Errorf("WORKER_HEARTBEAT_INTERVAL %s must be shorter than STALE_LEASE %s",
			c.WorkerHeartbeatInterval, c.StaleLease))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.WorkerPollInterval))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency))
	}
	if c.DBQueryExecMode != "simple_protocol" && c.DBQueryExecMode != "extended_protocol" {
		errs = append(errs, fmt.Errorf("DB_QUERY_EXEC_MODE must be simple_protocol or extended_protocol, got %q", c.DBQueryExecMode))
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		errs = append(errs, errors.New("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// MigrateURL returns the connection string the migrate command uses.
func (c *Config) MigrateURL() string {
	if c.DatabaseURLMigrate != "" {
		return c.DatabaseURLMigrate
	}
	return c.DatabaseURL
}

// ShutdownTimeout returns SHUTDOWN_TIMEOUT_SECONDS as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
