package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "runforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	normalize(&cfg)

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RUNFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "RUNFORGE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RUNFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RUNFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RUNFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RUNFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RUNFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "RUNFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RUNFORGE_LOG_SERVICE")

	setInt(&cfg.Scheduler.MaxGlobalConcurrentRuns, "RUNFORGE_MAX_GLOBAL_RUNS")
	setInt(&cfg.Scheduler.PerProjectConcurrencyLimit, "RUNFORGE_PER_PROJECT_LIMIT")
	setInt(&cfg.Scheduler.PerRepoConcurrencyLimit, "RUNFORGE_PER_REPO_LIMIT")
	setBool(&cfg.Scheduler.EnforceProjectLimit, "RUNFORGE_ENFORCE_PROJECT_LIMIT")
	setDuration(&cfg.Scheduler.DispatchInterval, "RUNFORGE_DISPATCH_INTERVAL")
	setDuration(&cfg.Scheduler.DispatchTimeout, "RUNFORGE_DISPATCH_TIMEOUT")
	setDuration(&cfg.Scheduler.ProvisionGrace, "RUNFORGE_PROVISION_GRACE")

	setInt(&cfg.DeadRun.CheckIntervalSeconds, "RUNFORGE_DEADRUN_CHECK_INTERVAL_SECONDS")
	setInt(&cfg.DeadRun.StaleRunThresholdMinutes, "RUNFORGE_DEADRUN_STALE_MINUTES")
	setInt(&cfg.DeadRun.ZombieRunThresholdMinutes, "RUNFORGE_DEADRUN_ZOMBIE_MINUTES")
	setInt(&cfg.DeadRun.MaxRunAgeHours, "RUNFORGE_DEADRUN_MAX_AGE_HOURS")
	setBool(&cfg.DeadRun.ForceKillOnTimeout, "RUNFORGE_DEADRUN_FORCE_KILL")
	setBool(&cfg.DeadRun.EnableAutoTermination, "RUNFORGE_DEADRUN_AUTO_TERMINATION")

	setInt(&cfg.StageTimeout.DefaultTaskStageTimeoutMinutes, "RUNFORGE_STAGE_TASK_TIMEOUT_MINUTES")
	setInt(&cfg.StageTimeout.DefaultApprovalStageTimeoutHours, "RUNFORGE_STAGE_APPROVAL_TIMEOUT_HOURS")
	setInt(&cfg.StageTimeout.DefaultParallelStageTimeoutMinutes, "RUNFORGE_STAGE_PARALLEL_TIMEOUT_MINUTES")
	setInt(&cfg.StageTimeout.MaxStageTimeoutHours, "RUNFORGE_STAGE_MAX_TIMEOUT_HOURS")

	setDuration(&cfg.Alerts.CheckInterval, "RUNFORGE_ALERT_CHECK_INTERVAL")
	setDuration(&cfg.Alerts.Cooldown, "RUNFORGE_ALERT_COOLDOWN")

	setInt64(&cfg.Cache.L1MaxSizeMB, "RUNFORGE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.CountTTL, "RUNFORGE_CACHE_COUNT_TTL")

	setInt(&cfg.Breaker.MaxFailures, "RUNFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RUNFORGE_BREAKER_TIMEOUT")

	setBool(&cfg.Telemetry.Enabled, "RUNFORGE_OTEL_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "RUNFORGE_OTLP_ENDPOINT")

	setString(&cfg.Secrets.SharedSecret, "RUNFORGE_SECRETS_KEY")
}

// normalize replaces out-of-range values with the documented defaults
// instead of failing startup.
func normalize(cfg *Config) {
	def := Defaults()

	if cfg.Scheduler.MaxGlobalConcurrentRuns <= 0 {
		cfg.Scheduler.MaxGlobalConcurrentRuns = def.Scheduler.MaxGlobalConcurrentRuns
	}
	if cfg.Scheduler.PerProjectConcurrencyLimit <= 0 {
		cfg.Scheduler.PerProjectConcurrencyLimit = def.Scheduler.PerProjectConcurrencyLimit
	}
	if cfg.Scheduler.PerRepoConcurrencyLimit <= 0 {
		cfg.Scheduler.PerRepoConcurrencyLimit = def.Scheduler.PerRepoConcurrencyLimit
	}
	if cfg.Scheduler.DispatchInterval <= 0 {
		cfg.Scheduler.DispatchInterval = def.Scheduler.DispatchInterval
	}
	if cfg.Scheduler.DispatchTimeout <= 0 {
		cfg.Scheduler.DispatchTimeout = def.Scheduler.DispatchTimeout
	}
	if cfg.DeadRun.CheckIntervalSeconds <= 0 {
		cfg.DeadRun.CheckIntervalSeconds = def.DeadRun.CheckIntervalSeconds
	}
	if cfg.DeadRun.StaleRunThresholdMinutes <= 0 {
		cfg.DeadRun.StaleRunThresholdMinutes = def.DeadRun.StaleRunThresholdMinutes
	}
	if cfg.DeadRun.ZombieRunThresholdMinutes <= 0 {
		cfg.DeadRun.ZombieRunThresholdMinutes = def.DeadRun.ZombieRunThresholdMinutes
	}
	if cfg.DeadRun.MaxRunAgeHours <= 0 {
		cfg.DeadRun.MaxRunAgeHours = def.DeadRun.MaxRunAgeHours
	}
	if cfg.StageTimeout.DefaultTaskStageTimeoutMinutes <= 0 {
		cfg.StageTimeout.DefaultTaskStageTimeoutMinutes = def.StageTimeout.DefaultTaskStageTimeoutMinutes
	}
	if cfg.StageTimeout.DefaultApprovalStageTimeoutHours <= 0 {
		cfg.StageTimeout.DefaultApprovalStageTimeoutHours = def.StageTimeout.DefaultApprovalStageTimeoutHours
	}
	if cfg.StageTimeout.DefaultParallelStageTimeoutMinutes <= 0 {
		cfg.StageTimeout.DefaultParallelStageTimeoutMinutes = def.StageTimeout.DefaultParallelStageTimeoutMinutes
	}
	if cfg.StageTimeout.MaxStageTimeoutHours <= 0 {
		cfg.StageTimeout.MaxStageTimeoutHours = def.StageTimeout.MaxStageTimeoutHours
	}
	if cfg.Cache.L1MaxSizeMB <= 0 {
		cfg.Cache.L1MaxSizeMB = def.Cache.L1MaxSizeMB
	}
	if cfg.Cache.CountTTL <= 0 {
		cfg.Cache.CountTTL = def.Cache.CountTTL
	}
	if cfg.Breaker.MaxFailures <= 0 {
		cfg.Breaker.MaxFailures = def.Breaker.MaxFailures
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = def.Breaker.Timeout
	}
	if cfg.Alerts.CheckInterval <= 0 {
		cfg.Alerts.CheckInterval = def.Alerts.CheckInterval
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
