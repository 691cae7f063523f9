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
const DefaultConfigFile = "approvals.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path. The YAML file is
// optional; a missing file is not an error.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Default()

	if err := loadYAML(cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
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

// loadEnv overlays environment variables onto cfg. Only non-empty values
// override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Service.Name, "APPROVALS_SERVICE_NAME")
	setString(&cfg.Service.Version, "APPROVALS_VERSION")
	setString(&cfg.Service.Environment, "APPROVALS_ENVIRONMENT")
	setInt(&cfg.Server.Port, "APPROVALS_PORT")
	setDuration(&cfg.Server.ReadTimeout, "APPROVALS_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "APPROVALS_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "APPROVALS_IDLE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "APPROVALS_SHUTDOWN_TIMEOUT")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setInt32(&cfg.Database.MaxConns, "APPROVALS_PG_MAX_CONNS")
	setInt32(&cfg.Database.MinConns, "APPROVALS_PG_MIN_CONNS")
	setDuration(&cfg.Database.MaxConnLifetime, "APPROVALS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Database.MaxConnIdleTime, "APPROVALS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Database.HealthCheck, "APPROVALS_PG_HEALTH_CHECK")
	setBool(&cfg.Database.Migrate, "APPROVALS_PG_MIGRATE")
	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.Sweeper.Enabled, "APPROVALS_SWEEPER_ENABLED")
	setDuration(&cfg.Sweeper.Interval, "APPROVALS_SWEEPER_INTERVAL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Sweeper.Enabled && cfg.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive when sweeper is enabled")
	}
	return nil
}

// ── env setters ───────────────────────────────────────────────────────────────

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
