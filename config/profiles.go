package config

import (
	"fmt"
	"time"

	"teampoints/adapters/sqlx"
)

// Profile names a preset applied on top of DefaultConfig.
const (
	ProfileDefault    = "default"
	ProfileLocal      = "local"
	ProfileTest       = "test"
	ProfileProduction = "production"
)

// LoadProfile builds a configuration from a named profile, overlays the
// environment and validates the result.
func LoadProfile(name string) (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyProfile(cfg, name); err != nil {
		return nil, err
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Resolve layers a profile, an optional JSON file, the environment and the
// secret store, in that order, and validates the result.
func Resolve(profile, path string, secrets SecretStore) (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyProfile(cfg, profile); err != nil {
		return nil, err
	}
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if secrets != nil {
		if err := cfg.LoadSecrets(secrets); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyProfile mutates cfg according to the named profile.
func ApplyProfile(cfg *Config, name string) error {
	switch name {
	case "", ProfileDefault:
		cfg.Profile = ProfileDefault
	case ProfileLocal:
		// file-backed SQLite
		cfg.Profile = ProfileLocal
		cfg.Environment = EnvDevelopment
		cfg.Storage.Adapter = "sql"
		cfg.Storage.SQL = sqlx.DefaultConfig(sqlx.DriverSQLite)
		cfg.Logging.Format = "text"
		cfg.Logging.Level = "debug"
	case ProfileTest:
		cfg.Profile = ProfileTest
		cfg.Environment = EnvTesting
		cfg.Storage.Adapter = "memory"
		cfg.Storage.Caps = "memory"
		cfg.Engine.Dispatch = "sync"
		cfg.Metrics.Enabled = false
		cfg.Logging.Level = "warn"
	case ProfileProduction:
		cfg.Profile = ProfileProduction
		cfg.Environment = EnvProduction
		cfg.Storage.Adapter = "sql"
		cfg.Storage.Caps = "redis"
		cfg.Storage.SeedDefaults = false
		cfg.Rules.CreateIfMissing = false
		cfg.Server.CORSOrigin = ""
		cfg.Server.WriteTimeout = 15 * time.Second
		cfg.Security.EnableRateLimit = true
		cfg.Logging.Format = "json"
		cfg.Tracing.Insecure = false
	default:
		return fmt.Errorf("unknown profile %q", name)
	}
	return nil
}
