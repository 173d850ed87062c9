package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"teampoints/adapters/redis"
	"teampoints/adapters/sqlx"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration. Every field with an
// env tag can be overridden by TEAMPOINTS_<tag>.
type Config struct {
	Environment Environment `json:"environment" env:"ENV"`
	Profile     string      `json:"profile" env:"PROFILE"`

	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Rules    RulesConfig    `json:"rules"`
	Engine   EngineConfig   `json:"engine"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Security SecurityConfig `json:"security"`
	Ingest   IngestConfig   `json:"ingest"`
	Webhooks WebhookConfig  `json:"webhooks"`
	Tracing  TracingConfig  `json:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" env:"SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" env:"SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" env:"SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects the entity store and the cap store.
type StorageConfig struct {
	// Adapter is memory or sql.
	Adapter string `json:"adapter" env:"STORAGE_ADAPTER"`
	// Caps is memory or redis.
	Caps  string       `json:"caps" env:"STORAGE_CAPS"`
	Redis redis.Config `json:"redis,omitempty" envPrefix:"REDIS_"`
	SQL   sqlx.Config  `json:"sql,omitempty" envPrefix:"SQL_"`
	// SeedPath points at a JSON seed of groups and persons applied at startup.
	SeedPath string `json:"seed_path,omitempty" env:"STORAGE_SEED_PATH"`
	// SeedDefaults applies the built-in demo population when SeedPath is empty.
	SeedDefaults bool `json:"seed_defaults" env:"STORAGE_SEED_DEFAULTS"`
}

// RulesConfig locates the rule definitions file.
type RulesConfig struct {
	Path            string `json:"path" env:"RULES_PATH"`
	CreateIfMissing bool   `json:"create_if_missing" env:"RULES_CREATE_IF_MISSING"`
}

// EngineConfig tunes distribution and event dispatch.
type EngineConfig struct {
	MaxAttempts int    `json:"max_attempts" env:"ENGINE_MAX_ATTEMPTS"`
	Dispatch    string `json:"dispatch" env:"ENGINE_DISPATCH"`
	QueueSize   int    `json:"queue_size" env:"ENGINE_QUEUE_SIZE"`
	Workers     int    `json:"workers" env:"ENGINE_WORKERS"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" env:"LOG_LEVEL"`
	Format     string            `json:"format" env:"LOG_FORMAT"`
	Output     string            `json:"output" env:"LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" env:"LOG_ATTRIBUTES"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled             bool          `json:"enabled" env:"METRICS_ENABLED"`
	Path                string        `json:"path" env:"METRICS_PATH"`
	Namespace           string        `json:"namespace" env:"METRICS_NAMESPACE"`
	AggregationInterval time.Duration `json:"aggregation_interval" env:"METRICS_AGGREGATION_INTERVAL"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" env:"SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty"`
	APIKeys         []string        `json:"api_keys,omitempty" env:"SECURITY_API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" env:"SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int `json:"burst_size" env:"SECURITY_RATE_LIMIT_BURST"`
}

// IngestConfig describes the Kafka action stream consumed by the server and
// the topic engine events are mirrored to.
type IngestConfig struct {
	Enabled     bool     `json:"enabled" env:"KAFKA_ENABLED"`
	Brokers     []string `json:"brokers,omitempty" env:"KAFKA_BROKERS"`
	Topic       string   `json:"topic" env:"KAFKA_TOPIC"`
	GroupID     string   `json:"group_id" env:"KAFKA_GROUP_ID"`
	EventsTopic string   `json:"events_topic,omitempty" env:"KAFKA_EVENTS_TOPIC"`
}

// WebhookConfig lists endpoints notified of engine events.
type WebhookConfig struct {
	Endpoints  []string      `json:"endpoints,omitempty" env:"WEBHOOK_ENDPOINTS"`
	Secret     string        `json:"secret,omitempty" env:"WEBHOOK_SECRET"`
	EventTypes []string      `json:"event_types,omitempty" env:"WEBHOOK_EVENT_TYPES"`
	Timeout    time.Duration `json:"timeout" env:"WEBHOOK_TIMEOUT"`
}

// TracingConfig enables OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" env:"TRACING_ENABLED"`
	Endpoint    string  `json:"endpoint" env:"TRACING_ENDPOINT"`
	Insecure    bool    `json:"insecure" env:"TRACING_INSECURE"`
	ServiceName string  `json:"service_name" env:"TRACING_SERVICE_NAME"`
	SampleRatio float64 `json:"sample_ratio" env:"TRACING_SAMPLE_RATIO"`
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return errors.New("config file path must not traverse directories")
	}

	if !strings.HasSuffix(strings.ToLower(cleanPath), ".json") {
		return errors.New("config file must have .json extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON file. Environment variables
// override file values.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeFile(path, cfg); err != nil {
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

// decodeFile overlays the JSON file at path onto cfg.
func decodeFile(path string, cfg *Config) error {
	if err := validateConfigPath(path); err != nil {
		return fmt.Errorf("invalid config file path: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter:      "memory",
			Caps:         "memory",
			Redis:        redis.DefaultConfig(),
			SQL:          sqlx.DefaultConfig(sqlx.DriverPostgres),
			SeedDefaults: true,
		},
		Rules: RulesConfig{
			Path:            "./data/rules.json",
			CreateIfMissing: true,
		},
		Engine: EngineConfig{
			MaxAttempts: 3,
			Dispatch:    "async",
			QueueSize:   2048,
			Workers:     4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:             true,
			Path:                "/metrics",
			Namespace:           "teampoints",
			AggregationInterval: time.Hour,
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
			},
			APIKeys: []string{},
		},
		Ingest: IngestConfig{
			Topic:   "teampoints.actions",
			GroupID: "teampoints",
		},
		Webhooks: WebhookConfig{
			Timeout: 5 * time.Second,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "teampoints",
			SampleRatio: 1,
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"storage", &c.Storage},
		{"rules", &c.Rules},
		{"engine", &c.Engine},
		{"logging", &c.Logging},
		{"metrics", &c.Metrics},
		{"security", c.Security},
		{"ingest", &c.Ingest},
		{"webhooks", &c.Webhooks},
		{"tracing", &c.Tracing},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("%s config: %v", s.name, err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

const redacted = "[REDACTED]"

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = redacted
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = redacted
	}
	if cfg.Webhooks.Secret != "" {
		cfg.Webhooks.Secret = redacted
	}
	if len(cfg.Security.APIKeys) > 0 {
		keys := make([]string, len(cfg.Security.APIKeys))
		for i := range keys {
			keys[i] = redacted
		}
		cfg.Security.APIKeys = keys
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
