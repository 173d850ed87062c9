package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"teampoints/adapters/sqlx"
	"teampoints/core"
)

func oneOf(field, value string, allowed ...string) string {
	if slices.Contains(allowed, value) {
		return ""
	}
	return fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", "))
}

func joinErrs(errs []string) error {
	var out []string
	for _, e := range errs {
		if e != "" {
			out = append(out, e)
		}
	}
	if len(out) > 0 {
		return errors.New(strings.Join(out, "; "))
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}
	if s.ReadTimeout <= 0 {
		errs = append(errs, "read_timeout must be positive")
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}
	if s.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}
	if s.ReadHeaderTimeout <= 0 {
		errs = append(errs, "read_header_timeout must be positive")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}

	return joinErrs(errs)
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	errs := []string{
		oneOf("adapter", s.Adapter, "memory", "sql"),
		oneOf("caps", s.Caps, "memory", "redis"),
	}

	if s.Adapter == "sql" {
		switch s.SQL.Driver {
		case sqlx.DriverPostgres, sqlx.DriverMySQL, sqlx.DriverSQLite:
		default:
			errs = append(errs, fmt.Sprintf("sql.driver %q is not supported", s.SQL.Driver))
		}
		if s.SQL.DSN == "" {
			errs = append(errs, "sql.dsn cannot be empty")
		}
	}
	if s.Caps == "redis" && s.Redis.Addr == "" {
		errs = append(errs, "redis.addr cannot be empty")
	}

	return joinErrs(errs)
}

// Validate validates the rule source.
func (r *RulesConfig) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return errors.New("path cannot be empty")
	}
	return nil
}

// Validate validates engine tuning.
func (e *EngineConfig) Validate() error {
	errs := []string{oneOf("dispatch", e.Dispatch, "sync", "async")}
	if e.MaxAttempts <= 0 {
		errs = append(errs, "max_attempts must be positive")
	}
	if e.Dispatch == "async" && (e.QueueSize <= 0 || e.Workers <= 0) {
		errs = append(errs, "queue_size and workers must be positive for async dispatch")
	}
	return joinErrs(errs)
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	return joinErrs([]string{
		oneOf("level", l.Level, "debug", "info", "warn", "error"),
		oneOf("format", l.Format, "json", "text"),
		oneOf("output", l.Output, "stdout", "stderr"),
	})
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	var errs []string
	if m.Enabled {
		if m.Path == "" || m.Path[0] != '/' {
			errs = append(errs, "path must start with / when metrics are enabled")
		}
		if m.AggregationInterval <= 0 {
			errs = append(errs, "aggregation_interval must be positive")
		}
	}
	return joinErrs(errs)
}

// Validate validates security settings.
func (s SecurityConfig) Validate() error {
	var errs []string
	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.BurstSize <= 0 {
			errs = append(errs, "rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d] is empty", i))
		}
	}
	return joinErrs(errs)
}

// Validate validates Kafka ingestion.
func (i *IngestConfig) Validate() error {
	if !i.Enabled {
		return nil
	}
	var errs []string
	if len(i.Brokers) == 0 {
		errs = append(errs, "brokers cannot be empty when kafka is enabled")
	}
	if i.Topic == "" {
		errs = append(errs, "topic cannot be empty when kafka is enabled")
	}
	if i.GroupID == "" {
		errs = append(errs, "group_id cannot be empty when kafka is enabled")
	}
	return joinErrs(errs)
}

// Validate validates webhook delivery.
func (w *WebhookConfig) Validate() error {
	var errs []string
	for i, ep := range w.Endpoints {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			errs = append(errs, fmt.Sprintf("endpoints[%d] must be an http(s) URL", i))
		}
	}
	known := make([]string, 0, len(core.AllEventTypes))
	for _, t := range core.AllEventTypes {
		known = append(known, string(t))
	}
	for _, t := range w.EventTypes {
		errs = append(errs, oneOf("event_types", t, known...))
	}
	if len(w.Endpoints) > 0 && w.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	return joinErrs(errs)
}

// Validate validates trace export.
func (t *TracingConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	var errs []string
	if t.Endpoint == "" {
		errs = append(errs, "endpoint cannot be empty when tracing is enabled")
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, "sample_ratio must be within [0, 1]")
	}
	return joinErrs(errs)
}
