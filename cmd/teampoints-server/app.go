package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"teampoints/adapters/jsonfile"
	mem "teampoints/adapters/memory"
	redisAdapter "teampoints/adapters/redis"
	sqlxAdapter "teampoints/adapters/sqlx"
	"teampoints/analytics"
	"teampoints/api/httpapi"
	"teampoints/config"
	"teampoints/core"
	"teampoints/engine"
	"teampoints/gamify"
	"teampoints/integrations/kafka"
	"teampoints/integrations/webhook"
	"teampoints/realtime"
)

// App aggregates the assembled server components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Engine    *gamify.Engine
	Analytics *analytics.Service
	Consumer  *kafka.Consumer
	Handler   http.Handler
	Server    *http.Server
}

// Sinks are extra consumers of engine events.
type Sinks []analytics.Hook

func provideConfig() (*config.Config, error) {
	return config.Resolve(
		os.Getenv(config.EnvPrefix+"PROFILE"),
		os.Getenv(config.EnvPrefix+"CONFIG_FILE"),
		config.NewEnvironmentSecretStore(),
	)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideTracer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (trace.Tracer, func(), error) {
	return setupTracing(ctx, cfg.Tracing, logger)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.TxStore, func(), error) {
	store, cleanup, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := seedStorage(ctx, cfg, store, logger); err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

func provideCapStore(cfg *config.Config) (engine.CapStore, func(), error) {
	switch cfg.Storage.Caps {
	case "redis":
		caps, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return caps, func() { _ = caps.Close() }, nil
	case "memory":
		return mem.NewCapStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cap store: %s", cfg.Storage.Caps)
	}
}

func provideRuleSource(cfg *config.Config, logger *slog.Logger) (engine.RuleSource, error) {
	rules := jsonfile.NewRuleFile(cfg.Rules.Path)
	if cfg.Rules.CreateIfMissing {
		created, err := rules.EnsureExists(jsonfile.DefaultRules())
		if err != nil {
			return nil, err
		}
		if created {
			logger.Info("wrote default rules", slog.String("path", rules.Path()))
		}
	}
	return rules, nil
}

func provideAnalytics(cfg *config.Config, logger *slog.Logger) *analytics.Service {
	opts := []analytics.ServiceOption{
		analytics.WithServiceLogger(logger),
		analytics.WithNamespace(cfg.Metrics.Namespace),
		analytics.WithAggregationInterval(cfg.Metrics.AggregationInterval),
	}
	if !cfg.Metrics.Enabled {
		opts = append(opts, analytics.WithoutPrometheus())
	}
	return analytics.NewService(opts...)
}

func provideSinks(cfg *config.Config, logger *slog.Logger) (Sinks, func()) {
	var sinks Sinks
	cleanup := func() {}
	if len(cfg.Webhooks.Endpoints) > 0 {
		opts := []webhook.Option{
			webhook.WithClient(&http.Client{Timeout: cfg.Webhooks.Timeout}),
			webhook.WithLogger(logger),
		}
		if cfg.Webhooks.Secret != "" {
			opts = append(opts, webhook.WithSecret(cfg.Webhooks.Secret))
		}
		if len(cfg.Webhooks.EventTypes) > 0 {
			types := make([]core.EventType, len(cfg.Webhooks.EventTypes))
			for i, t := range cfg.Webhooks.EventTypes {
				types[i] = core.EventType(t)
			}
			opts = append(opts, webhook.WithEventTypes(types...))
		}
		sinks = append(sinks, webhook.New(cfg.Webhooks.Endpoints, opts...))
	}
	if cfg.Ingest.Enabled && cfg.Ingest.EventsTopic != "" {
		pub := kafka.NewPublisher(cfg.Ingest.Brokers, cfg.Ingest.EventsTopic, logger)
		sinks = append(sinks, pub)
		cleanup = func() { _ = pub.Close() }
	}
	return sinks, cleanup
}

func provideEngine(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	tracer trace.Tracer,
	store engine.TxStore,
	caps engine.CapStore,
	rules engine.RuleSource,
	hub *realtime.Hub,
	stats *analytics.Service,
	sinks Sinks,
) (*gamify.Engine, func(), error) {
	mode := engine.DispatchAsync
	if cfg.Engine.Dispatch == "sync" {
		mode = engine.DispatchSync
	}
	eng, err := gamify.New(ctx,
		gamify.WithStorage(store),
		gamify.WithCapStore(caps),
		gamify.WithRuleSource(rules),
		gamify.WithDispatchMode(mode),
		gamify.WithBusOptions(engine.WithQueueSize(cfg.Engine.QueueSize), engine.WithWorkers(cfg.Engine.Workers)),
		gamify.WithRealtime(hub),
		gamify.WithAnalytics(stats),
		gamify.WithSinks(sinks...),
		gamify.WithLogger(logger),
		gamify.WithTracer(tracer),
		gamify.WithMaxAttempts(cfg.Engine.MaxAttempts),
	)
	if err != nil {
		return nil, nil, err
	}
	// A broken rules file should fail startup, not the first event.
	n, err := eng.ReloadRules(ctx)
	if err != nil {
		eng.Close()
		return nil, nil, err
	}
	logger.Info("rules loaded", slog.Int("count", n), slog.String("path", cfg.Rules.Path))
	return eng, eng.Close, nil
}

func provideConsumer(cfg *config.Config, eng *gamify.Engine, logger *slog.Logger) (*kafka.Consumer, error) {
	if !cfg.Ingest.Enabled {
		return nil, nil
	}
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Ingest.Brokers,
		Topic:   cfg.Ingest.Topic,
		GroupID: cfg.Ingest.GroupID,
	}, eng, logger)
}

func provideHandler(eng *gamify.Engine, cfg *config.Config, logger *slog.Logger) http.Handler {
	return httpapi.NewRouter(eng, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		MetricsPath:      cfg.Metrics.Path,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr in key order.
func convertAttributes(attrs map[string]string) []slog.Attr {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		result = append(result, slog.String(k, attrs[k]))
	}
	return result
}

// setupStorage creates the entity store selected by configuration.
func setupStorage(ctx context.Context, cfg *config.Config) (engine.TxStore, func(), error) {
	switch cfg.Storage.Adapter {
	case "memory":
		return mem.New(), func() {}, nil
	case "sql":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := sqlxAdapter.New(connectCtx, cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

// seedStorage applies the configured seed; existing entities are left alone.
func seedStorage(ctx context.Context, cfg *config.Config, store engine.TxStore, logger *slog.Logger) error {
	var seed jsonfile.Seed
	switch {
	case cfg.Storage.SeedPath != "":
		s, err := jsonfile.LoadSeed(cfg.Storage.SeedPath)
		if err != nil {
			return err
		}
		seed = s
	case cfg.Storage.SeedDefaults:
		seed = jsonfile.DefaultSeed()
	default:
		return nil
	}
	created, err := seed.Apply(ctx, store)
	if err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	if created > 0 {
		logger.Info("seeded storage", slog.Int("created", created))
	}
	return nil
}
