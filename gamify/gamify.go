package gamify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"teampoints/adapters/jsonfile"
	mem "teampoints/adapters/memory"
	"teampoints/analytics"
	"teampoints/core"
	"teampoints/engine"
	"teampoints/leaderboard"
	"teampoints/realtime"
)

// Option configures the builder.
type Option func(*config)

type config struct {
	storage   engine.TxStore
	caps      engine.CapStore
	rules     engine.RuleSource
	mode      engine.DispatchMode
	busOpts   []engine.BusOption
	hub       *realtime.Hub
	analytics *analytics.Service
	rankings  *leaderboard.Rankings
	sinks     []analytics.Hook
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
	attempts  int
}

// WithStorage sets the entity store.
func WithStorage(s engine.TxStore) Option { return func(c *config) { c.storage = s } }

// WithCapStore sets where cap accumulators live.
func WithCapStore(s engine.CapStore) Option { return func(c *config) { c.caps = s } }

// WithRuleSource sets where rule definitions are loaded from.
func WithRuleSource(r engine.RuleSource) Option { return func(c *config) { c.rules = r } }

// WithRules loads a fixed rule set.
func WithRules(rules ...core.RuleDefinition) Option {
	return func(c *config) { c.rules = engine.StaticRules(rules) }
}

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithBusOptions tunes the async event queue.
func WithBusOptions(opts ...engine.BusOption) Option {
	return func(c *config) { c.busOpts = append(c.busOpts, opts...) }
}

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithAnalytics feeds engine events to an analytics service.
func WithAnalytics(a *analytics.Service) Option { return func(c *config) { c.analytics = a } }

// WithRankings replaces the default leaderboards.
func WithRankings(r *leaderboard.Rankings) Option { return func(c *config) { c.rankings = r } }

// WithSinks subscribes extra consumers such as webhooks or a Kafka publisher.
func WithSinks(sinks ...analytics.Hook) Option {
	return func(c *config) { c.sinks = append(c.sinks, sinks...) }
}

func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

func WithTracer(t trace.Tracer) Option { return func(c *config) { c.tracer = t } }

func WithMaxAttempts(n int) Option { return func(c *config) { c.attempts = n } }

// Engine is a fully wired points service plus its event consumers.
type Engine struct {
	*engine.PointsService
	Bus       *engine.EventBus
	Hub       *realtime.Hub
	Rankings  *leaderboard.Rankings
	Analytics *analytics.Service
	Store     engine.TxStore
	Caps      *engine.CapTracker

	unsubscribe []func()
}

// New builds a configured Engine. If not provided, defaults are used:
//   - storage: in-memory entity store and cap store
//   - rules: the built-in rule set
//   - dispatch: async
//
// Leaderboards are rebuilt from storage before any event is processed.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	cfg := &config{mode: engine.DispatchAsync, logger: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	if cfg.caps == nil {
		cfg.caps = mem.NewCapStore()
	}
	if cfg.rules == nil {
		cfg.rules = engine.StaticRules(jsonfile.DefaultRules())
	}
	if cfg.rankings == nil {
		cfg.rankings = leaderboard.NewRankings()
	}
	if err := cfg.rankings.Rebuild(ctx, cfg.storage); err != nil {
		return nil, fmt.Errorf("rebuild rankings: %w", err)
	}

	bus := engine.NewEventBus(cfg.mode, cfg.busOpts...)
	tracker := engine.NewCapTracker(cfg.caps, cfg.logger)
	catalog := engine.NewCatalog(cfg.rules, cfg.logger)
	svcOpts := []engine.Option{engine.WithLogger(cfg.logger), engine.WithClock(cfg.now), engine.WithTracer(cfg.tracer)}
	if cfg.attempts > 0 {
		svcOpts = append(svcOpts, engine.WithMaxAttempts(cfg.attempts))
	}

	e := &Engine{
		PointsService: engine.NewPointsService(cfg.storage, catalog, tracker, bus, svcOpts...),
		Bus:           bus,
		Hub:           cfg.hub,
		Rankings:      cfg.rankings,
		Analytics:     cfg.analytics,
		Store:         cfg.storage,
		Caps:          tracker,
	}
	e.unsubscribe = append(e.unsubscribe, bus.SubscribeAll(cfg.rankings.OnEvent))
	if cfg.hub != nil {
		e.unsubscribe = append(e.unsubscribe, bus.SubscribeAll(cfg.hub.Broadcast))
	}
	if cfg.analytics != nil {
		e.unsubscribe = append(e.unsubscribe, bus.SubscribeAll(cfg.analytics.OnEvent))
	}
	for _, s := range cfg.sinks {
		e.unsubscribe = append(e.unsubscribe, bus.SubscribeAll(s.OnEvent))
	}
	return e, nil
}

// Close drains pending events and detaches consumers.
func (e *Engine) Close() {
	e.PointsService.Close()
	for _, u := range e.unsubscribe {
		u()
	}
}
