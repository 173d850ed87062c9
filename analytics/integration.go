package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"teampoints/core"
)

// Service bundles point statistics, periodic rollups, Prometheus export and
// a short feed of recent events for dashboards.
type Service struct {
	stats      *PointStats
	aggregator *AggregationEngine
	prom       *Prometheus
	hook       Hook

	mu        sync.Mutex
	recent    []core.Event
	maxRecent int
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	interval  time.Duration
	namespace string
	maxRecent int
	logger    *slog.Logger
	disable   bool
}

func WithAggregationInterval(d time.Duration) ServiceOption {
	return func(c *serviceConfig) { c.interval = d }
}

func WithNamespace(ns string) ServiceOption {
	return func(c *serviceConfig) { c.namespace = ns }
}

func WithRecentEvents(n int) ServiceOption {
	return func(c *serviceConfig) { c.maxRecent = n }
}

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(c *serviceConfig) { c.logger = l }
}

// WithoutPrometheus skips metric registration.
func WithoutPrometheus() ServiceOption {
	return func(c *serviceConfig) { c.disable = true }
}

func NewService(opts ...ServiceOption) *Service {
	cfg := serviceConfig{interval: time.Hour, namespace: "teampoints", maxRecent: 50, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	stats := NewPointStats()
	s := &Service{
		stats:      stats,
		aggregator: NewAggregationEngine(stats, cfg.interval, cfg.logger),
		maxRecent:  cfg.maxRecent,
	}
	hooks := []Hook{stats}
	if !cfg.disable {
		s.prom = NewPrometheus(cfg.namespace)
		hooks = append(hooks, s.prom)
	}
	s.hook = NewBridge(hooks...)
	return s
}

// OnEvent feeds every analytics consumer.
func (s *Service) OnEvent(ctx context.Context, e core.Event) {
	s.hook.OnEvent(ctx, e)
	if s.maxRecent <= 0 {
		return
	}
	s.mu.Lock()
	s.recent = append(s.recent, e)
	if over := len(s.recent) - s.maxRecent; over > 0 {
		s.recent = append([]core.Event(nil), s.recent[over:]...)
	}
	s.mu.Unlock()
}

// Start runs periodic aggregation until ctx ends.
func (s *Service) Start(ctx context.Context) { go s.aggregator.Start(ctx) }

func (s *Service) Stats() *PointStats             { return s.stats }
func (s *Service) Aggregator() *AggregationEngine { return s.aggregator }
func (s *Service) Prometheus() *Prometheus        { return s.prom }

// Dashboard is a point-in-time summary for live views.
type Dashboard struct {
	Today        *AggregatedData        `json:"today"`
	TopRules     []RuleTotal            `json:"top_rules"`
	GroupNet     map[core.GroupID]int64 `json:"group_net"`
	CapResets    int64                  `json:"cap_resets"`
	RecentEvents []core.Event           `json:"recent_events"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

func (s *Service) Dashboard() Dashboard {
	now := time.Now().UTC()
	s.aggregator.AggregateAt(now)
	today, _ := s.aggregator.Get(PeriodDaily, dayKey(now))

	s.mu.Lock()
	recent := append([]core.Event(nil), s.recent...)
	s.mu.Unlock()

	return Dashboard{
		Today:        today,
		TopRules:     s.stats.TopRules(10),
		GroupNet:     s.stats.GroupNet(),
		CapResets:    s.stats.CapResets(),
		RecentEvents: recent,
		GeneratedAt:  now,
	}
}
