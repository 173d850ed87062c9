package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"teampoints/core"
)

// DefaultMaxAttempts bounds retries of a rule distribution that lost an
// optimistic version check.
const DefaultMaxAttempts = 3

// PointsService matches events against the rule catalog and distributes
// points to persons and groups.
type PointsService struct {
	store       TxStore
	catalog     *Catalog
	tracker     *CapTracker
	bus         *EventBus
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	maxAttempts int
}

// Option configures a PointsService.
type Option func(*PointsService)

func WithLogger(l *slog.Logger) Option {
	return func(s *PointsService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *PointsService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *PointsService) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *PointsService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewPointsService(store TxStore, catalog *Catalog, tracker *CapTracker, bus *EventBus, opts ...Option) *PointsService {
	if store == nil || catalog == nil || tracker == nil || bus == nil {
		panic("NewPointsService requires non-nil store, catalog, tracker, and bus")
	}
	s := &PointsService{
		store:       store,
		catalog:     catalog,
		tracker:     tracker,
		bus:         bus,
		logger:      slog.Default(),
		tracer:      otel.Tracer("teampoints/engine"),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ProcessReport summarizes one Process call.
type ProcessReport struct {
	Action  string            `json:"action"`
	Applied []string          `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
	Events  int               `json:"events"`
}

// Process evaluates actionType against every active rule and applies the
// matches in name order. Each rule commits or rolls back on its own; the
// returned error joins the failures of individual rules.
func (s *PointsService) Process(ctx context.Context, actionType string, participants core.Participants) (ProcessReport, error) {
	ctx, span := s.tracer.Start(ctx, "teampoints.process", trace.WithAttributes(attribute.String("action", actionType)))
	defer span.End()

	report := ProcessReport{Action: actionType, Applied: []string{}}
	if err := s.catalog.EnsureLoaded(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog unavailable")
		return report, err
	}
	rules := s.catalog.Matching(actionType)
	if len(rules) == 0 {
		s.logger.Debug("no rule matched", slog.String("action", actionType))
		return report, nil
	}

	var errs []error
	for _, rule := range rules {
		events, err := s.applyRule(ctx, rule, participants)
		if err != nil {
			s.logger.Error("rule distribution failed", slog.String("rule", rule.Name), slog.String("error", err.Error()))
			if report.Failed == nil {
				report.Failed = map[string]string{}
			}
			report.Failed[rule.Name] = err.Error()
			errs = append(errs, err)
			continue
		}
		report.Applied = append(report.Applied, rule.Name)
		report.Events += len(events)
		for _, ev := range events {
			s.bus.Publish(ctx, ev)
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule distribution failed")
		return report, err
	}
	return report, nil
}

func (s *PointsService) applyRule(ctx context.Context, rule core.RuleDefinition, participants core.Participants) ([]core.Event, error) {
	ctx, span := s.tracer.Start(ctx, "teampoints.distribute", trace.WithAttributes(
		attribute.String("rule", rule.Name),
		attribute.Bool("mixed", rule.HasMixedOutcomes()),
		attribute.Bool("capped", rule.Capped()),
	))
	defer span.End()

	for attempt := 1; ; attempt++ {
		events, err := s.distributeOnce(ctx, rule, participants)
		if err == nil {
			return events, nil
		}
		if !IsRetryable(err) || attempt >= s.maxAttempts {
			span.RecordError(err)
			span.SetStatus(codes.Error, "distribution failed")
			return nil, err
		}
		s.logger.Warn("retrying rule distribution",
			slog.String("rule", rule.Name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
}

func (s *PointsService) distributeOnce(ctx context.Context, rule core.RuleDefinition, participants core.Participants) ([]core.Event, error) {
	keys, err := s.capKeys(ctx, rule, participants)
	if err != nil {
		return nil, err
	}
	session := s.tracker.Begin(keys)
	defer session.Release()

	now := s.now().UTC()
	var d *distribution
	err = s.store.WithTx(ctx, func(tx EntityStore) error {
		d = newDistribution(tx, session, rule, now, s.logger)
		var err error
		if rule.HasMixedOutcomes() {
			err = d.distributeMixed(ctx, participants)
		} else {
			err = d.distributeSingle(ctx, participants)
		}
		if err != nil {
			return err
		}
		if err := d.flush(ctx); err != nil {
			return err
		}
		if err := session.Commit(ctx); err != nil {
			return &PersistenceError{Rule: rule.Name, Op: "commit caps", Err: err}
		}
		return nil
	})
	if err != nil {
		if rerr := session.Rollback(ctx); rerr != nil {
			s.logger.Error("cap rollback failed", slog.String("rule", rule.Name), slog.String("error", rerr.Error()))
		}
		var pe *PersistenceError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &PersistenceError{Rule: rule.Name, Op: "transaction", Err: err}
	}
	return d.events, nil
}

// capKeys lists the cap keys a distribution may touch so their locks can be
// taken in order before any cap is read.
func (s *PointsService) capKeys(ctx context.Context, rule core.RuleDefinition, participants core.Participants) ([]core.CapKey, error) {
	if !rule.Capped() {
		return nil, nil
	}
	seen := map[core.GroupID]bool{}
	var keys []core.CapKey
	add := func(g core.GroupID) {
		if !seen[g] {
			seen[g] = true
			keys = append(keys, core.CapKey{GroupID: g, Rule: rule.Name})
		}
	}
	if rule.HasMixedOutcomes() {
		groups, err := s.store.ListGroups(ctx)
		if err != nil {
			return nil, &PersistenceError{Rule: rule.Name, Op: "list groups", Err: err}
		}
		for _, g := range groups {
			add(g.ID)
		}
		return keys, nil
	}
	for _, id := range participants.All(rule.Targets(core.OutcomeAward)...) {
		p, ok, err := s.store.FindPerson(ctx, id)
		if err != nil {
			return nil, &PersistenceError{Rule: rule.Name, Op: "find person", Err: err}
		}
		if ok {
			add(p.GroupID)
		}
	}
	return keys, nil
}

// GetLoadedRules returns a read-only snapshot of the catalog.
func (s *PointsService) GetLoadedRules(ctx context.Context) (map[string]core.RuleDefinition, error) {
	if err := s.catalog.EnsureLoaded(ctx); err != nil {
		return nil, err
	}
	return s.catalog.Snapshot(), nil
}

// GetRule returns one loaded rule.
func (s *PointsService) GetRule(ctx context.Context, name string) (core.RuleDefinition, error) {
	if err := s.catalog.EnsureLoaded(ctx); err != nil {
		return core.RuleDefinition{}, err
	}
	r, ok := s.catalog.Get(name)
	if !ok {
		return core.RuleDefinition{}, fmt.Errorf("rule %q: %w", name, ErrNotFound)
	}
	return r, nil
}

// ReloadRules re-reads the rule source.
func (s *PointsService) ReloadRules(ctx context.Context) (int, error) {
	n, err := s.catalog.Reload(ctx)
	if err != nil {
		return 0, err
	}
	s.bus.Publish(ctx, core.NewRulesReloaded(n))
	return n, nil
}

// AddRule validates and registers a new rule.
func (s *PointsService) AddRule(ctx context.Context, rule core.RuleDefinition) error {
	if err := s.catalog.EnsureLoaded(ctx); err != nil {
		return err
	}
	if err := s.catalog.AddRule(rule); err != nil {
		return err
	}
	s.bus.Publish(ctx, core.NewRulesReloaded(s.catalog.Len()))
	return nil
}

// Subscribe convenience method.
func (s *PointsService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *PointsService) Publish(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
}

func (s *PointsService) GetPerson(ctx context.Context, id core.PersonID) (core.Person, error) {
	p, ok, err := s.store.FindPerson(ctx, id)
	if err != nil {
		return core.Person{}, err
	}
	if !ok {
		return core.Person{}, fmt.Errorf("person %q: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *PointsService) GetGroup(ctx context.Context, id core.GroupID) (core.Group, error) {
	g, ok, err := s.store.FindGroup(ctx, id)
	if err != nil {
		return core.Group{}, err
	}
	if !ok {
		return core.Group{}, fmt.Errorf("group %q: %w", id, ErrNotFound)
	}
	return g, nil
}

func (s *PointsService) GroupMembers(ctx context.Context, id core.GroupID) ([]core.Person, error) {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return nil, err
	}
	return s.store.FindGroupMembers(ctx, id)
}

// GroupHistory returns the group's history, narrowed to rule when non-empty.
func (s *PointsService) GroupHistory(ctx context.Context, id core.GroupID, rule string) ([]core.HistoryEntry, error) {
	g, err := s.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule == "" {
		return g.History, nil
	}
	return g.HistoryForRule(rule), nil
}

// RankGroups lists groups by total points, highest first.
func (s *PointsService) RankGroups(ctx context.Context) ([]core.Group, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].TotalPoints != groups[j].TotalPoints {
			return groups[i].TotalPoints > groups[j].TotalPoints
		}
		return groups[i].ID < groups[j].ID
	})
	return groups, nil
}

// RankPersons lists persons by total points, highest first.
func (s *PointsService) RankPersons(ctx context.Context) ([]core.Person, error) {
	persons, err := s.store.ListPersons(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(persons, func(i, j int) bool {
		ti, tj := persons[i].TotalPoints(), persons[j].TotalPoints()
		if ti != tj {
			return ti > tj
		}
		return persons[i].ID < persons[j].ID
	})
	return persons, nil
}

// CapStatus reports the accumulator and last reset for a (group, rule) pair.
func (s *PointsService) CapStatus(ctx context.Context, group core.GroupID, rule string) (int64, time.Time, error) {
	e, err := s.tracker.Entry(ctx, group, rule)
	if err != nil {
		return 0, time.Time{}, err
	}
	return e.Points, e.LastResetOrEpoch(), nil
}

func (s *PointsService) Close() { s.bus.Close() }
