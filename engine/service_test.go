package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "teampoints/adapters/memory"
	"teampoints/core"
	"teampoints/engine"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type staticRules struct {
	mu    sync.Mutex
	rules []core.RuleDefinition
	err   error
	calls int
}

func (s *staticRules) LoadRuleDefinitions(context.Context) ([]core.RuleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]core.RuleDefinition, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Clone()
	}
	return out, nil
}

type fixture struct {
	svc    *engine.PointsService
	store  *mem.Store
	caps   *mem.CapStore
	source *staticRules
	events []core.Event
	mu     sync.Mutex
}

func (f *fixture) group(t *testing.T, id core.GroupID) core.Group {
	t.Helper()
	g, err := f.svc.GetGroup(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (f *fixture) person(t *testing.T, id core.PersonID) core.Person {
	t.Helper()
	p, err := f.svc.GetPerson(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) eventsOf(typ core.EventType) []core.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Event
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// seedStore creates three groups: grp_a with alice, bob and charlie, grp_b
// with diana and biagi, grp_c with gojo.
func seedStore(t *testing.T) *mem.Store {
	t.Helper()
	ctx := context.Background()
	s := mem.New()
	for _, g := range []core.Group{{ID: "grp_a", Name: "The Avengers"}, {ID: "grp_b", Name: "Justice League"}, {ID: "grp_c", Name: "Jujutsu Kaisen"}} {
		require.NoError(t, s.SaveGroup(ctx, g))
	}
	members := map[core.PersonID]core.GroupID{
		"p_alice": "grp_a", "p_bob": "grp_a", "p_charlie": "grp_a",
		"p_diana": "grp_b", "p_biagi": "grp_b",
		"p_gojo": "grp_c",
	}
	for id, g := range members {
		require.NoError(t, s.SavePerson(ctx, core.Person{ID: id, Name: string(id), GroupID: g}))
	}
	return s
}

func newFixture(t *testing.T, wrap func(*mem.Store) engine.TxStore, rules ...core.RuleDefinition) *fixture {
	t.Helper()
	store := seedStore(t)
	var tx engine.TxStore = store
	if wrap != nil {
		tx = wrap(store)
	}
	f := &fixture{store: store, caps: mem.NewCapStore(), source: &staticRules{rules: rules}}
	bus := engine.NewEventBus(engine.DispatchSync)
	bus.SubscribeAll(func(_ context.Context, e core.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	catalog := engine.NewCatalog(f.source, nil)
	tracker := engine.NewCapTracker(f.caps, nil)
	f.svc = engine.NewPointsService(tx, catalog, tracker, bus, engine.WithClock(func() time.Time { return now }))
	return f
}

func awardRule(name string, points int64, maxPoints int64) core.RuleDefinition {
	r := core.RuleDefinition{
		Name:       name,
		Active:     true,
		Conditions: []core.Condition{{Type: "action", Value: name}},
		Outcomes:   []core.Outcome{{Kind: core.OutcomeAward, Points: points, Target: "participant", Reason: name + " award"}},
	}
	if maxPoints > 0 {
		r.Cap = &core.Cap{MaxPoints: maxPoints}
	}
	return r
}

func sapRule(award, penalty, maxPoints int64) core.RuleDefinition {
	r := core.RuleDefinition{
		Name:       "did_not_key_in_sap_hour",
		Active:     true,
		Conditions: []core.Condition{{Type: "action", Value: "did_not_key_in_sap_hour"}},
		Outcomes: []core.Outcome{
			{Kind: core.OutcomePenalty, Points: penalty, Target: "offender", Reason: "Missed SAP hours"},
			{Kind: core.OutcomeAward, Points: award, Target: core.RoleCompliant, Reason: "Keyed in SAP hours"},
		},
	}
	if maxPoints > 0 {
		r.Cap = &core.Cap{MaxPoints: maxPoints}
	}
	return r
}

func presetCap(t *testing.T, f *fixture, group core.GroupID, rule string, e core.CapEntry) {
	t.Helper()
	require.NoError(t, f.caps.Commit(context.Background(), map[core.CapKey]core.CapEntry{{GroupID: group, Rule: rule}: e}))
}

func capPoints(t *testing.T, f *fixture, group core.GroupID, rule string) int64 {
	t.Helper()
	points, _, err := f.svc.CapStatus(context.Background(), group, rule)
	require.NoError(t, err)
	return points
}

func TestUncappedAward(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 0))
	report, err := f.svc.Process(context.Background(), "JOIN_HACKATHON", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"join_hackathon"}, report.Applied)

	alice := f.person(t, "p_alice")
	require.Len(t, alice.History, 1)
	assert.Equal(t, int64(5), alice.History[0].Points)
	assert.Equal(t, "join_hackathon", alice.History[0].RuleName)
	assert.Equal(t, now, alice.History[0].Time)

	g := f.group(t, "grp_a")
	assert.Equal(t, int64(5), g.TotalPoints)
	assert.Equal(t, g.TotalPoints, g.HistoryTotal())
	assert.Empty(t, g.CappedActivity)
}

func TestCapClampExact(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 10))
	presetCap(t, f, "grp_a", "join_hackathon", core.CapEntry{Points: 8, HasPoints: true, LastReset: now.Add(-time.Hour)})

	_, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)

	g := f.group(t, "grp_a")
	assert.Equal(t, int64(2), g.TotalPoints)
	require.Len(t, g.History, 1)
	assert.Equal(t, int64(2), g.History[0].Points)
	assert.Equal(t, int64(10), g.CappedActivity["join_hackathon"])
	assert.Equal(t, int64(10), capPoints(t, f, "grp_a", "join_hackathon"))
	assert.Equal(t, int64(5), f.person(t, "p_alice").TotalPoints())

	reached := f.eventsOf(core.EventCapReached)
	require.Len(t, reached, 1)
	assert.Equal(t, int64(2), reached[0].Delta)
}

func TestCapExhausted(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 10))
	presetCap(t, f, "grp_a", "join_hackathon", core.CapEntry{Points: 10, HasPoints: true})

	_, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)

	g := f.group(t, "grp_a")
	assert.Equal(t, int64(0), g.TotalPoints)
	assert.Empty(t, g.History)
	assert.Equal(t, int64(10), capPoints(t, f, "grp_a", "join_hackathon"))

	alice := f.person(t, "p_alice")
	require.Len(t, alice.History, 1)
	assert.Equal(t, int64(5), alice.History[0].Points)
}

func TestRepeatedAwardsClampAtCap(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 10))
	ctx := context.Background()
	for _, id := range []core.PersonID{"p_alice", "p_bob", "p_charlie"} {
		_, err := f.svc.Process(ctx, "join_hackathon", core.SingleParticipant("participant", id))
		require.NoError(t, err)
	}
	g := f.group(t, "grp_a")
	assert.Equal(t, int64(10), g.TotalPoints)
	assert.Len(t, g.History, 2)
}

func TestWeeklyResetRunsBeforeClamp(t *testing.T) {
	rule := awardRule("join_hackathon", 5, 10)
	rule.ResetIntervalDays = 7
	f := newFixture(t, nil, rule)
	presetCap(t, f, "grp_a", "join_hackathon", core.CapEntry{Points: 10, HasPoints: true, LastReset: now.Add(-8 * 24 * time.Hour)})

	_, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)

	assert.Equal(t, int64(5), f.group(t, "grp_a").TotalPoints)
	points, last, err := f.svc.CapStatus(context.Background(), "grp_a", "join_hackathon")
	require.NoError(t, err)
	assert.Equal(t, int64(5), points)
	assert.Equal(t, now, last)
	assert.Len(t, f.eventsOf(core.EventCapReset), 1)
}

func TestNoResetBeforeIntervalElapses(t *testing.T) {
	rule := awardRule("join_hackathon", 5, 10)
	rule.ResetIntervalDays = 7
	f := newFixture(t, nil, rule)
	presetCap(t, f, "grp_a", "join_hackathon", core.CapEntry{Points: 10, HasPoints: true, LastReset: now.Add(-6 * 24 * time.Hour)})

	_, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.group(t, "grp_a").TotalPoints)
	assert.Empty(t, f.eventsOf(core.EventCapReset))
}

func TestNeverResetKeyDefaultsToEpoch(t *testing.T) {
	rule := awardRule("join_hackathon", 5, 10)
	rule.ResetIntervalDays = 7
	f := newFixture(t, nil, rule)

	_, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)
	_, last, err := f.svc.CapStatus(context.Background(), "grp_a", "join_hackathon")
	require.NoError(t, err)
	assert.Equal(t, now, last, "first distribution resets a never-reset key")
	assert.Equal(t, int64(5), capPoints(t, f, "grp_a", "join_hackathon"))
}

func TestComplianceByExclusion(t *testing.T) {
	f := newFixture(t, nil, sapRule(2, -3, 0))
	participants := core.Participants{}
	participants.Add("offender", "p_bob", "p_charlie")

	_, err := f.svc.Process(context.Background(), "did_not_key_in_sap_hour", participants)
	require.NoError(t, err)

	assert.Equal(t, int64(-3), f.person(t, "p_bob").TotalPoints())
	assert.Equal(t, int64(-3), f.person(t, "p_charlie").TotalPoints())
	assert.Equal(t, int64(2), f.person(t, "p_alice").TotalPoints())

	a := f.group(t, "grp_a")
	assert.Equal(t, int64(-4), a.TotalPoints)
	assert.Equal(t, a.TotalPoints, a.HistoryTotal())

	// groups without offenders are entirely compliant
	assert.Equal(t, int64(4), f.group(t, "grp_b").TotalPoints)
	assert.Equal(t, int64(2), f.person(t, "p_diana").TotalPoints())
	assert.Equal(t, int64(2), f.group(t, "grp_c").TotalPoints)
}

func TestExplicitCompliantListOverridesExclusion(t *testing.T) {
	f := newFixture(t, nil, sapRule(2, -3, 0))
	participants := core.Participants{}
	participants.Add("offender", "p_bob")
	participants.Add(core.RoleCompliant, "p_alice")

	_, err := f.svc.Process(context.Background(), "did_not_key_in_sap_hour", participants)
	require.NoError(t, err)

	assert.Equal(t, int64(2), f.person(t, "p_alice").TotalPoints())
	assert.Equal(t, int64(0), f.person(t, "p_charlie").TotalPoints())
	assert.Equal(t, int64(-1), f.group(t, "grp_a").TotalPoints)

	// listing any compliant participant disables exclusion in every group
	assert.Equal(t, int64(0), f.group(t, "grp_b").TotalPoints)
	assert.Empty(t, f.group(t, "grp_b").History)
	assert.Equal(t, int64(0), f.group(t, "grp_c").TotalPoints)
	assert.Empty(t, f.person(t, "p_diana").History)
	assert.Empty(t, f.person(t, "p_gojo").History)
}

func TestRepeatedRoleUsesFirstOutcome(t *testing.T) {
	mixed := sapRule(5, -3, 0)
	mixed.Outcomes = append(mixed.Outcomes,
		core.Outcome{Kind: core.OutcomeAward, Points: 7, Target: core.RoleCompliant, Reason: "second award"},
		core.Outcome{Kind: core.OutcomePenalty, Points: -9, Target: "offender", Reason: "second penalty"},
	)
	single := awardRule("join_hackathon", 5, 0)
	single.Outcomes = append(single.Outcomes, core.Outcome{Kind: core.OutcomeAward, Points: 7, Target: "participant"})
	f := newFixture(t, nil, mixed, single)
	ctx := context.Background()

	participants := core.Participants{}
	participants.Add("offender", "p_bob")
	participants.Add(core.RoleCompliant, "p_alice")
	_, err := f.svc.Process(ctx, "did_not_key_in_sap_hour", participants)
	require.NoError(t, err)

	alice := f.person(t, "p_alice")
	assert.Equal(t, int64(5), alice.TotalPoints())
	assert.Len(t, alice.History, 1)
	assert.Equal(t, int64(-3), f.person(t, "p_bob").TotalPoints())
	assert.Equal(t, int64(2), f.group(t, "grp_a").TotalPoints)
	assert.Len(t, f.group(t, "grp_a").History, 2)

	_, err = f.svc.Process(ctx, "join_hackathon", core.SingleParticipant("participant", "p_gojo"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.person(t, "p_gojo").TotalPoints())
	assert.Equal(t, int64(5), f.group(t, "grp_c").TotalPoints)
}

func TestPenaltiesAreNeverClamped(t *testing.T) {
	f := newFixture(t, nil, sapRule(5, -50, 10))
	presetCap(t, f, "grp_a", "did_not_key_in_sap_hour", core.CapEntry{Points: 10, HasPoints: true})
	participants := core.Participants{}
	participants.Add("offender", "p_bob")

	_, err := f.svc.Process(context.Background(), "did_not_key_in_sap_hour", participants)
	require.NoError(t, err)

	assert.Equal(t, int64(-50), f.person(t, "p_bob").TotalPoints())
	assert.Equal(t, int64(-50), f.group(t, "grp_a").TotalPoints)
}

func TestMixedAwardAuditsUnclampedPerPerson(t *testing.T) {
	f := newFixture(t, nil, sapRule(5, -3, 8))

	_, err := f.svc.Process(context.Background(), "did_not_key_in_sap_hour", core.Participants{})
	require.NoError(t, err)

	a := f.group(t, "grp_a")
	assert.Equal(t, int64(8), a.TotalPoints, "15 raw points clamp to the cap")
	for _, id := range []core.PersonID{"p_alice", "p_bob", "p_charlie"} {
		assert.Equal(t, int64(5), f.person(t, id).TotalPoints())
	}
	assert.Equal(t, int64(8), a.CappedActivity["did_not_key_in_sap_hour"])
	assert.Equal(t, int64(8), f.group(t, "grp_b").TotalPoints)
	assert.Equal(t, int64(5), f.group(t, "grp_c").TotalPoints)
}

func TestUnknownParticipantIsSkipped(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 0))
	participants := core.Participants{}
	participants.Add("participant", "ghost", "p_gojo")

	report, err := f.svc.Process(context.Background(), "join_hackathon", participants)
	require.NoError(t, err)
	assert.Equal(t, []string{"join_hackathon"}, report.Applied)
	assert.Equal(t, int64(5), f.group(t, "grp_c").TotalPoints)
}

func TestMissingRoleIsSkipped(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 0))
	_, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("spectator", "p_alice"))
	require.NoError(t, err)
	assert.Empty(t, f.person(t, "p_alice").History)
}

func TestInactiveAndUnmatchedRulesDoNothing(t *testing.T) {
	inactive := awardRule("join_hackathon", 5, 0)
	inactive.Active = false
	f := newFixture(t, nil, inactive)
	report, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Empty(t, f.person(t, "p_alice").History)
}

func TestRulesApplyInNameOrder(t *testing.T) {
	first := awardRule("a_rule", 1, 0)
	second := awardRule("b_rule", 2, 0)
	first.Conditions[0].Value = "shared"
	second.Conditions[0].Value = "shared"
	f := newFixture(t, nil, second, first)
	report, err := f.svc.Process(context.Background(), "shared", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a_rule", "b_rule"}, report.Applied)
	h := f.person(t, "p_alice").History
	require.Len(t, h, 2)
	assert.Equal(t, "a_rule", h[0].RuleName)
}

func TestIdempotentReload(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 10), sapRule(2, -3, 0))
	ctx := context.Background()
	_, err := f.svc.ReloadRules(ctx)
	require.NoError(t, err)
	first, err := f.svc.GetLoadedRules(ctx)
	require.NoError(t, err)
	_, err = f.svc.ReloadRules(ctx)
	require.NoError(t, err)
	second, err := f.svc.GetLoadedRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, second, 2)
	assert.Len(t, f.eventsOf(core.EventRulesReloaded), 2)
}

func TestReloadLastDefinitionWins(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 0))
	ctx := context.Background()
	_, err := f.svc.GetLoadedRules(ctx)
	require.NoError(t, err)

	f.source.mu.Lock()
	f.source.rules = []core.RuleDefinition{awardRule("join_hackathon", 7, 0), awardRule("join_hackathon", 9, 0)}
	f.source.mu.Unlock()
	_, err = f.svc.ReloadRules(ctx)
	require.NoError(t, err)

	r, err := f.svc.GetRule(ctx, "join_hackathon")
	require.NoError(t, err)
	assert.Equal(t, int64(9), r.Outcomes[0].Points)
}

func TestCatalogLoadsOnceAndRetriesAfterFailure(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 0))
	ctx := context.Background()
	f.source.err = errors.New("file missing")

	_, err := f.svc.Process(ctx, "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.ErrorIs(t, err, engine.ErrRuleSourceUnavailable)

	f.source.err = nil
	for i := 0; i < 3; i++ {
		_, err = f.svc.Process(ctx, "join_hackathon", core.SingleParticipant("participant", "p_alice"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.source.calls)
	assert.Equal(t, int64(15), f.person(t, "p_alice").TotalPoints())
}

func TestAddRuleRejectsDuplicates(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 0))
	ctx := context.Background()
	err := f.svc.AddRule(ctx, awardRule("JOIN_HACKATHON", 1, 0))
	assert.ErrorIs(t, err, engine.ErrDuplicateRule)
	err = f.svc.AddRule(ctx, core.RuleDefinition{Name: "broken"})
	assert.ErrorIs(t, err, engine.ErrInvalidRule)
	require.NoError(t, f.svc.AddRule(ctx, awardRule("attend_townhall", 1, 0)))
	_, err = f.svc.GetRule(ctx, "attend_townhall")
	assert.NoError(t, err)
}

type faultyStore struct {
	*mem.Store
	failGroup core.GroupID
	conflicts atomic.Int32
	attempts  atomic.Int32
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(engine.EntityStore) error) error {
	f.attempts.Add(1)
	return f.Store.WithTx(ctx, func(tx engine.EntityStore) error {
		if err := fn(faultyTx{EntityStore: tx, failGroup: f.failGroup}); err != nil {
			return err
		}
		if f.conflicts.Add(-1) >= 0 {
			return engine.ErrConcurrentModification
		}
		return nil
	})
}

type faultyTx struct {
	engine.EntityStore
	failGroup core.GroupID
}

func (t faultyTx) SaveGroup(ctx context.Context, g core.Group) error {
	if g.ID == t.failGroup {
		return errors.New("disk full")
	}
	return t.EntityStore.SaveGroup(ctx, g)
}

func TestFailedRuleRollsBackWithoutHaltingOthers(t *testing.T) {
	var faulty *faultyStore
	wrap := func(s *mem.Store) engine.TxStore {
		faulty = &faultyStore{Store: s, failGroup: "grp_b"}
		return faulty
	}
	first := awardRule("a_rule", 5, 10)
	first.Conditions[0].Value = "shared"
	second := awardRule("b_rule", 3, 0)
	second.Conditions[0].Value = "shared"
	f := newFixture(t, wrap, first, second)

	participants := core.Participants{}
	participants.Add("participant", "p_alice", "p_diana")
	report, err := f.svc.Process(context.Background(), "shared", participants)

	var pe *engine.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, report.Applied)
	assert.Len(t, report.Failed, 2)

	// neither rule left partial writes behind
	assert.Empty(t, f.person(t, "p_alice").History)
	assert.Equal(t, int64(0), f.group(t, "grp_a").TotalPoints)
	assert.Equal(t, int64(0), capPoints(t, f, "grp_a", "a_rule"))
	assert.Empty(t, f.eventsOf(core.EventPersonPointsRecorded))

	faulty.failGroup = ""
	participants = core.SingleParticipant("participant", "p_alice")
	report, err = f.svc.Process(context.Background(), "shared", participants)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_rule", "b_rule"}, report.Applied)
	assert.Equal(t, int64(8), f.group(t, "grp_a").TotalPoints)
}

type downCapStore struct {
	*mem.CapStore
}

func (downCapStore) Commit(context.Context, map[core.CapKey]core.CapEntry) error {
	return errors.New("cap store down")
}

func TestCapCommitFailureRollsBackRule(t *testing.T) {
	store := seedStore(t)
	caps := downCapStore{CapStore: mem.NewCapStore()}
	catalog := engine.NewCatalog(engine.StaticRules{awardRule("join_hackathon", 5, 10)}, nil)
	bus := engine.NewEventBus(engine.DispatchSync)
	var published atomic.Int32
	bus.SubscribeAll(func(context.Context, core.Event) { published.Add(1) })
	svc := engine.NewPointsService(store, catalog, engine.NewCapTracker(caps, nil), bus, engine.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	report, err := svc.Process(ctx, "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	var pe *engine.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "commit caps", pe.Op)
	assert.Contains(t, report.Failed, "join_hackathon")

	g, err := svc.GetGroup(ctx, "grp_a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), g.TotalPoints)
	assert.Empty(t, g.History)
	p, err := svc.GetPerson(ctx, "p_alice")
	require.NoError(t, err)
	assert.Empty(t, p.History)
	assert.Equal(t, int32(0), published.Load())
}

func TestOneRuleFailureDoesNotHaltOthers(t *testing.T) {
	wrap := func(s *mem.Store) engine.TxStore { return &faultyStore{Store: s, failGroup: "grp_b"} }
	toB := awardRule("a_rule", 5, 0)
	toB.Conditions[0].Value = "shared"
	toB.Outcomes[0].Target = "b_side"
	toA := awardRule("b_rule", 3, 0)
	toA.Conditions[0].Value = "shared"
	f := newFixture(t, wrap, toB, toA)

	participants := core.Participants{}
	participants.Add("b_side", "p_diana")
	participants.Add("participant", "p_alice")
	report, err := f.svc.Process(context.Background(), "shared", participants)
	require.Error(t, err)
	assert.Equal(t, []string{"b_rule"}, report.Applied)
	assert.Contains(t, report.Failed, "a_rule")
	assert.Equal(t, int64(3), f.group(t, "grp_a").TotalPoints)
	assert.Empty(t, f.person(t, "p_diana").History)
}

func TestConflictIsRetried(t *testing.T) {
	var faulty *faultyStore
	wrap := func(s *mem.Store) engine.TxStore {
		faulty = &faultyStore{Store: s}
		faulty.conflicts.Store(1)
		return faulty
	}
	f := newFixture(t, wrap, awardRule("join_hackathon", 5, 10))
	_, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), faulty.attempts.Load())
	assert.Equal(t, int64(5), f.group(t, "grp_a").TotalPoints)
	assert.Equal(t, int64(5), capPoints(t, f, "grp_a", "join_hackathon"), "failed attempt must not leak cap state")
}

func TestConflictRetriesAreBounded(t *testing.T) {
	var faulty *faultyStore
	wrap := func(s *mem.Store) engine.TxStore {
		faulty = &faultyStore{Store: s}
		faulty.conflicts.Store(100)
		return faulty
	}
	f := newFixture(t, wrap, awardRule("join_hackathon", 5, 0))
	_, err := f.svc.Process(context.Background(), "join_hackathon", core.SingleParticipant("participant", "p_alice"))
	require.ErrorIs(t, err, engine.ErrConcurrentModification)
	assert.True(t, engine.IsRetryable(err))
	assert.Equal(t, int32(engine.DefaultMaxAttempts), faulty.attempts.Load())
}

func TestConcurrentCappedAwardsNeverExceedCap(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 3, 20))
	ctx := context.Background()
	ids := []core.PersonID{"p_alice", "p_bob", "p_charlie"}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.svc.Process(ctx, "join_hackathon", core.SingleParticipant("participant", ids[i%len(ids)]))
		}(i)
	}
	wg.Wait()

	g := f.group(t, "grp_a")
	assert.Equal(t, int64(20), g.TotalPoints)
	assert.Equal(t, g.TotalPoints, g.HistoryTotal())
	assert.Equal(t, int64(20), capPoints(t, f, "grp_a", "join_hackathon"))
}

func TestConcurrentProcessAndReload(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 1, 0))
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Process(ctx, "join_hackathon", core.SingleParticipant("participant", "p_gojo"))
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.ReloadRules(ctx)
		}()
	}
	wg.Wait()
	g := f.group(t, "grp_c")
	assert.Equal(t, g.TotalPoints, g.HistoryTotal())
	assert.Equal(t, g.TotalPoints, f.person(t, "p_gojo").TotalPoints())
}

func TestLookupsReportNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetPerson(context.Background(), "nobody")
	assert.True(t, engine.IsNotFound(err))
	_, err = f.svc.GetGroup(context.Background(), "nowhere")
	assert.True(t, engine.IsNotFound(err))
	_, err = f.svc.GetRule(context.Background(), "nothing")
	assert.True(t, engine.IsNotFound(err))
}

func TestRankings(t *testing.T) {
	f := newFixture(t, nil, awardRule("join_hackathon", 5, 0))
	ctx := context.Background()
	_, err := f.svc.Process(ctx, "join_hackathon", core.SingleParticipant("participant", "p_gojo"))
	require.NoError(t, err)
	groups, err := f.svc.RankGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.GroupID("grp_c"), groups[0].ID)
	persons, err := f.svc.RankPersons(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.PersonID("p_gojo"), persons[0].ID)

	history, err := f.svc.GroupHistory(ctx, "grp_c", "join_hackathon")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
