package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"teampoints/core"
)

// Hook receives domain events for KPI aggregation. The signature matches
// engine.EventBus handlers so hooks can be subscribed directly.
type Hook interface {
	OnEvent(ctx context.Context, e core.Event)
}

// ActivePersons tracks distinct persons that received points per day.
type ActivePersons struct {
	mu   sync.Mutex
	days map[string]map[core.PersonID]struct{}
}

func NewActivePersons() *ActivePersons {
	return &ActivePersons{days: map[string]map[core.PersonID]struct{}{}}
}

func (d *ActivePersons) OnEvent(_ context.Context, e core.Event) {
	if e.Type != core.EventPersonPointsRecorded {
		return
	}
	day := dayKey(e.Time)
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.days[day]
	if m == nil {
		m = map[core.PersonID]struct{}{}
		d.days[day] = m
	}
	m[e.PersonID] = struct{}{}
}

func (d *ActivePersons) Count(day string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

// PointStats aggregates point movement per day, rule and group.
// Awards and penalties are kept apart so net totals never hide activity.
type PointStats struct {
	mu sync.RWMutex

	activeByDay   map[string]map[core.PersonID]struct{}
	activeByWeek  map[string]map[core.PersonID]struct{}
	activeByMonth map[string]map[core.PersonID]struct{}

	awardedByDay    map[string]int64
	penalizedByDay  map[string]int64
	groupDeltaByDay map[string]int64

	awardedByRule   map[string]int64
	penalizedByRule map[string]int64
	netByGroup      map[core.GroupID]int64

	capsReachedByDay  map[string]int64
	capsReachedByRule map[string]int64
	capResets         int64
	reloads           int64
}

func NewPointStats() *PointStats {
	return &PointStats{
		activeByDay:       make(map[string]map[core.PersonID]struct{}),
		activeByWeek:      make(map[string]map[core.PersonID]struct{}),
		activeByMonth:     make(map[string]map[core.PersonID]struct{}),
		awardedByDay:      make(map[string]int64),
		penalizedByDay:    make(map[string]int64),
		groupDeltaByDay:   make(map[string]int64),
		awardedByRule:     make(map[string]int64),
		penalizedByRule:   make(map[string]int64),
		netByGroup:        make(map[core.GroupID]int64),
		capsReachedByDay:  make(map[string]int64),
		capsReachedByRule: make(map[string]int64),
	}
}

func (s *PointStats) OnEvent(_ context.Context, e core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := dayKey(e.Time)
	switch e.Type {
	case core.EventPersonPointsRecorded:
		track(s.activeByDay, day, e.PersonID)
		track(s.activeByWeek, weekKey(e.Time), e.PersonID)
		track(s.activeByMonth, monthKey(e.Time), e.PersonID)
		if e.Delta >= 0 {
			s.awardedByDay[day] += e.Delta
			s.awardedByRule[e.Rule] += e.Delta
		} else {
			s.penalizedByDay[day] += -e.Delta
			s.penalizedByRule[e.Rule] += -e.Delta
		}
	case core.EventGroupPointsChanged:
		s.groupDeltaByDay[day] += e.Delta
		s.netByGroup[e.GroupID] += e.Delta
	case core.EventCapReached:
		s.capsReachedByDay[day]++
		s.capsReachedByRule[e.Rule]++
	case core.EventCapReset:
		s.capResets++
	case core.EventRulesReloaded:
		s.reloads++
	}
}

func track(m map[string]map[core.PersonID]struct{}, key string, id core.PersonID) {
	set := m[key]
	if set == nil {
		set = make(map[core.PersonID]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func (s *PointStats) ActiveOnDay(day string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeByDay[day])
}

func (s *PointStats) ActiveInWeek(week string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeByWeek[week])
}

func (s *PointStats) ActiveInMonth(month string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeByMonth[month])
}

// AwardedOnDay returns person-level award points recorded on day.
func (s *PointStats) AwardedOnDay(day string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.awardedByDay[day]
}

// PenalizedOnDay returns the magnitude of penalties recorded on day.
func (s *PointStats) PenalizedOnDay(day string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.penalizedByDay[day]
}

// GroupDeltaOnDay returns the net change applied to group totals on day.
// It differs from awarded minus penalized when caps clamp awards.
func (s *PointStats) GroupDeltaOnDay(day string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groupDeltaByDay[day]
}

func (s *PointStats) CapsReachedOnDay(day string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capsReachedByDay[day]
}

func (s *PointStats) CapResets() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capResets
}

func (s *PointStats) Reloads() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reloads
}

// RuleTotal is one row of TopRules.
type RuleTotal struct {
	Rule        string `json:"rule"`
	Awarded     int64  `json:"awarded"`
	Penalized   int64  `json:"penalized"`
	CapsReached int64  `json:"caps_reached"`
}

// TopRules returns rules ordered by awarded points, highest first.
func (s *PointStats) TopRules(limit int) []RuleTotal {
	s.mu.RLock()
	names := map[string]struct{}{}
	for r := range s.awardedByRule {
		names[r] = struct{}{}
	}
	for r := range s.penalizedByRule {
		names[r] = struct{}{}
	}
	out := make([]RuleTotal, 0, len(names))
	for r := range names {
		out = append(out, RuleTotal{
			Rule:        r,
			Awarded:     s.awardedByRule[r],
			Penalized:   s.penalizedByRule[r],
			CapsReached: s.capsReachedByRule[r],
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Awarded != out[j].Awarded {
			return out[i].Awarded > out[j].Awarded
		}
		return out[i].Rule < out[j].Rule
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GroupNet returns the net points observed for each group since start.
func (s *PointStats) GroupNet() map[core.GroupID]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.GroupID]int64, len(s.netByGroup))
	for g, v := range s.netByGroup {
		out[g] = v
	}
	return out
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
