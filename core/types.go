package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// PersonID uniquely identifies a person.
type PersonID string

// GroupID uniquely identifies a group.
type GroupID string

// HistoryEntry is one append-only audit record of a point change.
type HistoryEntry struct {
	ID       string    `json:"id,omitempty"`
	Points   int64     `json:"points"`
	Reason   string    `json:"reason"`
	RuleName string    `json:"rule_name"`
	Time     time.Time `json:"time"`
}

// Person is an individual participant. GroupID is fixed at creation.
type Person struct {
	ID      PersonID       `json:"id"`
	Name    string         `json:"name"`
	GroupID GroupID        `json:"group_id"`
	History []HistoryEntry `json:"history"`
	Version int64          `json:"version"`
}

// TotalPoints sums the person's history; history is the source of truth.
func (p Person) TotalPoints() int64 {
	var total int64
	for _, h := range p.History {
		total += h.Points
	}
	return total
}

// RecordContribution appends a history entry for the person.
func (p *Person) RecordContribution(points int64, reason, ruleName string, at time.Time) {
	p.History = append(p.History, HistoryEntry{Points: points, Reason: reason, RuleName: ruleName, Time: at.UTC()})
}

// Clone returns a deep copy of the person.
func (p Person) Clone() Person {
	cp := p
	cp.History = append([]HistoryEntry(nil), p.History...)
	return cp
}

// Group owns members and accumulates their points.
// CappedActivity maps rule name to the points the rule has contributed in the
// current reset window; it is only populated for capped rules.
type Group struct {
	ID             GroupID          `json:"id"`
	Name           string           `json:"name"`
	TotalPoints    int64            `json:"total_points"`
	History        []HistoryEntry   `json:"history"`
	CappedActivity map[string]int64 `json:"capped_activity"`
	Version        int64            `json:"version"`
}

// AddPoints changes the group total and appends a history entry. A zero delta
// is a no-op so the history only ever holds real changes.
func (g *Group) AddPoints(delta int64, reason, ruleName string, at time.Time) error {
	if delta == 0 {
		return nil
	}
	next, err := AddSafe(g.TotalPoints, delta)
	if err != nil {
		return err
	}
	g.TotalPoints = next
	g.History = append(g.History, HistoryEntry{Points: delta, Reason: reason, RuleName: ruleName, Time: at.UTC()})
	return nil
}

// SetCappedActivity records the accumulator for a capped rule.
func (g *Group) SetCappedActivity(ruleName string, points int64) {
	if g.CappedActivity == nil {
		g.CappedActivity = map[string]int64{}
	}
	g.CappedActivity[ruleName] = points
}

// ClearCappedActivity removes the accumulator for a capped rule.
func (g *Group) ClearCappedActivity(ruleName string) {
	delete(g.CappedActivity, ruleName)
}

// HistoryTotal sums the group history. It equals TotalPoints for any group
// mutated only through AddPoints.
func (g Group) HistoryTotal() int64 {
	var total int64
	for _, h := range g.History {
		total += h.Points
	}
	return total
}

// HistoryForRule filters the group history down to one rule.
func (g Group) HistoryForRule(ruleName string) []HistoryEntry {
	var out []HistoryEntry
	for _, h := range g.History {
		if h.RuleName == ruleName {
			out = append(out, h)
		}
	}
	return out
}

// Clone returns a deep copy of the group.
func (g Group) Clone() Group {
	cp := g
	cp.History = append([]HistoryEntry(nil), g.History...)
	cp.CappedActivity = make(map[string]int64, len(g.CappedActivity))
	for k, v := range g.CappedActivity {
		cp.CappedActivity[k] = v
	}
	return cp
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeID trims identifiers and rejects empty ones. Ids are case
// sensitive, unlike action types.
func NormalizeID(id string) (string, error) {
	s := strings.TrimSpace(id)
	if s == "" {
		return "", errors.New("empty id")
	}
	return s, nil
}
