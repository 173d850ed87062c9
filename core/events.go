package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates domain events.
type EventType string

const (
	EventPersonPointsRecorded EventType = "person_points_recorded"
	EventGroupPointsChanged   EventType = "group_points_changed"
	EventCapReached           EventType = "cap_reached"
	EventCapReset             EventType = "cap_reset"
	EventRulesReloaded        EventType = "rules_reloaded"
)

// AllEventTypes lists every event type the engine publishes.
var AllEventTypes = []EventType{
	EventPersonPointsRecorded,
	EventGroupPointsChanged,
	EventCapReached,
	EventCapReset,
	EventRulesReloaded,
}

// Event represents an immutable domain event.
type Event struct {
	ID       string         `json:"id"`
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	PersonID PersonID       `json:"person_id,omitempty"`
	GroupID  GroupID        `json:"group_id,omitempty"`
	Rule     string         `json:"rule,omitempty"`
	Delta    int64          `json:"delta,omitempty"`
	Total    int64          `json:"total,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func newEvent(typ EventType) Event {
	return Event{ID: uuid.NewString(), Type: typ, Time: time.Now().UTC()}
}

func NewPersonPointsRecorded(person PersonID, group GroupID, rule string, points, total int64, reason string) Event {
	ev := newEvent(EventPersonPointsRecorded)
	ev.PersonID, ev.GroupID, ev.Rule, ev.Delta, ev.Total, ev.Reason = person, group, rule, points, total, reason
	return ev
}

func NewGroupPointsChanged(group GroupID, rule string, delta, total int64, reason string) Event {
	ev := newEvent(EventGroupPointsChanged)
	ev.GroupID, ev.Rule, ev.Delta, ev.Total, ev.Reason = group, rule, delta, total, reason
	return ev
}

// NewCapReached reports a capped award that was clamped. Delta is what was
// granted and Total the accumulator after the grant.
func NewCapReached(group GroupID, rule string, granted, accumulated, maxPoints int64) Event {
	ev := newEvent(EventCapReached)
	ev.GroupID, ev.Rule, ev.Delta, ev.Total = group, rule, granted, accumulated
	ev.Metadata = map[string]any{"max_points": maxPoints}
	return ev
}

func NewCapReset(group GroupID, rule string) Event {
	ev := newEvent(EventCapReset)
	ev.GroupID, ev.Rule = group, rule
	return ev
}

func NewRulesReloaded(count int) Event {
	ev := newEvent(EventRulesReloaded)
	ev.Total = int64(count)
	return ev
}
