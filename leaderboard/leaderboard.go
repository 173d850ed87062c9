package leaderboard

import (
	"context"

	"teampoints/core"
)

// Entry represents a ranked score.
type Entry struct {
	ID    string `json:"id"`
	Score int64  `json:"score"`
	Rank  int    `json:"rank"`
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(id string, score int64)
	Remove(id string)
	TopN(n int) []Entry
	Get(id string) (Entry, bool)
	Len() int
}

// Lister is the part of the entity store a ranking rebuild needs.
type Lister interface {
	ListGroups(ctx context.Context) ([]core.Group, error)
	ListPersons(ctx context.Context) ([]core.Person, error)
}

// Rankings keeps a group board and a person board in step with engine events.
type Rankings struct {
	Groups  Board
	Persons Board
}

func NewRankings() *Rankings {
	return &Rankings{Groups: NewSkipList(), Persons: NewSkipList()}
}

// Rebuild loads current totals from the store.
func (r *Rankings) Rebuild(ctx context.Context, store Lister) error {
	groups, err := store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		r.Groups.Update(string(g.ID), g.TotalPoints)
	}
	persons, err := store.ListPersons(ctx)
	if err != nil {
		return err
	}
	for _, p := range persons {
		r.Persons.Update(string(p.ID), p.TotalPoints())
	}
	return nil
}

// OnEvent applies the totals carried by point events.
func (r *Rankings) OnEvent(_ context.Context, ev core.Event) {
	switch ev.Type {
	case core.EventGroupPointsChanged:
		r.Groups.Update(string(ev.GroupID), ev.Total)
	case core.EventPersonPointsRecorded:
		r.Persons.Update(string(ev.PersonID), ev.Total)
	}
}
