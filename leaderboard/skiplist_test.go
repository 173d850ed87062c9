package leaderboard

import (
	"context"
	"fmt"
	"testing"

	"teampoints/core"
)

func TestSkipListBasic(t *testing.T) {
	s := NewSkipList()
	s.Update("a", 10)
	s.Update("b", 20)
	s.Update("c", 15)
	top := s.TopN(3)
	if len(top) != 3 || top[0].ID != "b" || top[1].ID != "c" || top[2].ID != "a" {
		t.Fatalf("unexpected order: %#v", top)
	}
	s.Update("a", 25)
	top = s.TopN(1)
	if top[0].ID != "a" || top[0].Rank != 1 {
		t.Fatalf("top should be a, got %#v", top)
	}
}

func TestSkipListTiesOrderByID(t *testing.T) {
	s := NewSkipList()
	s.Update("grp_c", 5)
	s.Update("grp_a", 5)
	s.Update("grp_b", 5)
	top := s.TopN(10)
	if len(top) != 3 || top[0].ID != "grp_a" || top[1].ID != "grp_b" || top[2].ID != "grp_c" {
		t.Fatalf("unexpected tie order: %#v", top)
	}
}

func TestSkipListNegativeScores(t *testing.T) {
	s := NewSkipList()
	s.Update("x", -4)
	s.Update("y", 0)
	s.Update("z", 2)
	top := s.TopN(3)
	if top[0].ID != "z" || top[2].ID != "x" || top[2].Score != -4 {
		t.Fatalf("unexpected order: %#v", top)
	}
}

func TestSkipListGetRankAndRemove(t *testing.T) {
	s := NewSkipList()
	for i := 0; i < 200; i++ {
		s.Update(fmt.Sprintf("p%03d", i), int64(i))
	}
	e, ok := s.Get("p150")
	if !ok || e.Rank != 50 || e.Score != 150 {
		t.Fatalf("unexpected entry: %#v ok=%v", e, ok)
	}
	s.Remove("p199")
	if s.Len() != 199 {
		t.Fatalf("len=%d", s.Len())
	}
	e, _ = s.Get("p150")
	if e.Rank != 49 {
		t.Fatalf("rank after remove=%d", e.Rank)
	}
	if _, ok := s.Get("p199"); ok {
		t.Fatalf("removed entry still present")
	}
	// moving an entry down keeps ranks consistent
	s.Update("p198", -1)
	e, _ = s.Get("p198")
	if e.Rank != 199 {
		t.Fatalf("rank of moved entry=%d", e.Rank)
	}
	top := s.TopN(1)
	if top[0].ID != "p197" {
		t.Fatalf("top=%#v", top)
	}
}

func TestRankingsFollowEvents(t *testing.T) {
	r := NewRankings()
	ctx := context.Background()
	r.OnEvent(ctx, core.NewGroupPointsChanged("grp_a", "rule", 4, 4, "r"))
	r.OnEvent(ctx, core.NewGroupPointsChanged("grp_b", "rule", 10, 10, "r"))
	r.OnEvent(ctx, core.NewPersonPointsRecorded("alice", "grp_a", "rule", 2, 2, "r"))
	r.OnEvent(ctx, core.NewGroupPointsChanged("grp_a", "rule", 8, 12, "r"))
	r.OnEvent(ctx, core.NewCapReset("grp_a", "rule"))

	top := r.Groups.TopN(2)
	if top[0].ID != "grp_a" || top[0].Score != 12 || top[1].ID != "grp_b" {
		t.Fatalf("group board: %#v", top)
	}
	if e, ok := r.Persons.Get("alice"); !ok || e.Score != 2 {
		t.Fatalf("person board: %#v", e)
	}
}

type staticLister struct {
	groups  []core.Group
	persons []core.Person
}

func (s staticLister) ListGroups(context.Context) ([]core.Group, error)   { return s.groups, nil }
func (s staticLister) ListPersons(context.Context) ([]core.Person, error) { return s.persons, nil }

func TestRankingsRebuild(t *testing.T) {
	r := NewRankings()
	err := r.Rebuild(context.Background(), staticLister{
		groups: []core.Group{{ID: "grp_a", TotalPoints: 3}, {ID: "grp_b", TotalPoints: 7}},
		persons: []core.Person{{ID: "bob", GroupID: "grp_a", History: []core.HistoryEntry{{Points: 5}, {Points: -2}}}},
	})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if top := r.Groups.TopN(1); top[0].ID != "grp_b" {
		t.Fatalf("top group: %#v", top)
	}
	if e, _ := r.Persons.Get("bob"); e.Score != 3 {
		t.Fatalf("bob=%d", e.Score)
	}
}
