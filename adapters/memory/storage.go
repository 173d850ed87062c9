package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"teampoints/core"
	"teampoints/engine"
)

// Store is a concurrent in-memory entity store with optimistic versioning.
type Store struct {
	mu      sync.RWMutex
	persons map[core.PersonID]core.Person
	groups  map[core.GroupID]core.Group
}

func New() *Store {
	return &Store{
		persons: map[core.PersonID]core.Person{},
		groups:  map[core.GroupID]core.Group{},
	}
}

func (s *Store) FindPerson(_ context.Context, id core.PersonID) (core.Person, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[id]
	if !ok {
		return core.Person{}, false, nil
	}
	return p.Clone(), true, nil
}

func (s *Store) FindGroup(_ context.Context, id core.GroupID) (core.Group, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return core.Group{}, false, nil
	}
	return g.Clone(), true, nil
}

func (s *Store) FindGroupMembers(_ context.Context, id core.GroupID) ([]core.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Person
	for _, p := range s.persons {
		if p.GroupID == id {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListGroups(_ context.Context) ([]core.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListPersons(_ context.Context) ([]core.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Person, 0, len(s.persons))
	for _, p := range s.persons {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SavePerson(_ context.Context, p core.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPerson(p); err != nil {
		return err
	}
	s.putPerson(p)
	return nil
}

func (s *Store) SaveGroup(_ context.Context, g core.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkGroup(g); err != nil {
		return err
	}
	s.putGroup(g)
	return nil
}

// caller holds s.mu
func (s *Store) checkPerson(p core.Person) error {
	if p.ID == "" {
		return fmt.Errorf("save person: empty id")
	}
	cur, ok := s.persons[p.ID]
	if !ok && p.Version != 0 || ok && cur.Version != p.Version {
		return fmt.Errorf("person %s: %w", p.ID, engine.ErrConcurrentModification)
	}
	if ok && cur.GroupID != p.GroupID {
		return fmt.Errorf("person %s: group is immutable", p.ID)
	}
	return nil
}

// caller holds s.mu
func (s *Store) checkGroup(g core.Group) error {
	if g.ID == "" {
		return fmt.Errorf("save group: empty id")
	}
	cur, ok := s.groups[g.ID]
	if !ok && g.Version != 0 || ok && cur.Version != g.Version {
		return fmt.Errorf("group %s: %w", g.ID, engine.ErrConcurrentModification)
	}
	return nil
}

func (s *Store) putPerson(p core.Person) {
	cp := p.Clone()
	assignIDs(cp.History)
	cp.Version++
	s.persons[p.ID] = cp
}

func (s *Store) putGroup(g core.Group) {
	cp := g.Clone()
	assignIDs(cp.History)
	cp.Version++
	s.groups[g.ID] = cp
}

func assignIDs(h []core.HistoryEntry) {
	for i := range h {
		if h[i].ID == "" {
			h[i].ID = uuid.NewString()
		}
	}
}

// WithTx stages writes in an overlay and applies them atomically when fn
// succeeds. Version checks run again at commit so a transaction that lost a
// race fails with engine.ErrConcurrentModification.
func (s *Store) WithTx(ctx context.Context, fn func(tx engine.EntityStore) error) error {
	tx := &txView{base: s, persons: map[core.PersonID]core.Person{}, groups: map[core.GroupID]core.Group{}}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range tx.persons {
		if err := s.checkPerson(p); err != nil {
			return err
		}
	}
	for _, g := range tx.groups {
		if err := s.checkGroup(g); err != nil {
			return err
		}
	}
	for _, p := range tx.persons {
		s.putPerson(p)
	}
	for _, g := range tx.groups {
		s.putGroup(g)
	}
	return nil
}

type txView struct {
	base    *Store
	persons map[core.PersonID]core.Person
	groups  map[core.GroupID]core.Group
}

func (t *txView) FindPerson(ctx context.Context, id core.PersonID) (core.Person, bool, error) {
	if p, ok := t.persons[id]; ok {
		return p.Clone(), true, nil
	}
	return t.base.FindPerson(ctx, id)
}

func (t *txView) FindGroup(ctx context.Context, id core.GroupID) (core.Group, bool, error) {
	if g, ok := t.groups[id]; ok {
		return g.Clone(), true, nil
	}
	return t.base.FindGroup(ctx, id)
}

func (t *txView) FindGroupMembers(ctx context.Context, id core.GroupID) ([]core.Person, error) {
	members, err := t.base.FindGroupMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := map[core.PersonID]bool{}
	for i, m := range members {
		if p, ok := t.persons[m.ID]; ok {
			members[i] = p.Clone()
		}
		seen[m.ID] = true
	}
	for _, p := range t.persons {
		if p.GroupID == id && !seen[p.ID] {
			members = append(members, p.Clone())
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

func (t *txView) ListGroups(ctx context.Context) ([]core.Group, error) {
	groups, err := t.base.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[core.GroupID]bool{}
	for i, g := range groups {
		if staged, ok := t.groups[g.ID]; ok {
			groups[i] = staged.Clone()
		}
		seen[g.ID] = true
	}
	for _, g := range t.groups {
		if !seen[g.ID] {
			groups = append(groups, g.Clone())
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (t *txView) ListPersons(ctx context.Context) ([]core.Person, error) {
	persons, err := t.base.ListPersons(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[core.PersonID]bool{}
	for i, p := range persons {
		if staged, ok := t.persons[p.ID]; ok {
			persons[i] = staged.Clone()
		}
		seen[p.ID] = true
	}
	for _, p := range t.persons {
		if !seen[p.ID] {
			persons = append(persons, p.Clone())
		}
	}
	sort.Slice(persons, func(i, j int) bool { return persons[i].ID < persons[j].ID })
	return persons, nil
}

func (t *txView) SavePerson(_ context.Context, p core.Person) error {
	t.base.mu.RLock()
	err := t.base.checkPerson(p)
	t.base.mu.RUnlock()
	if err != nil {
		return err
	}
	t.persons[p.ID] = p.Clone()
	return nil
}

func (t *txView) SaveGroup(_ context.Context, g core.Group) error {
	t.base.mu.RLock()
	err := t.base.checkGroup(g)
	t.base.mu.RUnlock()
	if err != nil {
		return err
	}
	t.groups[g.ID] = g.Clone()
	return nil
}

// CapStore keeps cap accumulators in memory.
type CapStore struct {
	mu      sync.Mutex
	entries map[core.CapKey]core.CapEntry
}

func NewCapStore() *CapStore {
	return &CapStore{entries: map[core.CapKey]core.CapEntry{}}
}

func (c *CapStore) Load(_ context.Context, key core.CapKey) (core.CapEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *CapStore) Commit(_ context.Context, entries map[core.CapKey]core.CapEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range entries {
		c.entries[k] = e
	}
	return nil
}

// compile-time checks
var (
	_ engine.TxStore  = (*Store)(nil)
	_ engine.CapStore = (*CapStore)(nil)
)
