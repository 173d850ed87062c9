package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"teampoints/core"
	"teampoints/engine"
)

// Seed is the initial population of groups and persons.
type Seed struct {
	Groups  []SeedGroup  `json:"groups"`
	Persons []SeedPerson `json:"persons"`
}

type SeedGroup struct {
	ID   core.GroupID `json:"id"`
	Name string       `json:"name"`
}

type SeedPerson struct {
	ID      core.PersonID `json:"id"`
	Name    string        `json:"name"`
	GroupID core.GroupID  `json:"group_id"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	var s Seed
	if err := json.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return s, nil
}

// SaveSeed writes a seed file atomically.
func SaveSeed(path string, s Seed) error { return writeAtomic(path, s) }

// Apply inserts every group and person not already present and returns how
// many entities were created. Persons must reference a known group.
func (s Seed) Apply(ctx context.Context, store engine.TxStore) (int, error) {
	created := 0
	err := store.WithTx(ctx, func(tx engine.EntityStore) error {
		created = 0
		known := map[core.GroupID]bool{}
		for _, g := range s.Groups {
			id, err := core.NormalizeID(string(g.ID))
			if err != nil {
				return fmt.Errorf("seed group: %w", err)
			}
			_, ok, err := tx.FindGroup(ctx, core.GroupID(id))
			if err != nil {
				return err
			}
			known[core.GroupID(id)] = true
			if ok {
				continue
			}
			if err := tx.SaveGroup(ctx, core.Group{ID: core.GroupID(id), Name: g.Name}); err != nil {
				return err
			}
			created++
		}
		for _, p := range s.Persons {
			id, err := core.NormalizeID(string(p.ID))
			if err != nil {
				return fmt.Errorf("seed person: %w", err)
			}
			if !known[p.GroupID] {
				if _, ok, err := tx.FindGroup(ctx, p.GroupID); err != nil {
					return err
				} else if !ok {
					return fmt.Errorf("seed person %s: group %s: %w", id, p.GroupID, engine.ErrNotFound)
				}
			}
			_, ok, err := tx.FindPerson(ctx, core.PersonID(id))
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := tx.SavePerson(ctx, core.Person{ID: core.PersonID(id), Name: p.Name, GroupID: p.GroupID}); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	return created, err
}

// DefaultSeed is the demo population.
func DefaultSeed() Seed {
	return Seed{
		Groups: []SeedGroup{
			{ID: "grp_a", Name: "The Avengers"},
			{ID: "grp_b", Name: "Justice League"},
			{ID: "grp_c", Name: "Jujutsu Kaisen"},
		},
		Persons: []SeedPerson{
			{ID: "p_alice", Name: "Alice", GroupID: "grp_a"},
			{ID: "p_bob", Name: "Bob", GroupID: "grp_a"},
			{ID: "p_charlie", Name: "Charlie", GroupID: "grp_a"},
			{ID: "p_diana", Name: "Max", GroupID: "grp_b"},
			{ID: "p_biagi", Name: "Biagi", GroupID: "grp_b"},
			{ID: "p_gojo", Name: "Gojo", GroupID: "grp_c"},
			{ID: "p_bestofrendo", Name: "BestoFrendo", GroupID: "grp_c"},
		},
	}
}
