package engine

import (
	"context"

	"teampoints/core"
)

// EntityStore abstracts persistence of persons and groups. Find methods
// report absence with ok=false rather than an error.
type EntityStore interface {
	FindPerson(ctx context.Context, id core.PersonID) (core.Person, bool, error)
	FindGroup(ctx context.Context, id core.GroupID) (core.Group, bool, error)
	FindGroupMembers(ctx context.Context, id core.GroupID) ([]core.Person, error)
	ListGroups(ctx context.Context) ([]core.Group, error)
	ListPersons(ctx context.Context) ([]core.Person, error)
	// SavePerson and SaveGroup insert when Version is 0 and the entity is
	// new, otherwise they update only if the stored version still equals
	// Version, failing with ErrConcurrentModification when it does not.
	SavePerson(ctx context.Context, p core.Person) error
	SaveGroup(ctx context.Context, g core.Group) error
}

// TxStore runs fn against a transactional view. Writes made through the view
// become visible together when fn returns nil and are discarded otherwise.
type TxStore interface {
	EntityStore
	WithTx(ctx context.Context, fn func(tx EntityStore) error) error
}

// RuleSource supplies rule definitions to the catalog.
type RuleSource interface {
	LoadRuleDefinitions(ctx context.Context) ([]core.RuleDefinition, error)
}

// CapStore persists cap accumulators.
type CapStore interface {
	Load(ctx context.Context, key core.CapKey) (core.CapEntry, error)
	Commit(ctx context.Context, entries map[core.CapKey]core.CapEntry) error
}

// StaticRules is a fixed RuleSource.
type StaticRules []core.RuleDefinition

func (s StaticRules) LoadRuleDefinitions(context.Context) ([]core.RuleDefinition, error) {
	out := make([]core.RuleDefinition, len(s))
	for i, r := range s {
		out[i] = r.Clone()
	}
	return out, nil
}
