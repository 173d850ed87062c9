package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"teampoints/core"
)

type ruleSet map[string]core.RuleDefinition

// Catalog holds the process-wide rule set. Readers load an immutable map
// through an atomic pointer and never block on a reload; writers build a new
// map and swap it in.
type Catalog struct {
	source RuleSource
	logger *slog.Logger

	rules  atomic.Pointer[ruleSet]
	mu     sync.Mutex // serializes writers
	loaded atomic.Bool
}

// NewCatalog creates an empty catalog backed by source.
func NewCatalog(source RuleSource, logger *slog.Logger) *Catalog {
	if source == nil {
		panic("NewCatalog requires a rule source")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{source: source, logger: logger}
	empty := ruleSet{}
	c.rules.Store(&empty)
	return c
}

// EnsureLoaded loads the catalog on first use. A failed load leaves the
// catalog unloaded so the next call retries.
func (c *Catalog) EnsureLoaded(ctx context.Context) error {
	if c.loaded.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded.Load() {
		return nil
	}
	if _, err := c.reloadLocked(ctx); err != nil {
		return err
	}
	c.loaded.Store(true)
	return nil
}

// Reload reads the source again and merges the result into the catalog.
// Entries are replaced by name; on collision the last definition wins.
func (c *Catalog) Reload(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.reloadLocked(ctx)
	if err != nil {
		return 0, err
	}
	c.loaded.Store(true)
	return n, nil
}

func (c *Catalog) reloadLocked(ctx context.Context) (int, error) {
	defs, err := c.source.LoadRuleDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRuleSourceUnavailable, err)
	}
	next := c.copyCurrent()
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			c.logger.Warn("skipping invalid rule", slog.String("rule", d.Name), slog.String("error", err.Error()))
			continue
		}
		next[d.Name] = d.Clone()
	}
	c.rules.Store(&next)
	c.logger.Info("rule catalog loaded", slog.Int("source_rules", len(defs)), slog.Int("rules", len(next)))
	return len(next), nil
}

// AddRule inserts a validated rule, rejecting names already present.
func (c *Catalog) AddRule(rule core.RuleDefinition) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.rules.Load()
	for name := range cur {
		if strings.EqualFold(name, rule.Name) {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
		}
	}
	next := c.copyCurrent()
	next[rule.Name] = rule.Clone()
	c.rules.Store(&next)
	return nil
}

func (c *Catalog) copyCurrent() ruleSet {
	cur := *c.rules.Load()
	next := make(ruleSet, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// Snapshot returns a copy of the loaded rules keyed by name.
func (c *Catalog) Snapshot() map[string]core.RuleDefinition {
	cur := *c.rules.Load()
	out := make(map[string]core.RuleDefinition, len(cur))
	for k, v := range cur {
		out[k] = v.Clone()
	}
	return out
}

// Get returns one rule by exact name.
func (c *Catalog) Get(name string) (core.RuleDefinition, bool) {
	r, ok := (*c.rules.Load())[name]
	if !ok {
		return core.RuleDefinition{}, false
	}
	return r.Clone(), true
}

// Matching returns the rules that match actionType, ordered by name.
func (c *Catalog) Matching(actionType string) []core.RuleDefinition {
	cur := *c.rules.Load()
	var out []core.RuleDefinition
	for _, r := range cur {
		if core.Matches(r, actionType) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of loaded rules.
func (c *Catalog) Len() int { return len(*c.rules.Load()) }
