package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"teampoints/core"
)

// distribution applies one rule's outcomes inside a transaction. It caches
// every entity it touches so each is read and saved once.
type distribution struct {
	tx     EntityStore
	caps   *CapSession
	rule   core.RuleDefinition
	now    time.Time
	logger *slog.Logger

	persons     map[core.PersonID]*core.Person
	groups      map[core.GroupID]*core.Group
	personOrder []core.PersonID
	groupOrder  []core.GroupID
	dirtyPerson map[core.PersonID]bool
	dirtyGroup  map[core.GroupID]bool
	missing     map[core.PersonID]bool

	events []core.Event
}

func newDistribution(tx EntityStore, caps *CapSession, rule core.RuleDefinition, now time.Time, logger *slog.Logger) *distribution {
	return &distribution{
		tx:          tx,
		caps:        caps,
		rule:        rule,
		now:         now,
		logger:      logger.With(slog.String("rule", rule.Name)),
		persons:     map[core.PersonID]*core.Person{},
		groups:      map[core.GroupID]*core.Group{},
		dirtyPerson: map[core.PersonID]bool{},
		dirtyGroup:  map[core.GroupID]bool{},
		missing:     map[core.PersonID]bool{},
	}
}

func (d *distribution) person(ctx context.Context, id core.PersonID) (*core.Person, bool, error) {
	if p, ok := d.persons[id]; ok {
		return p, true, nil
	}
	if d.missing[id] {
		return nil, false, nil
	}
	p, ok, err := d.tx.FindPerson(ctx, id)
	if err != nil {
		return nil, false, &PersistenceError{Rule: d.rule.Name, Op: "find person", Err: err}
	}
	if !ok {
		d.missing[id] = true
		d.logger.Warn("skipping participant", slog.String("person", string(id)), slog.String("error", ErrUnknownParticipant.Error()))
		return nil, false, nil
	}
	d.persons[id] = &p
	d.personOrder = append(d.personOrder, id)
	return &p, true, nil
}

// adopt returns the cached copy of a member loaded through a group listing.
func (d *distribution) adopt(p core.Person) *core.Person {
	if cached, ok := d.persons[p.ID]; ok {
		return cached
	}
	cp := p
	d.persons[p.ID] = &cp
	d.personOrder = append(d.personOrder, p.ID)
	return &cp
}

func (d *distribution) group(ctx context.Context, id core.GroupID) (*core.Group, bool, error) {
	if g, ok := d.groups[id]; ok {
		return g, true, nil
	}
	g, ok, err := d.tx.FindGroup(ctx, id)
	if err != nil {
		return nil, false, &PersistenceError{Rule: d.rule.Name, Op: "find group", Err: err}
	}
	if !ok {
		d.logger.Warn("skipping unknown group", slog.String("group", string(id)), slog.String("error", ErrUnknownParticipant.Error()))
		return nil, false, nil
	}
	d.groups[id] = &g
	d.groupOrder = append(d.groupOrder, id)
	return &g, true, nil
}

// resolve returns the person and their group, or ok=false when either is unknown.
func (d *distribution) resolve(ctx context.Context, id core.PersonID) (*core.Person, *core.Group, bool, error) {
	p, ok, err := d.person(ctx, id)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	g, ok, err := d.group(ctx, p.GroupID)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	return p, g, true, nil
}

func (d *distribution) record(p *core.Person, points int64, reason string) {
	p.RecordContribution(points, reason, d.rule.Name, d.now)
	d.dirtyPerson[p.ID] = true
	d.events = append(d.events, core.NewPersonPointsRecorded(p.ID, p.GroupID, d.rule.Name, points, p.TotalPoints(), reason))
}

func (d *distribution) addToGroup(g *core.Group, delta int64, reason string) error {
	if delta == 0 {
		return nil
	}
	if err := g.AddPoints(delta, reason, d.rule.Name, d.now); err != nil {
		return fmt.Errorf("group %s: %w", g.ID, err)
	}
	d.dirtyGroup[g.ID] = true
	d.events = append(d.events, core.NewGroupPointsChanged(g.ID, d.rule.Name, delta, g.TotalPoints, reason))
	return nil
}

// capped runs the reset check and clamp for a capped award and returns the
// delta the group may receive.
func (d *distribution) capped(ctx context.Context, g *core.Group, requested int64) (int64, error) {
	key := core.CapKey{GroupID: g.ID, Rule: d.rule.Name}
	interval := time.Duration(d.rule.ResetIntervalDays) * 24 * time.Hour
	reset, err := d.caps.MaybeReset(ctx, key, d.now, interval)
	if err != nil {
		return 0, err
	}
	if reset {
		g.ClearCappedActivity(d.rule.Name)
		d.dirtyGroup[g.ID] = true
		d.events = append(d.events, core.NewCapReset(g.ID, d.rule.Name))
	}
	cur, err := d.caps.CurrentPoints(ctx, key)
	if err != nil {
		return 0, err
	}
	delta := core.Clamp(cur, requested, d.rule.Cap.MaxPoints)
	accumulated := cur + delta
	if err := d.caps.Set(ctx, key, accumulated); err != nil {
		return 0, err
	}
	g.SetCappedActivity(d.rule.Name, accumulated)
	d.dirtyGroup[g.ID] = true
	if delta < requested {
		d.logger.Debug("cap clamped award",
			slog.String("group", string(g.ID)),
			slog.Int64("requested", requested),
			slog.Int64("granted", delta),
			slog.Int64("max_points", d.rule.Cap.MaxPoints))
		d.events = append(d.events, core.NewCapReached(g.ID, d.rule.Name, delta, accumulated, d.rule.Cap.MaxPoints))
	}
	return delta, nil
}

// distributeSingle handles rules whose outcomes are all awards or all
// penalties. Each target role takes its first declared outcome.
func (d *distribution) distributeSingle(ctx context.Context, participants core.Participants) error {
	for _, kind := range []core.OutcomeKind{core.OutcomePenalty, core.OutcomeAward} {
		for _, role := range d.rule.Targets(kind) {
			o, _ := d.rule.FindOutcome(kind, role)
			ids, ok := participants.Get(role)
			if !ok {
				continue
			}
			for _, id := range ids {
				p, g, ok, err := d.resolve(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				d.record(p, o.Points, o.Reason)
				delta := o.Points
				if kind == core.OutcomeAward && d.rule.Capped() {
					if delta, err = d.capped(ctx, g, o.Points); err != nil {
						return err
					}
				}
				if err := d.addToGroup(g, delta, o.Reason); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// distributeMixed handles rules mixing awards and penalties. Penalties go to
// the listed offenders first; awards then go per group. The compliant role
// falls back to every member not penalized only when the event lists no
// compliant participants at all.
func (d *distribution) distributeMixed(ctx context.Context, participants core.Participants) error {
	penalized := map[core.PersonID]bool{}
	for _, role := range d.rule.Targets(core.OutcomePenalty) {
		o, _ := d.rule.FindOutcome(core.OutcomePenalty, role)
		ids, _ := participants.Get(role)
		for _, id := range ids {
			p, g, ok, err := d.resolve(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			d.record(p, o.Points, o.Reason)
			if err := d.addToGroup(g, o.Points, o.Reason); err != nil {
				return err
			}
			penalized[id] = true
		}
	}

	groups, err := d.tx.ListGroups(ctx)
	if err != nil {
		return &PersistenceError{Rule: d.rule.Name, Op: "list groups", Err: err}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	_, explicit := participants.Get(core.RoleCompliant)
	awards := d.rule.Targets(core.OutcomeAward)
	for _, listed := range groups {
		g, ok, err := d.group(ctx, listed.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, role := range awards {
			o, _ := d.rule.FindOutcome(core.OutcomeAward, role)
			byExclusion := role == core.RoleCompliant && !explicit
			eligible, err := d.eligible(ctx, g.ID, role, participants, byExclusion, penalized)
			if err != nil {
				return err
			}
			if len(eligible) == 0 {
				continue
			}
			raw := int64(len(eligible)) * o.Points
			delta := raw
			if d.rule.Capped() {
				if delta, err = d.capped(ctx, g, raw); err != nil {
					return err
				}
			}
			for _, p := range eligible {
				d.record(p, o.Points, o.Reason)
			}
			if err := d.addToGroup(g, delta, o.Reason); err != nil {
				return err
			}
		}
	}
	return nil
}

// eligible lists the group's members listed under role, or with byExclusion
// every member of the group not penalized.
func (d *distribution) eligible(ctx context.Context, group core.GroupID, role string, participants core.Participants, byExclusion bool, penalized map[core.PersonID]bool) ([]*core.Person, error) {
	var out []*core.Person
	if !byExclusion {
		ids, _ := participants.Get(role)
		for _, id := range ids {
			p, ok, err := d.person(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok && p.GroupID == group {
				out = append(out, p)
			}
		}
		return out, nil
	}
	members, err := d.tx.FindGroupMembers(ctx, group)
	if err != nil {
		return nil, &PersistenceError{Rule: d.rule.Name, Op: "find group members", Err: err}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	for _, m := range members {
		if penalized[m.ID] {
			continue
		}
		out = append(out, d.adopt(m))
	}
	return out, nil
}

// flush saves every modified entity once.
func (d *distribution) flush(ctx context.Context) error {
	for _, id := range d.personOrder {
		if !d.dirtyPerson[id] {
			continue
		}
		if err := d.tx.SavePerson(ctx, *d.persons[id]); err != nil {
			return &PersistenceError{Rule: d.rule.Name, Op: "save person " + string(id), Err: err}
		}
	}
	for _, id := range d.groupOrder {
		if !d.dirtyGroup[id] {
			continue
		}
		if err := d.tx.SaveGroup(ctx, *d.groups[id]); err != nil {
			return &PersistenceError{Rule: d.rule.Name, Op: "save group " + string(id), Err: err}
		}
	}
	return nil
}
