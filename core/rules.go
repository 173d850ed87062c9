package core

import (
	"errors"
	"fmt"
	"strings"
)

// ConditionAction is the only condition type the matcher understands.
const ConditionAction = "action"

// OutcomeKind distinguishes awards from penalties.
type OutcomeKind string

const (
	OutcomeAward   OutcomeKind = "award"
	OutcomePenalty OutcomeKind = "penalty"
)

// RoleCompliant is the award role whose members may be inferred by exclusion.
const RoleCompliant = "compliant"

// Is reports whether k names the given kind, ignoring case.
func (k OutcomeKind) Is(other OutcomeKind) bool {
	return strings.EqualFold(string(k), string(other))
}

// Condition is a (type, value) predicate on an incoming event.
type Condition struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Outcome is one point effect of a rule, scoped to a participant role.
type Outcome struct {
	Kind   OutcomeKind `json:"type"`
	Points int64       `json:"points"`
	Target string      `json:"target"`
	Reason string      `json:"reason"`
}

// Cap limits the group points a rule may contribute per reset window.
type Cap struct {
	MaxPoints int64 `json:"maxPoints"`
}

// RuleDefinition is immutable once loaded into a catalog.
// ResetIntervalDays of zero disables periodic cap resets.
type RuleDefinition struct {
	Name               string      `json:"ruleName"`
	Description        string      `json:"description,omitempty"`
	Active             bool        `json:"active"`
	GroupBasedActivity bool        `json:"groupBasedActivity,omitempty"`
	Conditions         []Condition `json:"conditions"`
	Outcomes           []Outcome   `json:"outcomes"`
	Cap                *Cap        `json:"cap,omitempty"`
	ResetIntervalDays  int         `json:"resetIntervalDays,omitempty"`
}

// Matches reports whether an active rule applies to actionType. Every
// condition must be an action condition equal to actionType (case
// insensitive). A rule without conditions never matches.
func Matches(rule RuleDefinition, actionType string) bool {
	if !rule.Active || len(rule.Conditions) == 0 {
		return false
	}
	for _, c := range rule.Conditions {
		if !strings.EqualFold(c.Type, ConditionAction) || !strings.EqualFold(c.Value, actionType) {
			return false
		}
	}
	return true
}

// HasMixedOutcomes reports whether the rule declares both awards and penalties.
func (r RuleDefinition) HasMixedOutcomes() bool {
	var award, penalty bool
	for _, o := range r.Outcomes {
		switch {
		case o.Kind.Is(OutcomeAward):
			award = true
		case o.Kind.Is(OutcomePenalty):
			penalty = true
		}
		if award && penalty {
			return true
		}
	}
	return false
}

// Targets returns the distinct target roles of outcomes of the given kind,
// in declaration order.
func (r RuleDefinition) Targets(kind OutcomeKind) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, o := range r.Outcomes {
		if !o.Kind.Is(kind) {
			continue
		}
		if _, ok := seen[o.Target]; ok {
			continue
		}
		seen[o.Target] = struct{}{}
		out = append(out, o.Target)
	}
	return out
}

// FindOutcome returns the first outcome of kind targeting role.
func (r RuleDefinition) FindOutcome(kind OutcomeKind, role string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Kind.Is(kind) && o.Target == role {
			return o, true
		}
	}
	return Outcome{}, false
}

// Capped reports whether award outcomes of this rule are subject to a cap.
func (r RuleDefinition) Capped() bool { return r.Cap != nil }

// Clone returns a deep copy so catalog snapshots never share slices.
func (r RuleDefinition) Clone() RuleDefinition {
	cp := r
	cp.Conditions = append([]Condition(nil), r.Conditions...)
	cp.Outcomes = append([]Outcome(nil), r.Outcomes...)
	if r.Cap != nil {
		c := *r.Cap
		cp.Cap = &c
	}
	return cp
}

// Validate checks a rule definition before it enters a catalog.
func (r RuleDefinition) Validate() error {
	var errs []string
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, "ruleName is required")
	}
	if len(r.Conditions) == 0 {
		errs = append(errs, "at least one condition is required")
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Type) == "" || strings.TrimSpace(c.Value) == "" {
			errs = append(errs, fmt.Sprintf("conditions[%d] needs type and value", i))
		}
	}
	if len(r.Outcomes) == 0 {
		errs = append(errs, "at least one outcome is required")
	}
	for i, o := range r.Outcomes {
		if !o.Kind.Is(OutcomeAward) && !o.Kind.Is(OutcomePenalty) {
			errs = append(errs, fmt.Sprintf("outcomes[%d] type must be award or penalty", i))
		}
		if strings.TrimSpace(o.Target) == "" {
			errs = append(errs, fmt.Sprintf("outcomes[%d] target is required", i))
		}
	}
	if r.Cap != nil && r.Cap.MaxPoints <= 0 {
		errs = append(errs, "cap.maxPoints must be > 0")
	}
	if r.ResetIntervalDays < 0 {
		errs = append(errs, "resetIntervalDays must be >= 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
