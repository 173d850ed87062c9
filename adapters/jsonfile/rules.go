package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"teampoints/core"
)

// RuleFile reads rule definitions from a JSON array on disk. Every load reads
// the file again so a reload picks up edits.
type RuleFile struct {
	path string
	mu   sync.Mutex
}

func NewRuleFile(path string) *RuleFile { return &RuleFile{path: path} }

// Path returns the file location.
func (f *RuleFile) Path() string { return f.path }

func (f *RuleFile) LoadRuleDefinitions(_ context.Context) ([]core.RuleDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", f.path, err)
	}
	var rules []core.RuleDefinition
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("decode rules %s: %w", f.path, err)
	}
	return rules, nil
}

// Save replaces the file contents atomically.
func (f *RuleFile) Save(rules []core.RuleDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeAtomic(f.path, rules)
}

// EnsureExists writes defaults when the file is missing.
func (f *RuleFile) EnsureExists(defaults []core.RuleDefinition) (bool, error) {
	if _, err := os.Stat(f.path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	return true, f.Save(defaults)
}

func writeAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DefaultRules is the rule set shipped with the demo.
func DefaultRules() []core.RuleDefinition {
	return []core.RuleDefinition{
		{
			Name:        "join_hackathon",
			Description: "Award points for joining a hackathon",
			Active:      true,
			Conditions:  []core.Condition{{Type: core.ConditionAction, Value: "join_hackathon"}},
			Outcomes: []core.Outcome{
				{Kind: core.OutcomeAward, Points: 10, Target: "participant", Reason: "Joined a hackathon"},
			},
		},
		{
			Name:               "did_not_key_in_sap_hour",
			Description:        "Penalize missing SAP hours and reward the members who keyed in",
			Active:             true,
			GroupBasedActivity: true,
			Conditions:         []core.Condition{{Type: core.ConditionAction, Value: "did_not_key_in_sap_hour"}},
			Outcomes: []core.Outcome{
				{Kind: core.OutcomePenalty, Points: -5, Target: "offender", Reason: "Did not key in SAP hours"},
				{Kind: core.OutcomeAward, Points: 2, Target: core.RoleCompliant, Reason: "Keyed in SAP hours on time"},
			},
			Cap:               &core.Cap{MaxPoints: 10},
			ResetIntervalDays: 7,
		},
		{
			Name:        "win_team_game",
			Description: "Award the winner of a team game",
			Active:      true,
			Conditions:  []core.Condition{{Type: core.ConditionAction, Value: "win_team_game"}},
			Outcomes: []core.Outcome{
				{Kind: core.OutcomeAward, Points: 20, Target: "winner", Reason: "Won a team game"},
			},
			Cap: &core.Cap{MaxPoints: 50},
		},
	}
}
