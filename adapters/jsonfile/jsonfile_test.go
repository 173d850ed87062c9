package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"teampoints/adapters/memory"
)

func TestRuleFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "rules.json")
	f := NewRuleFile(path)

	if _, err := f.LoadRuleDefinitions(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
	created, err := f.EnsureExists(DefaultRules())
	if err != nil || !created {
		t.Fatalf("ensure: %v %v", created, err)
	}
	if created, _ := f.EnsureExists(nil); created {
		t.Fatal("existing file must not be overwritten")
	}

	rules, err := f.LoadRuleDefinitions(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("want 3 rules got %d", len(rules))
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			t.Fatalf("default rule %s invalid: %v", r.Name, err)
		}
	}
	sap := rules[1]
	if sap.Cap == nil || sap.Cap.MaxPoints != 10 || sap.ResetIntervalDays != 7 || !sap.HasMixedOutcomes() {
		t.Fatalf("unexpected sap rule %+v", sap)
	}
}

func TestRuleFileReadsOriginalFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	raw := `[{"ruleName":"weekly_sync","description":"d","active":true,"groupBasedActivity":false,
	  "conditions":[{"type":"action","value":"weekly_sync"}],
	  "outcomes":[{"type":"award","points":3,"target":"attendee","reason":"Attended"}],
	  "cap":{"maxPoints":9}}]`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := NewRuleFile(path).LoadRuleDefinitions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Name != "weekly_sync" || rules[0].Cap.MaxPoints != 9 || rules[0].Outcomes[0].Target != "attendee" {
		t.Fatalf("unexpected %+v", rules)
	}
}

func TestSeedApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := SaveSeed(path, DefaultSeed()); err != nil {
		t.Fatal(err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatal(err)
	}
	store := memory.New()
	n, err := seed.Apply(context.Background(), store)
	if err != nil || n != 10 {
		t.Fatalf("apply: %d %v", n, err)
	}
	n, err = seed.Apply(context.Background(), store)
	if err != nil || n != 0 {
		t.Fatalf("second apply should be a no-op: %d %v", n, err)
	}
	members, _ := store.FindGroupMembers(context.Background(), "grp_c")
	if len(members) != 2 {
		t.Fatalf("grp_c members %d", len(members))
	}
}

func TestSeedRejectsUnknownGroup(t *testing.T) {
	seed := Seed{Persons: []SeedPerson{{ID: "p_x", Name: "X", GroupID: "nowhere"}}}
	if _, err := seed.Apply(context.Background(), memory.New()); err == nil {
		t.Fatal("expected error")
	}
}
