package scheduler

import "testing"

func TestRegistryByKind(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(GoalRecord{Key: "/store/a.drv", Kind: "derivation", State: "tryToBuild"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(GoalRecord{Key: "/store/b-out", Kind: "substitution", State: "tryNext"}); err != nil {
		t.Fatal(err)
	}

	derivs, err := r.ByKind("derivation")
	if err != nil {
		t.Fatal(err)
	}
	if len(derivs) != 1 || derivs[0].Key != "/store/a.drv" {
		t.Errorf("ByKind(derivation) = %v", derivs)
	}

	all, err := r.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("All() returned %d records, want 2", len(all))
	}
}

func TestRegistryUpsertReplaces(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(GoalRecord{Key: "/store/a.drv", Kind: "derivation", State: "init"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(GoalRecord{Key: "/store/a.drv", Kind: "derivation", State: "buildDone", Done: true, Succeeded: true}); err != nil {
		t.Fatal(err)
	}

	all, err := r.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected upsert to replace, got %d records", len(all))
	}
	if all[0].State != "buildDone" || !all[0].Succeeded {
		t.Errorf("record not updated: %+v", all[0])
	}
}
