package storeio

import (
	"context"
	"testing"
)

func TestVerifyStoreReportsMissingReference(t *testing.T) {
	s := testStore(t)

	tx, err := s.DB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/a-foo", "sha256:1", []string{"/store/missing-dep"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	report, err := VerifyStore(context.Background(), s.Root, s.DB, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.MissingReferences) != 1 || report.MissingReferences[0] != "/store/missing-dep" {
		t.Errorf("MissingReferences = %v", report.MissingReferences)
	}
}

func TestVerifyStoreRepairRemovesOrphanEntries(t *testing.T) {
	s := testStore(t)

	tx, err := s.DB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/b-dep", "sha256:1", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/orphan-foo", "sha256:2", []string{"/store/b-dep"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterDeriver("/store/orphan-foo", "/store/orphan-foo.drv"); err != nil {
		t.Fatal(err)
	}
	// Simulate an interrupted invalidation: orphan-foo drops out of
	// validPaths but its references/referers/derivers entries linger,
	// violating I3 until repaired.
	if err := tx.InvalidatePath("/store/orphan-foo", false); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	report, err := VerifyStore(context.Background(), s.Root, s.DB, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Repaired {
		t.Error("expected Repaired to be true")
	}

	tx2, err := s.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()
	if _, ok, _ := tx2.QueryDeriver("/store/orphan-foo"); ok {
		t.Error("expected orphan deriver entry to be cleared by repair")
	}
}
