package storedb

import (
	"context"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterAndQueryValidPath(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/a-foo", "sha256:deadbeef", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := db.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()
	valid, hash, err := tx2.IsValidPath("/store/a-foo")
	if err != nil {
		t.Fatal(err)
	}
	if !valid || hash != "sha256:deadbeef" {
		t.Errorf("got valid=%v hash=%q", valid, hash)
	}
}

func TestReferenceSymmetry(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/b-dep", "sha256:1", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/a-foo", "sha256:2", []string{"/store/b-dep"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := db.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()

	refs, err := tx2.QueryReferences("/store/a-foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0] != "/store/b-dep" {
		t.Errorf("references = %v", refs)
	}

	referers, err := tx2.QueryReferers("/store/b-dep")
	if err != nil {
		t.Fatal(err)
	}
	if len(referers) != 1 || referers[0] != "/store/a-foo" {
		t.Errorf("referers = %v", referers)
	}
}

func TestInvalidatePathClearsDerivationData(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/b-dep", "sha256:1", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/a-foo", "sha256:2", []string{"/store/b-dep"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterDeriver("/store/a-foo", "/store/a-foo.drv"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := db.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx2.InvalidatePath("/store/a-foo", true); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	tx3, err := db.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx3.Rollback()

	if valid, _, _ := tx3.IsValidPath("/store/a-foo"); valid {
		t.Error("expected a-foo to be invalidated")
	}
	if referers, _ := tx3.QueryReferers("/store/b-dep"); len(referers) != 0 {
		t.Errorf("expected no referers left for b-dep, got %v", referers)
	}
	if _, ok, _ := tx3.QueryDeriver("/store/a-foo"); ok {
		t.Error("expected deriver entry to be cleared")
	}
}

func TestSubstituteOrderingNewestFirst(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	if err := tx.RegisterSubstitute("/store/a-foo", Substitute{Program: "/bin/old"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterSubstitute("/store/a-foo", Substitute{Program: "/bin/new"}); err != nil {
		t.Fatal(err)
	}

	subs, err := tx.QuerySubstitutes("/store/a-foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 || subs[0].Program != "/bin/new" || subs[1].Program != "/bin/old" {
		t.Errorf("subs = %+v", subs)
	}
}

func TestReadOnlyModeWritesAreNoops(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(context.Background(), Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	roDB, err := Open(context.Background(), Config{Dir: dir, ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer roDB.Close()

	tx, err := roDB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath("/store/a-foo", "sha256:1", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := roDB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()
	if valid, _, _ := tx2.IsValidPath("/store/a-foo"); valid {
		t.Error("expected write to be a no-op in read-only mode")
	}
}

func TestMoveTo(t *testing.T) {
	db := openTestDB(t)

	open := func() (*Transaction, error) {
		tx, err := db.OpenTransaction()
		if err != nil {
			return nil, err
		}
		if err := tx.RegisterValidPath("/store/a-foo", "sha256:1", nil); err != nil {
			tx.Rollback()
			return nil, err
		}
		return tx, nil
	}

	var dst Transaction
	src, err := open()
	if err != nil {
		t.Fatal(err)
	}
	src.MoveTo(&dst)

	// src is now inert.
	if err := src.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := dst.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, err := db.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if valid, _, _ := tx.IsValidPath("/store/a-foo"); !valid {
		t.Error("expected moved transaction's write to be committed")
	}
}
