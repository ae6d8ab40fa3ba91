package substitution

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/scheduler"
	"github.com/superfly/storeforge/storedb"
	"github.com/superfly/storeforge/storeio"
)

func testStore(t *testing.T) (*storeio.Store, storeforge.Config) {
	t.Helper()
	root := t.TempDir()
	stateDir := t.TempDir()

	db, err := storedb.Open(context.Background(), storedb.Config{Dir: stateDir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := storeforge.DefaultConfig()
	cfg.StoreRoot = root
	return &storeio.Store{Root: root, DB: db}, cfg
}

func TestGoalSucceedsWhenAlreadyValid(t *testing.T) {
	store, cfg := testStore(t)
	path := filepath.Join(store.Root, "abc-already-valid")

	tx, err := store.DB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath(path, "sha256:deadbeef", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	w := scheduler.NewWorker(1, false, nil)
	g := New(w, store, cfg, path)

	ok, err := w.Run(context.Background(), []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !g.Base().Succeeded() {
		t.Error("expected goal to succeed immediately")
	}
}

func TestGoalFailsWithNoSubstitutes(t *testing.T) {
	store, cfg := testStore(t)
	path := filepath.Join(store.Root, "abc-missing")

	w := scheduler.NewWorker(1, false, nil)
	g := New(w, store, cfg, path)

	ok, err := w.Run(context.Background(), []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if ok || g.Base().Succeeded() {
		t.Error("expected goal to fail when no substitutes are registered")
	}
}

func TestGoalRunsSubstituteProgram(t *testing.T) {
	store, cfg := testStore(t)
	path := filepath.Join(store.Root, "abc-substituted")

	script := filepath.Join(t.TempDir(), "substitute.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nmkdir -p \"$1\"\necho hi > \"$1/data\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	tx, err := store.DB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterSubstitute(path, storedb.Substitute{Program: script}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	w := scheduler.NewWorker(1, false, nil)
	g := New(w, store, cfg, path)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := w.Run(ctx, []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected goal to succeed")
	}

	valTx, err := store.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer valTx.Rollback()
	valid, _, err := valTx.IsValidPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("expected path to be registered valid after substitution")
	}
}
