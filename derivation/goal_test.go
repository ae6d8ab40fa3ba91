package derivation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/scheduler"
	"github.com/superfly/storeforge/storedb"
	"github.com/superfly/storeforge/storeio"
	"github.com/superfly/storeforge/storepath"
)

func testStore(t *testing.T) (*storeio.Store, storeforge.Config) {
	t.Helper()
	root := t.TempDir()
	stateDir := t.TempDir()
	logDir := t.TempDir()

	db, err := storedb.Open(context.Background(), storedb.Config{Dir: filepath.Join(stateDir, "db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := storeforge.DefaultConfig()
	cfg.StoreRoot = root
	cfg.StateDir = stateDir
	cfg.LogDir = logDir
	return &storeio.Store{Root: root, DB: db}, cfg
}

func TestGoalBuildsLocallyWithNoInputs(t *testing.T) {
	store, cfg := testStore(t)

	outPath := filepath.Join(store.Root, "abc00000000000000000000000000-out")
	drvPath := filepath.Join(store.Root, "abc00000000000000000000000000-drv.drv")

	drv := &Derivation{
		Outputs: map[string]Output{
			"out": {Path: storepath.StorePath(outPath)},
		},
		Platform: cfg.ThisSystem,
		Builder:  "/bin/sh",
		Args:     []string{"-c", `/bin/mkdir -p "$out" && echo hi > "$out/data"`},
		Env:      map[string]string{"out": outPath},
	}
	if err := Save(drvPath, drv); err != nil {
		t.Fatal(err)
	}

	tx, err := store.DB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath(drvPath, "sha256:deadbeef", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	w := scheduler.NewWorker(1, false, nil)
	g := New(w, store, cfg, drvPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := w.Run(ctx, []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !g.Base().Succeeded() {
		t.Fatal("expected derivation goal to succeed")
	}

	valTx, err := store.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer valTx.Rollback()
	valid, _, err := valTx.IsValidPath(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("expected output to be registered valid after build")
	}
}

func TestGoalFailsOnWrongPlatform(t *testing.T) {
	store, cfg := testStore(t)

	outPath := filepath.Join(store.Root, "def00000000000000000000000000-out")
	drvPath := filepath.Join(store.Root, "def00000000000000000000000000-drv.drv")

	drv := &Derivation{
		Outputs:  map[string]Output{"out": {Path: storepath.StorePath(outPath)}},
		Platform: "bogus-platform",
		Builder:  "/bin/sh",
		Args:     []string{"-c", "true"},
	}
	if err := Save(drvPath, drv); err != nil {
		t.Fatal(err)
	}

	tx, err := store.DB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath(drvPath, "sha256:deadbeef", nil); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	w := scheduler.NewWorker(1, false, nil)
	g := New(w, store, cfg, drvPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := w.Run(ctx, []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if ok || g.Base().Succeeded() {
		t.Error("expected goal to fail when declared platform doesn't match this host")
	}
}
