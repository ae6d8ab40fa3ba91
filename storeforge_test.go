package storeforge_test

// End-to-end scenarios 1-6 from spec.md §8, driven against a real temp-dir
// store and a real bbolt database, following the teacher's colocated
// _test.go convention but at module root since these exercise more than
// one package (storeio, derivation, substitution, scheduler, storedb
// together), per SPEC_FULL.md §8's layout note.

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/derivation"
	"github.com/superfly/storeforge/scheduler"
	"github.com/superfly/storeforge/storedb"
	"github.com/superfly/storeforge/storeio"
	"github.com/superfly/storeforge/storepath"
	"github.com/superfly/storeforge/substitution"
)

// TestMain lets storeio.CopyPath re-exec this test binary as its restore
// sink.
func TestMain(m *testing.M) {
	storeio.MaybeRunRestoreSinkAndExit()
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T) (*storeio.Store, storeforge.Config) {
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

// Scenario 1: trivial source.
func TestEndToEndTrivialSource(t *testing.T) {
	store, _ := newTestEngine(t)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "greeting.txt")
	if err := os.WriteFile(src, []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst, err := store.AddToStore(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(dst), "-greeting.txt") {
		t.Errorf("expected destination to end in -greeting.txt, got %s", dst)
	}

	tx, err := store.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	valid, hash, err := tx.IsValidPath(string(dst))
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("expected destination to be registered valid")
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Errorf("expected a sha256 hash, got %q", hash)
	}

	refs, err := tx.QueryReferences(string(dst))
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("expected no references for a source with no embedded store paths, got %v", refs)
	}
}

// Scenario 2: simple build.
func TestEndToEndSimpleBuild(t *testing.T) {
	store, cfg := newTestEngine(t)

	outPath := filepath.Join(store.Root, "simple00000000000000000000000-out")
	drvPath := filepath.Join(store.Root, "simple00000000000000000000000-drv.drv")

	drv := &derivation.Derivation{
		Outputs:  map[string]derivation.Output{"out": {Path: storepath.StorePath(outPath)}},
		Platform: cfg.ThisSystem,
		Builder:  "/bin/sh",
		Args:     []string{"-c", `echo hello > "$out"`},
		Env:      map[string]string{"out": outPath},
	}
	if err := derivation.Save(drvPath, drv); err != nil {
		t.Fatal(err)
	}
	registerValid(t, store, drvPath, "sha256:deadbeef", nil)

	w := scheduler.NewWorker(1, false, nil)
	g := derivation.New(w, store, cfg, drvPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := w.Run(ctx, []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !g.Base().Succeeded() {
		t.Fatal("expected derivation goal to succeed")
	}

	content, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hello\n" {
		t.Errorf("expected output content %q, got %q", "hello\n", content)
	}

	tx, err := store.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	valid, _, err := tx.IsValidPath(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("expected output to be registered valid")
	}
	refs, err := tx.QueryReferences(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("expected no references, got %v", refs)
	}
	deriver, ok, err := tx.QueryDeriver(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || deriver != drvPath {
		t.Errorf("expected deriver %s, got %s (ok=%v)", drvPath, deriver, ok)
	}
}

// Scenario 3: fixed-output mismatch.
func TestEndToEndFixedOutputMismatch(t *testing.T) {
	store, cfg := newTestEngine(t)

	outPath := filepath.Join(store.Root, "fixedout0000000000000000000000-out")
	drvPath := filepath.Join(store.Root, "fixedout0000000000000000000000-drv.drv")

	drv := &derivation.Derivation{
		Outputs: map[string]derivation.Output{
			"out": {Path: storepath.StorePath(outPath), HashAlgo: "sha256", Hash: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"},
		},
		Platform: cfg.ThisSystem,
		Builder:  "/bin/sh",
		Args:     []string{"-c", `echo not-what-was-declared > "$out"`},
		Env:      map[string]string{"out": outPath},
	}
	if err := derivation.Save(drvPath, drv); err != nil {
		t.Fatal(err)
	}
	registerValid(t, store, drvPath, "sha256:deadbeef", nil)

	w := scheduler.NewWorker(1, false, nil)
	g := derivation.New(w, store, cfg, drvPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := w.Run(ctx, []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if ok || g.Base().Succeeded() {
		t.Fatal("expected goal to fail on fixed-output hash mismatch")
	}

	tx, err := store.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	valid, _, err := tx.IsValidPath(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Error("expected mismatched fixed-output to remain unregistered")
	}
}

// Scenario 4: substitute chain, first candidate fails, second succeeds.
func TestEndToEndSubstituteChain(t *testing.T) {
	store, cfg := newTestEngine(t)
	path := filepath.Join(store.Root, "chained0000000000000000000000-out")

	failScript := filepath.Join(t.TempDir(), "fails.sh")
	if err := os.WriteFile(failScript, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	okScript := filepath.Join(t.TempDir(), "succeeds.sh")
	if err := os.WriteFile(okScript, []byte("#!/bin/sh\nmkdir -p \"$1\"\necho hi > \"$1/data\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	tx, err := store.DB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterSubstitute(path, storedb.Substitute{Program: failScript}); err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterSubstitute(path, storedb.Substitute{Program: okScript}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	w := scheduler.NewWorker(1, false, nil)
	g := substitution.New(w, store, cfg, path)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := w.Run(ctx, []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !g.Base().Succeeded() {
		t.Fatal("expected the second substitute to succeed after the first fails")
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
		t.Error("expected path to become valid after falling through to the second substitute")
	}
}

// Scenario 5: closure ordering — realising P, whose declared references
// include Q, realises Q first; no transaction leaves P valid with Q
// invalid.
func TestEndToEndClosureOrdering(t *testing.T) {
	store, cfg := newTestEngine(t)

	qPath := filepath.Join(store.Root, "q0000000000000000000000000000-dep")
	registerValid(t, store, qPath, "sha256:deadbeef", nil)

	outPath := filepath.Join(store.Root, "p0000000000000000000000000000-out")
	drvPath := filepath.Join(store.Root, "p0000000000000000000000000000-drv.drv")

	drv := &derivation.Derivation{
		Outputs:   map[string]derivation.Output{"out": {Path: storepath.StorePath(outPath)}},
		InputSrcs: []string{qPath},
		Platform:  cfg.ThisSystem,
		Builder:   "/bin/sh",
		Args:      []string{"-c", `echo "$dep" > "$out"`},
		Env:       map[string]string{"out": outPath, "dep": qPath},
	}
	if err := derivation.Save(drvPath, drv); err != nil {
		t.Fatal(err)
	}
	registerValid(t, store, drvPath, "sha256:deadbeef", nil)

	w := scheduler.NewWorker(1, false, nil)
	g := derivation.New(w, store, cfg, drvPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := w.Run(ctx, []scheduler.Goal{g})
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !g.Base().Succeeded() {
		t.Fatal("expected derivation goal to succeed")
	}

	tx, err := store.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	qValid, _, err := tx.IsValidPath(qPath)
	if err != nil {
		t.Fatal(err)
	}
	if !qValid {
		t.Fatal("expected Q to be valid before P could be registered")
	}

	refs, err := tx.QueryReferences(outPath)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range refs {
		if r == qPath {
			found = true
		}
	}
	if !found {
		t.Errorf("expected P's references to include Q (%s), got %v", qPath, refs)
	}

	referers, err := tx.QueryReferers(qPath)
	if err != nil {
		t.Fatal(err)
	}
	found = false
	for _, r := range referers {
		if r == outPath {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Q's referers to include P's output (%s), got %v", outPath, referers)
	}
}

// Scenario 6: two engine "processes" race to build the same derivation;
// both obtain prepareBuild's recheck-after-lock path, exactly one actually
// builds, and neither leaves a conflicting-partial-state error.
func TestEndToEndConcurrentRealisationRace(t *testing.T) {
	store, cfg := newTestEngine(t)

	outPath := filepath.Join(store.Root, "race00000000000000000000000000-out")
	drvPath := filepath.Join(store.Root, "race00000000000000000000000000-drv.drv")

	drv := &derivation.Derivation{
		Outputs:  map[string]derivation.Output{"out": {Path: storepath.StorePath(outPath)}},
		Platform: cfg.ThisSystem,
		Builder:  "/bin/sh",
		Args:     []string{"-c", `/bin/sleep 0.2 && echo hello > "$out"`},
		Env:      map[string]string{"out": outPath},
	}
	if err := derivation.Save(drvPath, drv); err != nil {
		t.Fatal(err)
	}
	registerValid(t, store, drvPath, "sha256:deadbeef", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	results := make([]bool, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := scheduler.NewWorker(1, false, nil)
			g := derivation.New(w, store, cfg, drvPath)
			ok, err := w.Run(ctx, []scheduler.Goal{g})
			results[i] = ok && g.Base().Succeeded()
			errs[i] = err
		}()
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if !results[i] {
			t.Errorf("worker %d: expected to succeed (either by building or by observing the other's completed build)", i)
		}
	}

	tx, err := store.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	valid, _, err := tx.IsValidPath(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("expected output to be valid exactly once after both workers finish")
	}
}

func registerValid(t *testing.T, store *storeio.Store, path, hash string, refs []string) {
	t.Helper()
	tx, err := store.DB.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.RegisterValidPath(path, hash, refs); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}
