package pathlock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLockAcquiresAndReleases(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a-foo")
	b := filepath.Join(dir, "b-bar")

	pl, err := Lock([]string{b, a})
	if err != nil {
		t.Fatal(err)
	}
	if got := pl.Paths(); got[0] != a || got[1] != b {
		t.Errorf("expected sorted acquisition order, got %v", got)
	}
	for _, p := range []string{a, b} {
		if _, err := os.Stat(p + ".lock"); err != nil {
			t.Errorf("expected lock file for %s: %v", p, err)
		}
	}
	if err := pl.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestSetDeletionRemovesLockFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a-foo")

	pl, err := Lock([]string{p})
	if err != nil {
		t.Fatal(err)
	}
	pl.SetDeletion(true)
	if err := pl.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p + ".lock"); !os.IsNotExist(err) {
		t.Errorf("expected lock file to be removed, stat err = %v", err)
	}
}

func TestLockBlocksConcurrentHolder(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a-foo")

	first, err := Lock([]string{p})
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := Lock([]string{p})
		if err != nil {
			return
		}
		close(acquired)
		second.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second locker acquired the lock while the first still holds it")
	case <-time.After(100 * time.Millisecond):
	}

	first.Release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second locker never acquired the lock after release")
	}
}
