package storeio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/superfly/storeforge/storedb"
)

// TestMain lets CopyPath re-exec this test binary as its restore sink.
func TestMain(m *testing.M) {
	MaybeRunRestoreSinkAndExit()
	os.Exit(m.Run())
}

func testStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	dbDir := t.TempDir()
	db, err := storedb.Open(context.Background(), storedb.Config{Dir: dbDir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{Root: root, DB: db}
}

func TestAddToStoreRegistersValidPath(t *testing.T) {
	s := testStore(t)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "hello.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst, err := s.AddToStore(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(string(dst)); err != nil {
		t.Errorf("expected destination to exist: %v", err)
	}

	tx, err := s.DB.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	valid, _, err := tx.IsValidPath(string(dst))
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("expected destination to be registered valid")
	}
}

func TestAddToStoreIsIdempotent(t *testing.T) {
	s := testStore(t)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "hello.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst1, err := s.AddToStore(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	dst2, err := s.AddToStore(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if dst1 != dst2 {
		t.Errorf("expected same store path, got %q and %q", dst1, dst2)
	}
}

func TestAddTextToStore(t *testing.T) {
	s := testStore(t)

	dst, err := s.AddTextToStore(context.Background(), "builder.sh", "#!/bin/sh\necho hi\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(string(dst))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "#!/bin/sh\necho hi\n" {
		t.Errorf("got %q", data)
	}
}

func TestCanonicalisePathMetaDataNormalisesMode(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	exe := filepath.Join(dir, "exe")
	if err := os.WriteFile(exe, []byte("x"), 0o700); err != nil {
		t.Fatal(err)
	}

	if err := CanonicalisePathMetaData(dir); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(f)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o444 {
		t.Errorf("file mode = %v, want 0444", fi.Mode().Perm())
	}

	ei, err := os.Stat(exe)
	if err != nil {
		t.Fatal(err)
	}
	if ei.Mode().Perm() != 0o555 {
		t.Errorf("exe mode = %v, want 0555", ei.Mode().Perm())
	}
}

func TestDumpAndRestorePathRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "f.txt"), []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("f.txt", filepath.Join(src, "sub", "link")); err != nil {
		t.Fatal(err)
	}

	pr, pw := osPipe(t)
	done := make(chan error, 1)
	go func() {
		done <- DumpPath(context.Background(), src, src, pw)
		pw.Close()
	}()

	dst := filepath.Join(t.TempDir(), "restored")
	if err := RestorePath(dst, pr); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "sub", "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("got %q", data)
	}
	target, err := os.Readlink(filepath.Join(dst, "sub", "link"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "f.txt" {
		t.Errorf("symlink target = %q", target)
	}
}

func TestRestorePathRejectsPathTraversal(t *testing.T) {
	_, err := sanitizeEntryPath("/store/dst", "../../etc/passwd")
	if err == nil {
		t.Error("expected error for path-traversal entry name")
	}
}

func TestValidateSymlinkTargetRejectsEscape(t *testing.T) {
	err := validateSymlinkTarget("/store/dst", "/store/dst/link", "../../etc/passwd")
	if err == nil {
		t.Error("expected error for symlink escaping destination")
	}
}

func osPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, w
}
