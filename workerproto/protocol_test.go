package workerproto

import (
	"context"
	"net"
	"testing"

	"github.com/superfly/storeforge/storedb"
)

func openTestDB(t *testing.T) *storedb.DB {
	t.Helper()
	db, err := storedb.Open(context.Background(), storedb.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func startTestServer(t *testing.T, db *storedb.DB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := NewServer(db, nil)
	go srv.Serve(ln)
	return ln.Addr().String()
}

func TestClientIsValidPath(t *testing.T) {
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

	addr := startTestServer(t, db)
	c, err := Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	valid, hash, err := c.IsValidPath("/store/a-foo")
	if err != nil {
		t.Fatal(err)
	}
	if !valid || hash != "sha256:deadbeef" {
		t.Errorf("got valid=%v hash=%q", valid, hash)
	}

	valid, _, err = c.IsValidPath("/store/missing")
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Error("expected unregistered path to be invalid")
	}
}

func TestClientQuerySubstitutes(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	sub := storedb.Substitute{Deriver: "/store/a-foo.drv", Program: "storeforge-substitute-s3", Args: []string{"--bucket", "b"}}
	if err := tx.RegisterSubstitute("/store/a-foo", sub); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	addr := startTestServer(t, db)
	c, err := Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	subs, err := c.QuerySubstitutes("/store/a-foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].Program != "storeforge-substitute-s3" || len(subs[0].Args) != 2 {
		t.Errorf("got %+v", subs)
	}
}

func TestUnknownOpIsFatal(t *testing.T) {
	db := openTestDB(t)
	addr := startTestServer(t, db)

	c, err := Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := writeUint32(c.conn, 99); err != nil {
		t.Fatal(err)
	}
	if err := writeString(c.conn, "/store/x"); err != nil {
		t.Fatal(err)
	}

	// The server closes the connection on the unknown op; the next read
	// should fail rather than return a frame.
	if _, _, err := c.IsValidPath("/store/x"); err == nil {
		t.Error("expected error after server closed connection on unknown op")
	}
}
