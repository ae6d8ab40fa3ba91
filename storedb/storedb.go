// Package storedb implements Component B of the realisation engine: the
// transactional store database. Five tables — validPaths, references,
// referers, derivers, substitutes — are exposed as keyed operations over a
// nestable Transaction handle.
//
// Grounded on database/database.go's New(cfg Config) constructor-with-
// options shape and its package doc-comment layout (Usage Example / Schema
// / Concurrency), moved from modernc.org/sqlite (relational) to
// go.etcd.io/bbolt (nested buckets, single writer) because the spec's own
// data model — keyed tables with string/string-list values, nestable
// transactions — is a KV shape.
//
// # Usage Example
//
//	db, err := storedb.Open(ctx, storedb.Config{Dir: "/var/lib/storeforge/db"})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	tx, err := db.Begin(true)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//	if err := tx.RegisterValidPath(p, hash, nil); err != nil {
//		return err
//	}
//	return tx.Commit()
//
// # Schema
//
// Bucket layout (all top-level buckets of the root bbolt.DB):
//
//	meta        : created, holds no keys
//	validPaths  : StorePath -> "sha256:<hex>"
//	references  : StorePath -> packed []StorePath
//	referers    : StorePath -> packed []StorePath
//	derivers    : StorePath -> StorePath
//	substitutes : StorePath -> packed []Substitute (schema-tagged, see substitute_codec.go)
//
// The schema version is not a bucket entry: it lives in the marker file
// <Dir>/schema (readSchemaMarker/writeSchemaMarker).
//
// # Concurrency
//
// bbolt permits one writer and many readers concurrently; DB serialises
// writers itself. storedb additionally retries a writer that collides with
// an in-process upgrade or verify pass using cenkalti/backoff/v4, bounded,
// since bbolt's own Begin(true) blocks rather than erroring on contention.
package storedb

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/superfly/storeforge"
)

// SchemaVersion is the current on-disk schema version (spec.md §4.B).
const SchemaVersion = 2

var topLevelBuckets = [][]byte{
	bucketMeta,
	bucketValidPaths,
	bucketReferences,
	bucketReferers,
	bucketDerivers,
	bucketSubstitutes,
}

var (
	bucketMeta        = []byte("meta")
	bucketValidPaths  = []byte("validPaths")
	bucketReferences  = []byte("references")
	bucketReferers    = []byte("referers")
	bucketDerivers    = []byte("derivers")
	bucketSubstitutes = []byte("substitutes")

	metaKeySchemaVersion = []byte("schemaVersion")
)

// Config configures Open.
type Config struct {
	// Dir is the directory holding the bbolt file and the legacy "schema"
	// version marker file.
	Dir string
	// FileName is the bbolt database file's base name within Dir.
	FileName string
	Logger   *logrus.Logger
	// ReadOnly forces the database open read-only regardless of on-disk
	// permissions; writes through a Transaction become no-ops.
	ReadOnly bool
}

func (c Config) dbPath() string {
	name := c.FileName
	if name == "" {
		name = "db.bolt"
	}
	return filepath.Join(c.Dir, name)
}

func (c Config) schemaMarkerPath() string {
	return filepath.Join(c.Dir, "schema")
}

// DB wraps the store database. A DB is safe for concurrent use.
type DB struct {
	bolt     *bolt.DB
	cfg      Config
	log      *logrus.Entry
	readOnly bool
}

// Open opens (creating if absent) the store database at cfg.Dir, running
// the schema upgrade if the on-disk marker is absent or stale. If opening
// fails with a permission error, Open returns a *storeforge.DbNoPermission
// and a nil *DB; callers are expected to fall back to read-only mode
// rather than treat this as fatal, per spec.md §4.B.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	log := logger.WithField("component", "storedb")

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		if os.IsPermission(err) {
			return nil, &storeforge.DbNoPermission{Path: cfg.Dir, Err: err}
		}
		return nil, storeforge.NewSysError("mkdir store db dir", err)
	}

	b, err := bolt.Open(cfg.dbPath(), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		if os.IsPermission(err) {
			return nil, &storeforge.DbNoPermission{Path: cfg.dbPath(), Err: err}
		}
		return nil, storeforge.NewDbError("open", err)
	}

	db := &DB{bolt: b, cfg: cfg, log: log, readOnly: cfg.ReadOnly}

	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.Close()
		return nil, storeforge.NewDbError("create buckets", err)
	}

	onDisk, err := readSchemaMarker(cfg.schemaMarkerPath())
	if err != nil {
		b.Close()
		return nil, storeforge.NewDbError("read schema marker", err)
	}
	switch {
	case onDisk > SchemaVersion:
		b.Close()
		return nil, storeforge.NewDbError("open", fmt.Errorf(
			"store db schema version %d is newer than this binary's %d", onDisk, SchemaVersion))
	case onDisk < SchemaVersion:
		if db.readOnly {
			b.Close()
			return nil, storeforge.NewDbError("open", fmt.Errorf(
				"store db schema version %d needs upgrade but db is read-only", onDisk))
		}
		log.WithFields(logrus.Fields{"from": onDisk, "to": SchemaVersion}).Info("upgrading store db schema")
		if err := upgrade(ctx, db, onDisk); err != nil {
			b.Close()
			return nil, storeforge.NewDbError("upgrade", err)
		}
		if err := writeSchemaMarker(cfg.schemaMarkerPath(), SchemaVersion); err != nil {
			b.Close()
			return nil, storeforge.NewDbError("write schema marker", err)
		}
	}

	return db, nil
}

// Close releases the underlying bbolt file handle.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// ReadOnly reports whether db was opened (or demoted) to read-only.
func (db *DB) ReadOnly() bool { return db.readOnly }

// retryPolicy bounds writer-contention retries: bbolt's Begin(true) itself
// blocks for a single in-process writer, but cross-goroutine callers that
// hit ErrTimeout during upgrade/verify windows retry a few times rather
// than failing the calling goal outright.
func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// Begin starts a new Transaction. writable=false opens a read-only
// snapshot. If db is in read-only mode, writable transactions still open
// (so read helpers that share code paths work) but Commit becomes a no-op
// and all mutating methods silently skip their write, per spec.md §4.B's
// "writes become no-ops" contract.
func (db *DB) Begin(writable bool) (*Transaction, error) {
	var tx *bolt.Tx
	op := func() error {
		t, err := db.bolt.Begin(writable)
		if err != nil {
			return err
		}
		tx = t
		return nil
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return nil, storeforge.NewDbError("begin", err)
	}
	return &Transaction{tx: tx, db: db, noop: writable && db.readOnly}, nil
}

// OpenTransaction opens a writable Transaction for use by a helper that
// will either populate it and hand it back via MoveTo, or abort it. This
// is the spec's "helpers can open a transaction and return it" idiom.
func (db *DB) OpenTransaction() (*Transaction, error) {
	return db.Begin(true)
}

func readSchemaMarker(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 1, nil // absent => legacy v1, per spec.md §4.B
	}
	if err != nil {
		return 0, err
	}
	var v uint32
	if len(data) >= 4 {
		v = binary.BigEndian.Uint32(data[:4])
	}
	if v == 0 {
		return 1, nil
	}
	return int(v), nil
}

func writeSchemaMarker(path string, version int) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(version))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
