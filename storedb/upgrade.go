package storedb

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/superfly/storeforge"
)

// upgradeChunkSize bounds how many closure elements are translated per
// bbolt write transaction during the v1 upgrade, per spec.md §9 ("one
// long-lived transaction is acceptable but must be broken into ≤1000-
// element chunks").
const upgradeChunkSize = 1000

// upgrade performs the one-shot schema upgrade from fromVersion to
// SchemaVersion. Only the v1 -> v2 step is implemented, matching the only
// upgrade spec.md describes; a db already at >=2 never reaches here.
//
// v1 stores did not have the references/referers tables at all — closure
// information instead lived in per-path legacy archive files named
// "*.store" that each listed a root plus an element list. Grounded
// structurally on database/migrations.go's ordered []migration list and
// ApplyMigrations driver: here, the "migration" is a directory scan plus a
// chunked translation into the new tables instead of a SQL ALTER TABLE.
func upgrade(ctx context.Context, db *DB, fromVersion int) error {
	if fromVersion >= SchemaVersion {
		return nil
	}
	closures, err := findLegacyClosureFiles(db.cfg.Dir)
	if err != nil {
		return storeforge.NewSysError("scan legacy closures", err)
	}

	type element struct {
		path string
		refs []string
	}
	var pending []element

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		tx, err := db.Begin(true)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, e := range pending {
			if err := tx.setReferences(e.path, e.refs); err != nil {
				return err
			}
			for _, ref := range e.refs {
				if err := tx.addReferer(ref, e.path); err != nil {
					return err
				}
			}
		}
		pending = pending[:0]
		return tx.Commit()
	}

	for _, file := range closures {
		root, elements, err := parseLegacyClosure(file)
		if err != nil {
			db.log.WithError(err).WithField("file", file).Warn("skipping invalid legacy closure file")
			continue
		}
		for _, el := range elements {
			if el.path == root {
				continue
			}
			pending = append(pending, element{path: el.path, refs: el.refs})
			if len(pending) >= upgradeChunkSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return flush()
}

func findLegacyClosureFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".store") {
			out = append(out, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

type legacyClosureElement struct {
	path string
	refs []string
}

// parseLegacyClosure reads a legacy "*.store" closure file. The format (as
// produced by the v1 engine) is line-oriented:
//
//	<root store path>
//	<element path>
//	<refcount>
//	<ref 1>
//	...
//	<ref N>
//	<element path>
//	...
func parseLegacyClosure(file string) (root string, elements []legacyClosureElement, err error) {
	f, err := os.Open(file)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	if !sc.Scan() {
		return "", nil, storeforge.NewUsageError("%s: empty legacy closure file", file)
	}
	root = sc.Text()

	for sc.Scan() {
		path := sc.Text()
		if path == "" {
			continue
		}
		if !sc.Scan() {
			return "", nil, storeforge.NewUsageError("%s: truncated refcount for %s", file, path)
		}
		n := 0
		for _, c := range sc.Text() {
			if c < '0' || c > '9' {
				return "", nil, storeforge.NewUsageError("%s: malformed refcount for %s", file, path)
			}
			n = n*10 + int(c-'0')
		}
		refs := make([]string, 0, n)
		for i := 0; i < n; i++ {
			if !sc.Scan() {
				return "", nil, storeforge.NewUsageError("%s: truncated reference list for %s", file, path)
			}
			refs = append(refs, sc.Text())
		}
		elements = append(elements, legacyClosureElement{path: path, refs: refs})
	}
	if err := sc.Err(); err != nil {
		return "", nil, err
	}
	return root, elements, nil
}
