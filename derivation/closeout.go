package derivation

import (
	"context"
	"os"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/perf"
	"github.com/superfly/storeforge/storeio"
)

// computeClosure implements spec.md §4.F's computeClosure: for each output,
// verify it exists, check fixed-output hashes, canonicalise metadata, scan
// for embedded references among allPaths, and hash its tree. All outputs
// are then registered valid (with their discovered references) in a
// single transaction.
func (g *Goal) computeClosure(ctx context.Context) error {
	timer := perf.Start("closure scan "+g.drvPath, g.logger)
	defer func() {
		d := timer.Stop()
		if g.worker.Perf != nil {
			g.worker.Perf.RecordClosureScan(d)
		}
	}()

	type result struct {
		path       string
		hash       string
		references []string
	}
	results := make([]result, 0, len(g.drv.Outputs))

	for name, out := range g.drv.Outputs {
		p := out.Path.String()
		info, err := os.Lstat(p)
		if err != nil {
			return storeforge.NewBuildError(g.drvPath, "output %q (%s) was not produced by the builder", name, p)
		}

		if out.IsFixedOutput() {
			hexHash, herr := storeio.HashPath(ctx, g.cfg.StoreRoot, p)
			if herr != nil {
				return herr
			}
			if hexHash != out.Hash {
				return storeforge.NewBuildError(g.drvPath,
					"hash mismatch for fixed-output %q: declared %s, got %s", name, out.Hash, hexHash)
			}
			if info.IsDir() || info.Mode()&0o111 != 0 {
				return storeforge.NewBuildError(g.drvPath,
					"fixed-output %q must be a regular, non-executable file", name)
			}
		}

		if err := storeio.CanonicalisePathMetaData(p); err != nil {
			return err
		}

		refs, err := storeio.ScanReferences(g.cfg.StoreRoot, p, g.allPaths)
		if err != nil {
			return err
		}
		// An output never references itself in the stored edge list.
		filtered := refs[:0]
		for _, r := range refs {
			if r != p {
				filtered = append(filtered, r)
			}
		}

		hexHash, err := storeio.HashPath(ctx, g.cfg.StoreRoot, p)
		if err != nil {
			return err
		}

		results = append(results, result{path: p, hash: "sha256:" + hexHash, references: filtered})
	}

	tx, err := g.store.DB.Begin(true)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := tx.RegisterValidPath(r.path, r.hash, r.references); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.RegisterDeriver(r.path, g.drvPath); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
