package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/storedb"
)

// runQuery reports one store path's validity/hash/deriver/references, or
// (with --substitutes) its registered substitute candidates.
func runQuery(cfg storeforge.Config, paths []string, substitutes bool) error {
	if len(paths) == 0 {
		return fmt.Errorf("usage: storeforge query [--substitutes] <path>...")
	}

	db, err := storedb.Open(context.Background(), storedb.Config{
		Dir:      filepath.Join(cfg.StateDir, cfg.DBName),
		Logger:   cfg.Logger,
		ReadOnly: true,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range paths {
		if substitutes {
			subs, err := tx.QuerySubstitutes(p)
			if err != nil {
				return err
			}
			fmt.Printf("%s:\n", p)
			for _, s := range subs {
				fmt.Printf("  deriver=%s program=%s args=%v\n", s.Deriver, s.Program, s.Args)
			}
			continue
		}

		valid, hash, err := tx.IsValidPath(p)
		if err != nil {
			return err
		}
		if !valid {
			fmt.Printf("%s: invalid\n", p)
			continue
		}
		deriver, hasDeriver, err := tx.QueryDeriver(p)
		if err != nil {
			return err
		}
		refs, err := tx.QueryReferences(p)
		if err != nil {
			return err
		}
		fmt.Printf("%s: valid hash=%s", p, hash)
		if hasDeriver {
			fmt.Printf(" deriver=%s", deriver)
		}
		fmt.Printf(" references=%v\n", refs)
	}
	return nil
}
