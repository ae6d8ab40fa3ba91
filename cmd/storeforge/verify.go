package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/storedb"
	"github.com/superfly/storeforge/storeio"
)

// runVerify runs storeio.VerifyStore and prints its report, per spec.md
// §5's verifyStore(checkContents) operation.
func runVerify(ctx context.Context, cfg storeforge.Config, checkContents, repair bool) error {
	db, err := storedb.Open(ctx, storedb.Config{
		Dir:      filepath.Join(cfg.StateDir, cfg.DBName),
		Logger:   cfg.Logger,
		ReadOnly: cfg.ReadOnlyMode && !repair,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := storeio.VerifyStore(ctx, cfg.StoreRoot, db, checkContents, repair)
	if err != nil {
		return err
	}

	fmt.Printf("scanned %d valid paths\n", report.PathsScanned)
	printViolations("missing references (I1)", report.MissingReferences)
	printViolations("asymmetric referers (I2)", report.AsymmetricReferers)
	printViolations("orphan table entries (I3)", report.OrphanTableEntries)
	printViolations("outside-store keys (I5)", report.OutsideStoreKeys)
	if checkContents {
		printViolations("content mismatches (I4)", report.ContentMismatches)
	}
	if repair {
		fmt.Printf("repair applied: %v\n", report.Repaired)
	}

	if len(report.MissingReferences) > 0 || len(report.AsymmetricReferers) > 0 ||
		len(report.OrphanTableEntries) > 0 || len(report.OutsideStoreKeys) > 0 ||
		len(report.ContentMismatches) > 0 {
		return fmt.Errorf("store verification found violations")
	}
	return nil
}

func printViolations(label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("%s: %d\n", label, len(items))
	for _, it := range items {
		fmt.Printf("  %s\n", it)
	}
}
