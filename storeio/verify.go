package storeio

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storeforge/storedb"
	"github.com/superfly/storeforge/storepath"
)

// VerifyReport summarises what VerifyStore found and, when repair was
// enabled, fixed. New code grounded on extraction.VerifyLayout's pattern
// of a structural verification pass returning a result struct, generalised
// from "verify an extracted container layout" to "verify a store's
// closure invariants".
type VerifyReport struct {
	PathsScanned       int
	MissingReferences  []string // I1 violations: referenced but not valid
	AsymmetricReferers []string // I2 violations
	OrphanTableEntries []string // I3 violations: table entry for a non-usable path
	OutsideStoreKeys   []string // I5 violations
	ContentMismatches  []string // I4 violations (only when checkContents)
	Repaired           bool
}

// VerifyStore implements verifyStore(checkContents): scan all tables,
// record violations of I1-I5, optionally re-hash every valid path for I4.
// When repair is true, destructive fixes (invalidate missing paths, delete
// orphan referer entries) are applied within one transaction; otherwise
// VerifyStore only reports.
func VerifyStore(ctx context.Context, root string, db *storedb.DB, checkContents, repair bool) (*VerifyReport, error) {
	report := &VerifyReport{}

	tx, err := db.Begin(repair)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	valid := map[string]bool{}
	err = tx.ForEachValidPath(func(p, hash string) error {
		valid[p] = true
		report.PathsScanned++

		if !storepath.IsStorePath(root, p) {
			report.OutsideStoreKeys = append(report.OutsideStoreKeys, p)
		}

		if checkContents {
			hexHash, hashErr := HashPath(ctx, root, p)
			if hashErr != nil {
				if os.IsNotExist(hashErr) {
					report.ContentMismatches = append(report.ContentMismatches, p)
					return nil
				}
				return hashErr
			}
			if "sha256:"+hexHash != hash {
				report.ContentMismatches = append(report.ContentMismatches, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = tx.ForEachWithReferences(func(p string, refs []string) error {
		for _, ref := range refs {
			if !valid[ref] {
				report.MissingReferences = append(report.MissingReferences, ref)
			}
			referers, err := tx.QueryReferers(ref)
			if err != nil {
				return err
			}
			found := false
			for _, r := range referers {
				if r == p {
					found = true
					break
				}
			}
			if !found {
				report.AsymmetricReferers = append(report.AsymmetricReferers, p+" -> "+ref)
			}
		}
		if !valid[p] {
			hasSubs, err := tx.HasSubstitutes(p)
			if err != nil {
				return err
			}
			if !hasSubs {
				report.OrphanTableEntries = append(report.OrphanTableEntries, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if repair {
		for _, p := range report.OrphanTableEntries {
			if err := tx.InvalidatePath(p, true); err != nil {
				return nil, err
			}
		}
		for _, p := range report.ContentMismatches {
			if err := tx.InvalidatePath(p, false); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		report.Repaired = true
	}

	logrus.StandardLogger().WithFields(logrus.Fields{
		"scanned":            report.PathsScanned,
		"missingReferences":  len(report.MissingReferences),
		"asymmetricReferers": len(report.AsymmetricReferers),
		"orphanEntries":      len(report.OrphanTableEntries),
		"contentMismatches":  len(report.ContentMismatches),
	}).Info("store verification complete")

	return report, nil
}
