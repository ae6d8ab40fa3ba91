package storeio

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// noScanSentinel is the subpath spec.md §4.F's computeClosure checks for
// before scanning an output for embedded references.
const noScanSentinel = "nix-support/no-scan"

// ScanReferences implements computeClosure step 4: scan o (already
// realised on disk) for embedded occurrences of any candidate path's base
// name, returning the subset of candidates found. Regular file contents
// and symlink targets are both searched; candidates are matched on base
// name only (the digest-bearing prefix), since a builder typically embeds
// paths without knowing the store root in advance is not assumed here —
// full-path matching still succeeds since the base name is a substring of
// the full path.
func ScanReferences(root, o string, candidates []string) ([]string, error) {
	if _, err := os.Lstat(filepath.Join(o, noScanSentinel)); err == nil {
		return nil, nil
	}

	needles := make(map[string]string, len(candidates))
	for _, c := range candidates {
		needles[filepath.Base(c)] = c
	}

	found := make(map[string]bool)
	walkErr := filepath.WalkDir(o, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, lerr := os.Readlink(p)
			if lerr != nil {
				return nil
			}
			for base, full := range needles {
				if strings.Contains(target, base) {
					found[full] = true
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, rerr := os.ReadFile(p)
		if rerr != nil {
			return rerr
		}
		for base, full := range needles {
			if bytes.Contains(data, []byte(base)) {
				found[full] = true
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	out := make([]string, 0, len(found))
	for _, full := range candidates {
		if found[full] {
			out = append(out, full)
		}
	}
	return out, nil
}
