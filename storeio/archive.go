package storeio

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/superfly/storeforge"
)

// DumpPath serialises the file tree rooted at src into a tar stream
// written to w. This is the store's dump side of the "codec exposes only
// a sink interface" design spec.md §4.D describes: the encoder is a plain
// writer, so copying a path always goes through a stream rather than a
// direct filesystem-to-filesystem copy.
//
// Adapted from extraction/extract.go's traversal and entry-sanitisation
// conventions (sanitizePath, validateHeader), inverted from "untar into a
// directory" to "tar a directory out". Header names are relative to src
// (src itself is "." for a file, "./" for a directory), so RestorePath can
// validate that nested entries stay inside the eventual destination the
// same way extraction/extract.go already does. root is not used.
func DumpPath(ctx context.Context, root, src string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
}

// RestorePath reads a tar stream produced by DumpPath and materialises it
// under dst, which must not already exist. Every entry is validated
// before being written: no "..", no absolute paths, and symlink targets
// must resolve inside dst — the same defence-in-depth checks
// extraction/extract.go applies to untrusted container layers, reused
// here because a dump stream crosses a process boundary (the forked
// restorer in copy.go) and should not be trusted implicitly either.
func RestorePath(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return storeforge.NewSysError("mkdir restore parent", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return storeforge.NewSysError("read archive entry", err)
		}

		target, err := sanitizeEntryPath(dst, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return storeforge.NewSysError("mkdir "+target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return storeforge.NewSysError("mkdir parent of "+target, err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)|0o200)
			if err != nil {
				return storeforge.NewSysError("create "+target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return storeforge.NewSysError("write "+target, err)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := validateSymlinkTarget(dst, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return storeforge.NewSysError("symlink "+target, err)
			}
		default:
			return storeforge.NewUsageError("unsupported archive entry type %d for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

// sanitizeEntryPath rejects path traversal and absolute paths, mirroring
// extraction/extract.go's sanitizePath.
func sanitizeEntryPath(baseDir, name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return "", storeforge.NewUsageError("archive entry has absolute path: %s", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", storeforge.NewUsageError("archive entry escapes destination: %s", name)
	}
	return filepath.Join(baseDir, clean), nil
}

// validateSymlinkTarget rejects a symlink whose target would resolve
// outside baseDir, mirroring extraction/extract.go's
// validateSymlinkTarget.
func validateSymlinkTarget(baseDir, linkPath, target string) error {
	var resolved string
	if filepath.IsAbs(target) {
		resolved = filepath.Clean(target)
	} else {
		resolved = filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	}
	rel, err := filepath.Rel(baseDir, resolved)
	if err != nil {
		return storeforge.NewUsageError("symlink target %s is not comparable to %s", target, baseDir)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return storeforge.NewUsageError("symlink %s escapes destination with target %s", linkPath, target)
	}
	return nil
}
