package storeio

import (
	"os"
	"path/filepath"
	"time"

	"github.com/superfly/storeforge"
)

// CanonicalisePathMetaData implements canonicalisePathMetaData(p):
// recursively set ownership to the current uid/gid, clear mtime to the
// Unix epoch, and normalise mode bits to 0444 (0555 when any execute bit
// was set), skipping symlinks entirely (their own metadata is not
// meaningful content and chmod/chtimes on a symlink would affect its
// target on some platforms). Idempotent: re-running against an
// already-canonical tree changes nothing.
//
// New code — no single teacher analogue for this exact traversal — but it
// reuses the filepath.Walk idiom used throughout extraction/extract.go's
// directory walks. It does no logging; errors are returned as SysError.
func CanonicalisePathMetaData(p string) error {
	uid := os.Getuid()
	gid := os.Getgid()
	epoch := time.Unix(0, 0)

	return filepath.Walk(p, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return storeforge.NewSysError("walk "+path, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		if err := os.Lchown(path, uid, gid); err != nil && !os.IsPermission(err) {
			return storeforge.NewSysError("chown "+path, err)
		}

		mode := os.FileMode(0o444)
		if info.IsDir() || info.Mode()&0o111 != 0 {
			mode = 0o555
		}
		if err := os.Chmod(path, mode); err != nil {
			return storeforge.NewSysError("chmod "+path, err)
		}

		if err := os.Chtimes(path, epoch, epoch); err != nil {
			return storeforge.NewSysError("chtimes "+path, err)
		}
		return nil
	})
}
