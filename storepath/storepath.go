// Package storepath implements Component A of the realisation engine:
// computing and validating content-addressed store path names. All
// operations here are pure — no filesystem I/O, no database access.
//
// Grounded on _examples/stevegt-promisebase/path.go's Path{}.New
// constructor (parse class/algo/hash out of a raw string; derive a
// deterministic on-disk name from a hash), generalised from promisebase's
// nested-subdirectory CAS layout to the flat "<digest>-<suffix>" layout
// this spec requires.
package storepath

import (
	"crypto/sha256"
	"fmt"
	"path"
	"strings"
)

// StorePath is an absolute path inside a fixed store root: the root plus a
// base name of the shape "<digest>-<suffix>".
type StorePath string

// String implements fmt.Stringer.
func (p StorePath) String() string { return string(p) }

// IsInStore reports whether p lexically lives under root.
func IsInStore(root, p string) bool {
	root = strings.TrimRight(root, "/")
	if p == root {
		return false
	}
	return strings.HasPrefix(p, root+"/")
}

// IsStorePath reports whether p is in root and has no slash after its base
// name — i.e. it names a top-level store object, not something nested
// inside one (spec.md invariant I5).
func IsStorePath(root, p string) bool {
	if !IsInStore(root, p) {
		return false
	}
	rest := strings.TrimPrefix(p, strings.TrimRight(root, "/")+"/")
	return rest != "" && !strings.Contains(rest, "/")
}

// ToStorePath truncates p to its top-level store entry, e.g.
// "<root>/<digest>-x/sub/file" -> "<root>/<digest>-x".
func ToStorePath(root, p string) (string, error) {
	if !IsInStore(root, p) {
		return "", fmt.Errorf("storepath: %q is not in store %q", p, root)
	}
	rest := strings.TrimPrefix(p, strings.TrimRight(root, "/")+"/")
	top := strings.SplitN(rest, "/", 2)[0]
	if top == "" {
		return "", fmt.Errorf("storepath: %q names the store root itself", p)
	}
	return path.Join(strings.TrimRight(root, "/"), top), nil
}

// Kind selects which descriptor template MakeStorePath assembles.
type Kind string

const (
	// KindSource is used for addToStore: "source:sha256:<hex>:<root>:<baseName>".
	KindSource Kind = "source"
	// KindText is used for addTextToStore: "text:sha256:<hex>:<root>:<suffix>".
	KindText Kind = "text"
	// KindOutput is used for derivation outputs and the derivation file
	// itself: "output:<outputName>:sha256:<hex>:<root>:<suffix>". Not named
	// explicitly in spec.md's two worked constructors, but required by
	// computeClosure/registerValidPath to name build outputs the same way;
	// it follows the same two-stage digest scheme.
	KindOutput Kind = "output"
)

// MakeStorePath is the spec's makeStorePath(type, hash, suffix): it hashes
// a canonical descriptor string built from kind/contentHashHex/extra and
// renders the result as "<root>/<digest>-<suffix>". contentHashHex is the
// inner content hash (hex, no "sha256:" prefix) computed by the caller via
// hashPath/hashString; extra supplies the kind-specific remaining fields
// (for KindSource: the base name; for KindText: unused, suffix serves both
// roles; for KindOutput: the output name).
func MakeStorePath(root string, kind Kind, contentHashHex string, suffix string, extra string) (StorePath, error) {
	if contentHashHex == "" {
		return "", fmt.Errorf("storepath: empty content hash")
	}
	root = strings.TrimRight(root, "/")

	var descriptor string
	switch kind {
	case KindSource:
		baseName := extra
		if baseName == "" {
			baseName = suffix
		}
		descriptor = fmt.Sprintf("source:sha256:%s:%s:%s", contentHashHex, root, baseName)
	case KindText:
		descriptor = fmt.Sprintf("text:sha256:%s:%s:%s", contentHashHex, root, suffix)
	case KindOutput:
		descriptor = fmt.Sprintf("output:%s:sha256:%s:%s:%s", extra, contentHashHex, root, suffix)
	default:
		return "", fmt.Errorf("storepath: unknown kind %q", kind)
	}

	digest := compressHash(sha256.Sum256([]byte(descriptor)))
	return StorePath(path.Join(root, base32Encode(digest)+"-"+suffix)), nil
}

// compressHash XORs a 32-byte SHA-256 digest down to 20 bytes, cycling
// bytes 20..31 back over bytes 0..11. This is the same compression Nix
// applies before base-32 encoding a store path digest: it shortens the
// visible hash while keeping every input bit represented.
func compressHash(full [sha256.Size]byte) [20]byte {
	var out [20]byte
	for i := 0; i < sha256.Size; i++ {
		out[i%20] ^= full[i]
	}
	return out
}
