// Package storeio implements Component D of the realisation engine: adding
// content to the store, canonicalising its metadata, copying paths between
// stores, and verifying closure invariants.
//
// add.go is grounded directly on _examples/stevegt-promisebase/file.go and
// db/file.go's WORM File type: write through a hash-accumulating writer
// into a temp file, finalise the digest only on Close, then rename into
// its permanent content-addressed name. storeio generalises this from
// promisebase's nested nibble-subdirectory CAS layout to the flat
// "<digest>-<suffix>" layout spec.md requires, and wires in a real store
// path (via storepath) and a store database registration instead of
// promisebase's own blob index.
package storeio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/pathlock"
	"github.com/superfly/storeforge/storedb"
	"github.com/superfly/storeforge/storepath"
)

// Store bundles the dependencies every storeio operation needs: the fixed
// store root, the database, and a logger. Grounded on database/database.go
// and devicemapper/dm.go's shared pattern of a small dependency-holding
// struct built once at startup and threaded through every operation.
type Store struct {
	Root   string
	DB     *storedb.DB
	Logger *logrus.Logger
}

func (s *Store) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

// AddToStore implements addToStore(src): hash src, compute its destination
// store path, and — holding an output lock on that path for the duration —
// copy it in if missing, re-hash and compare (src may have changed
// concurrently; a mismatch here is the spec's named race), canonicalise
// its metadata, then register it as valid with no references in one
// transaction.
func (s *Store) AddToStore(ctx context.Context, src string) (storepath.StorePath, error) {
	baseName := filepath.Base(src)

	hexHash, err := HashPath(ctx, s.Root, src)
	if err != nil {
		return "", storeforge.NewSysError("hash source", err)
	}

	dst, err := storepath.MakeStorePath(s.Root, storepath.KindSource, hexHash, baseName, baseName)
	if err != nil {
		return "", err
	}

	locks, err := pathlock.Lock([]string{string(dst)})
	if err != nil {
		return "", err
	}
	defer locks.Release()

	if _, statErr := os.Lstat(string(dst)); os.IsNotExist(statErr) {
		if err := CopyPath(ctx, src, string(dst)); err != nil {
			return "", err
		}
	} else if statErr != nil {
		return "", storeforge.NewSysError("stat destination", statErr)
	}

	recheckHash, err := HashPath(ctx, s.Root, src)
	if err != nil {
		return "", storeforge.NewSysError("rehash source", err)
	}
	if recheckHash != hexHash {
		return "", storeforge.NewBuildError("", "source %s changed while being added to the store", src)
	}

	if err := CanonicalisePathMetaData(string(dst)); err != nil {
		return "", err
	}

	tx, err := s.DB.Begin(true)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := tx.RegisterValidPath(string(dst), "sha256:"+hexHash, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.logger().WithFields(logrus.Fields{"src": src, "dst": dst}).Debug("added path to store")
	return dst, nil
}

// AddTextToStore implements addTextToStore(suffix, text, references):
// analogous to AddToStore but the content comes from an in-memory string
// (makeStorePath("text", ...)) and the caller supplies the reference set
// directly rather than it being discovered by scanning.
func (s *Store) AddTextToStore(ctx context.Context, suffix, text string, references []string) (storepath.StorePath, error) {
	sum := sha256.Sum256([]byte(text))
	hexHash := hex.EncodeToString(sum[:])

	dst, err := storepath.MakeStorePath(s.Root, storepath.KindText, hexHash, suffix, "")
	if err != nil {
		return "", err
	}

	locks, err := pathlock.Lock([]string{string(dst)})
	if err != nil {
		return "", err
	}
	defer locks.Release()

	if _, statErr := os.Lstat(string(dst)); os.IsNotExist(statErr) {
		tmp := string(dst) + ".tmp"
		if err := os.WriteFile(tmp, []byte(text), 0o444); err != nil {
			return "", storeforge.NewSysError("write text content", err)
		}
		if err := os.Rename(tmp, string(dst)); err != nil {
			os.Remove(tmp)
			return "", storeforge.NewSysError("rename text content into place", err)
		}
	} else if statErr != nil {
		return "", storeforge.NewSysError("stat destination", statErr)
	}

	if err := CanonicalisePathMetaData(string(dst)); err != nil {
		return "", err
	}

	tx, err := s.DB.Begin(true)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := tx.RegisterValidPath(string(dst), "sha256:"+hexHash, references); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	return dst, nil
}

// HashPath computes the content hash spec.md's makeStorePath descriptors
// refer to as hashPath(src): a SHA-256 over the serialised archive form of
// src (so that directories hash their full structure, not just bytes of a
// single file). Exported for derivation.Goal's computeClosure, which
// hashes realised outputs the same way AddToStore hashes its source.
func HashPath(ctx context.Context, root, src string) (hexHash string, err error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- DumpPath(ctx, root, src, pw)
		pw.Close()
	}()
	h := sha256.New()
	if _, err := io.Copy(h, pr); err != nil {
		<-done
		return "", fmt.Errorf("hash archive stream: %w", err)
	}
	if err := <-done; err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
