package storedb

import (
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/superfly/storeforge"
)

// Transaction is a nestable handle over a batch of reads and writes:
// commit is atomic, drop (Rollback, or never calling Commit before the
// handle is discarded) aborts. Grounded on spec.md §4.B's "moveTo"
// handle-passing contract: a helper may call db.OpenTransaction(), do
// work, and MoveTo the result into a longer-lived caller handle instead of
// committing immediately.
type Transaction struct {
	tx   *bolt.Tx
	db   *DB
	noop bool // true when the owning DB is in read-only mode
	done bool // true once committed, rolled back, or moved away
}

// MoveTo transfers ownership of t's underlying bbolt transaction into dst,
// which must be a zero-value or already-finished *Transaction. After
// MoveTo, t is inert: calling Commit or Rollback on t is a no-op, and all
// further operations must go through dst.
func (t *Transaction) MoveTo(dst *Transaction) {
	if t.done {
		return
	}
	*dst = *t
	t.done = true
}

// Commit commits the transaction. In read-only mode this is a no-op that
// always succeeds, per spec.md §4.B's "writes become no-ops" contract.
func (t *Transaction) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.noop {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return storeforge.NewDbError("commit", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit or another
// Rollback (no-op), so it is idiomatic to defer unconditionally right
// after Begin.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *Transaction) bucket(name []byte) *bolt.Bucket {
	return t.tx.Bucket(name)
}

// --- validPaths --------------------------------------------------------

// IsValidPath reports whether p is in validPaths, returning its recorded
// content hash ("sha256:<hex>") when it is.
func (t *Transaction) IsValidPath(p string) (valid bool, hash string, err error) {
	v := t.bucket(bucketValidPaths).Get([]byte(p))
	if v == nil {
		return false, "", nil
	}
	return true, string(v), nil
}

// RegisterValidPath inserts p into validPaths with hash, records its
// outgoing references, and updates each reference's referers entry to
// include p — all within this transaction, per the "created" lifecycle in
// spec.md §3. Callers are responsible for having already verified I1
// (every reference is itself valid) before calling this.
func (t *Transaction) RegisterValidPath(p, hash string, references []string) error {
	if t.noop {
		return nil
	}
	if err := t.bucket(bucketValidPaths).Put([]byte(p), []byte(hash)); err != nil {
		return storeforge.NewDbError("put validPaths", err)
	}
	if err := t.setReferences(p, references); err != nil {
		return err
	}
	for _, ref := range references {
		if err := t.addReferer(ref, p); err != nil {
			return err
		}
	}
	return nil
}

// InvalidatePath removes p from validPaths. Per the "invalidated"
// lifecycle in spec.md §3, this is only safe to call once the caller has
// confirmed p has no referers other than itself; when p's last substitute
// is also being removed, pass dropDerivationData=true to clear its
// references/derivers entries too (preserving I3, since those tables may
// only hold entries for "usable" paths).
func (t *Transaction) InvalidatePath(p string, dropDerivationData bool) error {
	if t.noop {
		return nil
	}
	if err := t.bucket(bucketValidPaths).Delete([]byte(p)); err != nil {
		return storeforge.NewDbError("delete validPaths", err)
	}
	if !dropDerivationData {
		return nil
	}
	refs, err := t.QueryReferences(p)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := t.removeReferer(ref, p); err != nil {
			return err
		}
	}
	if err := t.bucket(bucketReferences).Delete([]byte(p)); err != nil {
		return storeforge.NewDbError("delete references", err)
	}
	if err := t.bucket(bucketReferers).Delete([]byte(p)); err != nil {
		return storeforge.NewDbError("delete referers", err)
	}
	if err := t.bucket(bucketDerivers).Delete([]byte(p)); err != nil {
		return storeforge.NewDbError("delete derivers", err)
	}
	return nil
}

// --- references / referers ---------------------------------------------

// QueryReferences returns p's recorded outgoing references.
func (t *Transaction) QueryReferences(p string) ([]string, error) {
	return unpackList(t.bucket(bucketReferences).Get([]byte(p))), nil
}

// QueryReferers returns the set of paths that reference p (the exact
// inverse of QueryReferences, per invariant I2).
func (t *Transaction) QueryReferers(p string) ([]string, error) {
	return unpackList(t.bucket(bucketReferers).Get([]byte(p))), nil
}

func (t *Transaction) setReferences(p string, refs []string) error {
	if len(refs) == 0 {
		return t.bucket(bucketReferences).Delete([]byte(p))
	}
	return t.bucket(bucketReferences).Put([]byte(p), packList(refs))
}

func (t *Transaction) addReferer(target, referer string) error {
	b := t.bucket(bucketReferers)
	cur := unpackList(b.Get([]byte(target)))
	for _, x := range cur {
		if x == referer {
			return nil
		}
	}
	cur = append(cur, referer)
	return b.Put([]byte(target), packList(cur))
}

func (t *Transaction) removeReferer(target, referer string) error {
	b := t.bucket(bucketReferers)
	cur := unpackList(b.Get([]byte(target)))
	out := cur[:0]
	for _, x := range cur {
		if x != referer {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return b.Delete([]byte(target))
	}
	return b.Put([]byte(target), packList(out))
}

// --- derivers ------------------------------------------------------------

// QueryDeriver returns the derivation path that produced p, if recorded.
func (t *Transaction) QueryDeriver(p string) (drvPath string, ok bool, err error) {
	v := t.bucket(bucketDerivers).Get([]byte(p))
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

// RegisterDeriver records drvPath as the deriver of p. Per invariant I6's
// sibling rule for derivers (unique except for fixed-output derivations),
// callers building a fixed-output derivation may call this more than once
// for the same p with different drvPaths; only the most recent survives.
func (t *Transaction) RegisterDeriver(p, drvPath string) error {
	if t.noop {
		return nil
	}
	return t.bucket(bucketDerivers).Put([]byte(p), []byte(drvPath))
}

// --- substitutes ---------------------------------------------------------

// QuerySubstitutes returns p's ordered substitute candidates, most
// recently registered first (invariant I6).
func (t *Transaction) QuerySubstitutes(p string) ([]Substitute, error) {
	v := t.bucket(bucketSubstitutes).Get([]byte(p))
	if v == nil {
		return nil, nil
	}
	subs, err := unmarshalSubstitutes(v)
	if err != nil {
		return nil, storeforge.NewDbError("unmarshal substitutes", err)
	}
	return subs, nil
}

// RegisterSubstitute prepends sub to p's substitute list, satisfying I6
// (newest first).
func (t *Transaction) RegisterSubstitute(p string, sub Substitute) error {
	if t.noop {
		return nil
	}
	existing, err := t.QuerySubstitutes(p)
	if err != nil {
		return err
	}
	all := append([]Substitute{sub}, existing...)
	data, err := marshalSubstitutes(all)
	if err != nil {
		return storeforge.NewDbError("marshal substitutes", err)
	}
	return t.bucket(bucketSubstitutes).Put([]byte(p), data)
}

// ClearSubstitutes removes all substitute candidates for p.
func (t *Transaction) ClearSubstitutes(p string) error {
	if t.noop {
		return nil
	}
	return t.bucket(bucketSubstitutes).Delete([]byte(p))
}

// --- scans (used by storeio.VerifyStore) --------------------------------

// ForEachValidPath calls fn for every entry in validPaths. Iteration order
// is bbolt's key order (lexical byte order), not insertion order.
func (t *Transaction) ForEachValidPath(fn func(path, hash string) error) error {
	return t.bucket(bucketValidPaths).ForEach(func(k, v []byte) error {
		return fn(string(k), string(v))
	})
}

// ForEachWithReferences calls fn for every path that has a references
// entry, with its decoded reference list.
func (t *Transaction) ForEachWithReferences(fn func(path string, refs []string) error) error {
	return t.bucket(bucketReferences).ForEach(func(k, v []byte) error {
		return fn(string(k), unpackList(v))
	})
}

// HasSubstitutes reports whether p has at least one registered substitute
// candidate, i.e. whether it counts as "usable" for invariant I3 even
// without being in validPaths.
func (t *Transaction) HasSubstitutes(p string) (bool, error) {
	v := t.bucket(bucketSubstitutes).Get([]byte(p))
	return v != nil, nil
}

// --- list packing ----------------------------------------------------------

// packList/unpackList encode a []string as newline-separated bytes. Store
// paths never contain newlines (they are single path-component base
// names), so this is a safe, allocation-light alternative to a generic
// serialisation library for this one shape.
func packList(xs []string) []byte {
	return []byte(strings.Join(xs, "\n"))
}

func unpackList(v []byte) []string {
	if len(v) == 0 {
		return nil
	}
	return strings.Split(string(v), "\n")
}
