package derivation

import (
	"hash/fnv"

	"github.com/benbjohnson/immutable"

	"github.com/superfly/storeforge/storedb"
)

// pathHasher is a minimal Hasher[string] for immutable.Set, since the
// closure sets here key on arbitrary store path strings rather than a
// primitive the library ships a default hasher for.
type pathHasher struct{}

func (pathHasher) Hash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func (pathHasher) Equal(a, b string) bool { return a == b }

// PathSet returns a fresh immutable.Set[string] using pathHasher.
func PathSet() immutable.Set[string] {
	return immutable.NewSet[string](pathHasher{})
}

// addClosure walks p's transitive references (via tx.QueryReferences) and
// folds every reachable path into set, returning the updated set. Already-
// present paths are not re-walked.
func addClosure(tx *storedb.Transaction, set immutable.Set[string], p string) (immutable.Set[string], error) {
	if set.Has(p) {
		return set, nil
	}
	set = set.Add(p)

	refs, err := tx.QueryReferences(p)
	if err != nil {
		return set, err
	}
	for _, r := range refs {
		set, err = addClosure(tx, set, r)
		if err != nil {
			return set, err
		}
	}
	return set, nil
}

// InputClosure computes spec.md §4.F prepareBuild's "compute closures of
// inputs by traversing inputDrvs → outputs → referenced closure and
// inputSrcs → closure" and returns allPaths = outputs ∪ inputs, per step
// 3's final line. inputDrvOutputPaths lists the store paths of the
// required input-derivation outputs, already resolved by the caller (the corresponding
// derivation goal must have completed first, per the DAG edges added in
// outputsSubstituted).
func InputClosure(tx *storedb.Transaction, drv *Derivation, inputDrvOutputPaths []string, outputs []string) (immutable.Set[string], error) {
	all := PathSet()
	var err error

	for _, p := range inputDrvOutputPaths {
		all, err = addClosure(tx, all, p)
		if err != nil {
			return all, err
		}
	}
	for _, p := range drv.InputSrcs {
		all, err = addClosure(tx, all, p)
		if err != nil {
			return all, err
		}
	}
	for _, o := range outputs {
		all = all.Add(o)
	}
	return all, nil
}

// ToSlice drains an immutable.Set[string] into a plain slice for callers
// (archive scanning, environment construction) that want ordinary Go
// slices rather than persistent-set iteration.
func ToSlice(set immutable.Set[string]) []string {
	out := make([]string, 0, set.Len())
	itr := set.Iterator()
	for !itr.Done() {
		v, _ := itr.Next()
		out = append(out, v)
	}
	return out
}
