package scheduler

import (
	memdb "github.com/hashicorp/go-memdb"

	"github.com/superfly/storeforge"
)

// GoalRecord is a point-in-time snapshot of one goal, indexed for the
// admin/monitor read path (the admin socket's /goals endpoint, which
// cmd/storeforge's `monitor` TUI polls). This is intentionally separate from Worker's own
// derivationGoals/substitutionGoals dedup maps: those exist purely for
// goal-identity dedup during scheduling and are never queried by kind or
// state, so they stay plain maps. GoalRecord instead answers "what's
// running right now, broken down by kind/state" — an indexed, concurrent-
// read-safe query shape go-memdb fits directly.
type GoalRecord struct {
	Key       string // drvPath for derivation goals, storePath for substitution goals
	Kind      string // "derivation" | "substitution"
	State     string
	Done      bool
	Succeeded bool
}

var registrySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"goals": {
			Name: "goals",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
				"kind": {
					Name:    "kind",
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Kind"},
				},
			},
		},
	},
}

// Registry is a thread-safe, queryable mirror of the goals the worker has
// ever created this process, used only for observability — it never
// drives scheduling decisions.
type Registry struct {
	db *memdb.MemDB
}

// NewRegistry constructs an empty Registry.
func NewRegistry() (*Registry, error) {
	db, err := memdb.NewMemDB(registrySchema)
	if err != nil {
		return nil, storeforge.NewSysError("create goal registry", err)
	}
	return &Registry{db: db}, nil
}

// Upsert records rec's current state, replacing any prior record with the
// same Key.
func (r *Registry) Upsert(rec GoalRecord) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("goals", rec); err != nil {
		return storeforge.NewSysError("upsert goal record", err)
	}
	txn.Commit()
	return nil
}

// ByKind returns every recorded goal of the given kind.
func (r *Registry) ByKind(kind string) ([]GoalRecord, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get("goals", "kind", kind)
	if err != nil {
		return nil, storeforge.NewSysError("query goal registry", err)
	}
	var out []GoalRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(GoalRecord))
	}
	return out, nil
}

// All returns every recorded goal.
func (r *Registry) All() ([]GoalRecord, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get("goals", "id")
	if err != nil {
		return nil, storeforge.NewSysError("query goal registry", err)
	}
	var out []GoalRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(GoalRecord))
	}
	return out, nil
}
