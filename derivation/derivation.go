// Package derivation implements Component F of the realisation engine: the
// Derivation Goal state machine that builds one derivation, plus the
// Derivation type it consumes.
//
// Grounded structurally on unpack/fsm.go's transition pipeline (idempotency
// check first) translated from unpack's async fsm.Transition closures into
// the synchronous switch-on-state-enum spec.md §9 calls for. unpack's
// MaxRetries* constants and its DatabaseManager mocking interface have no
// counterpart here.
package derivation

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/superfly/storeforge/storepath"
)

// Output describes one named output of a derivation. A non-empty Hash
// marks a fixed-output derivation with an expected content hash.
type Output struct {
	Path     storepath.StorePath `json:"path"`
	HashAlgo string               `json:"hash_algo,omitempty"`
	Hash     string               `json:"hash,omitempty"`
}

// IsFixedOutput reports whether this output declares an expected content
// hash in advance (spec.md §3).
func (o Output) IsFixedOutput() bool { return o.Hash != "" }

// Derivation is a declarative build description, per spec.md §3. Its
// serialised form (JSON, chosen here since spec.md treats the on-disk
// format as a black box produced by an external evaluator) is itself
// addressed by a text store path.
type Derivation struct {
	// Outputs maps output name to its descriptor.
	Outputs map[string]Output `json:"outputs"`
	// InputDrvs maps a derivation store path to the set of its output
	// names required to build this derivation.
	InputDrvs map[string][]string `json:"input_drvs"`
	// InputSrcs is the set of non-derivation store paths this derivation
	// reads directly.
	InputSrcs []string `json:"input_srcs"`
	Platform  string   `json:"platform"`
	Builder   string   `json:"builder"`
	Args      []string `json:"args"`
	Env       map[string]string `json:"env"`
}

// Load reads and parses the derivation file at drvPath.
func Load(drvPath string) (*Derivation, error) {
	b, err := os.ReadFile(drvPath)
	if err != nil {
		return nil, fmt.Errorf("derivation: read %s: %w", drvPath, err)
	}
	var drv Derivation
	if err := json.Unmarshal(b, &drv); err != nil {
		return nil, fmt.Errorf("derivation: parse %s: %w", drvPath, err)
	}
	return &drv, nil
}

// Save serialises drv to drvPath. Used by tests and by callers assembling
// a derivation outside the (out-of-scope) expression evaluator.
func Save(drvPath string, drv *Derivation) error {
	b, err := json.MarshalIndent(drv, "", "  ")
	if err != nil {
		return fmt.Errorf("derivation: marshal: %w", err)
	}
	return os.WriteFile(drvPath, b, 0o444)
}

// OutputPaths returns every output's store path.
func (d *Derivation) OutputPaths() []string {
	paths := make([]string, 0, len(d.Outputs))
	for _, o := range d.Outputs {
		paths = append(paths, o.Path.String())
	}
	return paths
}
