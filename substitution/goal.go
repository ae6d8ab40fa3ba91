// Package substitution implements Component G of the realisation engine:
// the Substitution Goal state machine that realises one store path via an
// external substituter program.
//
// This is the component most directly grounded on the teacher:
// download/fsm.go's checkExists → downloadFromS3 → validateBlob →
// storeMetadata pipeline is structurally the same shape (idempotency
// check first, then an external-fetch step, then verification, then a DB
// write), and its non-fatal "try the next candidate" handling of
// size/checksum mismatches is the direct model for tryNext's semantics.
package substitution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/pathlock"
	"github.com/superfly/storeforge/perf"
	"github.com/superfly/storeforge/scheduler"
	"github.com/superfly/storeforge/storedb"
	"github.com/superfly/storeforge/storeio"
)

type state int

const (
	stateInit state = iota
	stateReferencesValid
	stateTryNext
	stateTryToRun
	stateFinished
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateReferencesValid:
		return "referencesValid"
	case stateTryNext:
		return "tryNext"
	case stateTryToRun:
		return "tryToRun"
	case stateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Goal realises one store path via the ordered list of substitutes
// registered for it, falling through to the next candidate on failure
// (spec.md §4.G; SubstError per §7 never fails the goal outright).
type Goal struct {
	base scheduler.Base

	worker *scheduler.Worker
	store  *storeio.Store
	cfg    storeforge.Config
	logger *logrus.Logger

	path  string
	state state

	substitutes []storedb.Substitute
	current     *storedb.Substitute
	references  []string

	locks *pathlock.PathLocks

	candidateTimer *perf.Timer
}

// New constructs a substitution goal for path, not yet started.
func New(worker *scheduler.Worker, store *storeio.Store, cfg storeforge.Config, path string) *Goal {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Goal{
		base:   scheduler.NewBase(),
		worker: worker,
		store:  store,
		cfg:    cfg,
		logger: logger,
		path:   path,
		state:  stateInit,
	}
}

func (g *Goal) Name() string          { return g.path }
func (g *Goal) Base() *scheduler.Base { return &g.base }

// Kind identifies this goal to the scheduler's Registry (used by the
// monitor TUI / admin API, see scheduler.GoalRecord).
func (g *Goal) Kind() string { return "substitution" }

// State reports the goal's current state-machine state name, for display
// only.
func (g *Goal) State() string { return g.state.String() }

// WriteLog discards a substitution's child output: spec.md §4.G notes
// substitution writes no log file, in contrast to a derivation build.
func (g *Goal) WriteLog(p []byte) {}

// Work advances the state machine, looping through synchronous
// transitions until it hits one of the three suspension points named in
// spec.md §5, or reaches a terminal state.
func (g *Goal) Work(ctx context.Context) {
	for {
		if g.base.Done() {
			return
		}
		advanced, suspend := g.step(ctx)
		if suspend || g.base.Done() {
			return
		}
		if !advanced {
			return
		}
	}
}

// step runs one transition; the bool result reports whether state
// changed (so Work's loop can detect a no-op and stop), and the second
// whether the goal must suspend (return) regardless.
func (g *Goal) step(ctx context.Context) (advanced, suspend bool) {
	switch g.state {
	case stateInit:
		return g.init(ctx)
	case stateReferencesValid:
		return g.referencesValid(ctx)
	case stateTryNext:
		return g.tryNext(ctx)
	case stateTryToRun:
		return g.tryToRun(ctx)
	case stateFinished:
		return g.finished(ctx)
	default:
		g.worker.AmDone(g, false)
		return false, true
	}
}

func (g *Goal) init(ctx context.Context) (bool, bool) {
	tx, err := g.store.DB.Begin(false)
	if err != nil {
		g.fail(err)
		return false, true
	}
	valid, _, err := tx.IsValidPath(g.path)
	if err != nil {
		tx.Rollback()
		g.fail(err)
		return false, true
	}
	if valid {
		tx.Rollback()
		g.worker.AmDone(g, true)
		return false, true
	}

	substitutes, err := tx.QuerySubstitutes(g.path)
	if err != nil {
		tx.Rollback()
		g.fail(err)
		return false, true
	}
	references, err := tx.QueryReferences(g.path)
	if err != nil {
		tx.Rollback()
		g.fail(err)
		return false, true
	}
	tx.Rollback()

	g.substitutes = substitutes
	g.references = references

	added := 0
	for _, ref := range references {
		if ref == g.path {
			continue
		}
		waitee := g.worker.SubstitutionGoalFor(ref, func() scheduler.Goal {
			return New(g.worker, g.store, g.cfg, ref)
		})
		g.worker.AddWaitee(g, waitee)
		added++
	}

	g.state = stateReferencesValid
	if added == 0 {
		return true, false
	}
	return true, true
}

func (g *Goal) referencesValid(ctx context.Context) (bool, bool) {
	if g.base.AnyWaiteeFailed() {
		g.fail(fmt.Errorf("substitution: closure of %s is not realisable: a referenced path failed", g.path))
		return false, true
	}
	g.state = stateTryNext
	return true, false
}

func (g *Goal) tryNext(ctx context.Context) (bool, bool) {
	if len(g.substitutes) == 0 {
		g.fail(fmt.Errorf("substitution: no substitute succeeded for %s", g.path))
		return false, true
	}
	popped := g.substitutes[0]
	g.substitutes = g.substitutes[1:]
	g.current = &popped

	g.state = stateTryToRun
	return true, false
}

func (g *Goal) tryToRun(ctx context.Context) (bool, bool) {
	sub := g.current
	if sub == nil {
		g.state = stateTryNext
		return true, false
	}

	granted, err := g.worker.WaitForBuildSlot(g, false)
	if err != nil {
		g.fail(err)
		return false, true
	}
	if !granted {
		return true, true
	}

	locks, err := pathlock.Lock([]string{g.path})
	if err != nil {
		g.fail(err)
		return false, true
	}
	g.locks = locks

	tx, err := g.store.DB.Begin(false)
	if err != nil {
		locks.Release()
		g.fail(err)
		return false, true
	}
	valid, _, err := tx.IsValidPath(g.path)
	tx.Rollback()
	if err != nil {
		locks.Release()
		g.fail(err)
		return false, true
	}
	if valid {
		locks.Release()
		g.worker.AmDone(g, true)
		return false, true
	}

	if _, err := os.Lstat(g.path); err == nil {
		if rmErr := os.RemoveAll(g.path); rmErr != nil {
			locks.Release()
			g.fail(rmErr)
			return false, true
		}
	}

	argv := append([]string{filepath.Base(sub.Program), g.path}, sub.Args...)
	cmd := exec.CommandContext(ctx, sub.Program, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Dir = g.cfg.StoreRoot

	logR, logW, err := os.Pipe()
	if err != nil {
		locks.Release()
		g.fail(err)
		return false, true
	}
	cmd.Stdout = logW
	cmd.Stderr = logW

	if err := cmd.Start(); err != nil {
		logR.Close()
		logW.Close()
		locks.Release()
		g.logger.WithError(err).WithFields(logrus.Fields{"path": g.path, "program": sub.Program}).
			Warn("substitute failed to start")
		g.state = stateTryNext
		return true, false
	}
	logW.Close()
	g.candidateTimer = perf.Start("substitute "+g.path+" via "+sub.Program, g.logger)

	if _, err := g.worker.RegisterChild(g, cmd, logR, true); err != nil {
		g.fail(err)
		return false, true
	}

	g.state = stateFinished
	return true, true
}

func (g *Goal) finished(ctx context.Context) (bool, bool) {
	err := g.worker.TakeExitError(g)
	_, statErr := os.Lstat(g.path)
	outputMissing := statErr != nil

	if err != nil || outputMissing {
		g.recordCandidateTiming(true)
		if g.locks != nil {
			g.locks.Release()
			g.locks = nil
		}
		g.logger.WithFields(logrus.Fields{"path": g.path, "program": g.current.Program}).
			WithError(err).Warn("substitute exited unsuccessfully, trying next candidate")
		g.current = nil
		g.state = stateTryNext
		return true, false
	}
	g.recordCandidateTiming(false)

	if err := storeio.CanonicalisePathMetaData(g.path); err != nil {
		g.fail(err)
		return false, true
	}
	hexHash, err := storeio.HashPath(ctx, g.cfg.StoreRoot, g.path)
	if err != nil {
		g.fail(err)
		return false, true
	}

	tx, err := g.store.DB.Begin(true)
	if err != nil {
		g.fail(err)
		return false, true
	}
	if err := tx.RegisterValidPath(g.path, "sha256:"+hexHash, g.references); err != nil {
		tx.Rollback()
		g.fail(err)
		return false, true
	}
	if err := tx.Commit(); err != nil {
		g.fail(err)
		return false, true
	}

	if g.locks != nil {
		g.locks.SetDeletion(true)
		g.locks.Release()
		g.locks = nil
	}

	g.worker.AmDone(g, true)
	return false, true
}

func (g *Goal) recordCandidateTiming(failed bool) {
	if g.candidateTimer == nil {
		return
	}
	d := g.candidateTimer.Stop()
	g.candidateTimer = nil
	if g.worker.Perf != nil {
		g.worker.Perf.RecordSubstitute(d, failed)
	}
}

func (g *Goal) fail(err error) {
	g.logger.WithField("path", g.path).WithError(err).Error("substitution goal failed")
	if g.locks != nil {
		g.locks.Release()
		g.locks = nil
	}
	g.worker.AmDone(g, false)
}
