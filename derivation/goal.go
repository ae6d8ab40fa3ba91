package derivation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/pathlock"
	"github.com/superfly/storeforge/perf"
	"github.com/superfly/storeforge/safeguards"
	"github.com/superfly/storeforge/scheduler"
	"github.com/superfly/storeforge/storeio"
	"github.com/superfly/storeforge/substitution"
)

type state int

const (
	stateInit state = iota
	stateHaveStoreExpr
	stateOutputsSubstituted
	stateInputsRealised
	stateTryToBuild
	stateBuildDone
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateHaveStoreExpr:
		return "haveStoreExpr"
	case stateOutputsSubstituted:
		return "outputsSubstituted"
	case stateInputsRealised:
		return "inputsRealised"
	case stateTryToBuild:
		return "tryToBuild"
	case stateBuildDone:
		return "buildDone"
	default:
		return "unknown"
	}
}

// Goal realises one derivation's outputs, either by substitution, by a
// build hook, or by running the builder locally (spec.md §4.F).
type Goal struct {
	base scheduler.Base

	worker *scheduler.Worker
	store  *storeio.Store
	cfg    storeforge.Config
	logger *logrus.Logger

	drvPath string
	drv     *Derivation
	state   state

	invalidOutputs []string
	allPaths       []string

	locks *pathlock.PathLocks

	buildDir    string
	logFile     *os.File
	cmd         *exec.Cmd
	hookBuild   bool
	hookTempDir string

	buildTimer *perf.Timer
}

// New constructs a derivation goal for drvPath, not yet started.
func New(worker *scheduler.Worker, store *storeio.Store, cfg storeforge.Config, drvPath string) *Goal {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Goal{
		base:    scheduler.NewBase(),
		worker:  worker,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		drvPath: drvPath,
		state:   stateInit,
	}
}

func (g *Goal) Name() string          { return g.drvPath }
func (g *Goal) Base() *scheduler.Base { return &g.base }

// Kind identifies this goal to the scheduler's Registry (used by the
// monitor TUI / admin API, see scheduler.GoalRecord).
func (g *Goal) Kind() string { return "derivation" }

// State reports the goal's current state-machine state name, for display
// only.
func (g *Goal) State() string { return g.state.String() }

// WriteLog appends a chunk of the builder's combined stdout/stderr to the
// per-derivation log file (spec.md §4.F startBuilder).
func (g *Goal) WriteLog(p []byte) {
	if g.logFile != nil {
		_, _ = g.logFile.Write(p)
	}
}

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

func (g *Goal) step(ctx context.Context) (advanced, suspend bool) {
	switch g.state {
	case stateInit:
		return g.init(ctx)
	case stateHaveStoreExpr:
		return g.haveStoreExpr(ctx)
	case stateOutputsSubstituted:
		return g.outputsSubstituted(ctx)
	case stateInputsRealised:
		return g.inputsRealised(ctx)
	case stateTryToBuild:
		return g.tryToBuild(ctx)
	case stateBuildDone:
		return g.buildDoneStep(ctx)
	default:
		g.worker.AmDone(g, false)
		return false, true
	}
}

func (g *Goal) init(ctx context.Context) (bool, bool) {
	waitee := g.worker.SubstitutionGoalFor(g.drvPath, func() scheduler.Goal {
		return substitution.New(g.worker, g.store, g.cfg, g.drvPath)
	})
	g.worker.AddWaitee(g, waitee)
	g.state = stateHaveStoreExpr
	return true, true
}

func (g *Goal) haveStoreExpr(ctx context.Context) (bool, bool) {
	if g.base.AnyWaiteeFailed() {
		g.fail(fmt.Errorf("derivation: could not obtain derivation file %s", g.drvPath))
		return false, true
	}

	drv, err := Load(g.drvPath)
	if err != nil {
		g.fail(storeforge.NewBuildError(g.drvPath, "load derivation: %v", err))
		return false, true
	}
	g.drv = drv

	invalid, err := g.queryInvalidOutputs(ctx)
	if err != nil {
		g.fail(err)
		return false, true
	}
	g.invalidOutputs = invalid
	if len(invalid) == 0 {
		g.worker.AmDone(g, true)
		return false, true
	}

	added := 0
	tx, err := g.store.DB.Begin(false)
	if err != nil {
		g.fail(err)
		return false, true
	}
	for _, o := range invalid {
		has, herr := tx.HasSubstitutes(o)
		if herr != nil {
			tx.Rollback()
			g.fail(herr)
			return false, true
		}
		if !has {
			continue
		}
		waitee := g.worker.SubstitutionGoalFor(o, func() scheduler.Goal {
			return substitution.New(g.worker, g.store, g.cfg, o)
		})
		g.worker.AddWaitee(g, waitee)
		added++
	}
	tx.Rollback()

	g.state = stateOutputsSubstituted
	if added == 0 {
		return true, false
	}
	return true, true
}

func (g *Goal) outputsSubstituted(ctx context.Context) (bool, bool) {
	if g.base.AnyWaiteeFailed() && !g.cfg.TryFallback {
		g.fail(storeforge.NewBuildError(g.drvPath,
			"one or more outputs failed to substitute; re-run with --fallback to build locally"))
		return false, true
	}

	invalid, err := g.queryInvalidOutputs(ctx)
	if err != nil {
		g.fail(err)
		return false, true
	}
	g.invalidOutputs = invalid
	if len(invalid) == 0 {
		g.worker.AmDone(g, true)
		return false, true
	}

	added := 0
	for drvPath := range g.drv.InputDrvs {
		waitee := g.worker.DerivationGoalFor(drvPath, func() scheduler.Goal {
			return New(g.worker, g.store, g.cfg, drvPath)
		})
		g.worker.AddWaitee(g, waitee)
		added++
	}
	for _, src := range g.drv.InputSrcs {
		waitee := g.worker.SubstitutionGoalFor(src, func() scheduler.Goal {
			return substitution.New(g.worker, g.store, g.cfg, src)
		})
		g.worker.AddWaitee(g, waitee)
		added++
	}

	g.state = stateInputsRealised
	if added == 0 {
		return true, false
	}
	return true, true
}

func (g *Goal) inputsRealised(ctx context.Context) (bool, bool) {
	if g.base.AnyWaiteeFailed() {
		g.fail(fmt.Errorf("derivation: a required input of %s could not be realised", g.drvPath))
		return false, true
	}
	g.state = stateTryToBuild
	return true, false
}

// queryInvalidOutputs returns the subset of the derivation's declared
// outputs that are not yet registered valid.
func (g *Goal) queryInvalidOutputs(ctx context.Context) ([]string, error) {
	tx, err := g.store.DB.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var invalid []string
	for _, o := range g.drv.OutputPaths() {
		valid, _, verr := tx.IsValidPath(o)
		if verr != nil {
			return nil, verr
		}
		if !valid {
			invalid = append(invalid, o)
		}
	}
	return invalid, nil
}

func (g *Goal) tryToBuild(ctx context.Context) (bool, bool) {
	reply, err := g.tryBuildHook(ctx)
	if err != nil {
		g.fail(err)
		return false, true
	}

	switch reply {
	case hookAccept:
		g.state = stateBuildDone
		return true, true
	case hookPostpone:
		if _, werr := g.worker.WaitForBuildSlot(g, true); werr != nil {
			g.fail(werr)
			return false, true
		}
		return true, true
	case hookDone:
		g.worker.AmDone(g, true)
		return false, true
	}

	if !g.worker.CanBuildMore() {
		granted, werr := g.worker.WaitForBuildSlot(g, false)
		if werr != nil {
			g.fail(werr)
			return false, true
		}
		if !granted {
			return true, true
		}
	}

	if g.cfg.MinBuildMemoryMB > 0 || g.cfg.MinBuildDiskMB > 0 {
		checker := safeguards.NewChecker(g.cfg.MinBuildMemoryMB, g.cfg.MinBuildDiskMB, g.logger)
		if err := checker.CheckAll(ctx, g.cfg.StoreRoot); err != nil {
			g.fail(storeforge.NewBuildError(g.drvPath, "pre-build safeguards check failed: %v", err))
			return false, true
		}
	}

	allValid, err := g.prepareBuild(ctx)
	if err != nil {
		g.fail(err)
		return false, true
	}
	if allValid {
		g.worker.AmDone(g, true)
		return false, true
	}

	if err := g.startBuilder(ctx); err != nil {
		g.releaseLocks()
		g.fail(err)
		return false, true
	}

	g.state = stateBuildDone
	return true, true
}

// prepareBuild implements spec.md §4.F tryToBuild step 3: acquire output
// locks, recheck validity, clear stray artifacts, and compute the input
// closure. Returns true if every output is already valid (locks released
// with delete-on-release); the caller must still start a builder
// otherwise.
//
// pathlock.Lock blocks until every output lock is held. This runs inside
// Work, so while another process holds one of those locks the whole
// scheduler loop waits here.
func (g *Goal) prepareBuild(ctx context.Context) (allValid bool, err error) {
	outputs := g.drv.OutputPaths()

	locks, err := pathlock.Lock(outputs)
	if err != nil {
		return false, err
	}
	g.locks = locks

	tx, err := g.store.DB.Begin(false)
	if err != nil {
		locks.Release()
		g.locks = nil
		return false, err
	}
	validCount := 0
	for _, o := range outputs {
		valid, _, verr := tx.IsValidPath(o)
		if verr != nil {
			tx.Rollback()
			locks.Release()
			g.locks = nil
			return false, verr
		}
		if valid {
			validCount++
		}
	}
	tx.Rollback()

	if validCount == len(outputs) {
		locks.SetDeletion(true)
		locks.Release()
		g.locks = nil
		return true, nil
	}
	if validCount > 0 {
		locks.Release()
		g.locks = nil
		return false, storeforge.NewBuildError(g.drvPath,
			"conflicting partial state: %d of %d outputs are already valid", validCount, len(outputs))
	}

	for _, o := range outputs {
		if _, statErr := os.Lstat(o); statErr == nil {
			if rmErr := os.RemoveAll(o); rmErr != nil {
				locks.Release()
				g.locks = nil
				return false, storeforge.NewSysError(fmt.Sprintf("remove stray output %s", o), rmErr)
			}
		}
	}

	var inputDrvOutputPaths []string
	for drvPath, names := range g.drv.InputDrvs {
		inDrv, lerr := Load(drvPath)
		if lerr != nil {
			locks.Release()
			g.locks = nil
			return false, storeforge.NewBuildError(g.drvPath, "load input derivation %s: %v", drvPath, lerr)
		}
		for _, name := range names {
			out, ok := inDrv.Outputs[name]
			if !ok {
				locks.Release()
				g.locks = nil
				return false, storeforge.NewBuildError(g.drvPath, "input derivation %s has no output %q", drvPath, name)
			}
			inputDrvOutputPaths = append(inputDrvOutputPaths, out.Path.String())
		}
	}

	tx2, err := g.store.DB.Begin(false)
	if err != nil {
		locks.Release()
		g.locks = nil
		return false, err
	}
	defer tx2.Rollback()

	closure, err := InputClosure(tx2, g.drv, inputDrvOutputPaths, outputs)
	if err != nil {
		locks.Release()
		g.locks = nil
		return false, err
	}
	g.allPaths = ToSlice(closure)

	return false, nil
}

// startBuilder implements spec.md §4.F step 4: validate the platform,
// construct the scrubbed environment, fork/exec the builder with a fresh
// process group, and register it as a slot-occupying child.
func (g *Goal) startBuilder(ctx context.Context) error {
	if g.drv.Platform != g.cfg.ThisSystem {
		return storeforge.NewBuildError(g.drvPath,
			"a '%s' is required to build this derivation, but this machine is a '%s'", g.drv.Platform, g.cfg.ThisSystem)
	}

	buildDir, err := os.MkdirTemp(g.cfg.StateDir, "build-")
	if err != nil {
		return storeforge.NewSysError("create build dir", err)
	}
	g.buildDir = buildDir

	if err := os.MkdirAll(g.cfg.LogDir, 0o755); err != nil {
		return storeforge.NewSysError("create log dir", err)
	}
	logFile, err := os.Create(filepath.Join(g.cfg.LogDir, filepath.Base(g.drvPath)))
	if err != nil {
		return storeforge.NewSysError("create build log", err)
	}
	g.logFile = logFile

	env := map[string]string{
		"PATH":      "/path-not-set",
		"HOME":      "/homeless-shelter",
		"NIX_STORE": g.cfg.StoreRoot,
	}
	for k, v := range g.drv.Env {
		env[k] = v
	}
	env["NIX_BUILD_TOP"] = buildDir
	env["TMPDIR"] = buildDir

	envSlice := make([]string, 0, len(env))
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	cmd := exec.CommandContext(ctx, g.drv.Builder, g.drv.Args...)
	cmd.Args[0] = filepath.Base(g.drv.Builder)
	cmd.Dir = buildDir
	cmd.Env = envSlice
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil // os/exec connects a nil Stdin to /dev/null

	logR, logW, err := os.Pipe()
	if err != nil {
		return storeforge.NewSysError("create build log pipe", err)
	}
	cmd.Stdout = logW
	cmd.Stderr = logW

	if err := cmd.Start(); err != nil {
		logR.Close()
		logW.Close()
		return storeforge.NewBuildError(g.drvPath, "failed to start builder %s: %v", g.drv.Builder, err)
	}
	logW.Close()
	g.cmd = cmd
	g.buildTimer = perf.Start("build "+g.drvPath, g.logger)

	if _, err := g.worker.RegisterChild(g, cmd, logR, true); err != nil {
		return err
	}
	return nil
}

func (g *Goal) buildDoneStep(ctx context.Context) (bool, bool) {
	if g.hookBuild {
		return g.hookBuildDone(ctx)
	}

	err := g.worker.TakeExitError(g)
	if g.logFile != nil {
		g.logFile.Close()
		g.logFile = nil
	}
	if g.buildTimer != nil {
		d := g.buildTimer.Stop()
		g.buildTimer = nil
		if g.worker.Perf != nil {
			g.worker.Perf.RecordBuild(d)
		}
	}

	if err != nil {
		g.cleanupBuildDir()
		g.releaseLocks()
		g.fail(storeforge.NewBuildError(g.drvPath, "builder %s failed: %v", g.drv.Builder, err))
		return false, true
	}

	if err := g.computeClosure(ctx); err != nil {
		g.cleanupBuildDir()
		g.releaseLocks()
		g.fail(err)
		return false, true
	}

	if g.buildDir != "" {
		_ = os.RemoveAll(g.buildDir)
		g.buildDir = ""
	}
	if g.locks != nil {
		g.locks.SetDeletion(true)
	}
	g.releaseLocks()
	g.worker.AmDone(g, true)
	return false, true
}

// hookBuildDone handles buildDone when a build hook — not this process —
// ran the build: the hook's descriptor files already declared the
// references, so there is nothing left to scan; re-verify validity and
// finish.
func (g *Goal) hookBuildDone(ctx context.Context) (bool, bool) {
	err := g.worker.TakeExitError(g)
	if g.hookTempDir != "" {
		_ = os.RemoveAll(g.hookTempDir)
		g.hookTempDir = ""
	}
	if err != nil {
		g.fail(storeforge.NewBuildError(g.drvPath, "build hook exited non-zero: %v", err))
		return false, true
	}

	invalid, qerr := g.queryInvalidOutputs(ctx)
	if qerr != nil {
		g.fail(qerr)
		return false, true
	}
	if len(invalid) > 0 {
		g.fail(storeforge.NewBuildError(g.drvPath, "build hook finished but outputs remain invalid"))
		return false, true
	}
	g.worker.AmDone(g, true)
	return false, true
}

func (g *Goal) cleanupBuildDir() {
	if g.buildDir == "" {
		return
	}
	if !g.cfg.KeepFailed {
		_ = os.RemoveAll(g.buildDir)
	}
	g.buildDir = ""
}

func (g *Goal) releaseLocks() {
	if g.locks != nil {
		g.locks.Release()
		g.locks = nil
	}
}

func (g *Goal) fail(err error) {
	g.logger.WithField("drvPath", g.drvPath).WithError(err).Error("derivation goal failed")
	g.releaseLocks()
	g.worker.AmDone(g, false)
}
