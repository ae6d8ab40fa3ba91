package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storeforge/perf"
)

// Child describes one slot-occupying-or-not OS process the worker is
// tracking: which goal it belongs to, its log pipe, and whether it counts
// against maxBuildJobs (build-hook-accepted children are explicitly
// non-slot-occupying per spec.md §4.F).
type Child struct {
	Goal          Goal
	Cmd           *exec.Cmd
	LogR          *os.File
	OccupiesSlot  bool
	done          chan struct{}
}

// Worker is the single-threaded cooperative loop of spec.md §4.E. Its
// public methods other than Run are meant to be called only from goals'
// Work methods, which the worker itself drives — there is no concurrent
// access to Worker's internal maps, matching the "no in-process locks
// needed for in-memory structures" contract in §5.
type Worker struct {
	Logger   *logrus.Logger
	Metrics  *Metrics
	Registry *Registry
	Perf     *perf.RealisationMetrics

	MaxBuildJobs int
	KeepGoing    bool

	topGoals map[Goal]struct{}
	awake    map[Goal]struct{}
	wantingToBuild map[Goal]struct{}

	children   map[int]*Child // pid -> Child
	nrChildren int

	derivationGoals  map[string]Goal // drvPath -> goal
	substitutionGoals map[string]Goal // storePath -> goal

	exitErrs map[Goal]error // reaped child's Wait() error, pending collection by the goal

	logCh chan logEvent

	interrupted atomic.Bool

	mu sync.Mutex // guards derivationGoals/substitutionGoals dedup maps only
}

type logEvent struct {
	pid int
	eof bool
	buf []byte
}

// NewWorker constructs a Worker. maxBuildJobs <= 0 is treated as 1.
func NewWorker(maxBuildJobs int, keepGoing bool, logger *logrus.Logger) *Worker {
	if maxBuildJobs <= 0 {
		maxBuildJobs = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Worker{
		Logger:            logger,
		MaxBuildJobs:      maxBuildJobs,
		KeepGoing:         keepGoing,
		topGoals:          map[Goal]struct{}{},
		awake:             map[Goal]struct{}{},
		wantingToBuild:    map[Goal]struct{}{},
		children:          map[int]*Child{},
		derivationGoals:   map[string]Goal{},
		substitutionGoals: map[string]Goal{},
		exitErrs:          map[Goal]error{},
		logCh:             make(chan logEvent, 64),
	}
}

// Interrupt sets the process-wide cancellation flag spec.md §5 describes:
// polled at the top of each loop iteration and within per-child loops.
func (w *Worker) Interrupt() { w.interrupted.Store(true) }

func (w *Worker) checkInterrupted() error {
	if w.interrupted.Load() {
		return fmt.Errorf("scheduler: interrupted")
	}
	return nil
}

// AddWaitee implements addWaitee(x): x becomes a strong waitee of self;
// self is registered (weakly, bookkeeping-only) in x's waiters.
func (w *Worker) AddWaitee(self, x Goal) {
	sb, xb := self.Base(), x.Base()
	if _, already := sb.waitees[x]; already {
		return
	}
	sb.waitees[x] = struct{}{}
	xb.waiters[self] = struct{}{}
	sb.nWaitingOn++
}

// wake enqueues g in awake, to be drained on the next loop iteration.
func (w *Worker) wake(g Goal) {
	w.awake[g] = struct{}{}
}

// AmDone marks self as finished with the given outcome and propagates the
// result to every waiter, per spec.md §4.E's waiteeDone description.
func (w *Worker) AmDone(self Goal, success bool) {
	sb := self.Base()
	if sb.done {
		return
	}
	sb.done = true
	sb.succeeded = success
	for waiter := range sb.waiters {
		w.waiteeDone(waiter, self, success)
	}
	sb.waiters = map[Goal]struct{}{}
}

// waiteeDone implements the waitee-completion callback: the waiter
// decrements its pending count and, once zero (or on failure when
// keepGoing is false), is woken. On early cancellation the waiter unhooks
// itself from its remaining waitees so they can die once their last
// strong holder releases them.
func (w *Worker) waiteeDone(waiter, waitee Goal, success bool) {
	wb := waiter.Base()
	delete(wb.waitees, waitee)
	wb.nWaitingOn--

	if !success {
		wb.anyWaiteeFailed = true
		if !w.KeepGoing {
			for x := range wb.waitees {
				delete(x.Base().waiters, waiter)
			}
			wb.waitees = map[Goal]struct{}{}
			wb.nWaitingOn = 0
			w.wake(waiter)
			return
		}
	}
	if wb.nWaitingOn <= 0 {
		w.wake(waiter)
	}
}

// DerivationGoalFor returns the deduplicated goal for drvPath, creating it
// via make if absent. A freshly created goal is woken immediately — it has
// never had Work() called, so without this it would sit registered as
// somebody's waitee forever and the run would deadlock.
func (w *Worker) DerivationGoalFor(drvPath string, make func() Goal) Goal {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, ok := w.derivationGoals[drvPath]; ok && !g.Base().Done() {
		return g
	}
	g := make()
	w.derivationGoals[drvPath] = g
	w.wake(g)
	return g
}

// SubstitutionGoalFor returns the deduplicated goal for storePath, creating
// it via make if absent. See DerivationGoalFor on why fresh goals are
// woken here.
func (w *Worker) SubstitutionGoalFor(storePath string, make func() Goal) Goal {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, ok := w.substitutionGoals[storePath]; ok && !g.Base().Done() {
		return g
	}
	g := make()
	w.substitutionGoals[storePath] = g
	w.wake(g)
	return g
}

// kinder is implemented by concrete goal types (derivation.Goal,
// substitution.Goal) to self-identify for the Registry; goals that don't
// implement it (the internal pseudoGoal) are simply never reported.
type kinder interface {
	Kind() string
}

// stater is implemented by concrete goal types to expose their current
// state-machine state name for display.
type stater interface {
	State() string
}

// reportGoal mirrors g's current snapshot into w.Registry, if one is
// configured. This is purely for observability (the admin socket that
// cmd/storeforge's monitor TUI reads) — it never affects scheduling.
func (w *Worker) reportGoal(g Goal) {
	if w.Registry == nil {
		return
	}
	k, ok := g.(kinder)
	if !ok {
		return
	}
	rec := GoalRecord{
		Key:       g.Name(),
		Kind:      k.Kind(),
		Done:      g.Base().Done(),
		Succeeded: g.Base().Succeeded(),
	}
	if s, ok := g.(stater); ok {
		rec.State = s.State()
	}
	_ = w.Registry.Upsert(rec)
}

// pseudoGoal aggregates the top-level goals' outcomes, per spec.md §4.E
// step 1 ("wrap callers' goals in a pseudo-goal").
type pseudoGoal struct {
	base Base
}

// Work finalises the aggregate outcome once every top-level goal has
// reported in via waiteeDone: succeeded iff none of them failed. Apart from
// Run's shortcut for an empty top list, this is the only place pg's own
// done/succeeded fields are set — pg has no
// waiters of its own, so the AmDone notification machinery has nothing to
// do here and is skipped in favour of setting the fields directly.
func (p *pseudoGoal) Work(ctx context.Context) {
	if p.base.done {
		return
	}
	if p.base.nWaitingOn <= 0 {
		p.base.done = true
		p.base.succeeded = !p.base.anyWaiteeFailed
	}
}
func (p *pseudoGoal) Name() string      { return "<top>" }
func (p *pseudoGoal) WriteLog(b []byte) {}
func (p *pseudoGoal) Base() *Base       { return &p.base }

// Run drives the scheduler loop described in spec.md §4.E: wrap top in a
// pseudo-goal, then alternate draining the awake set and blocking in
// waitForInput until every top-level goal has completed.
func (w *Worker) Run(ctx context.Context, top []Goal) (bool, error) {
	pg := &pseudoGoal{base: NewBase()}
	if len(top) == 0 {
		pg.base.done = true
		pg.base.succeeded = true
	}

	for _, g := range top {
		w.topGoals[g] = struct{}{}
		w.AddWaitee(pg, g)
		w.wake(g)
	}

	for len(w.topGoals) > 0 {
		if err := w.checkInterrupted(); err != nil {
			return false, err
		}

		for len(w.awake) > 0 {
			batch := make([]Goal, 0, len(w.awake))
			for g := range w.awake {
				batch = append(batch, g)
			}
			w.awake = map[Goal]struct{}{}

			for _, g := range batch {
				if err := w.checkInterrupted(); err != nil {
					return false, err
				}
				g.Work(ctx)
				w.reportGoal(g)
				if g.Base().Done() {
					delete(w.topGoals, g)
				}
			}
		}

		if len(w.topGoals) == 0 {
			break
		}

		if w.nrChildren == 0 && len(w.wantingToBuild) == 0 {
			return false, fmt.Errorf("scheduler: deadlock — goals pending but no children running and nothing wants a build slot")
		}

		w.Report(w.Metrics)

		if err := w.waitForInput(ctx); err != nil {
			return false, err
		}
	}

	return pg.base.succeeded, nil
}
