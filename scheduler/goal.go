// Package scheduler implements Component E of the realisation engine: a
// single-threaded cooperative worker loop whose concurrency comes from
// child OS processes, not goroutines-as-threads. derivation.Goal and
// substitution.Goal each hold a Base and are driven by Worker.Run.
//
// Grounded structurally on spec.md §4.E and §9's own design notes (no
// teacher analogue for a goal DAG scheduler as such). Build slots are
// bounded by Worker's own nrChildren count against MaxBuildJobs, with
// goals that find no free slot parked in wantingToBuild; no semaphore is
// involved.
package scheduler

import (
	"context"
)

// Goal is the small four-method trait spec.md §9 recasts the teacher's
// deep Goal/SubstitutionGoal/DerivationGoal inheritance hierarchy as.
// Concrete goals (derivation.Goal, substitution.Goal) hold a Base for the
// shared waitee/waiter bookkeeping and implement these four methods.
type Goal interface {
	// Work advances the goal's state machine until it reaches a suspension
	// point or a terminal state. Any of the suspension points in spec.md §5 (outstanding
	// waitees, no build slot, waiting on a child's log pipe) ends Work
	// without finishing, relying on the worker to call it again once
	// reawakened.
	Work(ctx context.Context)
	// Name identifies the goal for logging (typically a store path).
	Name() string
	// WriteLog forwards a chunk of a child's log output to the goal, which
	// decides what (if anything) to do with it (derivation goals write to
	// their build log file; substitution goals, which write no log file
	// per spec.md §4.G, may simply discard it).
	WriteLog(p []byte)
	// Base exposes the goal's shared state so the scheduler can
	// manipulate waitees/waiters generically across goal kinds.
	Base() *Base
}

// Base holds the state shared by every goal: its waitees (strong — this
// goal keeps them alive and waits on them) and waiters (weak — goals
// waiting on this one; Go's GC makes "weak" a bookkeeping distinction
// here, not a literal weak pointer, but the cycle-breaking property spec.md
// §9 describes still holds: only waitee edges are traversed to decide
// whether a goal still has pending work, so a cycle of waiter edges alone
// never keeps anything "busy").
type Base struct {
	waitees map[Goal]struct{}
	waiters map[Goal]struct{}

	nWaitingOn      int
	anyWaiteeFailed bool

	done      bool
	succeeded bool
}

// NewBase constructs a zero Base ready for embedding.
func NewBase() Base {
	return Base{
		waitees: map[Goal]struct{}{},
		waiters: map[Goal]struct{}{},
	}
}

// Done reports whether the goal has reached a terminal state.
func (b *Base) Done() bool { return b.done }

// Succeeded reports the goal's terminal outcome; meaningless until Done.
func (b *Base) Succeeded() bool { return b.succeeded }

// AnyWaiteeFailed reports whether any waitee completed with failure,
// letting a goal's haveStoreExpr/outputsSubstituted/referencesValid
// transitions decide whether to fail fast.
func (b *Base) AnyWaiteeFailed() bool { return b.anyWaiteeFailed }

// PendingWaitees reports how many waitees have not yet completed.
func (b *Base) PendingWaitees() int { return b.nWaitingOn }
