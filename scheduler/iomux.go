package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// logChunkSize bounds how much a single log-forwarding read hands to
// waitForInput at a time; it does not bound total log size.
const logChunkSize = 32 * 1024

// RegisterChild records a running child process for goal g. logR is read
// end of the child's log pipe; the worker spawns exactly one goroutine per
// child to forward its bytes into the central logCh, since Go has no
// direct equivalent of select(2)/poll(2) over arbitrary file descriptors —
// this fan-in-channel pattern is the idiomatic replacement, preserving the
// "one ready-set wait, no per-child busy loop" property spec.md §9's
// "Subprocess I/O multiplexing" note asks for.
func (w *Worker) RegisterChild(g Goal, cmd *exec.Cmd, logR *os.File, occupiesSlot bool) (pid int, err error) {
	pid = cmd.Process.Pid
	done := make(chan struct{})
	w.children[pid] = &Child{Goal: g, Cmd: cmd, LogR: logR, OccupiesSlot: occupiesSlot, done: done}
	if occupiesSlot {
		w.nrChildren++
	}

	go func() {
		defer close(done)
		buf := make([]byte, logChunkSize)
		for {
			n, rerr := logR.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				w.logCh <- logEvent{pid: pid, buf: chunk}
			}
			if rerr != nil {
				w.logCh <- logEvent{pid: pid, eof: true}
				return
			}
		}
	}()
	return pid, nil
}

// waitForInput implements spec.md §4.E's waitForInput: block with no
// timeout on the fan-in channel every registered child's log-forwarding
// goroutine feeds. On EOF the owning goal is woken (its state machine
// treats EOF as "child terminated") and, if the child occupied a build
// slot, every parked wantingToBuild goal is woken to race for the freed
// slot. Otherwise the bytes are forwarded to the goal's WriteLog.
func (w *Worker) waitForInput(ctx context.Context) error {
	select {
	case ev := <-w.logCh:
		child, ok := w.children[ev.pid]
		if !ok {
			return nil // child already reaped (e.g. via a prior EOF on another fd)
		}
		if ev.eof {
			delete(w.children, ev.pid)
			if child.OccupiesSlot {
				w.nrChildren--
			}
			_ = child.LogR.Close()

			err := child.Cmd.Wait()
			if err != nil {
				w.Logger.WithFields(logrus.Fields{"pid": ev.pid, "goal": child.Goal.Name()}).
					WithError(err).Debug("child exited non-zero")
			}
			w.exitErrs[child.Goal] = err

			w.wake(child.Goal)
			if child.OccupiesSlot {
				for g := range w.wantingToBuild {
					delete(w.wantingToBuild, g)
					w.wake(g)
				}
			}
			return nil
		}

		child.Goal.WriteLog(ev.buf)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CanBuildMore reports whether a build slot is immediately available,
// without parking the caller if not (spec.md §4.F tryToBuild step 2's
// canBuildMore()).
func (w *Worker) CanBuildMore() bool {
	return w.nrChildren < w.MaxBuildJobs
}

// TakeExitError returns and clears the Wait() result the worker reaped for
// g's most recently registered child. A goal calls this exactly once per
// child, from the transition that handles the EOF suspension point — the
// worker itself already called Wait() when it observed EOF (it must, to
// reap promptly), so goals must never call Wait() a second time on the
// same *exec.Cmd.
func (w *Worker) TakeExitError(g Goal) error {
	err, ok := w.exitErrs[g]
	if !ok {
		return fmt.Errorf("scheduler: no reaped child recorded for goal %s", g.Name())
	}
	delete(w.exitErrs, g)
	return err
}

// WaitForBuildSlot implements waitForBuildSlot(self, reallyWait): if a
// slot is immediately free and reallyWait is false, it grants the slot
// without parking. Otherwise self is parked in wantingToBuild — parked
// goals are woken (to race for the slot) whenever any slot-occupying
// child terminates. reallyWait=true additionally asserts at least one
// child is currently running, since it is only used after a build hook
// replied "postpone", which implies a hook-managed child must exist.
func (w *Worker) WaitForBuildSlot(self Goal, reallyWait bool) (granted bool, err error) {
	if !reallyWait && w.nrChildren < w.MaxBuildJobs {
		return true, nil
	}
	if reallyWait && len(w.children) == 0 {
		return false, fmt.Errorf("scheduler: build hook postponed but no child is running")
	}
	w.wantingToBuild[self] = struct{}{}
	return false, nil
}

// KillAllChildren sends an interrupt-equivalent signal to and reaps every
// still-running child, for use when Run returns due to cancellation.
// Destructors never throw, per spec.md §7; errors here are logged only.
func (w *Worker) KillAllChildren() {
	for pid, c := range w.children {
		if c.Cmd.Process != nil {
			_ = c.Cmd.Process.Kill()
		}
		<-c.done
		_ = c.Cmd.Wait()
		_ = c.LogR.Close()
		delete(w.children, pid)
	}
	w.nrChildren = 0
}
