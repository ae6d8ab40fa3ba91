package derivation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// hookReply is tryBuildHook's outcome, per spec.md §4.F's tryToBuild step
// 1: Accept, Postpone, Decline, or Done (another process already built it
// while the hook deliberated).
type hookReply int

const (
	hookDecline hookReply = iota
	hookPostpone
	hookAccept
	hookDone
)

// tryBuildHook implements the build-hook sub-protocol exactly as spec.md
// §4.F/§6 describe it. The protocol's "two pipes, binary build log over a
// third" shape maps directly onto a child process's three standard
// streams: stdin carries parent→hook requests (okay/cancel), stdout
// carries the hook's single-line decline/postpone/accept reply, and
// stderr carries the build log spec.md §9 flags as needing multiplexed,
// non-blocking draining. Giving the log its own fd from the start (rather
// than interleaving it with the control reply on one pipe) is what
// resolves that Open Question: the control read and the log drain were
// never on the same fd to begin with.
func (g *Goal) tryBuildHook(ctx context.Context) (hookReply, error) {
	if g.cfg.NixBuildHook == "" {
		return hookDecline, nil
	}

	toHookR, toHookW, err := os.Pipe()
	if err != nil {
		return hookDecline, err
	}
	fromHookR, fromHookW, err := os.Pipe()
	if err != nil {
		toHookR.Close()
		toHookW.Close()
		return hookDecline, err
	}
	buildLogR, buildLogW, err := os.Pipe()
	if err != nil {
		toHookR.Close()
		toHookW.Close()
		fromHookR.Close()
		fromHookW.Close()
		return hookDecline, err
	}

	canBuildMoreFlag := "0"
	if g.worker.CanBuildMore() {
		canBuildMoreFlag = "1"
	}

	cmd, err := newCmd(ctx, g.cfg.StateDir, g.cfg.NixBuildHook, canBuildMoreFlag, g.cfg.ThisSystem, g.drv.Platform, g.drvPath)
	if err != nil {
		toHookR.Close()
		toHookW.Close()
		fromHookR.Close()
		fromHookW.Close()
		buildLogR.Close()
		buildLogW.Close()
		return hookDecline, err
	}
	cmd.Stdin = toHookR
	cmd.Stdout = fromHookW
	cmd.Stderr = buildLogW

	if err := cmd.Start(); err != nil {
		toHookR.Close()
		toHookW.Close()
		fromHookR.Close()
		fromHookW.Close()
		buildLogR.Close()
		buildLogW.Close()
		return hookDecline, fmt.Errorf("derivation: start build hook: %w", err)
	}
	toHookR.Close()
	fromHookW.Close()
	buildLogW.Close()

	line, err := readLine(fromHookR)
	if err != nil && err != io.EOF {
		g.drainAndReap(cmd, fromHookR, toHookW, buildLogR)
		return hookDecline, fmt.Errorf("derivation: read build hook reply: %w", err)
	}

	switch strings.TrimSpace(line) {
	case "decline":
		g.drainAndReap(cmd, fromHookR, toHookW, buildLogR)
		return hookDecline, nil
	case "postpone":
		g.drainAndReap(cmd, fromHookR, toHookW, buildLogR)
		return hookPostpone, nil
	case "accept":
		return g.acceptBuildHook(ctx, cmd, fromHookR, toHookW, buildLogR)
	default:
		g.drainAndReap(cmd, fromHookR, toHookW, buildLogR)
		return hookDecline, fmt.Errorf("derivation: build hook protocol error: unexpected reply %q", line)
	}
}

// acceptBuildHook implements the "accept" branch: if prepareBuild finds
// all outputs already valid, tell the hook to cancel and finish as done;
// otherwise hand it the three descriptor files and register its log pipe
// as a non-slot-occupying child.
func (g *Goal) acceptBuildHook(ctx context.Context, cmd cmd, fromHookR, toHookW, buildLogR *os.File) (hookReply, error) {
	allValid, err := g.prepareBuild(ctx)
	if err != nil {
		fromHookR.Close()
		g.drainAndReap(cmd, nil, toHookW, buildLogR)
		return hookDecline, err
	}
	if allValid {
		io.WriteString(toHookW, "cancel\n")
		fromHookR.Close()
		g.drainAndReap(cmd, nil, toHookW, buildLogR)
		return hookDone, nil
	}

	if err := g.writeHookDescriptors(cmd.tempDir()); err != nil {
		fromHookR.Close()
		io.WriteString(toHookW, "cancel\n")
		g.drainAndReap(cmd, nil, toHookW, buildLogR)
		return hookDecline, err
	}

	if _, err := io.WriteString(toHookW, "okay\n"); err != nil {
		fromHookR.Close()
		g.drainAndReap(cmd, nil, toHookW, buildLogR)
		return hookDecline, err
	}
	toHookW.Close()
	fromHookR.Close()

	if _, err := g.worker.RegisterChild(g, cmd.Cmd, buildLogR, false); err != nil {
		return hookDecline, err
	}
	g.cmd = cmd.Cmd
	g.hookBuild = true
	g.hookTempDir = cmd.tempDir()
	return hookAccept, nil
}

// writeHookDescriptors writes the inputs/outputs/references files the
// build hook protocol expects in its shared temp dir (spec.md §4.F).
func (g *Goal) writeHookDescriptors(dir string) error {
	var inputs strings.Builder
	for p := range g.drv.InputDrvs {
		fmt.Fprintln(&inputs, p)
	}
	for _, p := range g.drv.InputSrcs {
		fmt.Fprintln(&inputs, p)
	}
	if err := os.WriteFile(filepath.Join(dir, "inputs"), []byte(inputs.String()), 0o644); err != nil {
		return err
	}

	var outputs strings.Builder
	for _, p := range g.drv.OutputPaths() {
		fmt.Fprintln(&outputs, p)
	}
	if err := os.WriteFile(filepath.Join(dir, "outputs"), []byte(outputs.String()), 0o644); err != nil {
		return err
	}

	var references strings.Builder
	tx, err := g.store.DB.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range g.drv.InputSrcs {
		refs, err := tx.QueryReferences(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(&references, "%s %s\n", p, strings.Join(refs, " "))
	}
	return os.WriteFile(filepath.Join(dir, "references"), []byte(references.String()), 0o644)
}

// drainAndReap reads buildLogR to EOF (if non-nil), closes whichever
// handles remain open, and waits for the hook child to exit.
func (g *Goal) drainAndReap(c cmd, fromHookR, toHookW, buildLogR *os.File) {
	if buildLogR != nil {
		_, _ = io.Copy(io.Discard, buildLogR)
		buildLogR.Close()
	}
	if fromHookR != nil {
		fromHookR.Close()
	}
	if toHookW != nil {
		toHookW.Close()
	}
	if err := c.Wait(); err != nil {
		g.logger.WithError(err).Debug("build hook exited non-zero")
	}
}

// readLine reads bytes from r one at a time up to and including the first
// newline, returning the line without its terminator. A byte-at-a-time
// read keeps this safe to use on a pipe whose remaining bytes (if any)
// must be left completely untouched for a later reader — unlike a
// buffered reader, it never consumes more than the line itself.
func readLine(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n > 0 {
			if b[0] == '\n' {
				return string(buf), nil
			}
			buf = append(buf, b[0])
		}
		if err != nil {
			return string(buf), err
		}
	}
}
