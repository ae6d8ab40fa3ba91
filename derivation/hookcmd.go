package derivation

import (
	"context"
	"os"
	"os/exec"

	"github.com/superfly/storeforge"
)

// cmd pairs a build hook's *exec.Cmd with the shared temp dir created for
// its invocation; exec.Cmd itself has nowhere to stash that.
type cmd struct {
	*exec.Cmd
	dir string
}

func (c cmd) tempDir() string { return c.dir }

// newCmd constructs a build-hook child command together with its shared
// temp dir, created under baseDir (spec.md §4.F tryBuildHook: "create temp
// dir, log file and pipes").
func newCmd(ctx context.Context, baseDir, name string, args ...string) (cmd, error) {
	dir, err := os.MkdirTemp(baseDir, "storeforge-hook-")
	if err != nil {
		return cmd{}, storeforge.NewSysError("create build hook temp dir", err)
	}
	return cmd{Cmd: exec.CommandContext(ctx, name, args...), dir: dir}, nil
}
