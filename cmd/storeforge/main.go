// Command storeforge is the engine's CLI entry point: realise store paths,
// verify the store's closure invariants, query the database, manage
// garbage-collection roots, and monitor a running realisation live.
//
// Grounded on cmd/flyio-image-manager/main.go's flag-subcommand dispatch
// style: one flag.FlagSet per subcommand, a shared Config overlaid by
// flags and environment, subcommand functions named run<Verb>.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/storeio"
)

var (
	realiseCmd = flag.NewFlagSet("realise", flag.ExitOnError)
	verifyCmd  = flag.NewFlagSet("verify", flag.ExitOnError)
	queryCmd   = flag.NewFlagSet("query", flag.ExitOnError)
	gcRootsCmd = flag.NewFlagSet("gc-roots", flag.ExitOnError)
	monitorCmd = flag.NewFlagSet("monitor", flag.ExitOnError)
	statusCmd  = flag.NewFlagSet("status", flag.ExitOnError)
)

func main() {
	// The build-hook child of a storeforge-run build may itself be invoked
	// through storeio.CopyPath's forked restorer convention; bail out to
	// that sink before any flag parsing if we were re-exec'd for it.
	storeio.MaybeRunRestoreSinkAndExit()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := storeforge.FromEnv(storeforge.DefaultConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logrus.New()
	cfg.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var runErr error
	switch os.Args[1] {
	case "realise":
		printMetrics := parseRealiseFlags(&cfg, realiseCmd, os.Args[2:])
		runErr = runRealise(ctx, cfg, realiseCmd.Args(), printMetrics)
	case "verify":
		checkContents := verifyCmd.Bool("check-contents", false, "re-hash every valid path's content (I4)")
		repair := verifyCmd.Bool("repair", false, "apply destructive fixes for violations found")
		verifyCmd.Parse(os.Args[2:])
		runErr = runVerify(ctx, cfg, *checkContents, *repair)
	case "query":
		substitutes := queryCmd.Bool("substitutes", false, "list registered substitutes instead of validity/hash")
		queryCmd.Parse(os.Args[2:])
		runErr = runQuery(cfg, queryCmd.Args(), *substitutes)
	case "gc-roots":
		parseGCRootsFlags(&cfg, gcRootsCmd, os.Args[2:])
		runErr = runGCRoots(cfg, gcRootsCmd.Args())
	case "monitor":
		stateDir := monitorCmd.String("state-dir", cfg.StateDir, "state directory holding admin.sock")
		inline := monitorCmd.Bool("inline", false, "run inline (no alt-screen)")
		monitorCmd.Parse(os.Args[2:])
		runErr = runMonitor(*stateDir, *inline)
	case "status":
		stateDir := statusCmd.String("state-dir", cfg.StateDir, "state directory holding admin.sock")
		statusCmd.Parse(os.Args[2:])
		runErr = runStatus(ctx, *stateDir)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if runErr != nil {
		logger.WithError(runErr).Error("command failed")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("storeforge: a content-addressed build engine")
	fmt.Println()
	fmt.Println("Usage: storeforge <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  realise      Realise one or more store/derivation paths")
	fmt.Println("  verify       Verify the store database's closure invariants")
	fmt.Println("  query        Query a store path's validity, hash, deriver, or substitutes")
	fmt.Println("  gc-roots     Manage numbered gc-root symlinks under <stateDir>/links")
	fmt.Println("  monitor      Interactive TUI dashboard over a running engine's admin socket")
	fmt.Println("  status       Print a one-shot scheduler status summary")
	fmt.Println()
	fmt.Println("Run 'storeforge <command> --help' for more information on a command.")
}

func parseRealiseFlags(cfg *storeforge.Config, fs *flag.FlagSet, args []string) bool {
	fs.StringVar(&cfg.StoreRoot, "store", cfg.StoreRoot, "store root directory")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory")
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "per-derivation build log directory")
	fs.IntVar(&cfg.MaxBuildJobs, "max-jobs", cfg.MaxBuildJobs, "maximum concurrent build-slot-occupying children")
	fs.StringVar(&cfg.NixBuildHook, "build-hook", cfg.NixBuildHook, "build hook program (empty disables it)")
	fs.BoolVar(&cfg.KeepGoing, "keep-going", cfg.KeepGoing, "keep building/substituting after a failure")
	fs.BoolVar(&cfg.TryFallback, "fallback", cfg.TryFallback, "build locally if substitution fails")
	fs.BoolVar(&cfg.KeepFailed, "keep-failed", cfg.KeepFailed, "keep the build directory of a failed build")
	fs.IntVar(&cfg.MinBuildMemoryMB, "min-build-memory-mb", cfg.MinBuildMemoryMB, "refuse to start a build below this much free memory (0 disables)")
	fs.IntVar(&cfg.MinBuildDiskMB, "min-build-disk-mb", cfg.MinBuildDiskMB, "refuse to start a build below this much free disk on the store root (0 disables)")
	printMetrics := fs.Bool("print-metrics", false, "print build/substitute phase timings when done")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Println("Error: at least one store or derivation path is required")
		fs.Usage()
		os.Exit(1)
	}
	return *printMetrics
}

func parseGCRootsFlags(cfg *storeforge.Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory")
	fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Println("Error: usage: gc-roots <add|remove|list> [path]")
		fs.Usage()
		os.Exit(1)
	}
}
