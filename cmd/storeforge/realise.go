package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/superfly/storeforge"
	"github.com/superfly/storeforge/derivation"
	"github.com/superfly/storeforge/perf"
	"github.com/superfly/storeforge/scheduler"
	"github.com/superfly/storeforge/storedb"
	"github.com/superfly/storeforge/storeio"
	"github.com/superfly/storeforge/substitution"
)

// runRealise drives the scheduler to realise every path in paths: a path
// ending in ".drv" is wrapped in a derivation.Goal, anything else in a
// substitution.Goal, per spec.md §4.E's top-level entry point.
func runRealise(ctx context.Context, cfg storeforge.Config, paths []string, printMetrics bool) error {
	db, err := storedb.Open(ctx, storedb.Config{
		Dir:      filepath.Join(cfg.StateDir, cfg.DBName),
		Logger:   cfg.Logger,
		ReadOnly: cfg.ReadOnlyMode,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	store := &storeio.Store{Root: cfg.StoreRoot, DB: db, Logger: cfg.Logger}

	registry, err := scheduler.NewRegistry()
	if err != nil {
		return err
	}

	worker := scheduler.NewWorker(cfg.MaxBuildJobs, cfg.KeepGoing, cfg.Logger)
	worker.Registry = registry
	worker.Metrics = scheduler.NewMetrics(prometheus.DefaultRegisterer)
	worker.Perf = perf.NewRealisationMetrics()

	admin, err := scheduler.NewAdminServer(cfg.StateDir, registry, worker)
	if err != nil {
		cfg.Logger.WithError(err).Warn("admin socket unavailable; continuing without it")
	} else {
		go func() {
			if serveErr := admin.Serve(); serveErr != nil {
				cfg.Logger.WithError(serveErr).Warn("admin server stopped")
			}
		}()
		defer admin.Close(context.Background())
	}

	go func() {
		<-ctx.Done()
		worker.Interrupt()
	}()

	top := make([]scheduler.Goal, 0, len(paths))
	for _, p := range paths {
		p := p
		if strings.HasSuffix(p, ".drv") {
			top = append(top, worker.DerivationGoalFor(p, func() scheduler.Goal {
				return derivation.New(worker, store, cfg, p)
			}))
		} else {
			top = append(top, worker.SubstitutionGoalFor(p, func() scheduler.Goal {
				return substitution.New(worker, store, cfg, p)
			}))
		}
	}

	ok, err := worker.Run(ctx, top)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("realisation failed for one or more of: %s", strings.Join(paths, ", "))
	}

	for _, p := range paths {
		cfg.Logger.WithField("path", p).Info("realised")
	}
	if printMetrics {
		fmt.Println(worker.Perf.Summary())
	}
	return nil
}
