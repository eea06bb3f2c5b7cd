// Command engine is the provider integration engine. The default mode runs
// the long-lived scheduler with periodic discovery; the other modes are
// one-shot operational tools sharing the same wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/racewire/engine/pkg/backfill"
	"github.com/racewire/engine/pkg/bootstrap"
	"github.com/racewire/engine/pkg/discovery"
	"github.com/racewire/engine/pkg/infrastructure/locker"
	"github.com/racewire/engine/pkg/scheduler"
	enginesync "github.com/racewire/engine/pkg/sync"

	_ "github.com/racewire/engine/pkg/providers/all"
)

const snapshotInterval = 30 * time.Second

func main() {
	mode := flag.String("mode", "scheduler", "scheduler | backfill | discover-only | once")
	forceFull := flag.Bool("force-full", false, "always run full syncs, never incremental")
	horizonDays := flag.Int("horizon-days", 0, "override the incremental horizon in days")
	partner := flag.String("partner", "", "restrict backfill to one partner id")
	provider := flag.String("provider", "", "restrict backfill to one provider id")
	dryRun := flag.Bool("dry-run", false, "backfill: print the work list without syncing")
	flag.Parse()

	if err := run(*mode, *forceFull, *horizonDays, *partner, *provider, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run(mode string, forceFull bool, horizonDays int, partner, provider string, dryRun bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.NewService(ctx, "engine")
	if err != nil {
		return err
	}
	defer svc.Close()

	horizon := svc.Config.IncrementalHorizon
	if horizonDays > 0 {
		horizon = time.Duration(horizonDays) * 24 * time.Hour
	}

	exec := enginesync.New(svc.Store, svc.Limiter, svc.EventLock, svc.Logger, horizon)
	adapters := enginesync.NewAdapterCache(svc.Store, svc.Logger)
	opts := enginesync.Options{ForceFull: forceFull}

	switch mode {
	case "scheduler":
		return runScheduler(ctx, svc, exec, adapters, opts)

	case "once":
		sched := scheduler.New(svc.Store, exec, adapters, svc.Logger, scheduler.DefaultConfig(), opts)
		return sched.RunOnce(ctx)

	case "discover-only":
		worker := discovery.New(svc.Store, svc.Limiter, adapters, svc.Logger, svc.Config.DiscoveryHours)
		return worker.RunAll(ctx)

	case "backfill":
		// Backfills take the same singleton lock as the scheduler so the two
		// never compete for provider budgets or per-event writes.
		pidfile, err := locker.AcquirePidfile(svc.Config.LockFile)
		if err != nil {
			return err
		}
		defer pidfile.Release()

		runner := backfill.New(svc.Store, exec, adapters, svc.Logger, svc.Config.CheckpointDir, dryRun)
		return runner.Run(ctx, partner, provider)

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// runScheduler runs the long-lived loops: the scheduling tick, the discovery
// sweeps, and the rate limiter's state snapshots. A signal cancels all three;
// in-flight event syncs drain before exit.
func runScheduler(ctx context.Context, svc *bootstrap.Service, exec *enginesync.Executor, adapters *enginesync.AdapterCache, opts enginesync.Options) error {
	pidfile, err := locker.AcquirePidfile(svc.Config.LockFile)
	if err != nil {
		return err
	}
	defer pidfile.Release()

	sched := scheduler.New(svc.Store, exec, adapters, svc.Logger, scheduler.DefaultConfig(), opts)
	disco := discovery.New(svc.Store, svc.Limiter, adapters, svc.Logger, svc.Config.DiscoveryHours)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Limiter.Run(gctx, snapshotInterval)
		return nil
	})
	g.Go(func() error { return disco.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	svc.Logger.Info("engine running", "pid", os.Getpid())
	return g.Wait()
}
