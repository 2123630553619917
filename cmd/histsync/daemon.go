package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/histsync/internal/bus"
	"github.com/basket/histsync/internal/config"
	"github.com/basket/histsync/internal/cron"
	otelPkg "github.com/basket/histsync/internal/otel"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/remote"
)

const healthLogInterval = 5 * time.Minute

func retentionPolicy(cfg config.Config) persistence.RetentionPolicy {
	day := 24 * time.Hour
	return persistence.RetentionPolicy{
		Machine:      time.Duration(cfg.Retention.MachineDays) * day,
		User:         time.Duration(cfg.Retention.UserDays) * day,
		Global:       time.Duration(cfg.Retention.GlobalDays) * day,
		LostMutation: time.Duration(cfg.Retention.LostMutationDays) * day,
	}
}

func runDaemonCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		printDaemonUsage(stderr)
		return 2
	}
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer a.Close(context.Background())

	if err := runDaemon(ctx, a); err != nil {
		a.logger.Error("daemon exited with error", "error", err)
		return 1
	}
	return 0
}

func printDaemonUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: histsync daemon")
	fmt.Fprintln(w, "Runs the sync loop, the retention sweep and the config watcher until interrupted.")
}

// runDaemon blocks until ctx ends, then stops intake and drains the queue.
func runDaemon(ctx context.Context, a *app) error {
	logger := a.logger

	sched, err := cron.NewScheduler(cron.Config{
		Store:    a.store,
		Policy:   retentionPolicy(a.cfg),
		Schedule: a.cfg.Retention.Schedule,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, logger)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if err := watcher.Start(watchCtx, a.cfg); err != nil {
		logger.Warn("config watcher unavailable; reload disabled", "error", err)
		watcher = nil
	}

	var feed *remote.Feed
	if a.syncer != nil {
		a.syncer.Start(ctx)
		if a.cfg.Remote.ChangeFeed {
			feed = remote.NewFeed(a.cfg.Remote.Endpoint, a.cfg.Remote.Credential, a.bus, logger)
			feed.Start(ctx)
		}
	} else {
		logger.Info("no remote endpoint configured; running local-only")
	}
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "daemon_started", "machine_id", a.machine.ID)

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			for ev := range watcher.Events() {
				a.reload(ev)
			}
			return nil
		})
	}
	g.Go(func() error { return a.reportLostMutations(gctx) })
	g.Go(func() error { return a.logHealth(gctx) })

	<-ctx.Done()
	logger.Info("shutdown signal received")
	stopWatch()
	err = g.Wait()

	if feed != nil {
		feed.Stop()
	}
	sched.Stop()
	if a.syncer != nil {
		a.syncer.Stop()
	}
	a.shutdown(context.WithoutCancel(ctx))
	logger.Info("shutdown complete")
	return err
}

// reload applies sync settings from a changed config.yaml. Settings that
// need a new connection take effect on restart.
func (a *app) reload(ev config.ReloadEvent) {
	if ev.Err != nil {
		a.logger.Warn("config reload rejected; keeping current settings", "error", ev.Err)
		return
	}
	next := ev.Config
	if next.Remote.Endpoint != a.cfg.Remote.Endpoint {
		a.logger.Warn("remote.endpoint changed; restart to apply")
	}
	if a.syncer != nil {
		a.syncer.SetPolicy(syncPolicy(next))
	}
	a.logger.Info("config reloaded", "fingerprint", next.Fingerprint(),
		"sync_interval", next.Sync.Interval().String(), "max_attempts", next.Sync.MaxAttempts)
	a.cfg.Sync = next.Sync
}

func (a *app) reportLostMutations(ctx context.Context) error {
	sub := a.bus.Subscribe(bus.TopicSyncLostMutation)
	defer a.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			if lm, ok := ev.Payload.(bus.LostMutationEvent); ok {
				a.logger.Warn("mutation will not reach the remote",
					"entry_id", lm.EntryID, "attempt", lm.Attempt, "reason", lm.Reason)
			}
		}
	}
}

func (a *app) logHealth(ctx context.Context) error {
	if a.syncer == nil {
		return nil
	}
	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h, err := a.syncer.Health(ctx)
			if err != nil {
				a.logger.Warn("sync health unavailable", "error", err)
				continue
			}
			a.logger.Info("sync health",
				"queue_depth", h.QueueDepth,
				"lost_mutations", h.LostMutations,
				"last_cycle_at", h.LastCycleAt,
				"last_error", h.LastError,
				"bus_dropped", a.bus.Dropped(),
			)
			if rm, ok, err := a.otel.Collect(ctx); ok && err == nil {
				totals := otelPkg.CounterTotals(rm)
				a.logger.Info("sync totals",
					"uploads", totals["histsync.sync.uploads"],
					"downloads", totals["histsync.sync.downloads"],
					"lost_mutations", totals["histsync.sync.lost_mutations"],
				)
			}
		}
	}
}
