package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/histsync/internal/cron"
)

// runPruneCommand runs one retention sweep outside the daemon's schedule.
func runPruneCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: histsync prune")
		return 2
	}
	a, err := openApp(ctx, appOptions{quiet: true})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer a.Close(context.Background())

	sched, err := cron.NewScheduler(cron.Config{
		Store:    a.store,
		Policy:   retentionPolicy(a.cfg),
		Schedule: a.cfg.Retention.Schedule,
		Logger:   a.logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "prune: %v\n", err)
		return 1
	}
	res, err := sched.RunNow(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "prune: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "purged machine=%d user=%d global=%d lost_mutations=%d\n",
		res.PurgedMachine, res.PurgedUser, res.PurgedGlobal, res.PurgedLostMutations)
	next, err := sched.NextRun(ctx)
	if err == nil && next.IsZero() {
		next, err = cron.NextRunTime(a.cfg.Retention.Schedule, time.Now())
	}
	if err == nil {
		fmt.Fprintf(stdout, "next scheduled sweep: %s\n", next.Local().Format("2006-01-02 15:04"))
	}
	return 0
}
