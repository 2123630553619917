package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basket/histsync/internal/audit"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/shared"
)

var errLocalOnly = errors.New("no remote endpoint configured (set remote.endpoint in config.yaml)")

func runSyncCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: histsync sync")
		return 2
	}
	a, err := openApp(ctx, appOptions{quiet: true})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer a.Close(context.Background())
	if a.syncer == nil {
		fmt.Fprintln(stderr, errLocalOnly)
		return 1
	}

	report, err := a.syncer.RunSyncCycle(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "sync: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "uploaded %d, retried %d, dropped %d, downloaded %d, discarded %d; %d queued (%s)\n",
		report.Uploaded, report.Retried, report.Dropped, report.Downloaded, report.Discarded,
		report.QueueDepth, report.Duration.Round(time.Millisecond))
	if report.Dropped > 0 {
		return 1
	}
	return 0
}

type statusReport struct {
	MachineID     string           `json:"machine_id"`
	Remote        string           `json:"remote,omitempty"`
	QueueDepth    int              `json:"queue_depth"`
	LostMutations int              `json:"lost_mutations"`
	Cursors       map[string]int64 `json:"cursors,omitempty"`
	RecentLost    []lostSummary    `json:"recent_lost,omitempty"`
	AuditDrops    int64            `json:"audit_drops,omitempty"`
}

type lostSummary struct {
	EntryID string    `json:"entry_id"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	asJSON := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			asJSON = true
		default:
			fmt.Fprintln(stderr, "usage: histsync status [-json]")
			return 2
		}
	}
	a, err := openApp(ctx, appOptions{quiet: true})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer a.Close(context.Background())

	rep, err := buildStatus(ctx, a)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return 0
	}
	remote := rep.Remote
	if remote == "" {
		remote = "(local only)"
	}
	fmt.Fprintf(stdout, "machine:        %s\n", rep.MachineID)
	fmt.Fprintf(stdout, "remote:         %s\n", remote)
	fmt.Fprintf(stdout, "queued:         %d\n", rep.QueueDepth)
	fmt.Fprintf(stdout, "lost mutations: %d\n", rep.LostMutations)
	if rep.AuditDrops > 0 {
		fmt.Fprintf(stdout, "audit drops:    %d\n", rep.AuditDrops)
	}
	for scope, cur := range rep.Cursors {
		fmt.Fprintf(stdout, "cursor %-8s %d\n", scope+":", cur)
	}
	now := time.Now()
	for _, l := range rep.RecentLost {
		fmt.Fprintf(stdout, "  lost %s after %d attempt(s) %s: %s\n", l.EntryID, l.Attempt, age(l.At, now), l.Reason)
	}
	return 0
}

func buildStatus(ctx context.Context, a *app) (statusReport, error) {
	rep := statusReport{
		MachineID:  a.machine.ID,
		Remote:     shared.Redact(a.cfg.Remote.Endpoint),
		AuditDrops: audit.DropCount(),
	}
	var err error
	if rep.QueueDepth, err = a.store.SyncQueueDepth(ctx); err != nil {
		return rep, err
	}
	if rep.LostMutations, err = a.store.LostMutationCount(ctx); err != nil {
		return rep, err
	}
	lost, err := a.store.LostMutations(ctx, 5)
	if err != nil {
		return rep, err
	}
	for _, l := range lost {
		rep.RecentLost = append(rep.RecentLost, lostSummary{EntryID: l.HistoryEntryID, Attempt: l.Attempt, Reason: l.Reason, At: l.CreatedAt})
	}
	if a.syncer != nil {
		rep.Cursors = map[string]int64{}
		for _, scope := range persistence.AllScopes() {
			cur, err := a.syncer.Cursor(ctx, scope)
			if err != nil {
				return rep, err
			}
			rep.Cursors[string(scope)] = cur
		}
	}
	return rep, nil
}
