package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/histsync/internal/audit"
	"github.com/basket/histsync/internal/persistence"
)

// runBackupCommand writes an online copy of the history database and
// verifies it opens with the same entry and queue counts.
func runBackupCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(stderr, "usage: histsync backup <dest.db>")
		return 2
	}
	dest := args[0]

	a, err := openApp(ctx, appOptions{quiet: true})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer a.Close(context.Background())

	start := time.Now()
	if err := a.store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(stderr, "backup: %v\n", err)
		return 1
	}
	took := time.Since(start)

	want, err := countHistory(ctx, a.store)
	if err != nil {
		fmt.Fprintf(stderr, "backup: count source: %v\n", err)
		return 1
	}
	restored, err := persistence.Open(dest)
	if err != nil {
		fmt.Fprintf(stderr, "backup: reopen %s: %v\n", dest, err)
		return 1
	}
	defer restored.Close()
	got, err := countHistory(ctx, restored)
	if err != nil {
		fmt.Fprintf(stderr, "backup: count copy: %v\n", err)
		return 1
	}
	if got != want {
		fmt.Fprintf(stderr, "backup: copy mismatch: source %+v, copy %+v\n", want, got)
		return 1
	}

	audit.Record(ctx, audit.DecisionAllow, audit.ActionBackup, "backup_verified", dest)
	a.logger.Info("backup written", "dest", dest, "entries", got.entries, "queued", got.queued, "duration_ms", took.Milliseconds())
	fmt.Fprintf(stdout, "backup written to %s (%d entries, %d queued, %s)\n", dest, got.entries, got.queued, took.Round(time.Millisecond))
	return 0
}

type historyCounts struct {
	entries int
	queued  int
}

func countHistory(ctx context.Context, s *persistence.Store) (historyCounts, error) {
	var c historyCounts
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM entry_index;`).Scan(&c.entries); err != nil {
		return c, err
	}
	q, err := s.SyncQueueDepth(ctx)
	if err != nil {
		return c, err
	}
	c.queued = q
	return c, nil
}
