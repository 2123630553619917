package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

type command func(ctx context.Context, args []string, stdout, stderr io.Writer) int

var commands = map[string]command{
	"ask":          runAskCommand,
	"history":      runHistoryCommand,
	"sync":         runSyncCommand,
	"status":       runStatusCommand,
	"daemon":       runDaemonCommand,
	"serve-remote": runServeRemoteCommand,
	"doctor":       runDoctorCommand,
	"backup":       runBackupCommand,
	"prune":        runPruneCommand,
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: histsync <command> [flags]

COMMANDS:
  ask <command...>        Answer a natural-language command and record it
                          Flags: -scope machine|user|global, -session id, -json
  history                 List recorded history, newest first
                          Flags: -scope, -session, -status, -limit, -mine, -json, -plain
  sync                    Run one sync cycle against the remote store
  status [-json]          Show queue depth, lost mutations and cursors
  daemon                  Run the sync loop and retention sweep until interrupted
  serve-remote            Run the reference remote store
                          Flags: -addr host:port, -db path
  doctor [-json]          Run diagnostic checks
  backup <dest.db>        Write a verified copy of the history database
  prune                   Run one retention sweep now

ENVIRONMENT VARIABLES:
  HISTSYNC_HOME               Data directory (default: ~/.histsync)
  HISTSYNC_REMOTE_ENDPOINT    Remote store URL
  HISTSYNC_REMOTE_CREDENTIAL  Bearer credential for the remote store
  HISTSYNC_LOG_LEVEL          debug, info, warn or error

EXAMPLES:
  histsync ask list the ten largest files here
  histsync history -scope user -limit 50
  HISTSYNC_SERVER_CREDENTIAL=s3cret histsync serve-remote -addr :18790
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	switch name {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, Version)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "histsync: unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
	return cmd(ctx, args[1:], stdout, stderr)
}
