package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/basket/histsync/internal/coordinator"
	"github.com/basket/histsync/internal/persistence"
)

const exitCancelled = 130

type askOptions struct {
	scope   string
	session string
	json    bool
	command string
}

func parseAskArgs(args []string, stderr io.Writer) (askOptions, error) {
	var opts askOptions
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.scope, "scope", "", "history scope: machine, user or global (default from config)")
	fs.StringVar(&opts.session, "session", "", "session id grouping related commands")
	fs.BoolVar(&opts.json, "json", false, "print the outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.command = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if opts.command == "" {
		return opts, errors.New("usage: histsync ask [-scope s] [-session id] [-json] <command...>")
	}
	if opts.scope != "" {
		if _, err := persistence.ParseScope(opts.scope); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func runAskCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseAskArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}

	a, err := openApp(ctx, appOptions{quiet: true, coordinator: true})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer a.Close(context.Background())

	code := ask(ctx, a, opts, stdout, stderr)
	a.shutdown(context.WithoutCancel(ctx))
	return code
}

func ask(ctx context.Context, a *app, opts askOptions, stdout, stderr io.Writer) int {
	var ropts []coordinator.RequestOption
	if opts.scope != "" {
		scope, _ := persistence.ParseScope(opts.scope)
		ropts = append(ropts, coordinator.WithScope(scope))
	}
	if opts.session != "" {
		ropts = append(ropts, coordinator.WithSessionID(opts.session))
	}

	id, err := a.coord.CreateRequest(ctx, opts.command, ropts...)
	if err != nil {
		fmt.Fprintf(stderr, "create request: %v\n", err)
		return 1
	}
	out, err := a.coord.Execute(ctx, id)
	if err != nil && ctx.Err() != nil {
		// Interrupted: wait briefly for the cancellation to become durable.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		out, err = a.coord.Wait(wctx, id)
		cancel()
	}
	if err != nil {
		fmt.Fprintf(stderr, "request %s: %v\n", id, err)
		return 1
	}
	return printOutcome(stdout, stderr, out, opts.json)
}

func printOutcome(stdout, stderr io.Writer, out coordinator.Outcome, asJSON bool) int {
	code := 0
	switch out.Status {
	case persistence.StatusCancelled:
		code = exitCancelled
	case persistence.StatusError:
		code = 1
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(struct {
			RequestID string `json:"request_id"`
			EntryID   string `json:"entry_id"`
			Status    string `json:"status"`
			Response  string `json:"response,omitempty"`
			Error     string `json:"error,omitempty"`
			Reason    string `json:"reason,omitempty"`
		}{out.RequestID, out.EntryID, string(out.Status), out.Response, out.Error, out.Reason})
		return code
	}
	switch out.Status {
	case persistence.StatusCompleted:
		fmt.Fprintln(stdout, out.Response)
	case persistence.StatusCancelled:
		fmt.Fprintf(stderr, "cancelled: %s\n", out.Reason)
	default:
		fmt.Fprintf(stderr, "error: %s\n", out.Error)
	}
	return code
}
