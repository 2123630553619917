package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/histsync/internal/persistence"
)

type historyOptions struct {
	scopes  []persistence.Scope
	filter  persistence.QueryFilter
	limit   int
	json    bool
	plain   bool
	machine bool
}

func parseHistoryArgs(args []string, stderr io.Writer) (historyOptions, error) {
	var (
		opts   historyOptions
		scope  string
		status string
	)
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&scope, "scope", "all", "machine, user, global or all")
	fs.StringVar(&opts.filter.SessionID, "session", "", "only entries of this session")
	fs.StringVar(&status, "status", "", "only entries with this status")
	fs.IntVar(&opts.limit, "limit", 20, "maximum entries per scope")
	fs.BoolVar(&opts.json, "json", false, "print entries as JSON lines")
	fs.BoolVar(&opts.plain, "plain", false, "disable styling")
	fs.BoolVar(&opts.machine, "mine", false, "only entries written by this machine")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if scope == "all" {
		opts.scopes = persistence.AllScopes()
	} else {
		s, err := persistence.ParseScope(scope)
		if err != nil {
			return opts, err
		}
		opts.scopes = []persistence.Scope{s}
	}
	if status != "" {
		opts.filter.Status = persistence.Status(status)
	}
	if opts.limit <= 0 {
		return opts, errors.New("-limit must be positive")
	}
	return opts, nil
}

func runHistoryCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseHistoryArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}
	a, err := openApp(ctx, appOptions{quiet: true})
	if err != nil {
		return reportStartup(stderr, err)
	}
	defer a.Close(context.Background())

	if opts.machine {
		opts.filter.MachineID = a.machine.ID
	}
	entries, err := queryHistory(ctx, a.store, a.cfg.UserID, opts)
	if err != nil {
		fmt.Fprintf(stderr, "history: %v\n", err)
		return 1
	}
	if opts.json {
		enc := json.NewEncoder(stdout)
		for _, e := range entries {
			_ = enc.Encode(e)
		}
		return 0
	}
	styled := !opts.plain && isTerminal(stdout)
	fmt.Fprint(stdout, renderHistory(entries, styled))
	return 0
}

// queryHistory merges the selected scopes newest first. The user scope is
// limited to the configured user.
func queryHistory(ctx context.Context, store *persistence.Store, userID string, opts historyOptions) ([]persistence.Entry, error) {
	var out []persistence.Entry
	for _, scope := range opts.scopes {
		filter := opts.filter
		if scope == persistence.ScopeUser {
			if userID == "" {
				continue
			}
			filter.UserID = userID
		}
		entries, err := store.QueryByScope(ctx, scope, filter, opts.limit, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusStyle = map[persistence.Status]lipgloss.Style{
		persistence.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		persistence.StatusCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		persistence.StatusError:      lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		persistence.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		persistence.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	}
)

func renderHistory(entries []persistence.Entry, styled bool) string {
	if len(entries) == 0 {
		return "no history\n"
	}
	render := func(s lipgloss.Style, v string) string {
		if !styled {
			return v
		}
		return s.Render(v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s  %s\n",
		render(headerStyle, pad("WHEN", 16)),
		render(headerStyle, pad("SCOPE", 7)),
		render(headerStyle, pad("STATUS", 10)),
		render(headerStyle, "COMMAND"))
	for _, e := range entries {
		synced := ""
		if e.SyncedAt == nil {
			synced = " *"
		}
		fmt.Fprintf(&b, "%s  %s  %s  %s%s\n",
			render(dimStyle, pad(e.CreatedAt.Local().Format("2006-01-02 15:04"), 16)),
			pad(string(e.Scope), 7),
			render(statusStyle[e.Status], pad(string(e.Status), 10)),
			truncate(e.Command, 60),
			render(dimStyle, synced))
		switch {
		case e.Response != nil:
			fmt.Fprintf(&b, "%s  %s\n", strings.Repeat(" ", 16), render(dimStyle, "→ "+truncate(*e.Response, 70)))
		case e.ErrorMessage != "":
			fmt.Fprintf(&b, "%s  %s\n", strings.Repeat(" ", 16), render(statusStyle[persistence.StatusError], "! "+truncate(e.ErrorMessage, 70)))
		}
	}
	return b.String()
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

// age renders a coarse relative time for status output.
func age(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < time.Second {
		return "just now"
	}
	return d.String() + " ago"
}
