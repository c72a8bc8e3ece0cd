package cli

// This file contains the view command for displaying a previous run.

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/loadrun/config"
	"github.com/perfgo/loadrun/history"
)

// parseViewArgs splits the view arguments into the output directory and the
// record selector. Flag parsing is done here because negative indexes such
// as -1 would otherwise be taken for flags.
func parseViewArgs(in []string) (dir, selector string, err error) {
	dir = config.DefaultOutputDir
	selector = "0"

	for i := 0; i < len(in); i++ {
		arg := in[i]
		switch {
		case arg == "--":
			if i+1 < len(in) {
				selector = in[i+1]
			}
			return dir, selector, nil
		case arg == "-o" || arg == "--output-dir" || arg == "-output-dir":
			if i+1 >= len(in) {
				return "", "", fmt.Errorf("flag %s needs a directory", arg)
			}
			i++
			dir = in[i]
		case strings.HasPrefix(arg, "--output-dir="):
			dir = strings.TrimPrefix(arg, "--output-dir=")
		default:
			selector = arg
		}
	}
	return dir, selector, nil
}

func (a *App) view(ctx *cli.Context) error {
	dir, selector, err := parseViewArgs(ctx.Args().Slice())
	if err != nil {
		return err
	}

	entries, err := history.LoadEntries(a.logger, dir)
	if err != nil {
		return fmt.Errorf("failed to load run records: %w", err)
	}

	entry, err := history.Find(entries, selector)
	if err != nil {
		return err
	}

	return displayHistoryEntry(a.stdout, entry)
}

func displayHistoryEntry(w io.Writer, entry *history.Entry) error {
	h := entry.History
	dir := filepath.Dir(entry.FullPath)

	fmt.Fprintf(w, "=== Run Record: %s ===\n", shortID(h.ID))
	fmt.Fprintf(w, "Time: %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n", h.Duration)
	fmt.Fprintf(w, "Exit Code: %d\n", h.ExitCode)
	if h.Git != nil && h.Git.Commit != "" {
		fmt.Fprintf(w, "Git Commit: %s", shortID(h.Git.Commit))
		if h.Git.Branch != "" {
			fmt.Fprintf(w, " (%s)", h.Git.Branch)
		}
		fmt.Fprintln(w)
	}
	if s := h.Server; s != nil {
		fmt.Fprintf(w, "Server: %s tenant=%s auth=%s", s.URL, s.TenantID, s.AuthMode)
		if s.Proxy != "" {
			fmt.Fprintf(w, " proxy=%s", s.Proxy)
		}
		fmt.Fprintln(w)
	}
	if r := h.Run; r != nil {
		fmt.Fprintf(w, "Run: %s\n", runLabel(r))
		fmt.Fprintf(w, "Test: %d (project %d)\n", r.TestID, r.ProjectID)
		fmt.Fprintf(w, "Options: send_email=%t skip_login=%t skip_pdf_report=%t\n",
			r.Options.SendEmail, r.Options.SkipLogin, r.Options.SkipReportGeneration)
		if r.ErrorKind != "" {
			fmt.Fprintf(w, "Error Kind: %s\n", r.ErrorKind)
		}
	}
	fmt.Fprintln(w)

	if len(h.Artifacts) == 0 {
		fmt.Fprintln(w, "No reports were collected")
	} else {
		fmt.Fprintln(w, "Reports:")
		for _, artifact := range h.Artifacts {
			fmt.Fprintf(w, "  %s (%.1f KB)\n", filepath.Join(dir, artifact.File), float64(artifact.Size)/1024)
		}
	}

	if len(h.Errors) > 0 {
		keys := make([]string, 0, len(h.Errors))
		for k := range h.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, h.Errors[k])
		}
	}
	return nil
}
