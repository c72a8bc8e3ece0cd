package cli

// This file contains the list command for displaying previous runs.

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/loadrun/history"
	"github.com/perfgo/loadrun/model"
)

func (a *App) list(ctx *cli.Context) error {
	dir := ctx.String("output-dir")
	limit := ctx.Int("limit")

	entries, err := history.LoadEntries(a.logger, dir)
	if err != nil {
		return fmt.Errorf("failed to load run records: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintf(a.stdout, "No run records found in %s\n", dir)
		return nil
	}

	displayRuns := entries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Fprintf(a.stdout, "\n=== Runs (%d total) ===\n\n", len(entries))

	for _, entry := range displayRuns {
		h := entry.History
		timestamp := h.Timestamp.Format("2006-01-02 15:04:05")
		duration := h.Duration.Round(time.Second)

		status := "✓"
		if h.ExitCode != 0 {
			status = "✗"
		}

		fmt.Fprintf(a.stdout, "%s  %s  [%s]  exit=%d  id=%s\n", status, timestamp, duration, h.ExitCode, shortID(h.ID))
		if h.Run != nil {
			fmt.Fprintf(a.stdout, "   Run: %s  test=%d project=%d", runLabel(h.Run), h.Run.TestID, h.Run.ProjectID)
			if h.Run.ErrorKind != "" {
				fmt.Fprintf(a.stdout, "  error=%s", h.Run.ErrorKind)
			}
			fmt.Fprintln(a.stdout)
		}
		if h.Server != nil {
			fmt.Fprintf(a.stdout, "   Server: %s (tenant %s)\n", h.Server.URL, h.Server.TenantID)
		}
		if h.Git != nil && h.Git.Commit != "" {
			fmt.Fprintf(a.stdout, "   Commit: %s", shortID(h.Git.Commit))
			if h.Git.Branch != "" {
				fmt.Fprintf(a.stdout, " (%s)", h.Git.Branch)
			}
			fmt.Fprintln(a.stdout)
		}
		fmt.Fprintf(a.stdout, "   Reports: %d", len(h.Artifacts))
		if n := len(h.Errors); n > 0 {
			fmt.Fprintf(a.stdout, ", errors: %d", n)
		}
		fmt.Fprintln(a.stdout)
		fmt.Fprintln(a.stdout)
	}

	fmt.Fprintf(a.stdout, "View a run: %s view <ID>\n", AppName)

	return nil
}

// shortID returns the first 8 characters of an id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runLabel(r *model.RunRecord) string {
	if r.RunID == 0 {
		return fmt.Sprintf("not started (%s)", r.FinalState)
	}
	return fmt.Sprintf("%d %s", r.RunID, r.FinalState)
}
