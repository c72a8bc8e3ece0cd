package cli

// This file contains Git integration utilities for recording which
// checkout a load test was started from.

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

func (a *App) getGitInfo(ctx context.Context) (commit, branch string, err error) {
	commit, err = gitOutput(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("failed to get git commit: %w", err)
	}
	branch, err = gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("failed to get git branch: %w", err)
	}
	return commit, branch, nil
}

func gitOutput(ctx context.Context, args ...string) (string, error) {
	output, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
