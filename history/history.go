package history

// This file contains shared history utilities for writing, loading and
// looking up the run records kept in the output directory.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perfgo/loadrun/model"
)

const recordPrefix = "lrc_run_result_"

type Entry struct {
	History  model.History
	FullPath string
}

// FileName returns the record file name for an invocation id.
func FileName(id string) string {
	return recordPrefix + id + ".json"
}

// Save writes h into dir and returns the path of the record.
func Save(dir string, h *model.History) (string, error) {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal run record: %w", err)
	}
	path := filepath.Join(dir, FileName(h.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write run record: %w", err)
	}
	return path, nil
}

// LoadEntries loads all run records from dir, newest first. Records that
// cannot be parsed are skipped with a warning.
func LoadEntries(logger zerolog.Logger, dir string) ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, recordPrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}

	var entries []Entry
	for _, path := range paths {
		h, err := parseHistoryJSON(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to parse run record")
			continue
		}
		entries = append(entries, Entry{History: h, FullPath: path})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].History.Timestamp.After(entries[j].History.Timestamp)
	})
	return entries, nil
}

// parseHistoryJSON parses a run record file.
func parseHistoryJSON(path string) (model.History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.History{}, err
	}

	var history model.History
	if err := json.Unmarshal(data, &history); err != nil {
		return model.History{}, err
	}

	return history, nil
}

// Find picks an entry from entries sorted newest first. arg is either an
// index (0 for the last record, -1 for the one before, ...), a remote run id,
// or a prefix of an invocation id.
func Find(entries []Entry, arg string) (*Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no run records found")
	}
	if arg == "" {
		arg = "0"
	}

	if parsed, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if parsed <= 0 {
			index := int(-parsed)
			if index >= len(entries) {
				return nil, fmt.Errorf("index %s out of range (only %d run records)", arg, len(entries))
			}
			return &entries[index], nil
		}
		// Positive numbers are remote run ids.
		for i := range entries {
			if run := entries[i].History.Run; run != nil && int64(run.RunID) == parsed {
				return &entries[i], nil
			}
		}
	}

	prefix := strings.ToLower(arg)
	for i := range entries {
		if strings.HasPrefix(strings.ToLower(entries[i].History.ID), prefix) {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no run record found matching: %s", arg)
}
