package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListIDs enumerates the process ids available in a run directory by
// directory listing alone.
func ListIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read report directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadAll reads the full stream for one process id. It is safe to call
// against a directory that is still being written: only newline-terminated
// lines are decoded, so an append still in flight is treated as not yet
// present, never as corruption.
func ReadAll(dir, id string) (ProcessReport, error) {
	path := filepath.Join(dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return ProcessReport{}, fmt.Errorf("failed to read report stream %s: %w", id, err)
	}

	entries, err := ParseStream(data)
	if err != nil {
		return ProcessReport{}, fmt.Errorf("report stream %s: %w", id, err)
	}
	return ProcessReport{ID: id, Entries: entries}, nil
}

// ParseStream decodes the raw bytes of one report stream. Only
// newline-terminated lines are decoded; unterminated trailing bytes belong
// to an entry the writer has not finished and are dropped.
func ParseStream(data []byte) ([]ReportEntry, error) {
	var entries []ReportEntry
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := data[:nl]
		data = data[nl+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var entry ReportEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("malformed entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReadComplete rebuilds a CompleteReport by scanning the run directory.
// No index beyond the per-process streams exists; the scan observes whatever
// entries were durable at the time it ran.
func ReadComplete(dir string) (CompleteReport, error) {
	ids, err := ListIDs(dir)
	if err != nil {
		return nil, err
	}

	complete := make(CompleteReport, len(ids))
	for _, id := range ids {
		rep, err := ReadAll(dir, id)
		if err != nil {
			return nil, err
		}
		complete[id] = rep
	}
	return complete, nil
}
