package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Writer persists report entries append-only, one JSONL file per process id
// inside the run directory. A Writer is the sole mutator for every id it
// manages for the lifetime of one run. Each entry is written with a single
// write call to an O_APPEND file so concurrent readers never observe a
// partially written line as an entry.
type Writer struct {
	dir    string
	logger zerolog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

type stream struct {
	f         *os.File
	lastIndex uint64
	lastTime  int64
	wrote     bool
	// failed marks a stream whose file could not be opened or appended to;
	// further entries for the id are dropped while other streams continue.
	failed bool
}

// NewWriter creates a writer rooted at dir. The directory must exist.
func NewWriter(dir string, logger zerolog.Logger) *Writer {
	return &Writer{
		dir:     dir,
		logger:  logger.With().Str("component", "report_writer").Logger(),
		streams: make(map[string]*stream),
	}
}

// StreamPath returns the on-disk path of the stream for the given process id.
func (w *Writer) StreamPath(id string) string {
	return filepath.Join(w.dir, id+".json")
}

// Append appends one fully-formed entry to the stream for id. Prior entries
// are never rewritten. Index must be strictly greater than the previous
// entry's index and Time strictly greater than the previous entry's time.
func (w *Writer) Append(id string, entry ReportEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	s, ok := w.streams[id]
	if !ok {
		f, err := os.OpenFile(w.StreamPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.streams[id] = &stream{failed: true}
			return fmt.Errorf("failed to open report stream for %s: %w", id, err)
		}
		s = &stream{f: f}
		w.streams[id] = s
	}
	if s.failed {
		return fmt.Errorf("report stream for %s is failed", id)
	}

	if s.wrote {
		if entry.Index <= s.lastIndex {
			return fmt.Errorf("non-increasing index %d for %s (last %d)", entry.Index, id, s.lastIndex)
		}
		if entry.Time <= s.lastTime {
			return fmt.Errorf("non-increasing time %d for %s (last %d)", entry.Time, id, s.lastTime)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for %s: %w", id, err)
	}
	line = append(line, '\n')

	// One write call per entry. Readers treat a trailing line without a
	// newline as not yet present.
	if _, err := s.f.Write(line); err != nil {
		s.failed = true
		if cerr := s.f.Close(); cerr != nil {
			w.logger.Warn().Err(cerr).Str("id", id).Msg("Failed to close failed report stream")
		}
		return fmt.Errorf("failed to append entry for %s: %w", id, err)
	}

	s.lastIndex = entry.Index
	s.lastTime = entry.Time
	s.wrote = true
	return nil
}

// Close flushes and closes all open streams. The writer cannot be used
// afterwards.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	for id, s := range w.streams {
		if s.f == nil || s.failed {
			continue
		}
		if err := s.f.Sync(); err != nil {
			w.logger.Warn().Err(err).Str("id", id).Msg("Failed to sync report stream")
		}
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close report stream for %s: %w", id, err)
		}
	}
	return firstErr
}
