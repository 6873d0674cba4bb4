// Package report defines the pysight report model and its append-only
// per-process storage. One run produces one directory containing a JSONL
// stream per tracked process plus a run manifest; the stream format is the
// contract shared with the viewer and the export transformers.
package report

import "encoding/json"

// HostID is the stream id carrying whole-machine resource readings. The
// host stream holds one entry per tick with empty stacktraces and flows
// through storage, alignment and export like any process stream.
const HostID = "global"

// StackFrame is a single frame of a sampled call stack. Frames are produced
// by the stack sampler and stored verbatim.
type StackFrame struct {
	Name          string  `json:"name"`
	Filename      string  `json:"filename"`
	Module        *string `json:"module"`
	ShortFilename *string `json:"short_filename"`
	Line          int     `json:"line"`
	// Locals is carried opaquely; samplers currently never populate it.
	Locals  []LocalVariable `json:"locals"`
	IsEntry bool            `json:"is_entry"`
}

// LocalVariable is an opaque per-frame local captured by some samplers.
type LocalVariable struct {
	Name string  `json:"name"`
	Addr uint64  `json:"addr"`
	Arg  bool    `json:"arg"`
	Repr *string `json:"repr"`
}

// ThreadDump is the captured stack of one thread of one process.
// Frames are ordered innermost (leaf) first; this convention is fixed at the
// sampler boundary and preserved verbatim through storage and export.
type ThreadDump struct {
	PID        int32   `json:"pid"`
	ThreadID   uint64  `json:"thread_id"`
	ThreadName *string `json:"thread_name"`
	OSThreadID *uint64 `json:"os_thread_id"`
	Active     bool    `json:"active"`
	// OwnsGIL is preserved as reported by the sampler; its exact semantics
	// belong to the sampler implementation.
	OwnsGIL bool `json:"owns_gil"`
	// ProcessInfo is carried opaquely; py-spy currently always reports null.
	ProcessInfo json.RawMessage `json:"process_info,omitempty"`
	Frames      []StackFrame    `json:"frames"`
}

// ProcessResource is an instantaneous resource reading for one process.
type ProcessResource struct {
	// Memory is resident set size in bytes.
	Memory uint64 `json:"memory"`
	// CPU is utilization in percent of one core (may exceed 100 for
	// multi-threaded processes).
	CPU float64 `json:"cpu"`
}

// ReportEntry is one sampled observation of one process.
type ReportEntry struct {
	Stacktraces []ThreadDump    `json:"stacktraces"`
	Resources   ProcessResource `json:"resources"`
	// Index is the per-process tick sequence number. Skipped values mark
	// ticks where sampling this process failed (the explicit gap marker).
	Index uint64 `json:"index"`
	// Time is milliseconds since the run epoch; strictly increasing within
	// one process's entries.
	Time int64 `json:"time"`
}

// ProcessReport is the full recorded series for one tracked process.
type ProcessReport struct {
	// ID is the process identifier the stream is stored under: the PID,
	// suffixed with its first-seen time when the OS recycled the PID within
	// the same run.
	ID      string
	Entries []ReportEntry
}

// CompleteReport is every process report of one run, keyed by id.
// It is rebuilt fresh from the storage directory on every export or view.
type CompleteReport map[string]ProcessReport
