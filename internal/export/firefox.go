package export

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/pysight-dev/pysight/internal/report"
)

// The document follows the Gecko profile format understood by
// https://profiler.firefox.com: per process one profile object with
// per-thread samples over interned string/frame/stack tables, stacks linked
// by prefix, plus counter tracks for memory and CPU.

const (
	geckoVersion      = 27
	mainThreadName    = "MainThread"
	categoryPythonIdx = 0
	categoryNativeIdx = 1
)

type geckoProfile struct {
	Meta         geckoMeta      `json:"meta"`
	Libs         []struct{}     `json:"libs"`
	PausedRanges []struct{}     `json:"pausedRanges"`
	Threads      []*geckoThread `json:"threads"`
	Counters     []geckoCounter `json:"counters"`
	Processes    []geckoProfile `json:"processes"`
}

type geckoMeta struct {
	Version      int             `json:"version"`
	StartTime    float64         `json:"startTime"`
	Interval     float64         `json:"interval"`
	ProcessType  int             `json:"processType"`
	Product      string          `json:"product"`
	Stackwalk    int             `json:"stackwalk"`
	Categories   []geckoCategory `json:"categories"`
	MarkerSchema []struct{}      `json:"markerSchema"`
}

type geckoCategory struct {
	Name          string   `json:"name"`
	Color         string   `json:"color"`
	Subcategories []string `json:"subcategories"`
}

type geckoThread struct {
	Name           string       `json:"name"`
	ProcessType    string       `json:"processType"`
	ProcessName    string       `json:"processName"`
	PID            string       `json:"pid"`
	TID            uint64       `json:"tid"`
	RegisterTime   float64      `json:"registerTime"`
	UnregisterTime *float64     `json:"unregisterTime"`
	Samples        geckoSamples `json:"samples"`
	FrameTable     geckoTable   `json:"frameTable"`
	StackTable     geckoTable   `json:"stackTable"`
	StringTable    []string     `json:"stringTable"`
	Markers        geckoTable   `json:"markers"`
}

type geckoSamples struct {
	Schema map[string]int `json:"schema"`
	Data   [][]any        `json:"data"`
}

type geckoTable struct {
	Schema map[string]int `json:"schema"`
	Data   [][]any        `json:"data"`
}

type geckoCounter struct {
	Name         string             `json:"name"`
	Category     string             `json:"category"`
	Description  string             `json:"description"`
	SampleGroups []geckoSampleGroup `json:"sample_groups"`
}

type geckoSampleGroup struct {
	ID      int          `json:"id"`
	Samples geckoSamples `json:"samples"`
}

// threadBuilder accumulates one thread track and its interning tables.
// All interned ids are first-seen stable so identical input yields identical
// output.
type threadBuilder struct {
	thread  *geckoThread
	strings map[string]int
	frames  map[frameKey]int
	stacks  map[stackKey]int
}

type frameKey struct {
	name     string
	filename string
	line     int
	isEntry  bool
}

type stackKey struct {
	prefix int // -1 for stack roots
	frame  int
}

func newThreadBuilder(processID string, tid uint64, name string, registerTime float64) *threadBuilder {
	return &threadBuilder{
		thread: &geckoThread{
			Name:         name,
			ProcessType:  "default",
			ProcessName:  "Process " + processID,
			PID:          processID,
			TID:          tid,
			RegisterTime: registerTime,
			Samples: geckoSamples{
				Schema: map[string]int{"stack": 0, "time": 1, "responsiveness": 2},
			},
			FrameTable: geckoTable{
				Schema: map[string]int{
					"location": 0, "relevantForJS": 1, "innerWindowID": 2,
					"implementation": 3, "line": 4, "column": 5,
					"category": 6, "subcategory": 7,
				},
			},
			StackTable: geckoTable{
				Schema: map[string]int{"prefix": 0, "frame": 1},
			},
			Markers: geckoTable{
				Schema: map[string]int{
					"name": 0, "startTime": 1, "endTime": 2,
					"phase": 3, "category": 4, "data": 5,
				},
				Data: [][]any{},
			},
			StringTable: []string{},
		},
		strings: make(map[string]int),
		frames:  make(map[frameKey]int),
		stacks:  make(map[stackKey]int),
	}
}

// internString interns s, assigning the next table index on first sight.
func (b *threadBuilder) internString(s string) int {
	if idx, ok := b.strings[s]; ok {
		return idx
	}
	idx := len(b.thread.StringTable)
	b.strings[s] = idx
	b.thread.StringTable = append(b.thread.StringTable, s)
	return idx
}

// internFrame interns one frame identity (name, file, line).
func (b *threadBuilder) internFrame(f report.StackFrame) int {
	key := frameKey{name: f.Name, filename: f.Filename, line: f.Line, isEntry: f.IsEntry}
	if idx, ok := b.frames[key]; ok {
		return idx
	}

	file := f.Filename
	if f.ShortFilename != nil && *f.ShortFilename != "" {
		file = *f.ShortFilename
	}
	location := b.internString(fmt.Sprintf("%s (%s:%d)", f.Name, file, f.Line))
	category := categoryPythonIdx
	if f.IsEntry {
		category = categoryNativeIdx
	}

	idx := len(b.thread.FrameTable.Data)
	b.frames[key] = idx
	b.thread.FrameTable.Data = append(b.thread.FrameTable.Data, []any{
		location, false, 0, nil, f.Line, nil, category, 0,
	})
	return idx
}

// internStack interns a whole call chain as prefix-linked rows and returns
// the leaf stack index, or nil for an empty chain. Frames arrive innermost
// first; the chain is built from the outermost end so each row's prefix is
// its caller.
func (b *threadBuilder) internStack(frames []report.StackFrame) any {
	prefix := -1
	for i := len(frames) - 1; i >= 0; i-- {
		frame := b.internFrame(frames[i])
		key := stackKey{prefix: prefix, frame: frame}
		idx, ok := b.stacks[key]
		if !ok {
			idx = len(b.thread.StackTable.Data)
			b.stacks[key] = idx
			var prefixCell any
			if prefix >= 0 {
				prefixCell = prefix
			}
			b.thread.StackTable.Data = append(b.thread.StackTable.Data, []any{prefixCell, frame})
		}
		prefix = idx
	}
	if prefix < 0 {
		return nil
	}
	return prefix
}

func (b *threadBuilder) addSample(timeMillis int64, frames []report.StackFrame) {
	b.thread.Samples.Data = append(b.thread.Samples.Data, []any{
		b.internStack(frames), float64(timeMillis), 0,
	})
}

// validate checks table cross-references before the document is serialized.
// A dangling reference is a fatal export error.
func (b *threadBuilder) validate() error {
	nStrings := len(b.thread.StringTable)
	nFrames := len(b.thread.FrameTable.Data)
	nStacks := len(b.thread.StackTable.Data)

	for i, row := range b.thread.FrameTable.Data {
		loc, ok := row[0].(int)
		if !ok || loc < 0 || loc >= nStrings {
			return fmt.Errorf("thread %d: frame %d references string %v outside table of %d", b.thread.TID, i, row[0], nStrings)
		}
	}
	for i, row := range b.thread.StackTable.Data {
		if prefix, ok := row[0].(int); ok && (prefix < 0 || prefix >= i) {
			return fmt.Errorf("thread %d: stack %d has invalid prefix %d", b.thread.TID, i, prefix)
		}
		frame, ok := row[1].(int)
		if !ok || frame < 0 || frame >= nFrames {
			return fmt.Errorf("thread %d: stack %d references frame %v outside table of %d", b.thread.TID, i, row[1], nFrames)
		}
	}
	for i, row := range b.thread.Samples.Data {
		if stack, ok := row[0].(int); ok && (stack < 0 || stack >= nStacks) {
			return fmt.Errorf("thread %d: sample %d references stack %d outside table of %d", b.thread.TID, i, stack, nStacks)
		}
	}
	return nil
}

// Firefox exports the run in dir as a gzip-compressed Firefox Profiler
// document.
func Firefox(dir, outFile string, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "firefox_export").Logger()

	complete, err := report.ReadComplete(dir)
	if err != nil {
		return err
	}

	profile, err := buildFirefoxProfile(dir, complete)
	if err != nil {
		return err
	}

	if err := writeAtomic(outFile, logger, func(w io.Writer) error {
		gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if err := json.NewEncoder(gz).Encode(profile); err != nil {
			return fmt.Errorf("failed to serialize profile: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finalize compressed profile: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	logger.Info().
		Str("path", outFile).
		Int("processes", len(complete)).
		Msg("Wrote Firefox profile, open it on https://profiler.firefox.com")
	return nil
}

func buildFirefoxProfile(dir string, complete report.CompleteReport) (*geckoProfile, error) {
	manifest, hasManifest, err := report.ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	var startTime float64
	interval := medianInterval(complete)
	if hasManifest {
		startTime = float64(manifest.EpochMillis)
		if manifest.IntervalMillis > 0 {
			interval = float64(manifest.IntervalMillis)
		}
	}

	root := &geckoProfile{
		Meta: geckoMeta{
			Version:     geckoVersion,
			StartTime:   startTime,
			Interval:    interval,
			ProcessType: 0,
			Product:     "pysight",
			Stackwalk:   0,
			Categories: []geckoCategory{
				{Name: "Python", Color: "blue", Subcategories: []string{"Other"}},
				{Name: "Native", Color: "green", Subcategories: []string{"Other"}},
			},
			MarkerSchema: []struct{}{},
		},
		Libs:         []struct{}{},
		PausedRanges: []struct{}{},
		Threads:      []*geckoThread{},
		Counters:     []geckoCounter{},
		Processes:    []geckoProfile{},
	}

	ids := make([]string, 0, len(complete))
	for id := range complete {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rep := complete[id]
		if len(rep.Entries) == 0 {
			continue
		}
		proc, err := buildProcess(rep, root.Meta)
		if err != nil {
			return nil, err
		}
		if len(root.Threads) == 0 {
			// First process becomes the root profile.
			root.Threads = proc.Threads
			root.Counters = proc.Counters
		} else {
			root.Processes = append(root.Processes, *proc)
		}
	}
	return root, nil
}

// buildProcess projects one process report into a profile object: one thread
// track per observed thread plus memory and CPU counter tracks.
func buildProcess(rep report.ProcessReport, meta geckoMeta) (*geckoProfile, error) {
	registerTime := float64(rep.Entries[0].Time)

	builders := make(map[uint64]*threadBuilder)
	var order []uint64
	for _, entry := range rep.Entries {
		for _, dump := range entry.Stacktraces {
			b, ok := builders[dump.ThreadID]
			if !ok {
				b = newThreadBuilder(rep.ID, dump.ThreadID, threadName(dump), float64(entry.Time))
				builders[dump.ThreadID] = b
				order = append(order, dump.ThreadID)
			}
			// The thread name may first appear in a later dump; keep the
			// latest non-empty one.
			if name := threadName(dump); name != "" {
				b.thread.Name = name
			}
			b.addSample(entry.Time, dump.Frames)
		}
	}

	// Main thread first, then by thread id, so track ordering is
	// deterministic and the profiler pins the RAM track to the right thread.
	sort.Slice(order, func(i, j int) bool {
		a, b := builders[order[i]], builders[order[j]]
		aMain, bMain := a.thread.Name == mainThreadName, b.thread.Name == mainThreadName
		if aMain != bMain {
			return aMain
		}
		return order[i] < order[j]
	})

	proc := &geckoProfile{
		Meta:         meta,
		Libs:         []struct{}{},
		PausedRanges: []struct{}{},
		Processes:    []geckoProfile{},
	}
	proc.Meta.ProcessType = 2
	for _, tid := range order {
		b := builders[tid]
		if b.thread.Name == "" {
			b.thread.Name = "unnamed"
		}
		if err := b.validate(); err != nil {
			return nil, fmt.Errorf("inconsistent interning for process %s: %w", rep.ID, err)
		}
		proc.Threads = append(proc.Threads, b.thread)
	}

	proc.Counters = append(proc.Counters,
		memoryCounter(rep, registerTime),
		cpuCounter(rep),
	)
	return proc, nil
}

// memoryCounter carries RSS as a counter track. The format's counters are
// cumulative, so each sample holds the delta against the previous absolute
// reading; the first sample establishes the base.
func memoryCounter(rep report.ProcessReport, registerTime float64) geckoCounter {
	samples := geckoSamples{
		Schema: map[string]int{"time": 0, "number": 1, "count": 2},
		Data:   make([][]any, 0, len(rep.Entries)+1),
	}
	samples.Data = append(samples.Data, []any{registerTime, 0, 0.0})

	last := 0.0
	for _, entry := range rep.Entries {
		value := float64(entry.Resources.Memory)
		samples.Data = append(samples.Data, []any{float64(entry.Time), 0, value - last})
		last = value
	}

	return geckoCounter{
		Name:         "malloc",
		Category:     "Memory",
		Description:  "Resident set size",
		SampleGroups: []geckoSampleGroup{{ID: 0, Samples: samples}},
	}
}

// cpuCounter carries percent-CPU readings, one per entry, as absolute
// per-sample values.
func cpuCounter(rep report.ProcessReport) geckoCounter {
	samples := geckoSamples{
		Schema: map[string]int{"time": 0, "number": 1, "count": 2},
		Data:   make([][]any, 0, len(rep.Entries)),
	}
	for _, entry := range rep.Entries {
		samples.Data = append(samples.Data, []any{float64(entry.Time), 0, entry.Resources.CPU})
	}

	return geckoCounter{
		Name:         "processCPU",
		Category:     "CPU",
		Description:  "Process CPU utilization in percent",
		SampleGroups: []geckoSampleGroup{{ID: 0, Samples: samples}},
	}
}

func threadName(dump report.ThreadDump) string {
	if dump.ThreadName != nil {
		return *dump.ThreadName
	}
	return ""
}

// medianInterval estimates the sampling interval as the median delta between
// consecutive entry times, used when a run has no manifest.
func medianInterval(complete report.CompleteReport) float64 {
	var deltas []int64
	for _, rep := range complete {
		for i := 1; i < len(rep.Entries); i++ {
			deltas = append(deltas, rep.Entries[i].Time-rep.Entries[i-1].Time)
		}
	}
	if len(deltas) == 0 {
		return 1000
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	return float64(deltas[len(deltas)/2])
}
