package export

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"

	"github.com/pysight-dev/pysight/internal/report"
)

// Pprof exports the run in dir as a pprof wall-clock sample profile, one
// sample per captured thread dump, with functions and locations interned in
// first-seen order. pprof output is gzip-compressed protobuf by definition.
func Pprof(dir, outFile string, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "pprof_export").Logger()

	complete, err := report.ReadComplete(dir)
	if err != nil {
		return err
	}
	manifest, hasManifest, err := report.ReadManifest(dir)
	if err != nil {
		return err
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "wallclock", Unit: "milliseconds"},
		Period:     int64(medianInterval(complete)),
	}
	if hasManifest {
		p.TimeNanos = manifest.EpochMillis * int64(time.Millisecond)
		if manifest.IntervalMillis > 0 {
			p.Period = manifest.IntervalMillis
		}
	}

	in := newPprofInterner(p)

	ids := make([]string, 0, len(complete))
	for id := range complete {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var maxTime int64
	for _, id := range ids {
		rep := complete[id]
		for _, entry := range rep.Entries {
			if entry.Time > maxTime {
				maxTime = entry.Time
			}
			for _, dump := range entry.Stacktraces {
				if len(dump.Frames) == 0 {
					continue
				}
				// Stored frames are innermost first, matching pprof's
				// leaf-first location order.
				locs := make([]*profile.Location, len(dump.Frames))
				for i, frame := range dump.Frames {
					locs[i] = in.location(frame)
				}
				p.Sample = append(p.Sample, &profile.Sample{
					Location: locs,
					Value:    []int64{1},
					Label: map[string][]string{
						"process": {id},
						"thread":  {pprofThreadLabel(dump)},
					},
				})
			}
		}
	}
	p.DurationNanos = maxTime * int64(time.Millisecond)

	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("generated pprof profile is inconsistent: %w", err)
	}

	if err := writeAtomic(outFile, logger, func(w io.Writer) error {
		if err := p.Write(w); err != nil {
			return fmt.Errorf("failed to write pprof profile: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	logger.Info().Str("path", outFile).Int("samples", len(p.Sample)).Msg("Wrote pprof profile")
	return nil
}

// pprofInterner assigns stable ids to functions and locations in first-seen
// order.
type pprofInterner struct {
	p         *profile.Profile
	functions map[functionKey]*profile.Function
	locations map[locationKey]*profile.Location
}

type functionKey struct {
	name     string
	filename string
}

type locationKey struct {
	function *profile.Function
	line     int
}

func newPprofInterner(p *profile.Profile) *pprofInterner {
	return &pprofInterner{
		p:         p,
		functions: make(map[functionKey]*profile.Function),
		locations: make(map[locationKey]*profile.Location),
	}
}

func (in *pprofInterner) function(frame report.StackFrame) *profile.Function {
	key := functionKey{name: frame.Name, filename: frame.Filename}
	if fn, ok := in.functions[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(in.p.Function) + 1),
		Name:       frame.Name,
		SystemName: frame.Name,
		Filename:   frame.Filename,
	}
	in.functions[key] = fn
	in.p.Function = append(in.p.Function, fn)
	return fn
}

func (in *pprofInterner) location(frame report.StackFrame) *profile.Location {
	fn := in.function(frame)
	key := locationKey{function: fn, line: frame.Line}
	if loc, ok := in.locations[key]; ok {
		return loc
	}
	loc := &profile.Location{
		ID: uint64(len(in.p.Location) + 1),
		Line: []profile.Line{
			{Function: fn, Line: int64(frame.Line)},
		},
	}
	in.locations[key] = loc
	in.p.Location = append(in.p.Location, loc)
	return loc
}

func pprofThreadLabel(dump report.ThreadDump) string {
	if dump.ThreadName != nil && *dump.ThreadName != "" {
		return *dump.ThreadName
	}
	return fmt.Sprintf("thread-%d", dump.ThreadID)
}
