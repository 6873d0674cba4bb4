// Package align merges independently-timed per-process report series onto a
// shared time axis. The viewer implements the same algorithm client-side;
// the two must agree exactly.
package align

import (
	"sort"

	"github.com/pysight-dev/pysight/internal/report"
)

// Metric names the per-process series the aligner produces.
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
)

// Series is one metric of one process projected onto the shared axis.
// A nil value is a gap: no data at that instant, never zero.
type Series struct {
	ProcessID string
	Metric    Metric
	Values    []*float64
}

// Aligned is the merged view of a CompleteReport.
type Aligned struct {
	// XAxis is the sorted union of all entry times, milliseconds since the
	// run epoch, strictly increasing.
	XAxis []int64
	// Series holds one entry per (process, metric) pair; every Values slice
	// has exactly len(XAxis) elements.
	Series []Series
}

// Align builds the shared axis and per-process gap-filled series.
// Runs in O(total entries * log total entries): one sorted union plus a
// linear merge per report.
func Align(complete report.CompleteReport) Aligned {
	axis := sharedAxis(complete)

	ids := make([]string, 0, len(complete))
	for id := range complete {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := Aligned{XAxis: axis}
	for _, id := range ids {
		rep := complete[id]
		cpu := Series{ProcessID: id, Metric: MetricCPU, Values: make([]*float64, len(axis))}
		mem := Series{ProcessID: id, Metric: MetricMemory, Values: make([]*float64, len(axis))}

		// Entries and axis are both time-ordered: advance through the
		// entries once while walking the axis.
		next := 0
		for i, ts := range axis {
			if next >= len(rep.Entries) {
				break // trailing positions stay nil
			}
			if rep.Entries[next].Time != ts {
				continue // gap or not yet observed: stays nil
			}
			entry := rep.Entries[next]
			c := entry.Resources.CPU
			m := float64(entry.Resources.Memory)
			cpu.Values[i] = &c
			mem.Values[i] = &m
			next++
		}

		out.Series = append(out.Series, cpu, mem)
	}
	return out
}

// sharedAxis returns the sorted, deduplicated union of entry times across
// all reports.
func sharedAxis(complete report.CompleteReport) []int64 {
	seen := make(map[int64]struct{})
	for _, rep := range complete {
		for _, entry := range rep.Entries {
			seen[entry.Time] = struct{}{}
		}
	}

	axis := make([]int64, 0, len(seen))
	for ts := range seen {
		axis = append(axis, ts)
	}
	sort.Slice(axis, func(i, j int) bool { return axis[i] < axis[j] })
	return axis
}
