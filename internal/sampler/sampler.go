// Package sampler defines the stack-sampling capability used during capture.
// The production implementation shells out to the py-spy CLI; the interface
// exists so the orchestrator can run against fakes.
package sampler

import (
	"context"
	"fmt"

	"github.com/pysight-dev/pysight/internal/report"
)

// StackSampler captures a snapshot of all thread stacks of one process.
// Returned dumps order frames innermost (leaf) first.
type StackSampler interface {
	Sample(ctx context.Context, pid int32) ([]report.ThreadDump, error)
}

// AttachError reports a failure to attach to or sample a process. It is a
// transient per-sample condition: the orchestrator records a gap and retries
// on the next tick.
type AttachError struct {
	PID int32
	Err error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("failed to sample process %d: %v", e.PID, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}
