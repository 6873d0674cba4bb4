// Package resources reads instantaneous per-process CPU and memory usage.
package resources

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/pysight-dev/pysight/internal/report"
)

// ErrProcessGone indicates the probed process no longer exists.
var ErrProcessGone = errors.New("process is gone")

// Probe reads an instantaneous resource snapshot for one PID.
// Implementations return ErrProcessGone (possibly wrapped) when the process
// has exited.
type Probe interface {
	Read(pid int32) (report.ProcessResource, error)
}

// SystemProbe reads CPU and RSS via gopsutil. Process handles are cached per
// PID so CPU percent is computed over the window since the previous read of
// the same process, matching the sampling interval.
type SystemProbe struct {
	mu      sync.Mutex
	handles map[int32]*process.Process
}

// NewSystemProbe creates a probe backed by the OS process accounting.
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{handles: make(map[int32]*process.Process)}
}

// Read returns the current resource usage of pid.
func (p *SystemProbe) Read(pid int32) (report.ProcessResource, error) {
	handle, err := p.handle(pid)
	if err != nil {
		return report.ProcessResource{}, err
	}

	mem, err := handle.MemoryInfo()
	if err != nil {
		p.drop(pid)
		return report.ProcessResource{}, fmt.Errorf("failed to read memory of %d: %w", pid, goneOr(err))
	}

	// Percent with a zero interval measures CPU time since the previous call
	// on the same handle.
	cpu, err := handle.Percent(0)
	if err != nil {
		p.drop(pid)
		return report.ProcessResource{}, fmt.Errorf("failed to read cpu of %d: %w", pid, goneOr(err))
	}

	return report.ProcessResource{
		Memory: mem.RSS,
		CPU:    cpu,
	}, nil
}

// Forget drops the cached handle for an exited process.
func (p *SystemProbe) Forget(pid int32) {
	p.drop(pid)
}

func (p *SystemProbe) handle(pid int32) (*process.Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[pid]; ok {
		return h, nil
	}
	h, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to process %d: %w", pid, goneOr(err))
	}
	p.handles[pid] = h

	// Prime the CPU accounting window; the first Percent call on a fresh
	// handle reports since process start.
	_, _ = h.Percent(0)
	return h, nil
}

func (p *SystemProbe) drop(pid int32) {
	p.mu.Lock()
	delete(p.handles, pid)
	p.mu.Unlock()
}

// goneOr maps gopsutil's not-running error onto ErrProcessGone so callers can
// test with errors.Is.
func goneOr(err error) error {
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return ErrProcessGone
	}
	return err
}
