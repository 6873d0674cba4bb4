package resources

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/pysight-dev/pysight/internal/report"
)

// HostProbe reads whole-machine resource usage. The orchestrator samples it
// once per tick alongside the per-process probes so a run can be read against
// total system load.
type HostProbe interface {
	ReadHost() (report.ProcessResource, error)
}

// SystemHostProbe reads host memory and CPU via the OS accounting.
type SystemHostProbe struct{}

// ReadHost returns used physical memory and total CPU utilization in percent.
// CPU is measured over the window since the previous call, matching the
// sampling interval.
func (SystemHostProbe) ReadHost() (report.ProcessResource, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return report.ProcessResource{}, fmt.Errorf("failed to read host memory: %w", err)
	}

	percents, err := cpu.Percent(0, false)
	if err != nil {
		return report.ProcessResource{}, fmt.Errorf("failed to read host cpu: %w", err)
	}
	var pct float64
	if len(percents) > 0 {
		pct = percents[0]
	}

	return report.ProcessResource{
		Memory: vm.Used,
		CPU:    pct,
	}, nil
}
