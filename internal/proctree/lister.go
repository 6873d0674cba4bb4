package proctree

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// SystemLister walks the real OS process table via gopsutil.
type SystemLister struct{}

// Snapshot returns every visible process with its parent edge and create
// time. Processes that vanish mid-walk are skipped; the next tick sees the
// settled state.
func (SystemLister) Snapshot() ([]ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		created, err := p.CreateTime()
		if err != nil {
			continue
		}
		out = append(out, ProcessInfo{
			PID:        p.Pid,
			PPID:       ppid,
			CreateTime: created,
		})
	}
	return out, nil
}
