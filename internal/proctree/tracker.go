// Package proctree tracks the live descendant set of a root process.
package proctree

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
)

// ProcessInfo is one row of a process table snapshot.
type ProcessInfo struct {
	PID  int32
	PPID int32
	// CreateTime is the process start time in unix milliseconds. Together
	// with the PID it identifies a process across PID reuse.
	CreateTime int64
}

// Lister produces a snapshot of the OS process table. It is injected so the
// tracker can be exercised against synthetic trees.
type Lister interface {
	Snapshot() ([]ProcessInfo, error)
}

// Member is one tracked process.
type Member struct {
	// ID is the report stream identifier: the PID, suffixed with the
	// first-seen time when the numeric PID was recycled within the run.
	ID  string
	PID int32
	// CreateTime pins the identity of the process behind the PID.
	CreateTime int64
	FirstSeen  int64
	Exited     bool
}

// Tracker maintains the set of live descendants of a root PID. Exited
// members are retained (their report stream stays addressable) but excluded
// from sampling. A PID observed once is never re-sampled under the same
// identity after the OS recycles it; the recycled process becomes a new
// member with a disambiguated id.
type Tracker struct {
	lister Lister
	logger zerolog.Logger

	rootPID int32
	// members is keyed by identity (pid + create time).
	members map[identity]*Member
	// ids guards the uniqueness invariant of report stream ids.
	ids map[string]struct{}
}

type identity struct {
	pid        int32
	createTime int64
}

// New creates a tracker for the descendants of rootPID. The root is
// registered on the first Refresh.
func New(rootPID int32, lister Lister, logger zerolog.Logger) *Tracker {
	return &Tracker{
		lister:  lister,
		logger:  logger.With().Str("component", "proctree").Logger(),
		rootPID: rootPID,
		members: make(map[identity]*Member),
		ids:     make(map[string]struct{}),
	}
}

// Refresh walks the process table and reconciles the tracked set: newly
// discovered descendants are merged in, vanished ones are marked exited.
// It returns the members currently live, i.e. the set to sample this tick.
func (t *Tracker) Refresh(nowMillis int64) ([]Member, error) {
	snapshot, err := t.lister.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot process table: %w", err)
	}

	current := t.descendants(snapshot)

	// Mark members that are no longer present as exited.
	for id, m := range t.members {
		if m.Exited {
			continue
		}
		if _, ok := current[id]; !ok {
			m.Exited = true
			t.logger.Info().Str("id", m.ID).Int32("pid", m.PID).Msg("Tracked process exited")
		}
	}

	// Merge newly discovered descendants.
	for id := range current {
		if _, ok := t.members[id]; ok {
			continue
		}
		m := &Member{
			ID:         t.assignID(id),
			PID:        id.pid,
			CreateTime: id.createTime,
			FirstSeen:  nowMillis,
		}
		t.members[id] = m
		t.logger.Info().Str("id", m.ID).Int32("pid", m.PID).Msg("Tracking new process")
	}

	live := make([]Member, 0, len(current))
	for id := range current {
		live = append(live, *t.members[id])
	}
	t.logger.Debug().Int("live", len(live)).Int("tracked", len(t.members)).Msg("Refreshed process tree")
	return live, nil
}

// AnyLive reports whether any tracked process is still running. False once
// the root has exited and no descendant remains.
func (t *Tracker) AnyLive() bool {
	for _, m := range t.members {
		if !m.Exited {
			return true
		}
	}
	return false
}

// Members returns every member observed during the run, exited ones included.
func (t *Tracker) Members() []Member {
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, *m)
	}
	return out
}

// descendants computes the identity set of the root and its live descendants
// from one snapshot.
func (t *Tracker) descendants(snapshot []ProcessInfo) map[identity]struct{} {
	children := make(map[int32][]ProcessInfo, len(snapshot))
	byPID := make(map[int32]ProcessInfo, len(snapshot))
	for _, p := range snapshot {
		children[p.PPID] = append(children[p.PPID], p)
		byPID[p.PID] = p
	}

	out := make(map[identity]struct{})
	queue := make([]int32, 0, 8)
	if root, ok := byPID[t.rootPID]; ok {
		out[identity{root.PID, root.CreateTime}] = struct{}{}
		queue = append(queue, root.PID)
	}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			id := identity{child.PID, child.CreateTime}
			if _, seen := out[id]; seen {
				continue
			}
			out[id] = struct{}{}
			queue = append(queue, child.PID)
		}
	}
	return out
}

// assignID picks a unique report stream id for a new identity. The plain PID
// is used unless the run already saw that PID, in which case the id carries
// the process create time.
func (t *Tracker) assignID(id identity) string {
	candidate := strconv.Itoa(int(id.pid))
	if _, taken := t.ids[candidate]; taken {
		candidate = fmt.Sprintf("%d-%d", id.pid, id.createTime)
	}
	t.ids[candidate] = struct{}{}
	return candidate
}
