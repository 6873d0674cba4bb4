package proctree

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLister serves canned process table snapshots.
type fakeLister struct {
	snapshot []ProcessInfo
}

func (f *fakeLister) Snapshot() ([]ProcessInfo, error) {
	return f.snapshot, nil
}

func liveIDs(members []Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestTracker_DiscoversDescendants(t *testing.T) {
	lister := &fakeLister{snapshot: []ProcessInfo{
		{PID: 1, PPID: 0, CreateTime: 1},
		{PID: 100, PPID: 1, CreateTime: 10},
		{PID: 101, PPID: 100, CreateTime: 11},
		{PID: 102, PPID: 101, CreateTime: 12},
		{PID: 999, PPID: 1, CreateTime: 5}, // unrelated
	}}

	tracker := New(100, lister, zerolog.Nop())
	live, err := tracker.Refresh(0)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"100", "101", "102"}, liveIDs(live))
	assert.True(t, tracker.AnyLive())
}

func TestTracker_NewChildAppearsMidRun(t *testing.T) {
	lister := &fakeLister{snapshot: []ProcessInfo{
		{PID: 100, PPID: 1, CreateTime: 10},
	}}
	tracker := New(100, lister, zerolog.Nop())

	live, err := tracker.Refresh(0)
	require.NoError(t, err)
	require.Len(t, live, 1)

	// A subprocess spawns after the run started.
	lister.snapshot = append(lister.snapshot, ProcessInfo{PID: 101, PPID: 100, CreateTime: 20})
	live, err = tracker.Refresh(1000)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"100", "101"}, liveIDs(live))
}

func TestTracker_ExitedRetainedButNotSampled(t *testing.T) {
	lister := &fakeLister{snapshot: []ProcessInfo{
		{PID: 100, PPID: 1, CreateTime: 10},
		{PID: 101, PPID: 100, CreateTime: 20},
	}}
	tracker := New(100, lister, zerolog.Nop())

	_, err := tracker.Refresh(0)
	require.NoError(t, err)

	// Child exits.
	lister.snapshot = lister.snapshot[:1]
	live, err := tracker.Refresh(1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, liveIDs(live))

	// The exited member is still known.
	all := tracker.Members()
	assert.Len(t, all, 2)
	assert.True(t, tracker.AnyLive())
}

func TestTracker_AllExited(t *testing.T) {
	lister := &fakeLister{snapshot: []ProcessInfo{
		{PID: 100, PPID: 1, CreateTime: 10},
	}}
	tracker := New(100, lister, zerolog.Nop())
	_, err := tracker.Refresh(0)
	require.NoError(t, err)

	lister.snapshot = nil
	live, err := tracker.Refresh(1000)
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.False(t, tracker.AnyLive())
}

func TestTracker_PIDReuseGetsNewIdentity(t *testing.T) {
	lister := &fakeLister{snapshot: []ProcessInfo{
		{PID: 100, PPID: 1, CreateTime: 10},
		{PID: 101, PPID: 100, CreateTime: 20},
	}}
	tracker := New(100, lister, zerolog.Nop())
	_, err := tracker.Refresh(0)
	require.NoError(t, err)

	// PID 101 exits and the OS hands the number to a fresh child.
	lister.snapshot = []ProcessInfo{
		{PID: 100, PPID: 1, CreateTime: 10},
		{PID: 101, PPID: 100, CreateTime: 5000},
	}
	live, err := tracker.Refresh(6000)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"100", "101-5000"}, liveIDs(live))

	// Ids never collide across the whole run.
	seen := map[string]int{}
	for _, m := range tracker.Members() {
		seen[m.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "duplicate id %s", id)
	}
}

func TestTracker_RootMissingFromSnapshot(t *testing.T) {
	lister := &fakeLister{}
	tracker := New(100, lister, zerolog.Nop())

	live, err := tracker.Refresh(0)
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.False(t, tracker.AnyLive())
}
