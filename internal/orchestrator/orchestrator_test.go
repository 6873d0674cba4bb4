package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysight-dev/pysight/internal/proctree"
	"github.com/pysight-dev/pysight/internal/report"
	"github.com/pysight-dev/pysight/internal/sampler"
)

// fakeLister serves a mutable process table snapshot.
type fakeLister struct {
	mu       sync.Mutex
	snapshot []proctree.ProcessInfo
}

func (f *fakeLister) Snapshot() ([]proctree.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proctree.ProcessInfo, len(f.snapshot))
	copy(out, f.snapshot)
	return out, nil
}

func (f *fakeLister) set(snapshot []proctree.ProcessInfo) {
	f.mu.Lock()
	f.snapshot = snapshot
	f.mu.Unlock()
}

// fakeProbe returns a fixed reading for every pid.
type fakeProbe struct{}

func (fakeProbe) Read(pid int32) (report.ProcessResource, error) {
	return report.ProcessResource{Memory: 1 << 20, CPU: 10}, nil
}

// fakeHost returns a fixed whole-machine reading.
type fakeHost struct{}

func (fakeHost) ReadHost() (report.ProcessResource, error) {
	return report.ProcessResource{Memory: 8 << 30, CPU: 33}, nil
}

// fakeSampler counts samples per pid and fails where told to.
type fakeSampler struct {
	mu    sync.Mutex
	calls map[int32]int
	// failFirst makes the first sample of the pid fail with an attach error.
	failFirst map[int32]bool
	onSample  func(pid int32, call int)
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{calls: make(map[int32]int), failFirst: make(map[int32]bool)}
}

func (s *fakeSampler) Sample(ctx context.Context, pid int32) ([]report.ThreadDump, error) {
	s.mu.Lock()
	s.calls[pid]++
	call := s.calls[pid]
	fail := s.failFirst[pid] && call == 1
	cb := s.onSample
	s.mu.Unlock()

	if cb != nil {
		cb(pid, call)
	}
	if fail {
		return nil, &sampler.AttachError{PID: pid, Err: errors.New("attach denied")}
	}
	return []report.ThreadDump{{
		PID:      pid,
		ThreadID: 1,
		Active:   true,
		Frames: []report.StackFrame{
			{Name: "work", Filename: "/srv/app.py", Line: 3},
		},
	}}, nil
}

func (s *fakeSampler) count(pid int32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[pid]
}

func twoProcessTree() []proctree.ProcessInfo {
	return []proctree.ProcessInfo{
		{PID: 100, PPID: 1, CreateTime: 1},
		{PID: 101, PPID: 100, CreateTime: 2},
	}
}

func TestOrchestrator_MemberFailureIsIsolated(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLister{}
	lister.set(twoProcessTree())

	spy := newFakeSampler()
	spy.failFirst[101] = true
	// End the run once the healthy member has a few samples.
	spy.onSample = func(pid int32, call int) {
		if pid == 100 && call >= 3 {
			lister.set(nil)
		}
	}

	tracker := proctree.New(100, lister, zerolog.Nop())
	writer := report.NewWriter(dir, zerolog.Nop())
	orch := New(tracker, fakeProbe{}, fakeHost{}, spy, writer, Config{
		Interval:      5 * time.Millisecond,
		MemberTimeout: time.Second,
		Parallelism:   4,
	}, zerolog.Nop())

	require.NoError(t, orch.Run(context.Background()))
	assert.Equal(t, StateStopped, orch.State())

	healthy, err := report.ReadAll(dir, "100")
	require.NoError(t, err)
	require.NotEmpty(t, healthy.Entries)
	// The healthy member has an entry for tick 0 even though its sibling
	// failed on that tick.
	assert.Equal(t, uint64(0), healthy.Entries[0].Index)

	flaky, err := report.ReadAll(dir, "101")
	require.NoError(t, err)
	require.NotEmpty(t, flaky.Entries, "member must resume sampling after a failed tick")
	// Tick 0 failed for this member: its first entry carries a later index,
	// leaving the gap visible in the sequence.
	assert.Greater(t, flaky.Entries[0].Index, uint64(0))
	assert.GreaterOrEqual(t, spy.count(101), 2)
}

func TestOrchestrator_StopsWhenAllProcessesExit(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLister{}
	lister.set([]proctree.ProcessInfo{{PID: 100, PPID: 1, CreateTime: 1}})

	spy := newFakeSampler()
	spy.onSample = func(pid int32, call int) {
		if call >= 2 {
			lister.set(nil)
		}
	}

	tracker := proctree.New(100, lister, zerolog.Nop())
	writer := report.NewWriter(dir, zerolog.Nop())
	orch := New(tracker, fakeProbe{}, fakeHost{}, spy, writer, Config{Interval: 5 * time.Millisecond}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop after all processes exited")
	}
	assert.Equal(t, StateStopped, orch.State())

	// Every tick also lands one whole-machine reading with no stacks.
	host, err := report.ReadAll(dir, report.HostID)
	require.NoError(t, err)
	require.NotEmpty(t, host.Entries)
	assert.Equal(t, uint64(0), host.Entries[0].Index)
	assert.Equal(t, uint64(8<<30), host.Entries[0].Resources.Memory)
	assert.Empty(t, host.Entries[0].Stacktraces)
}

func TestOrchestrator_CancellationLeavesReadableStreams(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLister{}
	lister.set(twoProcessTree())

	spy := newFakeSampler()
	sampled := make(chan struct{}, 16)
	spy.onSample = func(pid int32, call int) {
		select {
		case sampled <- struct{}{}:
		default:
		}
	}

	tracker := proctree.New(100, lister, zerolog.Nop())
	writer := report.NewWriter(dir, zerolog.Nop())
	orch := New(tracker, fakeProbe{}, fakeHost{}, spy, writer, Config{Interval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	// Let at least one sample land, then cancel mid-run.
	<-sampled
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop on cancellation")
	}
	assert.Equal(t, StateStopped, orch.State())

	// Every stream that exists must be fully readable: no partial entries.
	ids, err := report.ListIDs(dir)
	require.NoError(t, err)
	for _, id := range ids {
		rep, err := report.ReadAll(dir, id)
		require.NoError(t, err, "stream %s must stay readable after cancellation", id)
		for i := 1; i < len(rep.Entries); i++ {
			assert.Greater(t, rep.Entries[i].Time, rep.Entries[i-1].Time)
			assert.Greater(t, rep.Entries[i].Index, rep.Entries[i-1].Index)
		}
	}
}

// holdingSampler blocks each capture until released, then fails if its
// context was cancelled while it was in flight.
type holdingSampler struct {
	started chan struct{}
	release chan struct{}
}

func (s *holdingSampler) Sample(ctx context.Context, pid int32) ([]report.ThreadDump, error) {
	select {
	case s.started <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []report.ThreadDump{{
		PID:      pid,
		ThreadID: 1,
		Active:   true,
		Frames: []report.StackFrame{
			{Name: "work", Filename: "/srv/app.py", Line: 3},
		},
	}}, nil
}

func TestOrchestrator_MidTickCancelFinishesDispatchedSamples(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLister{}
	lister.set([]proctree.ProcessInfo{{PID: 100, PPID: 1, CreateTime: 1}})

	spy := &holdingSampler{started: make(chan struct{}, 1), release: make(chan struct{})}
	tracker := proctree.New(100, lister, zerolog.Nop())
	writer := report.NewWriter(dir, zerolog.Nop())
	orch := New(tracker, fakeProbe{}, fakeHost{}, spy, writer, Config{
		Interval:      5 * time.Millisecond,
		MemberTimeout: 5 * time.Second,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	// Cancel with the member's capture in flight, then let it finish.
	<-spy.started
	cancel()
	close(spy.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop on cancellation")
	}

	rep, err := report.ReadAll(dir, "100")
	require.NoError(t, err)
	require.NotEmpty(t, rep.Entries, "a sample dispatched before cancellation must still be recorded")
}

func TestOrchestrator_RunTwiceFails(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLister{} // empty tree: run stops immediately
	tracker := proctree.New(100, lister, zerolog.Nop())
	writer := report.NewWriter(dir, zerolog.Nop())
	// nil host probe: the whole-machine stream is optional.
	orch := New(tracker, fakeProbe{}, nil, newFakeSampler(), writer, Config{Interval: 5 * time.Millisecond}, zerolog.Nop())

	require.NoError(t, orch.Run(context.Background()))
	assert.Error(t, orch.Run(context.Background()))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
