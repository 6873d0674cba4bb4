// Package orchestrator drives periodic sampling of a tracked process tree.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pysight-dev/pysight/internal/proctree"
	"github.com/pysight-dev/pysight/internal/report"
	"github.com/pysight-dev/pysight/internal/resources"
	"github.com/pysight-dev/pysight/internal/sampler"
)

// State is the orchestrator lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds orchestrator settings.
type Config struct {
	// Interval is the sampling interval between ticks.
	Interval time.Duration
	// MemberTimeout bounds one member's stack capture so a stuck process
	// cannot stall the tick.
	MemberTimeout time.Duration
	// Parallelism bounds concurrent per-member sampling within a tick.
	Parallelism int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Second,
		MemberTimeout: 900 * time.Millisecond,
		Parallelism:   8,
	}
}

// Orchestrator fans out resource probes and stack samples over the current
// process tree members on every tick and appends the results to the report
// writer. It is the sole writer of the run for every process id.
type Orchestrator struct {
	tracker *proctree.Tracker
	probe   resources.Probe
	host    resources.HostProbe
	sampler sampler.StackSampler
	writer  *report.Writer
	config  Config
	logger  zerolog.Logger

	state atomic.Int32
	epoch time.Time
}

// New creates an orchestrator. Zero config fields fall back to defaults; a
// nil host probe disables the whole-machine stream.
func New(
	tracker *proctree.Tracker,
	probe resources.Probe,
	host resources.HostProbe,
	stackSampler sampler.StackSampler,
	writer *report.Writer,
	config Config,
	logger zerolog.Logger,
) *Orchestrator {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MemberTimeout <= 0 {
		config.MemberTimeout = def.MemberTimeout
	}
	if config.Parallelism <= 0 {
		config.Parallelism = def.Parallelism
	}

	return &Orchestrator{
		tracker: tracker,
		probe:   probe,
		host:    host,
		sampler: stackSampler,
		writer:  writer,
		config:  config,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Run drives the sampling loop until every tracked process has exited or ctx
// is cancelled. Either way all report streams are flushed and closed before
// Run returns. Cancellation mid-tick finishes only the member samples already
// dispatched; in-flight appends are never corrupted.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("orchestrator already started (state %s)", o.State())
	}
	defer o.state.Store(int32(StateStopped))

	o.epoch = time.Now()
	o.logger.Info().
		Dur("interval", o.config.Interval).
		Dur("member_timeout", o.config.MemberTimeout).
		Int("parallelism", o.config.Parallelism).
		Msg("Starting sampling")

	tick := uint64(0)
	for {
		o.runTick(ctx, tick)

		if ctx.Err() != nil {
			o.state.Store(int32(StateStopping))
			o.logger.Info().Msg("Cancellation requested, stopping sampling")
			break
		}
		if !o.tracker.AnyLive() {
			o.state.Store(int32(StateStopping))
			o.logger.Info().Msg("All tracked processes have exited, stopping sampling")
			break
		}

		tick = o.nextTick(tick)
		if !o.sleepUntil(ctx, o.epoch.Add(time.Duration(tick)*o.config.Interval)) {
			o.state.Store(int32(StateStopping))
			o.logger.Info().Msg("Cancellation requested, stopping sampling")
			break
		}
	}

	if err := o.writer.Close(); err != nil {
		return fmt.Errorf("failed to close report streams: %w", err)
	}
	o.logger.Info().Uint64("ticks", tick+1).Msg("Sampling stopped")
	return nil
}

// nextTick advances the tick counter, skipping ticks the loop fell behind on
// so long captures do not accumulate scheduling skew.
func (o *Orchestrator) nextTick(tick uint64) uint64 {
	elapsed := uint64(time.Since(o.epoch) / o.config.Interval)
	if elapsed >= tick {
		return elapsed + 1
	}
	return tick + 1
}

// sleepUntil blocks until the deadline or cancellation; it returns false when
// cancelled.
func (o *Orchestrator) sleepUntil(ctx context.Context, deadline time.Time) bool {
	wait := time.Until(deadline)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// forgetter is implemented by probes that cache per-pid state; exited
// members get their handles released.
type forgetter interface {
	Forget(pid int32)
}

// runTick samples every current member once. Failures are isolated per
// member: they leave an index gap in that member's stream and nothing else.
func (o *Orchestrator) runTick(ctx context.Context, tick uint64) {
	nowMillis := time.Since(o.epoch).Milliseconds()
	members, err := o.tracker.Refresh(nowMillis)
	if err != nil {
		o.logger.Warn().Err(err).Uint64("tick", tick).Msg("Failed to refresh process tree")
		return
	}

	if f, ok := o.probe.(forgetter); ok {
		for _, m := range o.tracker.Members() {
			if m.Exited {
				f.Forget(m.PID)
			}
		}
	}

	o.sampleHost(tick, nowMillis)

	var g errgroup.Group
	g.SetLimit(o.config.Parallelism)
	for _, m := range members {
		// Cancellation observed mid-tick: members not yet dispatched are
		// discarded for this tick.
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.sampleMember(ctx, tick, nowMillis, m)
			return nil
		})
	}
	_ = g.Wait()
}

// sampleHost appends one whole-machine reading to the host stream. A failed
// reading is a gap in that stream, like any per-member failure.
func (o *Orchestrator) sampleHost(tick uint64, timeMillis int64) {
	if o.host == nil {
		return
	}
	res, err := o.host.ReadHost()
	if err != nil {
		o.logger.Debug().Err(err).Uint64("tick", tick).Msg("Host probe failed, recording gap")
		return
	}
	entry := report.ReportEntry{
		Index:       tick,
		Time:        timeMillis,
		Resources:   res,
		Stacktraces: []report.ThreadDump{},
	}
	if err := o.writer.Append(report.HostID, entry); err != nil {
		o.logger.Error().Err(err).Uint64("tick", tick).Msg("Failed to append host entry")
	}
}

// sampleMember probes resources and captures stacks for one member and
// appends the assembled entry to the member's stream.
func (o *Orchestrator) sampleMember(ctx context.Context, tick uint64, timeMillis int64, m proctree.Member) {
	res, err := o.probe.Read(m.PID)
	if err != nil {
		o.logger.Debug().
			Err(err).
			Str("id", m.ID).
			Uint64("tick", tick).
			Msg("Resource probe failed, recording gap")
		return
	}

	// A sample that was dispatched before a cancellation finishes; only the
	// member timeout bounds it. Cancellation gates new dispatches in runTick.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.MemberTimeout)
	defer cancel()
	dumps, err := o.sampler.Sample(sctx, m.PID)
	if err != nil {
		o.logger.Debug().
			Err(err).
			Str("id", m.ID).
			Uint64("tick", tick).
			Msg("Stack sample failed, recording gap")
		return
	}

	entry := report.ReportEntry{
		Index:       tick,
		Time:        timeMillis,
		Resources:   res,
		Stacktraces: dumps,
	}
	if err := o.writer.Append(m.ID, entry); err != nil {
		// Fatal for this member's stream only; other members keep sampling.
		o.logger.Error().
			Err(err).
			Str("id", m.ID).
			Uint64("tick", tick).
			Msg("Failed to append report entry")
	}
}
