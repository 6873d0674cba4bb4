package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pysight-dev/pysight/internal/config"
	"github.com/pysight-dev/pysight/internal/logging"
	"github.com/pysight-dev/pysight/internal/orchestrator"
	"github.com/pysight-dev/pysight/internal/proctree"
	"github.com/pysight-dev/pysight/internal/report"
	"github.com/pysight-dev/pysight/internal/resources"
	"github.com/pysight-dev/pysight/internal/sampler"
)

func newRecordCmd() *cobra.Command {
	var (
		configFile string
		pid        int32
		outputDir  string
		interval   time.Duration
		native     bool
		force      bool
		pySpyPath  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "record [flags] [-- command [args...]]",
		Short: "Record a profiling run for a Python process tree",
		Long: `Record a profiling run for a Python process and its descendants.

The target is either an existing process (--pid) or a command to launch
(everything after --). A launched command inherits this terminal's stdout
and stderr and is killed when the recording is interrupted; recording an
existing process never touches it.

Each tracked process gets one append-only stream file <id>.json in the
output directory, written one complete entry per line so the run survives
a crash and can be viewed while still recording. Recording stops when
every tracked process has exited or on Ctrl-C; interruption always leaves
every stream flushed and readable.

Examples:
  # Attach to a running process
  pysight record --pid 12345 --output-dir ./run

  # Launch and profile a script, sampling 4 times a second
  pysight record --output-dir ./run --interval 250ms -- python train.py

  # Reuse an output directory from an earlier run
  pysight record --pid 12345 --output-dir ./run --force`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.SampleInterval = interval
			}
			if cmd.Flags().Changed("py-spy") {
				cfg.PySpyPath = pySpyPath
			}
			if cmd.Flags().Changed("native") {
				cfg.Native = native
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if pid != 0 && len(args) > 0 {
				return fmt.Errorf("--pid and a target command are mutually exclusive")
			}
			if pid == 0 && len(args) == 0 {
				return fmt.Errorf("either --pid or a target command (after --) is required")
			}

			logger := logging.NewWithComponent(logging.Config{
				Level:  cfg.LogLevel,
				Pretty: cfg.PrettyLogs,
			}, "record")

			if err := prepareOutputDir(outputDir, force); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rootPID := pid
			var child *exec.Cmd
			if len(args) > 0 {
				child, err = startTarget(args)
				if err != nil {
					return fmt.Errorf("failed to start target command: %w", err)
				}
				rootPID = int32(child.Process.Pid)
				logger.Info().Strs("command", args).Int32("pid", rootPID).
					Msg("Started target process; its output is shown below, mixed with profiling logs")
			}

			err = runRecording(ctx, cfg, outputDir, rootPID, logger)

			if child != nil {
				// Harmless when the child already exited on its own.
				_ = child.Process.Kill()
				_ = child.Wait()
			}
			if err != nil {
				return err
			}

			logger.Info().Msgf("View the profile data by running `pysight view %s`", outputDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Config file (YAML)")
	cmd.Flags().Int32VarP(&pid, "pid", "p", 0, "PID of an existing process to profile")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for the recorded run (required)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Time between samples")
	cmd.Flags().BoolVar(&native, "native", false, "Also capture native extension frames")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Remove report files left in the output directory by an earlier run")
	cmd.Flags().StringVar(&pySpyPath, "py-spy", "py-spy", "Path to the py-spy binary")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("output-dir")

	return cmd
}

// runRecording wires the capture pipeline and drives it to completion.
func runRecording(ctx context.Context, cfg config.Config, outputDir string, rootPID int32, logger zerolog.Logger) error {
	tracker := proctree.New(rootPID, proctree.SystemLister{}, logger)
	probe := resources.NewSystemProbe()
	spy := sampler.NewPySpy(cfg.PySpyPath, cfg.Native, logger)
	writer := report.NewWriter(outputDir, logger)

	manifest := report.NewManifest(rootPID, cfg.SampleInterval, time.Now())
	if err := manifest.Write(outputDir); err != nil {
		return fmt.Errorf("failed to write run manifest: %w", err)
	}

	orch := orchestrator.New(tracker, probe, resources.SystemHostProbe{}, spy, writer, orchestrator.Config{
		Interval:      cfg.SampleInterval,
		MemberTimeout: cfg.MemberTimeout,
		Parallelism:   cfg.Parallelism,
	}, logger)

	logger.Info().Int32("root_pid", rootPID).Str("output_dir", outputDir).Msg("Recording started")
	return orch.Run(ctx)
}

// prepareOutputDir creates the run directory and refuses to mix a new run
// into report files from an old one unless force clears them first.
func prepareOutputDir(dir string, force bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	stale, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to scan output directory: %w", err)
	}
	if manifest := filepath.Join(dir, report.ManifestName); fileExists(manifest) {
		stale = append(stale, manifest)
	}
	if len(stale) == 0 {
		return nil
	}
	if !force {
		return fmt.Errorf("output directory %s contains %d file(s) from an earlier run, pass --force to remove them", dir, len(stale))
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to clear output directory: %w", err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// startTarget launches the profiling target with inherited stdio.
func startTarget(args []string) (*exec.Cmd, error) {
	child := exec.Command(args[0], args[1:]...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Stdin = os.Stdin
	if err := child.Start(); err != nil {
		return nil, err
	}
	return child, nil
}
