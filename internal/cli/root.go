package cli

import (
	"github.com/spf13/cobra"

	"github.com/pysight-dev/pysight/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "pysight",
	Short: "Pysight - sampling profiler for Python process trees",
	Long: `Profile a running Python program and everything it spawns.

Pysight periodically captures per-thread stack traces plus CPU and memory
usage for a root process and all of its descendants, appends each process's
samples to a crash-tolerant on-disk run directory, and exports the result
as a self-contained HTML report, a Firefox Profiler capture, or a pprof
profile.

Typical workflow:
  # Record a run (attach to a PID, or launch a command)
  pysight record --pid 12345 --output-dir ./run
  pysight record --output-dir ./run -- python train.py

  # Browse it
  pysight view ./run

  # Or export it
  pysight export bundle ./run report.html
  pysight export firefox ./run profile.json.gz
  pysight export pprof ./run profile.pb.gz`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newRecordCmd())
	rootCmd.AddCommand(newViewCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Pysight version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
