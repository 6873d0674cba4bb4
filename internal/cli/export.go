package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pysight-dev/pysight/internal/export"
	"github.com/pysight-dev/pysight/internal/logging"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a recorded run to a portable format",
		Long: `Export a recorded run to a portable format.

All exporters read whatever complete entries exist at the time of the
scan, so a run that is still recording exports cleanly. Output files are
written atomically: a failed export never leaves a partial file behind.`,
	}

	cmd.AddCommand(newExportBundleCmd())
	cmd.AddCommand(newExportFirefoxCmd())
	cmd.AddCommand(newExportPprofCmd())

	return cmd
}

func newExportBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <output-dir> <output-file>",
		Short: "Export to a single self-contained HTML report",
		Long: `Export a run to one HTML file embedding the viewer and all report
streams (compressed). The file opens in any browser with no server and no
network access.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(args[0], func(logger zerolog.Logger) error {
				return export.Bundle(args[0], args[1], logger)
			})
		},
	}
}

func newExportFirefoxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "firefox <output-dir> <output-file>",
		Short: "Export to a Firefox Profiler capture (gzipped JSON)",
		Long: `Export a run to the Firefox Profiler format. Load the resulting
file at https://profiler.firefox.com to explore stacks alongside CPU and
memory tracks.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(args[0], func(logger zerolog.Logger) error {
				return export.Firefox(args[0], args[1], logger)
			})
		},
	}
}

func newExportPprofCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pprof <output-dir> <output-file>",
		Short: "Export to a pprof profile",
		Long: `Export a run's stack samples to a gzipped pprof protobuf profile,
viewable with 'go tool pprof' and compatible tooling. Samples carry
process and thread labels.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(args[0], func(logger zerolog.Logger) error {
				return export.Pprof(args[0], args[1], logger)
			})
		},
	}
}

func runExport(dir string, fn func(zerolog.Logger) error) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a readable run directory", dir)
	}
	logger := logging.NewWithComponent(logging.DefaultConfig(), "export")
	return fn(logger)
}
