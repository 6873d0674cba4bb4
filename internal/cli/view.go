package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pysight-dev/pysight/internal/logging"
	"github.com/pysight-dev/pysight/internal/viewer"
)

func newViewCmd() *cobra.Command {
	var (
		port     int
		iface    string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "view <output-dir>",
		Short: "Serve an interactive viewer for a recorded run",
		Long: `Serve the interactive profile viewer over HTTP.

The viewer reads the run directory on every request, so it can browse a
run that is still being recorded. Responses carry permissive CORS headers
so external profiler frontends can fetch the raw streams too.

Examples:
  pysight view ./run
  pysight view ./run --port 8080 --interface 127.0.0.1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("%s is not a readable run directory", dir)
			}

			logger := logging.NewWithComponent(logging.Config{Level: logLevel, Pretty: true}, "view")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr := net.JoinHostPort(iface, strconv.Itoa(port))
			return viewer.New(dir, logger).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().IntVar(&port, "port", 3000, "Port to listen on")
	cmd.Flags().StringVar(&iface, "interface", "0.0.0.0", "Interface to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}
