package sampler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/pysight-dev/pysight/internal/report"
)

// PySpy samples Python thread stacks by invoking the py-spy CLI
// (`py-spy dump --json`). py-spy emits frames innermost first; the dumps are
// stored verbatim.
type PySpy struct {
	// Path is the py-spy binary to invoke.
	Path string
	// Native also captures native extension frames (py-spy --native).
	Native bool
	Logger zerolog.Logger
}

// NewPySpy creates a py-spy backed sampler. path defaults to "py-spy" on
// PATH.
func NewPySpy(path string, native bool, logger zerolog.Logger) *PySpy {
	if path == "" {
		path = "py-spy"
	}
	return &PySpy{
		Path:   path,
		Native: native,
		Logger: logger.With().Str("component", "pyspy_sampler").Logger(),
	}
}

// Sample captures the thread stacks of pid. Attach and parse failures are
// reported as *AttachError.
func (s *PySpy) Sample(ctx context.Context, pid int32) ([]report.ThreadDump, error) {
	args := []string{"dump", "--json", "--pid", fmt.Sprint(pid)}
	if s.Native {
		args = append(args, "--native")
	}

	cmd := exec.CommandContext(ctx, s.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		s.Logger.Debug().
			Int32("pid", pid).
			Err(err).
			Str("stderr", stderr.String()).
			Msg("py-spy invocation failed")
		return nil, &AttachError{PID: pid, Err: fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))}
	}

	dumps, err := ParseDump(stdout.Bytes())
	if err != nil {
		return nil, &AttachError{PID: pid, Err: err}
	}
	return dumps, nil
}

// ParseDump decodes py-spy's JSON dump output into thread dumps.
func ParseDump(data []byte) ([]report.ThreadDump, error) {
	var dumps []report.ThreadDump
	if err := json.Unmarshal(data, &dumps); err != nil {
		return nil, fmt.Errorf("failed to parse py-spy output: %w", err)
	}
	return dumps, nil
}
