// Package export re-projects captured runs into portable formats: a
// self-contained HTML bundle, a Firefox Profiler document and a pprof
// profile. Exports are atomic: output is written to a temporary file and
// renamed into place only on success, so a failed export never leaves a
// partial artifact behind that looks valid.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/pysight-dev/pysight/internal/errs"
)

// writeAtomic streams output through write into a temporary file next to
// path and renames it into place when write succeeds.
func writeAtomic(path string, logger zerolog.Logger, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary output file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		errs.DeferRemove(logger, tmpPath, "Failed to remove temporary export file")
		return err
	}
	if err := tmp.Close(); err != nil {
		errs.DeferRemove(logger, tmpPath, "Failed to remove temporary export file")
		return fmt.Errorf("failed to finalize temporary output file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		errs.DeferRemove(logger, tmpPath, "Failed to remove temporary export file")
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
