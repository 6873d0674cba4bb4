// Package errs provides utilities for error handling in pysight.
package errs

import (
	"os"

	"github.com/rs/zerolog"
)

// DeferRemove removes a file, logging failures. A missing file is not an
// error; exports use this to drop temporary artifacts on failure paths.
func DeferRemove(logger zerolog.Logger, path string, msg string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", path).Msg(msg)
	}
}
