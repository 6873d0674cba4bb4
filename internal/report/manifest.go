package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ManifestName is the run manifest file name. It deliberately does not use
// the .json extension so directory listing of report streams is unaffected.
const ManifestName = "run.yaml"

// Manifest records run-level metadata next to the report streams.
type Manifest struct {
	RunID string `yaml:"run_id"`
	// EpochMillis is the run epoch as unix milliseconds; entry times are
	// relative to it.
	EpochMillis int64 `yaml:"epoch_millis"`
	// IntervalMillis is the configured sampling interval.
	IntervalMillis int64 `yaml:"interval_millis"`
	RootPID        int32 `yaml:"root_pid"`
}

// NewManifest creates a manifest for a run starting now.
func NewManifest(rootPID int32, interval time.Duration, epoch time.Time) Manifest {
	return Manifest{
		RunID:          uuid.NewString(),
		EpochMillis:    epoch.UnixMilli(),
		IntervalMillis: interval.Milliseconds(),
		RootPID:        rootPID,
	}
}

// Write stores the manifest in the run directory.
func (m Manifest) Write(dir string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal run manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the run manifest from a run directory. A missing
// manifest is not fatal for consumers (older runs may lack one); callers get
// ok=false and should fall back to deriving metadata from the streams.
func ReadManifest(dir string) (Manifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if os.IsNotExist(err) {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, fmt.Errorf("failed to read run manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("failed to parse run manifest: %w", err)
	}
	return m, true, nil
}
