package cli

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareOutputDirCreatesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "run")
	require.NoError(t, prepareOutputDir(dir, false))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPrepareOutputDirRefusesStaleReports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1234.json"), []byte("{}\n"), 0o644))

	err := prepareOutputDir(dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}

func TestPrepareOutputDirForceClearsRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1234.json"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.yaml"), []byte("run_id: x\n"), 0o644))
	// Unrelated files survive a forced clear.
	keep := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep me"), 0o644))

	require.NoError(t, prepareOutputDir(dir, true))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Name())
}

func TestRecordRejectsConflictingTargets(t *testing.T) {
	cmd := newRecordCmd()
	cmd.SetArgs([]string{"--pid", "123", "--output-dir", t.TempDir(), "--", "python", "x.py"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestRecordRequiresATarget(t *testing.T) {
	cmd := newRecordCmd()
	cmd.SetArgs([]string{"--output-dir", t.TempDir()})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either --pid or a target command")
}

func TestExportRejectsMissingRunDir(t *testing.T) {
	cmd := newExportCmd()
	cmd.SetArgs([]string{"bundle", filepath.Join(t.TempDir(), "absent"), "out.html"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a readable run directory")
}
