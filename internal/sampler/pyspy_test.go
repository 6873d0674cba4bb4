package sampler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pySpyDumpOutput is a trimmed real-world `py-spy dump --json` capture.
const pySpyDumpOutput = `[
  {
    "pid": 24161,
    "thread_id": 140054,
    "thread_name": "MainThread",
    "os_thread_id": 24161,
    "active": true,
    "owns_gil": true,
    "process_info": null,
    "frames": [
      {
        "name": "busy_loop",
        "filename": "/srv/loopy.py",
        "module": null,
        "short_filename": "loopy.py",
        "line": 14,
        "locals": null,
        "is_entry": false
      },
      {
        "name": "<module>",
        "filename": "/srv/loopy.py",
        "module": null,
        "short_filename": "loopy.py",
        "line": 21,
        "locals": null,
        "is_entry": true
      }
    ]
  },
  {
    "pid": 24161,
    "thread_id": 140055,
    "thread_name": "worker-0",
    "os_thread_id": 24170,
    "active": false,
    "owns_gil": false,
    "process_info": null,
    "frames": []
  }
]`

func TestParseDump(t *testing.T) {
	dumps, err := ParseDump([]byte(pySpyDumpOutput))
	require.NoError(t, err)
	require.Len(t, dumps, 2)

	main := dumps[0]
	assert.Equal(t, int32(24161), main.PID)
	assert.Equal(t, uint64(140054), main.ThreadID)
	require.NotNil(t, main.ThreadName)
	assert.Equal(t, "MainThread", *main.ThreadName)
	assert.True(t, main.OwnsGIL)
	require.Len(t, main.Frames, 2)

	// Innermost frame first, entry frame last.
	assert.Equal(t, "busy_loop", main.Frames[0].Name)
	assert.False(t, main.Frames[0].IsEntry)
	assert.Equal(t, "<module>", main.Frames[1].Name)
	assert.True(t, main.Frames[1].IsEntry)
	require.NotNil(t, main.Frames[0].ShortFilename)
	assert.Equal(t, "loopy.py", *main.Frames[0].ShortFilename)

	idle := dumps[1]
	assert.False(t, idle.Active)
	assert.Empty(t, idle.Frames)
}

func TestParseDump_Malformed(t *testing.T) {
	_, err := ParseDump([]byte("not json"))
	assert.Error(t, err)
}

func TestPySpy_MissingBinaryIsAttachError(t *testing.T) {
	spy := NewPySpy("/nonexistent/py-spy-binary", false, zerolog.Nop())

	_, err := spy.Sample(context.Background(), 12345)
	require.Error(t, err)

	var attachErr *AttachError
	assert.True(t, errors.As(err, &attachErr))
	assert.Equal(t, int32(12345), attachErr.PID)
}
