package viewer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysight-dev/pysight/internal/report"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	w := report.NewWriter(dir, zerolog.Nop())
	require.NoError(t, w.Append("1234", report.ReportEntry{
		Index: 0, Time: 0,
		Resources: report.ProcessResource{Memory: 100, CPU: 1},
	}))
	require.NoError(t, w.Close())

	srv := httptest.NewServer(New(dir, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, dir
}

func TestServer_Index(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "BUNDLED_REPORTS")
}

func TestServer_ProfilesList(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/view/profiles.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	assert.Equal(t, []string{"1234.json"}, names)
}

func TestServer_ServesRawStream(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/view/1234.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	entries, err := report.ParseStream(body)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(100), entries[0].Resources.Memory)
}

func TestServer_RejectsTraversalAndUnknown(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, p := range []string{
		"/view/../run.yaml",
		"/view/secrets.txt",
		"/view/nope.json",
	} {
		resp, err := http.Get(srv.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "path %s", p)
	}
}
