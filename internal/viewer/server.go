// Package viewer serves stored report runs to a browser. The embedded page
// fetches the raw report streams and performs its own time-axis alignment;
// the server only exposes the directory listing and the untouched streams.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pysight-dev/pysight/internal/assets"
	"github.com/pysight-dev/pysight/internal/report"
)

// Server exposes one run directory over HTTP. It is read-only and safe to
// run against a directory an active capture is still appending to.
type Server struct {
	dir    string
	logger zerolog.Logger
}

// New creates a viewer server for the given run directory.
func New(dir string, logger zerolog.Logger) *Server {
	return &Server{
		dir:    dir,
		logger: logger.With().Str("component", "viewer").Logger(),
	}
}

// Handler returns the HTTP handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /view/profiles.json", s.handleProfilesList)
	mux.HandleFunc("GET /view/{file}", s.handleStream)
	mux.HandleFunc("GET /", s.handleIndex)
	return cors(mux)
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info().Str("addr", addr).Msg("Viewer listening, this probably resolves to http://localhost" + portSuffix(addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(assets.IndexHTML())
}

func (s *Server) handleProfilesList(w http.ResponseWriter, r *http.Request) {
	ids, err := report.ListIDs(s.dir)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list report streams")
		http.Error(w, "failed to list reports", http.StatusInternalServerError)
		return
	}

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id+".json")
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(names); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write profiles listing")
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	// Only plain stream files; no path traversal.
	if name != path.Base(name) || !strings.HasSuffix(name, ".json") {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.dir, name))
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func portSuffix(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[idx:]
	}
	return ""
}
