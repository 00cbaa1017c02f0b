// Package debughttp exposes an optional loopback HTTP listener with
// liveness and status endpoints for local debugging. It is disabled unless
// a listen address is configured; the admin surface proper is the unix
// socket IPC server.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cerberus/daemon/internal/state"
)

// StatusSource provides the data served by the endpoints.
type StatusSource interface {
	Snapshot() state.DashboardSnapshot
}

// Server is the debug HTTP listener.
type Server struct {
	logger *slog.Logger
	src    StatusSource
	probe  func() bool
	start  time.Time
	srv    *http.Server
}

// New builds a Server listening on addr once Start is called. probe reports
// whether the companion probe app is connected; pass nil when unknown.
func New(addr string, src StatusSource, probe func() bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if probe == nil {
		probe = func() bool { return false }
	}

	s := &Server{
		logger: logger,
		src:    src,
		probe:  probe,
		start:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/statusz", s.handleStatusz)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine. Listen errors after
// startup are logged, not fatal: the debug listener is best-effort.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("debughttp: listener failed", slog.Any("error", err))
		}
	}()
	s.logger.Info("debughttp: listening", slog.String("addr", s.srv.Addr))
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("debughttp: shutdown", slog.Any("error", err))
	}
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":             "ok",
		"uptime_s":           time.Since(s.start).Seconds(),
		"is_probe_connected": s.probe(),
	})
}

// handleStatusz serves the full dashboard snapshot.
func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.src.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
