package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthFunc reports component liveness for /health.
type HealthFunc func() map[string]any

// Server wraps the HTTP control surface.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	health     HealthFunc
}

// NewServer creates a server listening on host:port. Handlers register
// routes on Mux() before Start.
func NewServer(host string, port int, health HealthFunc) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		health: health,
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Mux returns the route mux for handler registration.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}
