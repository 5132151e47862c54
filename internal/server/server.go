// ABOUTME: HTTP server exposing the client/agent WebSocket endpoints and REST views.
// ABOUTME: Thin serving layer; all coordination logic lives behind the dispatcher.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aetherion-ar/coordinator/internal/auth"
	"github.com/aetherion-ar/coordinator/internal/connection"
	"github.com/aetherion-ar/coordinator/internal/contextstore"
	"github.com/aetherion-ar/coordinator/internal/dispatch"
	"github.com/aetherion-ar/coordinator/internal/journal"
	"github.com/aetherion-ar/coordinator/internal/registry"
	"github.com/aetherion-ar/coordinator/internal/router"
)

// Config holds the serving-layer settings.
type Config struct {
	Addr     string
	WSPath   string // client endpoint prefix, default /ws
	JWT      auth.TokenVerifier
	AgentKey *auth.APIKeyChecker
}

// Server wires the WebSocket endpoints and REST views onto one HTTP listener.
type Server struct {
	cfg         Config
	dispatcher  *dispatch.Dispatcher
	connections *connection.Manager
	registry    *registry.Registry
	router      *router.Router
	contexts    contextstore.Store
	journal     *journal.Journal // may be nil
	logger      *slog.Logger

	httpServer *http.Server
}

// New creates a Server. journal may be nil.
func New(cfg Config, d *dispatch.Dispatcher, conns *connection.Manager, reg *registry.Registry, rt *router.Router, contexts contextstore.Store, jl *journal.Journal, logger *slog.Logger) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}

	s := &Server{
		cfg:         cfg,
		dispatcher:  d,
		connections: conns,
		registry:    reg,
		router:      rt,
		contexts:    contexts,
		journal:     jl,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/capabilities", s.handleListCapabilities)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc(cfg.WSPath+"/{client_id}", s.handleClientWS)
	mux.HandleFunc("/agent-ws/{agent_id}", s.handleAgentWS)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is online.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	online := s.registry.CountOnline()
	if online == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents online"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents online)", online)
}

// handleListAgents returns every registered agent as JSON.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"agents": s.registry.ListAll()})
}

// handleListCapabilities returns the advertised capability names.
func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"capabilities": s.registry.ListCapabilities()})
}

// handleListJobs returns recently journaled jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "job journal disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing jobs failed", "error", err)
		http.Error(w, "listing jobs failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{"jobs": jobs})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}
