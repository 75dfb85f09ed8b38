// Package api provides HTTP API functionality for the go-inventum gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionView is the read side of the live serial session.
type SessionView interface {
	GetStats() session.Stats
	LatestRecord() *domain.Record
	IsIdle(timeout time.Duration) bool
}

// Server represents the HTTP API server that exposes the session and accepts commands.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	session   SessionView
	commands  domain.CommandSink
	logger    zerolog.Logger
	version   string
	startTime time.Time
}

// NewServer creates a new HTTP API server reporting the given build version.
func NewServer(cfg *config.Config, version string, view SessionView, commands domain.CommandSink) *Server {
	apiServer := &Server{
		config:    cfg,
		version:   version,
		router:    mux.NewRouter(),
		session:   view,
		commands:  commands,
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/records/latest", s.handleLatestRecord).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.handleCommand).Methods(http.MethodPost)
}

// GetRouter returns the router for testing purposes.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns the session snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
		"idle":    s.session.IsIdle(s.config.Automation.StallTimeout),
		"session": s.session.GetStats(),
	}, http.StatusOK)
}

// handleLatestRecord returns the most recent datalogger record.
func (s *Server) handleLatestRecord(w http.ResponseWriter, _ *http.Request) {
	record := s.session.LatestRecord()
	if record == nil {
		s.writeError(w, "No record decoded yet", http.StatusNotFound)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"timestamp": record.Timestamp,
		"fields":    record,
	}, http.StatusOK)
}

type commandRequest struct {
	Command string `json:"command"`
}

// handleCommand queues a command for the automation engine.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cmd, err := domain.ParseCommand(req.Command)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.commands.Submit(cmd); err != nil {
		if errors.Is(err, domain.ErrMailboxFull) {
			s.writeError(w, "Command queue is full, retry later", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error().Err(err).Str("command", cmd.String()).Msg("Failed to submit command")
		s.writeError(w, "Failed to submit command", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	s.logger.Info().Str("id", id).Str("command", cmd.String()).Msg("Command accepted")

	s.writeJSON(w, map[string]interface{}{
		"id":      id,
		"command": cmd.String(),
		"status":  "accepted",
	}, http.StatusAccepted)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
