package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	ws "github.com/gorilla/websocket"

	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/models"
	"ping-upload-coordinator/internal/websocket"
)

const defaultListLimit = 100

// Backend is the coordinator as seen by the debug API
type Backend interface {
	PendingPings(ctx context.Context, limit int) ([]models.PendingPing, error)
	Stats(ctx context.Context) (*models.Status, error)
	TriggerUpload() bool
	SetUploadEnabled(enabled bool) error
	SubmitPing(name, reason string) error
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	backend   Backend
	wsManager *websocket.Manager
	metrics   http.Handler
	upgrader  ws.Upgrader
	logger    *slog.Logger
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(backend Backend, wsManager *websocket.Manager, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		backend:   backend,
		wsManager: wsManager,
		metrics:   metrics,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.OrDiscard(logger).With("component", "api"),
	}
}

type uploadEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type submitPingRequest struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ListPings returns pending pings
func (s *Server) ListPings(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	pings, err := s.backend.PendingPings(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list pending pings", "error", err)
		http.Error(w, "Failed to fetch pings", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, pings)
}

// GetStats returns queue and scheduler status
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		http.Error(w, "Failed to fetch stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// TriggerUpload starts an upload session
func (s *Server) TriggerUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	started := s.backend.TriggerUpload()
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]bool{"started": started})
}

// SetUploadEnabled toggles upload
func (s *Server) SetUploadEnabled(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req uploadEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.backend.SetUploadEnabled(*req.Enabled); err != nil {
		s.logger.Error("failed to set upload enabled", "enabled", *req.Enabled, "error", err)
		http.Error(w, "Failed to set upload enabled", http.StatusInternalServerError)
		return
	}

	s.logger.Info("upload enabled changed", "enabled", *req.Enabled)
	s.wsManager.Broadcast()
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

// SubmitPing queues a ping submission
func (s *Server) SubmitPing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitPingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	if err := s.backend.SubmitPing(req.Name, req.Reason); err != nil {
		s.logger.Error("failed to submit ping", "ping", req.Name, "error", err)
		http.Error(w, "Failed to submit ping", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, req)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.wsManager.AddClient(conn)
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/pings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.ListPings(w, r)
	})
	mux.HandleFunc("/api/stats", s.GetStats)
	mux.HandleFunc("/api/upload", s.TriggerUpload)
	mux.HandleFunc("/api/upload-enabled", s.SetUploadEnabled)
	mux.HandleFunc("/api/pings/submit", s.SubmitPing)
	mux.HandleFunc("/ws", s.HandleWebSocket)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
